package spacemap

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/guregu/null.v4"
)

var newYear = time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)

type event struct {
	ID   string    `space:"id,key"`
	Date time.Time `space:"date"`
	Text string    `space:"text"`
}

type eventKey struct {
	ID   string    `space:"id"`
	Date time.Time `space:"date"`
}

type keyedEvent struct {
	Key  eventKey `space:"key,key"`
	Text string   `space:"text"`
}

type measurement struct {
	Sensor string    `space:"sensor,keypart"`
	At     time.Time `space:"at,keypart"`
	Value  float64
}

type measurementID struct {
	Sensor string
	At     time.Time
}

type level int

const (
	levelLow level = iota + 1
	levelHigh
)

type leaves struct {
	ID     int64 `space:"id,key"`
	Small  int8
	Count  uint16
	Ratio  float32
	Flag   bool
	Name   string
	Level  level
	When   time.Time
	UID    uuid.UUID
	Amount decimal.Decimal
	Raw    []byte
	Nick   null.String
	Score  null.Int
}

type address struct {
	Street string
	City   string
}

type profile struct {
	ID      string `space:"id,key"`
	Nick    *string
	Age     *int
	Tags    []string
	Attrs   map[string]string
	Address *address
	Note    null.String
}

type shape interface {
	Area() float64
}

type square struct {
	Side float64
}

func (s square) Area() float64 { return s.Side * s.Side }

type circle struct {
	Radius float64
}

func (c *circle) Area() float64 { return math.Pi * c.Radius * c.Radius }

type drawing struct {
	ID     string `space:"id,key"`
	Shape  shape
	Shapes []shape
	Named  map[string]shape
}

type money struct {
	Amount   int64
	Currency string
}

type wallet struct {
	ID      string `space:"id,key"`
	Balance money
}

type rgb struct {
	R, G, B uint8
}

func (c rgb) hex() string { return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B) }

func parseRGB(s string) (rgb, error) {
	var c rgb
	_, err := fmt.Sscanf(s, "#%02x%02x%02x", &c.R, &c.G, &c.B)
	return c, err
}

type theme struct {
	ID         string `space:"id,key"`
	Foreground rgb
	Palette    []rgb
}

type document struct {
	ID      string `space:"id,key"`
	Version int    `space:"version,version"`
	Body    string
}

type account struct {
	ID      string `space:"id,key"`
	Owner   string
	Balance int64
	built   bool
}

type book struct {
	ISBN   string `space:"isbn,key"`
	Title  string
	Author string
	Cache  string `space:"-"`
}

func (book) SpaceName() string { return "library_books" }

type audit struct {
	CreatedBy string
	UpdatedBy string
}

type article struct {
	Space `name:"articles"`
	audit
	ID    string `space:"id,key"`
	Title string `space:"headline"`
	Draft bool   `space:",transient"`
}

type point struct {
	X, Y int
}

type grid struct {
	ID    string `space:"id,key"`
	Cells map[point]string
}

type scores struct {
	ID     string `space:"id,key"`
	ByRank map[int]string
	ByFlag map[bool]int
}
