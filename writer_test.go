package spacemap

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/guregu/null.v4"
)

func TestWriteFlatRecord(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	rec, err := c.ToMap(event{ID: "1", Date: newYear, Text: "one"})
	require.NoError(t, err)

	assert.Equal(t, MapRecord{
		"id":   "1",
		"date": newYear.UnixMilli(),
		"text": "one",
	}, rec)
}

func TestWriteTargets(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	src := event{ID: "1", Date: newYear, Text: "one"}

	t.Run("bson.M", func(t *testing.T) {
		m := bson.M{}
		require.NoError(t, c.Write(src, m))
		assert.Equal(t, "one", m["text"])
	})

	t.Run("*bson.D keeps field order", func(t *testing.T) {
		var d bson.D
		require.NoError(t, c.Write(&src, &d))
		keys := sliceMap(d, func(e bson.E) string { return e.Key })
		assert.Equal(t, []string{"id", "date", "text"}, keys)
	})

	t.Run("*MapRecord is allocated", func(t *testing.T) {
		var rec MapRecord
		require.NoError(t, c.Write(src, &rec))
		assert.Len(t, rec, 3)
	})

	t.Run("tuple", func(t *testing.T) {
		tuple, err := c.ToTuple(src, nil)
		require.NoError(t, err)
		assert.Equal(t, []any{"1", newYear.UnixMilli(), "one"}, tuple.Values())
	})

	t.Run("unsupported target", func(t *testing.T) {
		var s string
		err := c.Write(src, &s)
		assert.ErrorIs(t, err, ErrUnsupportedTarget)
	})

	t.Run("nil source", func(t *testing.T) {
		var e *event
		err := c.Write(e, MapRecord{})
		assert.ErrorIs(t, err, ErrSchemaBinding)
	})
}

func TestWriteTupleBinding(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	narrow := Format{{Name: "id", Type: FieldTypeString}}
	_, err = c.ToTuple(event{ID: "1", Text: "one"}, narrow)
	assert.ErrorIs(t, err, ErrSchemaBinding, "text has no column")
	assert.ErrorIs(t, err, ErrUnknownColumn)

	mistyped := Format{
		{Name: "id", Type: FieldTypeInteger},
		{Name: "date", Type: FieldTypeInteger},
		{Name: "text", Type: FieldTypeString},
	}
	_, err = c.ToTuple(event{ID: "1"}, mistyped)
	assert.ErrorIs(t, err, ErrSchemaBinding)
	assert.ErrorIs(t, err, ErrConversion)
}

func TestWriteSkipsNull(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	rec, err := c.ToMap(profile{ID: "p"})
	require.NoError(t, err)
	assert.Equal(t, MapRecord{"id": "p"}, rec)

	nick, age := "neo", 0
	rec, err = c.ToMap(&profile{
		ID:      "p",
		Nick:    &nick,
		Age:     &age,
		Tags:    []string{},
		Attrs:   map[string]string{"k": "v"},
		Address: &address{City: "Zion"},
		Note:    null.StringFrom("n"),
	})
	require.NoError(t, err)
	assert.Equal(t, MapRecord{
		"id":      "p",
		"nick":    "neo",
		"age":     int64(0),
		"tags":    []any{},
		"attrs":   map[string]any{"k": "v"},
		"address": map[string]any{"street": "", "city": "Zion"},
		"note":    "n",
	}, rec)
}

func TestWriteCompositeKeyFlattened(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	src := keyedEvent{Key: eventKey{ID: "1", Date: newYear}, Text: "x"}
	rec, err := c.ToMap(src)
	require.NoError(t, err)

	assert.Equal(t, MapRecord{
		"id":   "1",
		"date": newYear.UnixMilli(),
		"text": "x",
	}, rec)
	assert.NotContains(t, rec, "key")

	tuple, err := c.ToTuple(src, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"1", newYear.UnixMilli(), "x"}, tuple.Values())
}

func TestWritePolymorphicStampsAlias(t *testing.T) {
	c, err := New(WithTypeAlias(&circle{}, "circle"))
	require.NoError(t, err)

	rec, err := c.ToMap(drawing{
		ID:     "d",
		Shape:  square{Side: 2},
		Shapes: []shape{&circle{Radius: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"side":   2.0,
		"_class": "github.com/likearthian/spacemap.square",
	}, rec["shape"])
	assert.Equal(t, []any{
		map[string]any{"radius": 1.0, "_class": "circle"},
	}, rec["shapes"])
	assert.NotContains(t, rec, "_class", "the declared top-level type needs no marker")
}

func TestWriteNestedDeclaredTypeHasNoAlias(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	rec, err := c.ToMap(profile{ID: "p", Address: &address{Street: "Main"}})
	require.NoError(t, err)
	assert.NotContains(t, rec["address"], "_class")
}

func TestWriteMapKeys(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	rec, err := c.ToMap(scores{
		ID:     "s",
		ByRank: map[int]string{1: "gold", 2: "silver"},
		ByFlag: map[bool]int{true: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"1": "gold", "2": "silver"}, rec["by_rank"])
	assert.Equal(t, map[string]any{"true": int64(1)}, rec["by_flag"])

	_, err = c.ToMap(grid{ID: "g", Cells: map[point]string{{1, 2}: "x"}})
	var keyErr *UnsupportedKeyTypeError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "cells", keyErr.Field)
}

func TestWriteCustomConverterPrecedence(t *testing.T) {
	valid := func(m money) MapRecord {
		return MapRecord{"value": fmt.Sprintf("%d %s", m.Amount, m.Currency)}
	}
	invalid := func(m money) (MapRecord, bool) {
		return nil, false
	}

	t.Run("valid converter output replaces the fields", func(t *testing.T) {
		c, err := New(WithWritingConverters(valid))
		require.NoError(t, err)

		rec, err := c.ToMap(money{Amount: 5, Currency: "EUR"})
		require.NoError(t, err)
		assert.Equal(t, MapRecord{
			"value":  "5 EUR",
			"_class": "github.com/likearthian/spacemap.money",
		}, rec)

		rec, err = c.ToMap(wallet{ID: "w", Balance: money{Amount: 5, Currency: "EUR"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"value":  "5 EUR",
			"_class": "github.com/likearthian/spacemap.money",
		}, rec["balance"])
	})

	t.Run("invalid converter output is never replaced by structural mapping", func(t *testing.T) {
		c, err := New(WithWritingConverters(valid, invalid))
		require.NoError(t, err)

		rec, err := c.ToMap(money{Amount: 5, Currency: "EUR"})
		require.NoError(t, err)
		assert.Equal(t, MapRecord{"_class": "github.com/likearthian/spacemap.money"}, rec)
	})

	t.Run("strict mode rejects the duplicate", func(t *testing.T) {
		_, err := New(WithWritingConverters(valid, invalid), WithStrictConversions())
		assert.ErrorIs(t, err, ErrAmbiguousConversion)
	})
}

func TestWriteCustomLeafConverter(t *testing.T) {
	c, err := New(WithConverters(rgb.hex, parseRGB))
	require.NoError(t, err)

	rec, err := c.ToMap(theme{ID: "t", Foreground: rgb{R: 255}, Palette: []rgb{{G: 255}, {B: 255}}})
	require.NoError(t, err)
	assert.Equal(t, MapRecord{
		"id":         "t",
		"foreground": "#ff0000",
		"palette":    []any{"#00ff00", "#0000ff"},
	}, rec)
}

func TestWriteDoesNotMutateSource(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	src := &drawing{ID: "d", Named: map[string]shape{"a": square{Side: 1}}}
	_, err = c.ToMap(src)
	require.NoError(t, err)
	assert.Equal(t, &drawing{ID: "d", Named: map[string]shape{"a": square{Side: 1}}}, src)
}

func TestWriteInvalidConverterError(t *testing.T) {
	failing := func(m money) (MapRecord, error) {
		return nil, fmt.Errorf("no currency")
	}
	c, err := New(WithWritingConverters(failing))
	require.NoError(t, err)

	_, err = c.ToMap(money{})
	require.ErrorIs(t, err, ErrSchemaBinding)
	assert.True(t, strings.Contains(err.Error(), "no currency"))
}
