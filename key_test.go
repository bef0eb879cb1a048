package spacemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierFor(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	id, err := c.IdentifierFor(event{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	key := eventKey{ID: "1", Date: newYear}
	id, err = c.IdentifierFor(&keyedEvent{Key: key})
	require.NoError(t, err)
	assert.Equal(t, key, id)

	id, err = c.IdentifierFor(measurement{Sensor: "s", At: newYear, Value: 1})
	require.NoError(t, err)
	dyn, ok := id.(*DynamicID)
	require.True(t, ok)
	assert.Equal(t, []string{"Sensor", "At"}, dyn.Names())
	sensor, _ := dyn.Get("Sensor")
	assert.Equal(t, "s", sensor)

	_, err = c.IdentifierFor(address{})
	assert.ErrorIs(t, err, ErrNoIdentifier)

	_, err = c.IdentifierFor(nil)
	assert.ErrorIs(t, err, ErrUnsupportedSource)
}

func TestIsNew(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	tests := []struct {
		name   string
		entity any
		want   bool
	}{
		{"zero key", event{}, true},
		{"key set", event{ID: "1"}, false},
		{"zero composite key", keyedEvent{}, true},
		{"composite key set", keyedEvent{Key: eventKey{ID: "1"}}, false},
		{"zero key parts", measurement{Value: 3}, true},
		{"one key part set", measurement{Sensor: "s"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.IsNew(tt.entity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyComponents(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	millis := newYear.UnixMilli()

	tests := []struct {
		name   string
		entity any
		id     any
		want   []any
	}{
		{"plain key", event{}, "1", []any{"1"}},
		{"single component dynamic id", event{}, NewDynamicID().With("id", "1"), []any{"1"}},
		{"composite key value", keyedEvent{}, eventKey{ID: "1", Date: newYear}, []any{"1", millis}},
		{"composite key pointer", keyedEvent{}, &eventKey{ID: "1", Date: newYear}, []any{"1", millis}},
		{"composite key by field names", keyedEvent{}, map[string]any{"ID": "1", "Date": newYear}, []any{"1", millis}},
		{"composite key by columns", keyedEvent{}, map[string]any{"id": "1", "date": newYear}, []any{"1", millis}},
		{"dynamic id struct", measurement{}, measurementID{Sensor: "s", At: newYear}, []any{"s", millis}},
		{"dynamic id by columns", measurement{}, NewDynamicID().With("at", newYear).With("sensor", "s"), []any{"s", millis}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.KeyComponents(tt.entity, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyComponentsMissing(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	_, err = c.KeyComponents(keyedEvent{}, map[string]any{"id": "1"})
	var missing *MissingIdentifierComponentError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "Date", missing.Component)

	_, err = c.KeyComponents(event{}, nil)
	assert.ErrorIs(t, err, ErrMissingIdentifierComponent)

	_, err = c.KeyComponents(address{}, "x")
	assert.ErrorIs(t, err, ErrNoIdentifier)
}

func TestKeyColumns(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	cols, err := c.KeyColumns(event{})
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, cols)

	cols, err = c.KeyColumns(&keyedEvent{})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "date"}, cols)

	cols, err = c.KeyColumns(measurement{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor", "at"}, cols)
}

func TestDynamicID(t *testing.T) {
	id := NewDynamicID().With("sensor", "s").With("at", 1).With("sensor", "t")

	assert.Equal(t, []string{"sensor", "at"}, id.Names(), "overwriting keeps the position")
	assert.Equal(t, 2, id.Len())
	assert.False(t, id.IsEmpty())
	assert.Equal(t, "{sensor: t, at: 1}", id.String())

	var nilID *DynamicID
	assert.True(t, nilID.IsEmpty())
	_, ok := nilID.Get("x")
	assert.False(t, ok)
}

func TestDynamicIDBind(t *testing.T) {
	var dst measurementID
	err := NewDynamicID().With("sensor", "s").With("AT", newYear).With("other", 1).Bind(&dst)
	require.NoError(t, err)
	assert.Equal(t, measurementID{Sensor: "s", At: newYear}, dst)

	type counter struct {
		Seq int
	}
	var cnt counter
	require.NoError(t, NewDynamicID().With("seq", int64(5)).Bind(&cnt))
	assert.Equal(t, 5, cnt.Seq)

	err = NewDynamicID().With("seq", "five").Bind(&cnt)
	assert.ErrorIs(t, err, ErrSchemaBinding)

	assert.ErrorIs(t, NewDynamicID().Bind(dst), ErrUnsupportedTarget)
}

func TestDynamicIDOf(t *testing.T) {
	id, err := DynamicIDOf(measurementID{Sensor: "s"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Sensor", "At"}, id.Names())

	id, err = DynamicIDOf(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, id.Names())

	same := NewDynamicID()
	id, err = DynamicIDOf(same)
	require.NoError(t, err)
	assert.Same(t, same, id)

	_, err = DynamicIDOf(map[int]int{1: 1})
	assert.ErrorIs(t, err, ErrUnsupportedKeyType)

	_, err = DynamicIDOf(42)
	assert.ErrorIs(t, err, ErrUnsupportedSource)
}

func TestVersion(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	v, ok, err := c.VersionOf(document{ID: "d", Version: 3})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)

	_, ok, err = c.VersionOf(event{})
	require.NoError(t, err)
	assert.False(t, ok)

	doc := document{ID: "d"}
	require.NoError(t, c.SetVersion(&doc, 4))
	assert.Equal(t, 4, doc.Version)

	require.NoError(t, c.SetVersion(&event{}, 4), "types without a version are left alone")
	assert.ErrorIs(t, c.SetVersion(doc, 5), ErrUnsupportedTarget)
}

type stationReading struct {
	Station *string `space:"station,keypart"`
	Seq     *int64  `space:"seq,keypart"`
	Value   float64
}

func TestIdentifierForNilKeyParts(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	id, err := c.IdentifierFor(stationReading{})
	require.NoError(t, err)
	assert.True(t, id.(*DynamicID).IsEmpty())

	isNew, err := c.IsNew(stationReading{})
	require.NoError(t, err)
	assert.True(t, isNew)

	station := "p"
	_, err = c.IdentifierFor(stationReading{Station: &station})
	var missing *MissingIdentifierComponentError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "Seq", missing.Component)

	isNew, err = c.IsNew(stationReading{Station: &station})
	require.NoError(t, err)
	assert.True(t, isNew)

	seq := int64(2)
	id, err = c.IdentifierFor(stationReading{Station: &station, Seq: &seq})
	require.NoError(t, err)
	assert.Equal(t, []string{"Station", "Seq"}, id.(*DynamicID).Names())
}
