package spacemap

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpaceTag(t *testing.T) {
	tests := []struct {
		tag  string
		want tagOptions
	}{
		{"", tagOptions{}},
		{"name", tagOptions{name: "name"}},
		{"id,key", tagOptions{name: "id", key: true}},
		{"id,key=false", tagOptions{name: "id"}},
		{"sensor,keypart", tagOptions{name: "sensor", keyPart: true}},
		{"rev,version", tagOptions{name: "rev", version: true}},
		{",transient", tagOptions{transient: true}},
		{"-", tagOptions{transient: true}},
		{"a, key version", tagOptions{name: "a", key: true, version: true}},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			assert.Equal(t, tt.want, parseSpaceTag(tt.tag))
		})
	}
}

func TestDescribe(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	t.Run("tags and naming strategy", func(t *testing.T) {
		def, err := c.Describe(event{})
		require.NoError(t, err)

		assert.Equal(t, "event", def.Name)
		assert.Equal(t, []string{"id", "date", "text"}, def.Columns())
		id, ok := def.IDField()
		require.True(t, ok)
		assert.Equal(t, "ID", id.Name)
		assert.False(t, def.CompositeKey)
		assert.False(t, def.DynamicID)
	})

	t.Run("pointer described by element", func(t *testing.T) {
		a, err := c.Describe(&event{})
		require.NoError(t, err)
		b, err := c.Describe(event{})
		require.NoError(t, err)
		assert.Same(t, a, b)
	})

	t.Run("model space name and transient", func(t *testing.T) {
		def, err := c.Describe(book{})
		require.NoError(t, err)

		assert.Equal(t, "library_books", def.Name)
		assert.Equal(t, []string{"isbn", "title", "author"}, def.Columns())
	})

	t.Run("space marker and embedded struct", func(t *testing.T) {
		def, err := c.Describe(article{})
		require.NoError(t, err)

		assert.Equal(t, "articles", def.Name)
		assert.Equal(t, []string{"created_by", "updated_by", "id", "headline"}, def.Columns())
		f, ok := def.Field("CreatedBy")
		require.True(t, ok)
		assert.Equal(t, []int{1, 0}, f.Index)
	})

	t.Run("composite key", func(t *testing.T) {
		def, err := c.Describe(keyedEvent{})
		require.NoError(t, err)

		assert.True(t, def.CompositeKey)
		assert.Equal(t, reflect.TypeOf(eventKey{}), def.Fields[def.ID].Nested)
	})

	t.Run("dynamic identifier", func(t *testing.T) {
		def, err := c.Describe(measurement{})
		require.NoError(t, err)

		assert.True(t, def.DynamicID)
		assert.Equal(t, -1, def.ID)
		parts := sliceMap(def.KeyParts(), func(f FieldDef) string { return f.Name })
		assert.Equal(t, []string{"Sensor", "At"}, parts)
	})

	t.Run("version field", func(t *testing.T) {
		def, err := c.Describe(document{})
		require.NoError(t, err)

		f, ok := def.VersionField()
		require.True(t, ok)
		assert.Equal(t, "version", f.Column)
	})

	t.Run("nested type", func(t *testing.T) {
		def, err := c.Describe(profile{})
		require.NoError(t, err)

		f, _ := def.Field("Address")
		assert.Equal(t, reflect.TypeOf(address{}), f.Nested)
		f, _ = def.Field("Tags")
		assert.Nil(t, f.Nested)
	})
}

func TestDescribeErrors(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	type twoKeys struct {
		A string `space:"a,key"`
		B string `space:"b,key"`
	}
	type keyAndParts struct {
		A string `space:"a,key"`
		B string `space:"b,keypart"`
	}
	type textVersion struct {
		ID  string `space:"id,key"`
		Rev string `space:"rev,version"`
	}
	type aliasColumn struct {
		Class string `space:"_class"`
	}
	type sameColumn struct {
		A string `space:"x"`
		B string `space:"x"`
	}

	tests := []struct {
		name   string
		sample any
		target error
	}{
		{"not a struct", 42, ErrSchemaNotFound},
		{"leaf struct", time.Time{}, ErrSchemaNotFound},
		{"two keys", twoKeys{}, ErrSchemaBinding},
		{"key with keyparts", keyAndParts{}, ErrSchemaBinding},
		{"non integer version", textVersion{}, ErrSchemaBinding},
		{"alias column", aliasColumn{}, ErrSchemaBinding},
		{"duplicate column", sameColumn{}, ErrSchemaBinding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Describe(tt.sample)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	var notFound *SchemaNotFoundError
	_, err = c.Describe(42)
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, reflect.TypeOf(0), notFound.Type)
}

func TestDescribeConcurrently(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	const n = 16
	defs := make([]*SpaceDef, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			def, err := c.Describe(leaves{})
			assert.NoError(t, err)
			defs[i] = def
		}(i)
	}
	wg.Wait()

	for _, def := range defs[1:] {
		assert.Same(t, defs[0], def)
	}
}

func TestFormatOf(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	format, err := c.FormatOf(keyedEvent{})
	require.NoError(t, err)

	assert.Equal(t, Format{
		{Name: "id", Type: FieldTypeString},
		{Name: "date", Type: FieldTypeInteger},
		{Name: "text", Type: FieldTypeString, IsNullable: true},
	}, format)
}

func TestNamingStrategy(t *testing.T) {
	type order struct {
		OrderID      string `space:",key"`
		CustomerName string
	}

	tests := []struct {
		naming string
		want   []string
	}{
		{"snake", []string{"order_id", "customer_name"}},
		{"camel", []string{"OrderID", "CustomerName"}},
		{"kebab", []string{"order-id", "customer-name"}},
		{"none", []string{"OrderID", "CustomerName"}},
	}

	for _, tt := range tests {
		t.Run(tt.naming, func(t *testing.T) {
			ns, ok := NamingStrategyByName(tt.naming)
			require.True(t, ok)

			c, err := New(WithNamingStrategy(ns))
			require.NoError(t, err)

			def, err := c.Describe(order{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, def.Columns())
		})
	}
}

type ChainNode struct {
	*ChainNode
	ID    string `space:"id,key"`
	Label string
}

type ChainLink struct {
	ChainHead
}

type ChainHead struct {
	*ChainLink
	Head string `space:"head,key"`
}

func TestDescribeSelfEmbedding(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	def, err := c.Describe(ChainNode{})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "label"}, def.Columns())

	def, err = c.Describe(ChainLink{})
	require.NoError(t, err)
	assert.Equal(t, []string{"head"}, def.Columns())

	rec, err := c.ToMap(ChainNode{ChainNode: &ChainNode{ID: "inner"}, ID: "outer", Label: "l"})
	require.NoError(t, err)
	assert.Equal(t, MapRecord{"id": "outer", "label": "l"}, rec)
}
