package spacemap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

func newTestMongoRepository[K any, T any](t *testing.T, options ...RepositoryOption[T]) *mongoRepository[K, T] {
	t.Helper()
	r, _, err := newRepository[K, T]("", options)
	require.NoError(t, err)
	return &mongoRepository[K, T]{repository: r}
}

func TestMongoKeyFilter(t *testing.T) {
	plain := newTestMongoRepository[string, event](t)
	filter, err := plain.keyFilter("1")
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "id", Value: "1"}}, filter)

	composite := newTestMongoRepository[eventKey, keyedEvent](t)
	filter, err = composite.keyFilter(eventKey{ID: "1", Date: newYear})
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "id", Value: "1"},
		{Key: "date", Value: newYear.UnixMilli()},
	}, filter)

	dynamic := newTestMongoRepository[*DynamicID, measurement](t)
	filter, err = dynamic.keyFilter(NewDynamicID().With("Sensor", "s").With("At", newYear))
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "sensor", Value: "s"},
		{Key: "at", Value: newYear.UnixMilli()},
	}, filter)

	_, err = dynamic.keyFilter(NewDynamicID().With("Sensor", "s"))
	assert.ErrorIs(t, err, ErrMissingIdentifierComponent)
}

func TestMongoFilter(t *testing.T) {
	repo := newTestMongoRepository[string, leaves](t)

	terms, err := repo.filterTerms(map[string]any{
		"ID":    []int64{1, 2},
		"Name":  FilterStringContainsFrom("a.b"),
		"Nick":  FilterNullFrom(true),
		"Score": FilterNullFrom(false),
		"Level": levelHigh,
		"Small": []int8{3},
		"When":  newYear,
	})
	require.NoError(t, err)

	assert.Equal(t, bson.D{
		{Key: "id", Value: bson.M{"$in": []any{int64(1), int64(2)}}},
		{Key: "level", Value: int64(2)},
		{Key: "name", Value: primitive.Regex{Pattern: `a\.b`}},
		{Key: "nick", Value: nil},
		{Key: "score", Value: bson.M{"$ne": nil}},
		{Key: "small", Value: int64(3)},
		{Key: "when", Value: newYear.UnixMilli()},
	}, parseFilterTermsIntoFilter(terms))

	_, err = repo.filterTerms(map[string]any{"Unknown": 1})
	assert.ErrorIs(t, err, ErrUnknownColumn)
}

func TestMongoSliceFieldFilter(t *testing.T) {
	repo := newTestMongoRepository[string, profile](t)

	terms, err := repo.filterTerms(map[string]any{"Tags": []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "tags", Value: []any{"a", "b"}}}, parseFilterTermsIntoFilter(terms),
		"a slice on a slice field is matched as a whole")
}

func TestMakeMongoSort(t *testing.T) {
	repo := newTestMongoRepository[eventKey, keyedEvent](t)

	assert.Equal(t, bson.D{
		{Key: "date", Value: -1},
		{Key: "text", Value: 1},
		{Key: "other", Value: 1},
	}, makeMongoSort([]string{"-Date", "+Text", "other"}, repo.sortFieldMap()))

	assert.Nil(t, makeMongoSort(nil, nil))
}

func TestWrapMongoError(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	assert.ErrorIs(t, wrapMongoError(dup), ErrKeyAlreadyExists)
	assert.ErrorIs(t, wrapMongoError(fmt.Errorf("find: %w", mongo.ErrNoDocuments)), ErrKeyNotFound)
	assert.NoError(t, wrapMongoError(nil))

	other := fmt.Errorf("connection reset")
	assert.Equal(t, other, wrapMongoError(other))
}

func TestRepositoryOptions(t *testing.T) {
	c, err := New(WithNamingStrategy(func(name string) string { return "x_" + name }))
	require.NoError(t, err)

	r, opt, err := newRepository[string, event]("", []RepositoryOption[event]{
		WithConverter[event](c),
		WithBatchSize[event](-1),
		InitWith([]event{{ID: "1"}}),
	})
	require.NoError(t, err)

	assert.Equal(t, "x_event", r.name)
	assert.Equal(t, defaultBatchSize, r.batchSize)
	assert.Equal(t, []string{"id"}, r.keyColumns, "tagged columns are not renamed")
	assert.Equal(t, []string{"id", "date", "text"}, r.format.Names())
	assert.Len(t, opt.initValues, 1)

	r, _, err = newRepository[string, event]("events", []RepositoryOption[event]{WithBatchSize[event](10)})
	require.NoError(t, err)
	assert.Equal(t, "events", r.name)
	assert.Equal(t, 10, r.batchSize)

	_, _, err = newRepository[string, int]("", nil)
	assert.ErrorIs(t, err, ErrSchemaNotFound)
}

func TestQueryOptions(t *testing.T) {
	opt := applyQueryOptions([]QueryOption{
		WithLimit(5),
		WithOffset(10),
		WithSorter("-date", "id"),
		WithIgnoreDuplicate(),
	})

	assert.Equal(t, 5, opt.Limit)
	assert.Equal(t, int64(10), opt.Offset)
	assert.Equal(t, []string{"-date", "id"}, opt.Sorter)
	assert.True(t, opt.IgnoreDuplicate)
	assert.Nil(t, opt.Tx)
}
