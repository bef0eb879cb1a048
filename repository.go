package spacemap

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const defaultBatchSize = 125

// Repository stores entities of type T identified by K. K is the key field
// type, the composite key type or *DynamicID.
type Repository[K any, T any] interface {
	Get(ctx context.Context, id K, dest *T, options ...QueryOption) error
	Select(ctx context.Context, filter map[string]any, dest *[]T, options ...QueryOption) error
	Iterator(ctx context.Context, filter map[string]any, options ...QueryOption) (RowIterator[T], error)
	Insert(ctx context.Context, value T, options ...QueryOption) (K, error)
	InsertAll(ctx context.Context, values []T, options ...QueryOption) ([]K, error)
	Update(ctx context.Context, id K, keyvals map[string]any, options ...QueryOption) error
	// Upsert inserts or replaces value. When T has a version field the stored
	// version must match the one of value; it is incremented on success.
	Upsert(ctx context.Context, value *T, options ...QueryOption) error
	Delete(ctx context.Context, ids []K, options ...QueryOption) error
	Begin(ctx context.Context) (Transaction, error)
	SpaceDef() *SpaceDef
}

// RowIterator walks the result of a query. Next returns ErrNoRow once the
// rows are exhausted.
type RowIterator[T any] interface {
	Next() (*T, error)
	Close() error
}

type repository[K any, T any] struct {
	name       string
	converter  *Converter
	def        *SpaceDef
	keyDef     *SpaceDef
	format     Format
	keyColumns []string
	batchSize  int
}

func newRepository[K any, T any](name string, options []RepositoryOption[T]) (*repository[K, T], *option[T], error) {
	opt := &option[T]{batchSize: defaultBatchSize}
	for _, op := range options {
		op(opt)
	}

	if opt.converter == nil {
		c, err := New()
		if err != nil {
			return nil, nil, err
		}
		opt.converter = c
	}
	c := opt.converter

	modelType := base(reflect.TypeOf((*T)(nil)).Elem())
	def, err := c.describe(modelType)
	if err != nil {
		return nil, nil, err
	}

	format, err := c.FormatOf(modelType)
	if err != nil {
		return nil, nil, err
	}

	keyColumns, err := c.KeyColumns(modelType)
	if err != nil {
		return nil, nil, err
	}

	var keyDef *SpaceDef
	if def.CompositeKey {
		if keyDef, err = c.describe(def.Fields[def.ID].Type); err != nil {
			return nil, nil, err
		}
	}

	switch {
	case opt.name != "":
		name = opt.name
	case name == "":
		name = def.Name
	}

	if opt.batchSize <= 0 {
		opt.batchSize = defaultBatchSize
	}

	return &repository[K, T]{
		name:       name,
		converter:  c,
		def:        def,
		keyDef:     keyDef,
		format:     format,
		keyColumns: keyColumns,
		batchSize:  opt.batchSize,
	}, opt, nil
}

func (r *repository[K, T]) SpaceDef() *SpaceDef {
	return r.def
}

func (r *repository[K, T]) identifierOf(value *T) (K, error) {
	var zeroKey K
	id, err := r.converter.IdentifierFor(value)
	if err != nil {
		return zeroKey, err
	}

	k, ok := id.(K)
	if !ok {
		return zeroKey, fmt.Errorf("identifier of type %T can not be returned as %s: %w", id, typeName(reflect.TypeOf((*K)(nil)).Elem()), ErrConversion)
	}
	return k, nil
}

type filterTerm struct {
	column string
	value  any
	// set is true when value holds the accepted values of the column
	set bool
}

// keyTerms returns the column and store value of every identifier component of id.
func (r *repository[K, T]) keyTerms(id K) ([]filterTerm, error) {
	components, err := r.converter.KeyComponents(r.def.Type, id)
	if err != nil {
		return nil, err
	}

	terms := make([]filterTerm, len(components))
	for i, v := range components {
		terms[i] = filterTerm{column: r.keyColumns[i], value: v}
	}
	return terms, nil
}

// lookupField finds a field by Go name or column, composite key components included.
func (r *repository[K, T]) lookupField(name string) (FieldDef, bool) {
	if f, ok := r.def.Field(name); ok && !(f.Role == RoleID && r.def.CompositeKey) {
		return f, true
	}
	if r.keyDef != nil {
		return r.keyDef.Field(name)
	}
	return FieldDef{}, false
}

// filterTerms resolves the keys of filter to columns and converts its values
// to store values, sorted by column. Slice values stand for a set of
// accepted values unless the field itself is a slice.
func (r *repository[K, T]) filterTerms(filter map[string]any) ([]filterTerm, error) {
	terms := make([]filterTerm, 0, len(filter))
	for name, v := range filter {
		f, ok := r.lookupField(name)
		if !ok {
			return nil, fmt.Errorf("filter on «%s» of %s: %w", name, r.name, ErrUnknownColumn)
		}

		switch v.(type) {
		case FilterNull, FilterStringContains:
			terms = append(terms, filterTerm{column: f.Column, value: v})
			continue
		}

		rv := reflect.ValueOf(v)
		fk := base(f.Type).Kind()
		if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && fk != reflect.Slice && fk != reflect.Array {
			values := make([]any, rv.Len())
			for i := range values {
				val, err := r.converter.writeValue(rv.Index(i), f.Type, f.Column)
				if err != nil {
					return nil, bindingError(r.def.Type, f.Name, err)
				}
				values[i] = val
			}
			terms = append(terms, filterTerm{column: f.Column, value: values, set: true})
			continue
		}

		val, err := r.converter.writeValue(rv, f.Type, f.Column)
		if err != nil {
			return nil, bindingError(r.def.Type, f.Name, err)
		}
		terms = append(terms, filterTerm{column: f.Column, value: val})
	}

	sort.Slice(terms, func(i, j int) bool {
		return terms[i].column < terms[j].column
	})
	return terms, nil
}

// sortFieldMap maps lower cased field names and columns to columns.
func (r *repository[K, T]) sortFieldMap() map[string]string {
	m := make(map[string]string)
	fields := append([]FieldDef(nil), r.def.Fields...)
	if r.keyDef != nil {
		fields = append(fields, r.keyDef.Fields...)
	}
	for _, f := range fields {
		m[strings.ToLower(f.Name)] = f.Column
		m[strings.ToLower(f.Column)] = f.Column
	}
	return m
}

func (r *repository[K, T]) versionColumn() (string, bool) {
	f, ok := r.def.VersionField()
	return f.Column, ok
}

// initRepository inserts values, skipping the ones already stored.
func initRepository[K any, T any](repo Repository[K, T], values []T) error {
	for _, v := range values {
		if _, err := repo.Insert(context.Background(), v); err != nil {
			if !errors.Is(err, ErrKeyAlreadyExists) {
				return err
			}
		}
	}
	return nil
}
