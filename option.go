package spacemap

import (
	"reflect"

	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"
)

type ConverterOption func(o *converterOption)

type typeAlias struct {
	sample any
	alias  string
}

type converterOption struct {
	aliasField   string
	tagName      string
	naming       NamingStrategy
	converters   []any
	readers      []any
	writers      []any
	rules        []Rule
	strict       bool
	logger       logrus.FieldLogger
	registry     *SchemaRegistry
	constructors []any
	aliases      []typeAlias
	mappings     []*MappingFile
}

func defaultConverterOption() *converterOption {
	return &converterOption{
		aliasField: DefaultAliasField,
		tagName:    "space",
		naming:     strcase.ToSnake,
		logger:     logrus.StandardLogger(),
	}
}

// buildRules turns the registered converter functions into rules, in
// registration order: generic converters, then readers, writers and rules.
func (o *converterOption) buildRules() ([]Rule, error) {
	var rules []Rule
	for _, fn := range o.converters {
		rule, err := InferRule(fn)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	for _, fn := range o.readers {
		rule, err := ReadingRule(fn)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	for _, fn := range o.writers {
		rule, err := WritingRule(fn)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return append(rules, o.rules...), nil
}

// WithAliasField sets the record field that carries the type alias marker.
// The default is "_class".
func WithAliasField(name string) ConverterOption {
	return func(o *converterOption) {
		if name != "" {
			o.aliasField = name
		}
	}
}

// WithTagName sets the struct tag key read for field mapping, "space" by default.
func WithTagName(tag string) ConverterOption {
	return func(o *converterOption) {
		if tag != "" {
			o.tagName = tag
		}
	}
}

// WithNamingStrategy sets how column names are derived from Go field names
// when a tag gives none. The default is snake_case.
func WithNamingStrategy(ns NamingStrategy) ConverterOption {
	return func(o *converterOption) {
		if ns != nil {
			o.naming = ns
		}
	}
}

// WithConverters registers custom converter functions, see NewRule for the
// accepted shapes. The direction is inferred from the function signature.
// Custom converters always take precedence over built-in rules and over
// structural mapping; the last registered one wins.
func WithConverters(fns ...any) ConverterOption {
	return func(o *converterOption) {
		o.converters = append(o.converters, fns...)
	}
}

// WithReadingConverters registers store to host converter functions.
func WithReadingConverters(fns ...any) ConverterOption {
	return func(o *converterOption) {
		o.readers = append(o.readers, fns...)
	}
}

// WithWritingConverters registers host to store converter functions.
func WithWritingConverters(fns ...any) ConverterOption {
	return func(o *converterOption) {
		o.writers = append(o.writers, fns...)
	}
}

func WithRules(rules ...Rule) ConverterOption {
	return func(o *converterOption) {
		o.rules = append(o.rules, rules...)
	}
}

// WithStrictConversions rejects two custom converters claiming the same
// direction and type pair instead of letting the last one win.
func WithStrictConversions() ConverterOption {
	return func(o *converterOption) {
		o.strict = true
	}
}

func WithLogger(logger logrus.FieldLogger) ConverterOption {
	return func(o *converterOption) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegistry shares a schema registry between converters. Tag name,
// naming strategy, alias field and mappings are then taken from the registry.
func WithRegistry(registry *SchemaRegistry) ConverterOption {
	return func(o *converterOption) {
		o.registry = registry
	}
}

// WithConstructor registers a constructor used to instantiate its result
// type on read. Its parameters receive the values of the first fields of the
// type, in declared order:
//
//	spacemap.WithConstructor(func(id string, date time.Time) *Event { ... })
func WithConstructor(fn any) ConverterOption {
	return func(o *converterOption) {
		o.constructors = append(o.constructors, fn)
	}
}

// WithTypeAlias writes alias instead of the fully qualified type name of
// sample into the type alias marker.
func WithTypeAlias(sample any, alias string) ConverterOption {
	return func(o *converterOption) {
		o.aliases = append(o.aliases, typeAlias{sample: sample, alias: alias})
	}
}

// WithTypes makes the types of samples resolvable from their alias before
// they are first written. A converter that only reads records written by
// another converter or process needs it for every type stored in a
// polymorphic field.
func WithTypes(samples ...any) ConverterOption {
	return func(o *converterOption) {
		for _, s := range samples {
			o.aliases = append(o.aliases, typeAlias{sample: s})
		}
	}
}

// WithMappingFile applies the space mappings of mf.
func WithMappingFile(mf *MappingFile) ConverterOption {
	return func(o *converterOption) {
		if mf != nil {
			o.mappings = append(o.mappings, mf)
		}
	}
}

func sampleType(sample any) reflect.Type {
	if t, ok := sample.(reflect.Type); ok {
		return t
	}
	t := reflect.TypeOf(sample)
	if t == nil {
		return nil
	}
	// (*Shape)(nil) names the interface Shape
	if t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Interface {
		return t.Elem()
	}
	return t
}

type RepositoryOption[T any] func(o *option[T])

type option[T any] struct {
	initValues []T
	name       string
	converter  *Converter
	batchSize  int
}

func InitWith[T any](values []T) RepositoryOption[T] {
	return func(o *option[T]) {
		o.initValues = values
	}
}

// WithName overrides the space (collection, table) name of the entity.
func WithName[T any](name string) RepositoryOption[T] {
	return func(o *option[T]) {
		o.name = name
	}
}

// WithConverter sets the converter mapping entities to records.
func WithConverter[T any](c *Converter) RepositoryOption[T] {
	return func(o *option[T]) {
		o.converter = c
	}
}

// WithBatchSize sets how many records InsertAll sends per statement.
func WithBatchSize[T any](size int) RepositoryOption[T] {
	return func(o *option[T]) {
		o.batchSize = size
	}
}

type QueryOption func(o *queryOption)

type queryOption struct {
	Tx              Transaction
	Limit           int
	Offset          int64
	Sorter          []string
	IgnoreDuplicate bool
}

// WithTransaction returns a QueryOption that sets the transaction
// to use for the query.
func WithTransaction(tx Transaction) QueryOption {
	return func(o *queryOption) {
		o.Tx = tx
	}
}

// WithLimit returns a QueryOption that sets the limit for the
// number of rows to return.
func WithLimit(limit int) QueryOption {
	return func(o *queryOption) {
		o.Limit = limit
	}
}

// WithOffset returns a QueryOption that sets the offset for the
// rows returned.
func WithOffset(offset int64) QueryOption {
	return func(o *queryOption) {
		o.Offset = offset
	}
}

// WithSorter returns a QueryOption that sets the sorting order for the query.
// The sorter parameter is a variadic slice of field names to sort by, prefixed by "-" for descending order, and prefixed by "+" for ascending order.
//
// example:
//
//	WithSorter("-name", "+age")
func WithSorter(sorter ...string) QueryOption {
	return func(o *queryOption) {
		o.Sorter = sorter
	}
}

// WithIgnoreDuplicate returns a QueryOption that sets IgnoreDuplicate
// to true. To be used with Insert operation. When set to true, duplicate rows will be discarded
func WithIgnoreDuplicate() QueryOption {
	return func(o *queryOption) {
		o.IgnoreDuplicate = true
	}
}

func applyQueryOptions(options []QueryOption) *queryOption {
	opt := &queryOption{}
	for _, op := range options {
		op(opt)
	}
	return opt
}
