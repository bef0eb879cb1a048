package spacemap

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
)

// Record is the storage-side view of one entity instance.
type Record interface {
	Get(name string) (any, bool)
	Put(name string, value any) error
	// Fields returns the names of the fields holding a value.
	Fields() []string
}

// FieldType is the declared storage type of a tuple column.
type FieldType string

const (
	FieldTypeAny       FieldType = "any"
	FieldTypeScalar    FieldType = "scalar"
	FieldTypeString    FieldType = "string"
	FieldTypeUnsigned  FieldType = "unsigned"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeNumber    FieldType = "number"
	FieldTypeDouble    FieldType = "double"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeVarbinary FieldType = "varbinary"
	FieldTypeUUID      FieldType = "uuid"
	FieldTypeDecimal   FieldType = "decimal"
	FieldTypeArray     FieldType = "array"
	FieldTypeMap       FieldType = "map"
)

var (
	typeOfBytes   = reflect.TypeOf([]byte(nil))
	typeOfUUID    = reflect.TypeOf(uuid.UUID{})
	typeOfDecimal = reflect.TypeOf(decimal.Decimal{})
)

// Accepts reports whether value may be stored in a column of this type.
// Nil is always accepted, nullability is the store's business.
func (ft FieldType) Accepts(value any) bool {
	if value == nil {
		return true
	}

	rv := reflect.ValueOf(value)
	kind := rv.Kind()
	switch ft {
	case "", FieldTypeAny:
		return true
	case FieldTypeScalar:
		return rv.Type() == typeOfBytes || (kind != reflect.Slice && kind != reflect.Array && kind != reflect.Map) || rv.Type() == typeOfUUID
	case FieldTypeString:
		return kind == reflect.String
	case FieldTypeUnsigned:
		return isUintKind(kind) || (isIntKind(kind) && rv.Int() >= 0)
	case FieldTypeInteger:
		return isIntKind(kind) || isUintKind(kind)
	case FieldTypeNumber:
		return isIntKind(kind) || isUintKind(kind) || isFloatKind(kind) || rv.Type() == typeOfDecimal
	case FieldTypeDouble:
		return isFloatKind(kind)
	case FieldTypeBoolean:
		return kind == reflect.Bool
	case FieldTypeVarbinary:
		return rv.Type() == typeOfBytes
	case FieldTypeUUID:
		return rv.Type() == typeOfUUID
	case FieldTypeDecimal:
		return rv.Type() == typeOfDecimal
	case FieldTypeArray:
		return (kind == reflect.Slice || kind == reflect.Array) && rv.Type() != typeOfBytes && rv.Type() != typeOfUUID
	case FieldTypeMap:
		return kind == reflect.Map
	}

	return false
}

type FormatField struct {
	Name       string    `yaml:"name" mapstructure:"name"`
	Type       FieldType `yaml:"type" mapstructure:"type"`
	IsNullable bool      `yaml:"is_nullable" mapstructure:"is_nullable"`
}

// Format is the ordered column layout of a space.
type Format []FormatField

func (f Format) Index(name string) int {
	for i := range f {
		if f[i].Name == name {
			return i
		}
	}
	return -1
}

func (f Format) Names() []string {
	return sliceMap(f, func(val FormatField) string {
		return val.Name
	})
}

// Tuple is an ordered, named-column record. Columns are addressed by the
// names of its Format.
type Tuple struct {
	format Format
	values []any
}

// NewTuple creates a tuple for format. Missing trailing values are nil,
// extra values are kept so that positional access still works.
func NewTuple(format Format, values ...any) *Tuple {
	n := len(format)
	if len(values) > n {
		n = len(values)
	}
	tuple := &Tuple{format: format, values: make([]any, n)}
	copy(tuple.values, values)
	return tuple
}

func (t *Tuple) Format() Format {
	return t.format
}

// Values returns the tuple values in column order.
func (t *Tuple) Values() []any {
	values := make([]any, len(t.values))
	copy(values, t.values)
	return values
}

func (t *Tuple) Len() int {
	return len(t.values)
}

func (t *Tuple) Get(name string) (any, bool) {
	i := t.format.Index(name)
	if i < 0 || i >= len(t.values) || t.values[i] == nil {
		return nil, false
	}
	return t.values[i], true
}

func (t *Tuple) Put(name string, value any) error {
	i := t.format.Index(name)
	if i < 0 {
		return fmt.Errorf("column «%s» is not in tuple format %v: %w", name, t.format.Names(), ErrUnknownColumn)
	}

	field := t.format[i]
	if !field.Type.Accepts(value) {
		return fmt.Errorf("value type «%T» is not applicable for %s-type column «%s»: %w", value, field.Type, name, ErrConversion)
	}

	for len(t.values) <= i {
		t.values = append(t.values, nil)
	}
	t.values[i] = value
	return nil
}

func (t *Tuple) Fields() []string {
	var names []string
	for i, field := range t.format {
		if i < len(t.values) && t.values[i] != nil {
			names = append(names, field.Name)
		}
	}
	return names
}

// MapRecord is the string-keyed dynamic record form.
type MapRecord map[string]any

func (m MapRecord) Get(name string) (any, bool) {
	v, ok := m[name]
	if v == nil {
		return nil, false
	}
	return v, ok
}

func (m MapRecord) Put(name string, value any) error {
	m[name] = value
	return nil
}

// Fields returns the field names sorted.
func (m MapRecord) Fields() []string {
	names := make([]string, 0, len(m))
	for k, v := range m {
		if v != nil {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// docRecord views an ordered bson document as a record.
type docRecord struct {
	doc *bson.D
}

func (d docRecord) Get(name string) (any, bool) {
	for _, e := range *d.doc {
		if e.Key == name {
			return e.Value, e.Value != nil
		}
	}
	return nil, false
}

func (d docRecord) Put(name string, value any) error {
	for i := range *d.doc {
		if (*d.doc)[i].Key == name {
			(*d.doc)[i].Value = value
			return nil
		}
	}
	*d.doc = append(*d.doc, bson.E{Key: name, Value: value})
	return nil
}

func (d docRecord) Fields() []string {
	var names []string
	for _, e := range *d.doc {
		if e.Value != nil {
			names = append(names, e.Key)
		}
	}
	return names
}

// mapView is a read only record over any map with string keys.
type mapView struct {
	v reflect.Value
}

func (m mapView) Get(name string) (any, bool) {
	v := m.v.MapIndex(reflect.ValueOf(name).Convert(m.v.Type().Key()))
	if !v.IsValid() {
		return nil, false
	}
	if isNilValue(v) {
		return nil, false
	}
	return v.Interface(), true
}

func (m mapView) Put(name string, value any) error {
	return fmt.Errorf("map of type «%s» is read only: %w", m.v.Type(), ErrUnsupportedTarget)
}

func (m mapView) Fields() []string {
	var names []string
	iter := m.v.MapRange()
	for iter.Next() {
		if !isNilValue(iter.Value()) {
			names = append(names, iter.Key().String())
		}
	}
	sort.Strings(names)
	return names
}

// asSourceRecord recognizes the record representations the reader accepts.
func asSourceRecord(source any) (Record, bool) {
	switch s := source.(type) {
	case nil:
		return nil, false
	case *Tuple:
		return s, s != nil
	case Tuple:
		return &s, true
	case MapRecord:
		return s, true
	case map[string]any:
		return MapRecord(s), true
	case bson.M:
		return MapRecord(s), true
	case bson.D:
		return docRecord{doc: &s}, true
	case *bson.D:
		return docRecord{doc: s}, s != nil
	case Record:
		return s, true
	}

	rv := reflect.ValueOf(source)
	for rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String && !rv.IsNil() {
		return mapView{v: rv}, true
	}

	return nil, false
}

// asTargetRecord recognizes the record representations the writer fills.
func asTargetRecord(target any) (Record, bool) {
	switch t := target.(type) {
	case *Tuple:
		return t, t != nil
	case MapRecord:
		return t, t != nil
	case map[string]any:
		return MapRecord(t), t != nil
	case bson.M:
		return MapRecord(t), t != nil
	case *bson.D:
		return docRecord{doc: t}, t != nil
	case *MapRecord:
		if t == nil {
			return nil, false
		}
		if *t == nil {
			*t = MapRecord{}
		}
		return *t, true
	}

	return nil, false
}

// isRecordType reports whether t is one of the map record representations a
// custom entity converter may produce or consume.
func isRecordType(t reflect.Type) bool {
	switch t {
	case reflect.TypeOf(MapRecord(nil)), reflect.TypeOf(map[string]any(nil)), reflect.TypeOf(bson.M(nil)), reflect.TypeOf(bson.D(nil)), reflect.TypeOf((*Tuple)(nil)):
		return true
	}
	return false
}
