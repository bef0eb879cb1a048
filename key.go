package spacemap

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// DynamicID is an identifier assembled from the keypart fields of a type
// that declares no key field. Components keep their insertion order.
type DynamicID struct {
	names  []string
	values map[string]any
}

func NewDynamicID() *DynamicID {
	return &DynamicID{values: make(map[string]any)}
}

// With sets a component. Setting an existing name keeps its position.
func (id *DynamicID) With(name string, value any) *DynamicID {
	if _, ok := id.values[name]; !ok {
		id.names = append(id.names, name)
	}
	id.values[name] = value
	return id
}

func (id *DynamicID) Get(name string) (any, bool) {
	if id == nil {
		return nil, false
	}
	v, ok := id.values[name]
	return v, ok
}

func (id *DynamicID) Names() []string {
	if id == nil {
		return nil
	}
	return append([]string(nil), id.names...)
}

func (id *DynamicID) Len() int {
	if id == nil {
		return 0
	}
	return len(id.names)
}

func (id *DynamicID) IsEmpty() bool {
	return id.Len() == 0
}

func (id *DynamicID) String() string {
	parts := make([]string, 0, id.Len())
	for _, name := range id.Names() {
		parts = append(parts, fmt.Sprintf("%s: %v", name, id.values[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Bind copies the components into the fields of the struct dst points to.
// Components are matched by Go field name, case insensitively; the ones
// without a matching field are ignored.
func (id *DynamicID) Bind(dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return &UnsupportedTargetError{Target: dst}
	}
	rv = rv.Elem()

	for _, name := range id.Names() {
		fv := rv.FieldByNameFunc(func(field string) bool {
			return strings.EqualFold(field, name)
		})
		if !fv.IsValid() || !fv.CanSet() {
			continue
		}

		val := reflect.ValueOf(id.values[name])
		if !val.IsValid() {
			continue
		}
		switch {
		case val.Type().AssignableTo(fv.Type()):
			fv.Set(val)
		default:
			converted, err := convertKind(val, fv.Type())
			if err != nil {
				return &SchemaBindingError{Type: rv.Type(), Field: name, Err: err}
			}
			fv.Set(converted)
		}
	}

	return nil
}

// DynamicIDOf builds a DynamicID from a struct, taking its exported fields in
// declared order, or from a string-keyed map, taking its keys sorted.
func DynamicIDOf(v any) (*DynamicID, error) {
	switch id := v.(type) {
	case *DynamicID:
		if id == nil {
			return nil, &UnsupportedSourceError{Source: v}
		}
		return id, nil
	case DynamicID:
		return &id, nil
	}

	rv := indirect(reflect.ValueOf(v))
	if !rv.IsValid() {
		return nil, &UnsupportedSourceError{Source: v}
	}

	id := NewDynamicID()
	switch rv.Kind() {
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			id.With(t.Field(i).Name, rv.Field(i).Interface())
		}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &UnsupportedKeyTypeError{KeyType: rv.Type().Key()}
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		for _, k := range keys {
			id.With(k, rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
		}
	default:
		return nil, &UnsupportedSourceError{Source: v}
	}

	return id, nil
}

// IdentifierFor returns the identifier of entity: the key field value, a
// composite key value or a DynamicID built from the keypart fields.
// A DynamicID is empty when every keypart holds nil; when only some of them
// do, a MissingIdentifierComponentError names the first nil one.
func (c *Converter) IdentifierFor(entity any) (any, error) {
	rv := indirect(reflect.ValueOf(entity))
	if !rv.IsValid() {
		return nil, &UnsupportedSourceError{Source: entity}
	}

	def, err := c.describe(rv.Type())
	if err != nil {
		return nil, err
	}

	switch {
	case def.ID >= 0:
		f := def.Fields[def.ID]
		fv, ok := fieldByIndex(rv, f.Index)
		if !ok {
			return nil, &MissingIdentifierComponentError{Type: def.Type, Component: f.Name}
		}
		if def.CompositeKey {
			kv := indirect(fv)
			if !kv.IsValid() {
				return nil, &MissingIdentifierComponentError{Type: def.Type, Component: f.Name}
			}
			return kv.Interface(), nil
		}
		return fv.Interface(), nil

	case def.DynamicID:
		id := NewDynamicID()
		missing := ""
		for _, f := range def.KeyParts() {
			fv, ok := fieldByIndex(rv, f.Index)
			if !ok || isNilValue(fv) {
				if missing == "" {
					missing = f.Name
				}
				continue
			}
			id.With(f.Name, fv.Interface())
		}
		if missing != "" && !id.IsEmpty() {
			return nil, &MissingIdentifierComponentError{Type: def.Type, Component: missing}
		}
		return id, nil
	}

	return nil, &SchemaBindingError{Type: def.Type, Err: ErrNoIdentifier}
}

// IsNew reports whether entity has no complete identifier yet. A dynamic
// identifier holding zero components only counts as new.
func (c *Converter) IsNew(entity any) (bool, error) {
	id, err := c.IdentifierFor(entity)
	if err != nil {
		if errors.Is(err, ErrMissingIdentifierComponent) {
			return true, nil
		}
		return false, err
	}

	if dyn, ok := id.(*DynamicID); ok {
		for _, name := range dyn.Names() {
			v, _ := dyn.Get(name)
			if rv := reflect.ValueOf(v); rv.IsValid() && !rv.IsZero() {
				return false, nil
			}
		}
		return true, nil
	}

	rv := reflect.ValueOf(id)
	return !rv.IsValid() || rv.IsZero(), nil
}

// KeyComponents returns the store values of the identifier id of entity, in
// key order. id may be the key value itself, a DynamicID, a string-keyed map
// or a struct with fields named after the key components.
func (c *Converter) KeyComponents(entity any, id any) ([]any, error) {
	def, err := c.describe(sampleType(entity))
	if err != nil {
		return nil, err
	}

	var parts []FieldDef
	switch {
	case def.CompositeKey:
		keyType := def.Fields[def.ID].Type
		keyDef, err := c.describe(keyType)
		if err != nil {
			return nil, err
		}

		if kv := indirect(reflect.ValueOf(id)); kv.IsValid() && kv.Type() == keyDef.Type {
			out := make([]any, 0, len(keyDef.Fields))
			for _, f := range keyDef.Fields {
				fv, _ := fieldByIndex(kv, f.Index)
				val, err := c.writeValue(fv, f.Type, f.Column)
				if err != nil {
					return nil, bindingError(keyDef.Type, f.Name, err)
				}
				if val == nil {
					return nil, &MissingIdentifierComponentError{Type: keyDef.Type, Component: f.Column}
				}
				out = append(out, val)
			}
			return out, nil
		}
		parts = keyDef.Fields

	case def.DynamicID:
		parts = def.KeyParts()

	case def.ID >= 0:
		f := def.Fields[def.ID]
		if dyn, ok := id.(*DynamicID); ok && dyn.Len() == 1 {
			id, _ = dyn.Get(dyn.Names()[0])
		}
		val, err := c.writeValue(reflect.ValueOf(id), f.Type, f.Column)
		if err != nil {
			return nil, bindingError(def.Type, f.Name, err)
		}
		if val == nil {
			return nil, &MissingIdentifierComponentError{Type: def.Type, Component: f.Column}
		}
		return []any{val}, nil

	default:
		return nil, &SchemaBindingError{Type: def.Type, Err: ErrNoIdentifier}
	}

	dyn, err := DynamicIDOf(id)
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(parts))
	for _, f := range parts {
		v, ok := dyn.Get(f.Name)
		if !ok {
			v, ok = dyn.Get(f.Column)
		}
		if !ok || v == nil {
			return nil, &MissingIdentifierComponentError{Type: def.Type, Component: f.Name}
		}
		val, err := c.writeValue(reflect.ValueOf(v), f.Type, f.Column)
		if err != nil {
			return nil, bindingError(def.Type, f.Name, err)
		}
		out = append(out, val)
	}
	return out, nil
}

// KeyColumns returns the record fields holding the identifier of entity, in
// the order KeyComponents returns their values.
func (c *Converter) KeyColumns(entity any) ([]string, error) {
	def, err := c.describe(sampleType(entity))
	if err != nil {
		return nil, err
	}

	switch {
	case def.CompositeKey:
		keyDef, err := c.describe(def.Fields[def.ID].Type)
		if err != nil {
			return nil, err
		}
		return keyDef.Columns(), nil
	case def.DynamicID:
		return sliceMap(def.KeyParts(), func(f FieldDef) string { return f.Column }), nil
	case def.ID >= 0:
		return []string{def.Fields[def.ID].Column}, nil
	}

	return nil, &SchemaBindingError{Type: def.Type, Err: ErrNoIdentifier}
}

// VersionOf returns the version field value of entity, false when the type
// has no version field.
func (c *Converter) VersionOf(entity any) (int64, bool, error) {
	rv := indirect(reflect.ValueOf(entity))
	if !rv.IsValid() {
		return 0, false, &UnsupportedSourceError{Source: entity}
	}

	def, err := c.describe(rv.Type())
	if err != nil {
		return 0, false, err
	}
	f, ok := def.VersionField()
	if !ok {
		return 0, false, nil
	}

	fv, ok := fieldByIndex(rv, f.Index)
	if !ok {
		return 0, true, nil
	}
	fv = indirect(fv)
	switch {
	case !fv.IsValid():
		return 0, true, nil
	case isIntKind(fv.Kind()):
		return fv.Int(), true, nil
	case isUintKind(fv.Kind()):
		return int64(fv.Uint()), true, nil
	}
	return 0, true, &SchemaBindingError{Type: def.Type, Field: f.Name, Err: ErrConversion}
}

// SetVersion stores version into the version field of the entity pointed to.
func (c *Converter) SetVersion(entity any, version int64) error {
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return &UnsupportedTargetError{Target: entity}
	}
	rv = indirect(rv)

	def, err := c.describe(rv.Type())
	if err != nil {
		return err
	}
	f, ok := def.VersionField()
	if !ok {
		return nil
	}

	fv := fieldByIndexAlloc(rv, f.Index)
	if fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		fv = fv.Elem()
	}

	out, err := convertKind(reflect.ValueOf(version), fv.Type())
	if err != nil {
		return &SchemaBindingError{Type: def.Type, Field: f.Name, Err: err}
	}
	fv.Set(out)
	return nil
}
