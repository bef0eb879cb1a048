package spacemap

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

var typeOfMapRecord = reflect.TypeOf(MapRecord(nil))

// Read maps the record source into target, which must be a non-nil pointer.
// Fields absent from the record keep their zero value.
func (c *Converter) Read(source any, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return &UnsupportedTargetError{Target: target}
	}

	rec, ok := asSourceRecord(source)
	if !ok {
		return &UnsupportedSourceError{Source: source}
	}

	out, err := c.readEntity(rec, source, rv.Elem().Type())
	if err != nil {
		return err
	}
	if out.IsValid() {
		rv.Elem().Set(out)
	}
	return nil
}

// ReadAs reads source into a new value of type T.
func ReadAs[T any](c *Converter, source any) (T, error) {
	var out T
	err := c.Read(source, &out)
	return out, err
}

// readEntity reads rec into a value assignable to declared. raw is the record
// as the caller passed it, custom reading converters are matched on its type.
func (c *Converter) readEntity(rec Record, raw any, declared reflect.Type) (reflect.Value, error) {
	resolved := base(declared)
	if alias, ok := c.aliases.AliasFor(rec); ok {
		if t, found := c.types.Resolve(alias); found && compatible(t, declared) {
			resolved = t
		} else {
			c.logger.WithFields(logrus.Fields{
				"alias":    alias,
				"declared": typeName(declared),
			}).Debug("type alias not resolvable, using declared type")
		}
	}

	if out, ok, err := c.readByRule(rec, raw, resolved); ok {
		if err != nil {
			return reflect.Value{}, bindingError(resolved, "", err)
		}
		if !out.IsValid() {
			return reflect.Value{}, nil
		}
		return fitValue(out, declared)
	}

	if resolved.Kind() == reflect.Interface {
		return reflect.Value{}, &SchemaNotFoundError{Type: resolved, Reason: "record carries no resolvable type alias"}
	}

	def, err := c.describe(resolved)
	if err != nil {
		return reflect.Value{}, err
	}

	values := make([]reflect.Value, len(def.Fields))
	for i, f := range def.Fields {
		if f.Role == RoleID && def.CompositeKey {
			kv, err := c.readCompositeKey(rec, f.Type)
			if err != nil {
				return reflect.Value{}, bindingError(def.Type, f.Name, err)
			}
			values[i] = kv
			continue
		}

		rawVal, ok := rec.Get(f.Column)
		if !ok {
			continue
		}

		val, err := c.readValue(rawVal, f.Type, f.Column)
		if err != nil {
			return reflect.Value{}, bindingError(def.Type, f.Name, err)
		}
		values[i] = val
	}

	ptr, err := c.instantiate(def, values)
	if err != nil {
		return reflect.Value{}, err
	}
	return fitValue(ptr, declared)
}

// readByRule applies a custom reading converter producing t or *t. The record
// is offered as-is first, then as a plain map.
func (c *Converter) readByRule(rec Record, raw any, t reflect.Type) (reflect.Value, bool, error) {
	targets := []reflect.Type{t, reflect.PtrTo(t)}

	rawType := reflect.TypeOf(raw)
	for _, target := range targets {
		if rule, ok := c.coercions.RuleFor(Reading, rawType, target); ok {
			out, err := rule.apply(reflect.ValueOf(raw))
			return out, true, err
		}
	}

	for _, src := range []reflect.Type{typeOfAnyMap, typeOfMapRecord} {
		if src == rawType {
			continue
		}
		for _, target := range targets {
			rule, ok := c.coercions.RuleFor(Reading, src, target)
			if !ok {
				continue
			}
			m := make(map[string]any, len(rec.Fields()))
			for _, name := range rec.Fields() {
				m[name], _ = rec.Get(name)
			}
			out, err := rule.apply(reflect.ValueOf(m))
			return out, true, err
		}
	}

	return reflect.Value{}, false, nil
}

// readCompositeKey assembles the key value from components stored next to
// the other fields of rec.
func (c *Converter) readCompositeKey(rec Record, keyType reflect.Type) (reflect.Value, error) {
	keyDef, err := c.describe(keyType)
	if err != nil {
		return reflect.Value{}, err
	}

	values := make([]reflect.Value, len(keyDef.Fields))
	for i, f := range keyDef.Fields {
		rawVal, ok := rec.Get(f.Column)
		if !ok {
			return reflect.Value{}, &MissingIdentifierComponentError{Type: keyDef.Type, Component: f.Column}
		}
		val, err := c.readValue(rawVal, f.Type, f.Column)
		if err != nil {
			return reflect.Value{}, bindingError(keyDef.Type, f.Name, err)
		}
		values[i] = val
	}

	ptr, err := c.instantiate(keyDef, values)
	if err != nil {
		return reflect.Value{}, err
	}
	return fitValue(ptr, keyType)
}

// readValue converts a raw store value into declared. An invalid result
// means null.
func (c *Converter) readValue(raw any, declared reflect.Type, path string) (reflect.Value, error) {
	if raw == nil {
		return reflect.Value{}, nil
	}
	rawV := reflect.ValueOf(raw)

	if declared.Kind() == reflect.Ptr {
		inner, err := c.readValue(raw, declared.Elem(), path)
		if err != nil || !inner.IsValid() {
			return reflect.Value{}, err
		}
		ptr := reflect.New(declared.Elem())
		ptr.Elem().Set(inner)
		return ptr, nil
	}

	if rule, ok := c.coercions.RuleFor(Reading, rawV.Type(), declared); ok {
		return rule.apply(rawV)
	}

	if c.coercions.IsLeaf(declared) {
		return c.coercions.read(rawV, declared)
	}

	switch declared.Kind() {
	case reflect.Interface:
		if rec, ok := asDocument(raw); ok {
			alias, hasAlias := c.aliases.AliasFor(rec)
			_, known := c.types.Resolve(alias)
			if declared.NumMethod() > 0 || hasAlias && known {
				return c.readEntity(rec, raw, declared)
			}
		}
		if rawV.Type().Implements(declared) {
			out := reflect.New(declared).Elem()
			out.Set(rawV)
			return out, nil
		}
		return reflect.Value{}, fmt.Errorf(errConvertWrap, raw, rawV.Type(), typeName(declared), ErrConversion)

	case reflect.Slice, reflect.Array:
		if rawV.Kind() != reflect.Slice && rawV.Kind() != reflect.Array {
			return reflect.Value{}, fmt.Errorf(errConvertWrap, raw, rawV.Type(), typeName(declared), ErrConversion)
		}
		n := rawV.Len()
		var out reflect.Value
		if declared.Kind() == reflect.Slice {
			out = reflect.MakeSlice(declared, n, n)
		} else {
			if n > declared.Len() {
				return reflect.Value{}, fmt.Errorf(errConvertWrap, raw, rawV.Type(), typeName(declared), ErrConversion)
			}
			out = reflect.New(declared).Elem()
		}
		for i := 0; i < n; i++ {
			elem, err := c.readValue(rawV.Index(i).Interface(), declared.Elem(), path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return reflect.Value{}, err
			}
			if elem.IsValid() {
				out.Index(i).Set(elem)
			}
		}
		return out, nil

	case reflect.Map:
		if d, ok := raw.(bson.D); ok {
			rawV = reflect.ValueOf(d.Map())
		}
		if rawV.Kind() != reflect.Map {
			return reflect.Value{}, fmt.Errorf(errConvertWrap, raw, rawV.Type(), typeName(declared), ErrConversion)
		}
		out := reflect.MakeMapWithSize(declared, rawV.Len())
		iter := rawV.MapRange()
		for iter.Next() {
			name, ok := mapKeyString(iter.Key())
			if !ok {
				return reflect.Value{}, &UnsupportedKeyTypeError{Field: path, KeyType: iter.Key().Type()}
			}
			key, err := readMapKey(name, declared.Key())
			if err != nil {
				return reflect.Value{}, &UnsupportedKeyTypeError{Field: path, KeyType: declared.Key()}
			}
			elem, err := c.readValue(iter.Value().Interface(), declared.Elem(), path+"."+name)
			if err != nil {
				return reflect.Value{}, err
			}
			if !elem.IsValid() {
				elem = reflect.Zero(declared.Elem())
			}
			out.SetMapIndex(key, elem)
		}
		return out, nil

	case reflect.Struct:
		rec, ok := asSourceRecord(raw)
		if !ok {
			return reflect.Value{}, fmt.Errorf(errConvertWrap, raw, rawV.Type(), typeName(declared), ErrConversion)
		}
		return c.readEntity(rec, raw, declared)
	}

	return c.coercions.read(rawV, declared)
}

// asDocument returns raw as a record when it is a nested document.
func asDocument(raw any) (Record, bool) {
	if _, ok := raw.(bson.D); !ok && reflect.ValueOf(raw).Kind() != reflect.Map {
		return nil, false
	}
	return asSourceRecord(raw)
}

// readMapKey turns a stored map key back into a key of type t.
func readMapKey(name string, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.String {
		return reflect.ValueOf(name).Convert(t), nil
	}

	if reflect.PtrTo(t).Implements(typeOfTextUnmarshaler) {
		ptr := reflect.New(t)
		if err := ptr.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(name)); err != nil {
			return reflect.Value{}, err
		}
		return ptr.Elem(), nil
	}

	if t.Kind() == reflect.Bool {
		b, err := strconv.ParseBool(name)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b).Convert(t), nil
	}

	return convertKind(reflect.ValueOf(name), t)
}

// instantiate creates the value described by def. A registered constructor
// receives the leading field values; the remaining fields are assigned.
func (c *Converter) instantiate(def *SpaceDef, values []reflect.Value) (reflect.Value, error) {
	ptr := reflect.New(def.Type)
	consumed := 0
	if ctor, ok := c.constructors[def.Type]; ok {
		out, err := ctor.call(values)
		if err != nil {
			return reflect.Value{}, &SchemaBindingError{Type: def.Type, Err: err}
		}
		ptr = out
		consumed = len(ctor.params)
	}

	for i := consumed; i < len(def.Fields); i++ {
		if !values[i].IsValid() {
			continue
		}
		f := def.Fields[i]
		fv := fieldByIndexAlloc(ptr.Elem(), f.Index)
		if !fv.CanSet() {
			return reflect.Value{}, &SchemaBindingError{Type: def.Type, Field: f.Name, Err: fmt.Errorf("field is not settable")}
		}
		fv.Set(values[i])
	}

	return ptr, nil
}

// fitValue adapts ptr, a pointer to a struct, to the declared type.
func fitValue(v reflect.Value, declared reflect.Type) (reflect.Value, error) {
	switch {
	case v.Type() == declared:
		return v, nil
	case v.Kind() == reflect.Ptr && v.Elem().Type() == declared:
		return v.Elem(), nil
	case v.Kind() != reflect.Ptr && reflect.PtrTo(v.Type()) == declared:
		ptr := reflect.New(v.Type())
		ptr.Elem().Set(v)
		return ptr, nil
	}

	if declared.Kind() == reflect.Ptr {
		inner, err := fitValue(v, declared.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(declared.Elem())
		ptr.Elem().Set(inner)
		return ptr, nil
	}

	if declared.Kind() == reflect.Interface {
		elem := v
		if v.Kind() == reflect.Ptr {
			elem = v.Elem()
		}
		if elem.Type().Implements(declared) {
			return elem, nil
		}
		if v.Kind() == reflect.Ptr && v.Type().Implements(declared) {
			return v, nil
		}
	}

	return reflect.Value{}, fmt.Errorf("value of type «%s» can not be assigned to «%s»: %w", typeName(v.Type()), typeName(declared), ErrConversion)
}

// compatible reports whether a value of type t may be read into declared.
func compatible(t, declared reflect.Type) bool {
	d := base(declared)
	if d == t {
		return true
	}
	if d.Kind() == reflect.Interface {
		return t.Implements(d) || reflect.PtrTo(t).Implements(d)
	}
	return false
}

// fieldByIndexAlloc returns the field at index, allocating nil embedded
// pointers on the way.
func fieldByIndexAlloc(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				if !v.CanSet() {
					return reflect.Value{}
				}
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}
