package spacemap

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
)

// Write maps source into target. Targets are *Tuple, MapRecord,
// map[string]any, bson.M and *bson.D. Source is never modified.
func (c *Converter) Write(source any, target any) error {
	rec, ok := asTargetRecord(target)
	if !ok {
		return &UnsupportedTargetError{Target: target}
	}

	v := indirect(reflect.ValueOf(source))
	if !v.IsValid() {
		return &SchemaBindingError{Type: reflect.TypeOf(source), Err: fmt.Errorf("nil source")}
	}

	return c.writeEntity(v, rec, false)
}

// ToMap maps source into a new MapRecord.
func (c *Converter) ToMap(source any) (MapRecord, error) {
	rec := MapRecord{}
	if err := c.Write(source, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ToTuple maps source into a new tuple of format. A nil format is
// resolved with FormatOf.
func (c *Converter) ToTuple(source any, format Format) (*Tuple, error) {
	if format == nil {
		var err error
		if format, err = c.FormatOf(source); err != nil {
			return nil, err
		}
	}

	tuple := NewTuple(format)
	if err := c.Write(source, tuple); err != nil {
		return nil, err
	}
	return tuple, nil
}

// writeEntity writes the struct value v into rec. A custom converter for
// the type replaces structural mapping and always stamps the type alias.
func (c *Converter) writeEntity(v reflect.Value, rec Record, stampAlias bool) error {
	t := v.Type()
	if rule, ok := c.entityWritingRule(t); ok {
		return c.writeByRule(rule, v, rec)
	}

	def, err := c.describe(t)
	if err != nil {
		return err
	}

	if err := c.writeFields(v, def, rec); err != nil {
		return err
	}

	if stampAlias {
		return c.aliases.WriteAlias(rec, c.types.AliasOf(t))
	}
	return nil
}

func (c *Converter) entityWritingRule(t reflect.Type) (Rule, bool) {
	if rule, ok := c.coercions.EntityWritingRule(t); ok {
		return rule, true
	}
	return c.coercions.EntityWritingRule(reflect.PtrTo(t))
}

func (c *Converter) writeByRule(rule Rule, v reflect.Value, rec Record) error {
	t := v.Type()
	if rule.Source.Kind() == reflect.Ptr && t.Kind() != reflect.Ptr {
		ptr := reflect.New(t)
		ptr.Elem().Set(v)
		v = ptr
	}

	out, err := rule.apply(v)
	if err != nil {
		return bindingError(t, "", err)
	}

	if out.IsValid() && !isNilValue(out) {
		src, ok := asSourceRecord(out.Interface())
		if !ok {
			return &UnsupportedTargetError{Target: out.Interface()}
		}
		for _, name := range src.Fields() {
			val, _ := src.Get(name)
			if err := rec.Put(name, val); err != nil {
				return bindingError(t, name, err)
			}
		}
	}

	return c.aliases.WriteAlias(rec, c.types.AliasOf(t))
}

// writeFields writes the fields of v as described by def. Components of a
// composite key land next to the other fields.
func (c *Converter) writeFields(v reflect.Value, def *SpaceDef, rec Record) error {
	for _, f := range def.Fields {
		fv, ok := fieldByIndex(v, f.Index)
		if !ok {
			continue
		}

		if f.Role == RoleID && def.CompositeKey {
			kv := indirect(fv)
			if !kv.IsValid() {
				continue
			}
			keyDef, err := c.describe(kv.Type())
			if err != nil {
				return bindingError(def.Type, f.Name, err)
			}
			if err := c.writeFields(kv, keyDef, rec); err != nil {
				return err
			}
			continue
		}

		out, err := c.writeValue(fv, f.Type, f.Column)
		if err != nil {
			return bindingError(def.Type, f.Name, err)
		}
		if out == nil {
			continue
		}

		if err := rec.Put(f.Column, out); err != nil {
			return bindingError(def.Type, f.Name, err)
		}
	}

	return nil
}

// writeValue converts one value to its store representation. A nil result
// means the value is null and must not be emitted.
func (c *Converter) writeValue(v reflect.Value, declared reflect.Type, path string) (any, error) {
	runtime := indirect(v)
	if isNilValue(runtime) {
		return nil, nil
	}

	rt := runtime.Type()
	if c.coercions.IsLeaf(rt) {
		return c.coercions.write(runtime)
	}

	if _, ok := c.entityWritingRule(rt); ok {
		nested := MapRecord{}
		if err := c.writeEntity(runtime, nested, true); err != nil {
			return nil, err
		}
		return map[string]any(nested), nil
	}

	switch rt.Kind() {
	case reflect.Slice, reflect.Array:
		elemDeclared := elemOf(declared)
		out := make([]any, runtime.Len())
		for i := range out {
			elem, err := c.writeValue(runtime.Index(i), elemDeclared, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil

	case reflect.Map:
		elemDeclared := elemOf(declared)
		out := make(map[string]any, runtime.Len())
		iter := runtime.MapRange()
		for iter.Next() {
			key, ok := mapKeyString(iter.Key())
			if !ok {
				return nil, &UnsupportedKeyTypeError{Field: path, KeyType: rt.Key()}
			}
			elem, err := c.writeValue(iter.Value(), elemDeclared, path+"."+key)
			if err != nil {
				return nil, err
			}
			if elem != nil {
				out[key] = elem
			}
		}
		return out, nil

	case reflect.Struct:
		nested := MapRecord{}
		if err := c.writeEntity(runtime, nested, needsAlias(declared, rt)); err != nil {
			return nil, err
		}
		return map[string]any(nested), nil
	}

	return nil, fmt.Errorf("value of kind %s at «%s» can not be stored: %w", rt.Kind(), path, ErrConversion)
}

// needsAlias reports whether the declared type of a field is not enough to
// know the concrete type of its value.
func needsAlias(declared, runtime reflect.Type) bool {
	if declared == nil {
		return true
	}
	d := base(declared)
	return d.Kind() == reflect.Interface || d != runtime
}

func elemOf(declared reflect.Type) reflect.Type {
	if declared == nil {
		return typeOfInterface
	}
	d := base(declared)
	switch d.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return d.Elem()
	}
	return typeOfInterface
}

// mapKeyString reduces a map key to a string.
func mapKeyString(k reflect.Value) (string, bool) {
	k = indirect(k)
	if !k.IsValid() {
		return "", false
	}

	if k.Kind() == reflect.String {
		return k.String(), true
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		text, err := tm.MarshalText()
		return string(text), err == nil
	}

	switch kind := k.Kind(); {
	case isIntKind(kind):
		return strconv.FormatInt(k.Int(), 10), true
	case isUintKind(kind):
		return strconv.FormatUint(k.Uint(), 10), true
	case kind == reflect.Bool:
		return strconv.FormatBool(k.Bool()), true
	}

	return "", false
}

// fieldByIndex returns the field at index, false when an embedded pointer
// on the way is nil.
func fieldByIndex(v reflect.Value, index []int) (reflect.Value, bool) {
	for i, x := range index {
		if i > 0 {
			if v.Kind() == reflect.Ptr {
				if v.IsNil() {
					return reflect.Value{}, false
				}
				v = v.Elem()
			}
		}
		v = v.Field(x)
	}
	return v, true
}
