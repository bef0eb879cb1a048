package spacemap

import (
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"
)

// Converter maps Go values to store records and back. It is safe for
// concurrent use once created.
type Converter struct {
	aliases      AliasAccessor
	types        *TypeResolver
	coercions    *CoercionRegistry
	schemas      *SchemaRegistry
	constructors map[reflect.Type]*constructor
	logger       logrus.FieldLogger
}

type constructor struct {
	fn         reflect.Value
	params     []reflect.Type
	returnsPtr bool
	hasErr     bool
}

func New(options ...ConverterOption) (*Converter, error) {
	opt := defaultConverterOption()
	for _, op := range options {
		op(opt)
	}

	rules, err := opt.buildRules()
	if err != nil {
		return nil, err
	}

	coercions, err := NewCoercionRegistry(opt.strict, rules...)
	if err != nil {
		return nil, err
	}

	schemas := opt.registry
	if schemas == nil {
		schemas = newSchemaRegistry(opt, coercions.IsLeaf)
	}

	c := &Converter{
		aliases:      AliasAccessor{Field: schemas.aliasField},
		types:        NewTypeResolver(),
		coercions:    coercions,
		schemas:      schemas,
		constructors: make(map[reflect.Type]*constructor),
		logger:       opt.logger,
	}

	for _, rule := range rules {
		c.logger.WithFields(logrus.Fields{
			"direction": rule.Direction,
			"source":    typeName(rule.Source),
			"target":    typeName(rule.Target),
		}).Debug("custom conversion registered")
	}

	for _, ta := range opt.aliases {
		t := sampleType(ta.sample)
		if t == nil {
			return nil, fmt.Errorf("type alias %q: %w", ta.alias, ErrSchemaNotFound)
		}
		c.types.Register(t, ta.alias)
	}

	for _, fn := range opt.constructors {
		if err := c.registerConstructor(fn); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Registry returns the schema registry of the converter.
func (c *Converter) Registry() *SchemaRegistry {
	return c.schemas
}

// Coercions returns the coercion registry of the converter.
func (c *Converter) Coercions() *CoercionRegistry {
	return c.coercions
}

// Describe returns the space definition of the type of v.
func (c *Converter) Describe(v any) (*SpaceDef, error) {
	return c.describe(sampleType(v))
}

func (c *Converter) describe(t reflect.Type) (*SpaceDef, error) {
	def, err := c.schemas.Describe(t)
	if err != nil {
		return nil, err
	}
	c.types.Register(def.Type, "")
	return def, nil
}

// FormatOf returns the tuple format of the space of v: the format declared
// in a mapping file, then by SpaceFormatter, then one derived from the fields.
func (c *Converter) FormatOf(v any) (Format, error) {
	def, err := c.Describe(v)
	if err != nil {
		return nil, err
	}

	if f, ok := c.schemas.Format(def.Name); ok {
		return f, nil
	}
	if sf, ok := reflect.New(def.Type).Interface().(SpaceFormatter); ok {
		return sf.SpaceFormat(), nil
	}

	var keyDef *SpaceDef
	if def.CompositeKey {
		if keyDef, err = c.describe(def.Fields[def.ID].Type); err != nil {
			return nil, err
		}
	}
	return deriveFormat(def, keyDef, c.coercions.IsLeaf), nil
}

func (c *Converter) registerConstructor(fn any) error {
	fnVal := reflect.ValueOf(fn)
	if !fnVal.IsValid() || fnVal.Kind() != reflect.Func {
		return ErrConstructorIsNotAFunction
	}

	fnType := fnVal.Type()
	if fnType.IsVariadic() || fnType.NumOut() == 0 || fnType.NumOut() > 2 {
		return fmt.Errorf("constructor %s: %w", fnType, ErrConstructorIsNotAFunction)
	}
	if fnType.NumOut() == 2 && !fnType.Out(1).Implements(typeOfError) {
		return fmt.Errorf("constructor %s: %w", fnType, ErrConstructorIsNotAFunction)
	}

	out := fnType.Out(0)
	ctor := &constructor{
		fn:         fnVal,
		returnsPtr: out.Kind() == reflect.Ptr,
		hasErr:     fnType.NumOut() == 2,
	}

	def, err := c.describe(out)
	if err != nil {
		return err
	}
	if fnType.NumIn() > len(def.Fields) {
		return &SchemaBindingError{Type: def.Type, Err: fmt.Errorf("constructor takes %d arguments, type has %d fields: %w", fnType.NumIn(), len(def.Fields), ErrConstructorArgumentMismatch)}
	}
	for i := 0; i < fnType.NumIn(); i++ {
		param := fnType.In(i)
		if param != def.Fields[i].Type {
			return &SchemaBindingError{Type: def.Type, Field: def.Fields[i].Name, Err: fmt.Errorf("argument #%d is %s, field is %s: %w", i, param, def.Fields[i].Type, ErrConstructorArgumentMismatch)}
		}
		ctor.params = append(ctor.params, param)
	}

	c.constructors[def.Type] = ctor
	return nil
}

// call instantiates a value through the constructor, values are the field
// values in declared order, invalid ones passed as zero.
func (ctor *constructor) call(values []reflect.Value) (reflect.Value, error) {
	args := make([]reflect.Value, len(ctor.params))
	for i, p := range ctor.params {
		if i < len(values) && values[i].IsValid() {
			args[i] = values[i]
		} else {
			args[i] = reflect.Zero(p)
		}
	}

	out := ctor.fn.Call(args)
	if ctor.hasErr && !out[1].IsNil() {
		return reflect.Value{}, out[1].Interface().(error)
	}

	v := out[0]
	if ctor.returnsPtr {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("constructor returned nil")
		}
		return v, nil
	}

	ptr := reflect.New(v.Type())
	ptr.Elem().Set(v)
	return ptr, nil
}
