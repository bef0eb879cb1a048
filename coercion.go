package spacemap

import (
	"encoding"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/guregu/null.v4"
)

// Direction tells which way a Rule converts.
type Direction int

const (
	// Reading converts a store value into a host value.
	Reading Direction = iota
	// Writing converts a host value into a store value.
	Writing
)

func (d Direction) String() string {
	switch d {
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	default:
		return "unknown"
	}
}

var (
	typeOfTime            = reflect.TypeOf(time.Time{})
	typeOfInterface       = reflect.TypeOf((*any)(nil)).Elem()
	typeOfError           = reflect.TypeOf((*error)(nil)).Elem()
	typeOfTextMarshaler   = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	typeOfTextUnmarshaler = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
	typeOfAnySlice        = reflect.TypeOf([]any(nil))
	typeOfAnyMap          = reflect.TypeOf(map[string]any(nil))
)

// Rule is one direction of a coercion between a store type and a host type.
type Rule struct {
	Direction Direction
	Source    reflect.Type
	Target    reflect.Type
	fn        reflect.Value
	hasBool   bool
	hasErr    bool
}

// NewRule builds a rule from a converter function. Supported shapes:
//   - func(src S) D
//   - func(src S) (D, bool)
//   - func(src S) (D, error)
//   - func(src S) (D, bool, error)
//
// A false bool result means "no value", the field is then treated as null.
func NewRule(dir Direction, fn any) (Rule, error) {
	fnVal := reflect.ValueOf(fn)
	if !fnVal.IsValid() || fnVal.Kind() != reflect.Func {
		return Rule{}, ErrConverterIsNotAFunction
	}

	fnType := fnVal.Type()
	if fnType.NumIn() != 1 || fnType.NumOut() == 0 || fnType.IsVariadic() {
		return Rule{}, ErrIsNotAConverter
	}

	rule := Rule{
		Direction: dir,
		Source:    fnType.In(0),
		Target:    fnType.Out(0),
		fn:        fnVal,
	}

	switch fnType.NumOut() {
	case 1:
	case 2:
		last := fnType.Out(1)
		switch {
		case last.Kind() == reflect.Bool:
			rule.hasBool = true
		case last.Implements(typeOfError):
			rule.hasErr = true
		default:
			return Rule{}, ErrIsNotAConverter
		}
	case 3:
		if fnType.Out(1).Kind() != reflect.Bool || !fnType.Out(2).Implements(typeOfError) {
			return Rule{}, ErrIsNotAConverter
		}
		rule.hasBool = true
		rule.hasErr = true
	default:
		return Rule{}, ErrIsNotAConverter
	}

	return rule, nil
}

// ReadingRule builds a store to host rule from fn, see NewRule.
func ReadingRule(fn any) (Rule, error) {
	return NewRule(Reading, fn)
}

// WritingRule builds a host to store rule from fn, see NewRule.
func WritingRule(fn any) (Rule, error) {
	return NewRule(Writing, fn)
}

// InferRule builds a rule guessing its direction: a function producing a
// store type from a host type is a writing rule, the opposite is a reading one.
func InferRule(fn any) (Rule, error) {
	rule, err := NewRule(Reading, fn)
	if err != nil {
		return rule, err
	}

	srcStore, dstStore := isStoreType(rule.Source), isStoreType(rule.Target)
	switch {
	case dstStore && !srcStore:
		rule.Direction = Writing
	case srcStore && !dstStore:
		rule.Direction = Reading
	default:
		return Rule{}, fmt.Errorf("direction of «%s» -> «%s» can not be inferred, use ReadingRule or WritingRule: %w", typeName(rule.Source), typeName(rule.Target), ErrIsNotAConverter)
	}

	return rule, nil
}

func mustRule(dir Direction, fn any) Rule {
	rule, err := NewRule(dir, fn)
	if err != nil {
		panic(err)
	}
	return rule
}

// Convert applies the rule to v.
func (r Rule) Convert(v any) (any, error) {
	out, err := r.apply(reflect.ValueOf(v))
	if err != nil || !out.IsValid() {
		return nil, err
	}
	return out.Interface(), nil
}

// apply returns an invalid value when the rule reports "no value".
func (r Rule) apply(v reflect.Value) (reflect.Value, error) {
	if !v.IsValid() {
		v = reflect.Zero(r.Source)
	}
	if v.Type() != r.Source {
		if !v.Type().ConvertibleTo(r.Source) || isNumberKind(v.Kind()) && r.Source.Kind() == reflect.String {
			return reflect.Value{}, fmt.Errorf(errConvertWrap, v, v.Type(), typeName(r.Source), ErrConversion)
		}
		v = v.Convert(r.Source)
	}

	out := r.fn.Call([]reflect.Value{v})
	if r.hasErr {
		if errVal := out[len(out)-1]; !errVal.IsNil() {
			return reflect.Value{}, fmt.Errorf("%s rule «%s» -> «%s»: %w", r.Direction, typeName(r.Source), typeName(r.Target), errVal.Interface().(error))
		}
	}
	if r.hasBool && !out[1].Bool() {
		return reflect.Value{}, nil
	}

	return out[0], nil
}

var builtinRules = []Rule{
	// temporal values are stored as epoch milliseconds
	mustRule(Writing, func(t time.Time) int64 { return t.UnixMilli() }),
	mustRule(Reading, func(ms int64) time.Time { return time.UnixMilli(ms) }),
	mustRule(Reading, func(ms float64) time.Time { return time.UnixMilli(int64(ms)) }),
	mustRule(Reading, func(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }),

	// narrow numbers are widened
	mustRule(Writing, func(v int) int64 { return int64(v) }),
	mustRule(Writing, func(v int8) int64 { return int64(v) }),
	mustRule(Writing, func(v int16) int64 { return int64(v) }),
	mustRule(Writing, func(v int32) int64 { return int64(v) }),
	mustRule(Writing, func(v uint) uint64 { return uint64(v) }),
	mustRule(Writing, func(v uint8) uint64 { return uint64(v) }),
	mustRule(Writing, func(v uint16) uint64 { return uint64(v) }),
	mustRule(Writing, func(v uint32) uint64 { return uint64(v) }),
	mustRule(Writing, func(v float32) float64 { return float64(v) }),

	mustRule(Reading, func(s string) (uuid.UUID, error) { return uuid.Parse(s) }),
	mustRule(Reading, func(b []byte) (uuid.UUID, error) { return uuid.FromBytes(b) }),
	mustRule(Reading, func(s string) (decimal.Decimal, error) { return decimal.NewFromString(s) }),
	mustRule(Reading, func(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }),
	mustRule(Reading, func(i int64) decimal.Decimal { return decimal.NewFromInt(i) }),

	mustRule(Writing, func(v null.String) (string, bool) { return v.String, v.Valid }),
	mustRule(Writing, func(v null.Int) (int64, bool) { return v.Int64, v.Valid }),
	mustRule(Writing, func(v null.Float) (float64, bool) { return v.Float64, v.Valid }),
	mustRule(Writing, func(v null.Bool) (bool, bool) { return v.Bool, v.Valid }),
	mustRule(Writing, func(v null.Time) (int64, bool) { return v.Time.UnixMilli(), v.Valid }),
	mustRule(Reading, func(v string) null.String { return null.StringFrom(v) }),
	mustRule(Reading, func(v int64) null.Int { return null.IntFrom(v) }),
	mustRule(Reading, func(v float64) null.Float { return null.FloatFrom(v) }),
	mustRule(Reading, func(v bool) null.Bool { return null.BoolFrom(v) }),
	mustRule(Reading, func(ms int64) null.Time { return null.TimeFrom(time.UnixMilli(ms)) }),
}

// CoercionRegistry is the immutable table of rules a Converter consults.
// Lookups scan from the most recently registered rule, so user rules beat
// built-in ones and, between user rules, the last registered wins.
type CoercionRegistry struct {
	rules []Rule
}

// NewCoercionRegistry appends user rules to the built-in ones. In strict
// mode two user rules for the same direction and type pair are rejected.
func NewCoercionRegistry(strict bool, rules ...Rule) (*CoercionRegistry, error) {
	if strict {
		type ruleKey struct {
			dir      Direction
			src, dst reflect.Type
		}
		seen := make(map[ruleKey]struct{}, len(rules))
		for _, r := range rules {
			key := ruleKey{r.Direction, r.Source, r.Target}
			if _, ok := seen[key]; ok {
				return nil, &AmbiguousConversionError{Direction: r.Direction, Source: r.Source, Target: r.Target}
			}
			seen[key] = struct{}{}
		}
	}

	all := make([]Rule, 0, len(builtinRules)+len(rules))
	all = append(all, builtinRules...)
	all = append(all, rules...)
	return &CoercionRegistry{rules: all}, nil
}

// RuleFor returns the rule converting exactly src to dst in direction dir.
func (r *CoercionRegistry) RuleFor(dir Direction, src, dst reflect.Type) (Rule, bool) {
	for i := len(r.rules) - 1; i >= 0; i-- {
		rule := r.rules[i]
		if rule.Direction == dir && rule.Source == src && rule.Target == dst {
			return rule, true
		}
	}
	return Rule{}, false
}

// WritingRuleFrom returns the most recent writing rule whose source is src.
func (r *CoercionRegistry) WritingRuleFrom(src reflect.Type) (Rule, bool) {
	for i := len(r.rules) - 1; i >= 0; i-- {
		rule := r.rules[i]
		if rule.Direction == Writing && rule.Source == src {
			return rule, true
		}
	}
	return Rule{}, false
}

// EntityWritingRule returns a writing rule turning src into a whole record.
func (r *CoercionRegistry) EntityWritingRule(src reflect.Type) (Rule, bool) {
	rule, ok := r.WritingRuleFrom(src)
	if ok && isRecordType(rule.Target) {
		return rule, true
	}
	return Rule{}, false
}

// IsLeaf reports whether values of t are stored as a single value, without
// structural decomposition.
func (r *CoercionRegistry) IsLeaf(t reflect.Type) bool {
	t = base(t)
	if rule, ok := r.WritingRuleFrom(t); ok {
		return !isRecordType(rule.Target)
	}
	return isBuiltinLeaf(t)
}

// isBuiltinLeaf is the leaf predicate that does not depend on user rules.
func isBuiltinLeaf(t reflect.Type) bool {
	t = base(t)
	switch t {
	case typeOfTime, typeOfUUID, typeOfDecimal, typeOfBytes:
		return true
	}
	for _, rule := range builtinRules {
		if rule.Direction == Writing && rule.Source == t {
			return true
		}
	}

	switch k := t.Kind(); {
	case k == reflect.Bool || k == reflect.String || isNumberKind(k):
		return true
	case k == reflect.Slice && t.Elem().Kind() == reflect.Uint8:
		return true
	case k == reflect.Interface:
		return false
	}

	return t.Implements(typeOfTextMarshaler) || reflect.PtrTo(t).Implements(typeOfTextMarshaler)
}

// isStoreType reports whether t belongs to the narrow set of types the store
// holds natively.
func isStoreType(t reflect.Type) bool {
	switch t {
	case typeOfUUID, typeOfDecimal, typeOfBytes, typeOfAnySlice, typeOfAnyMap:
		return true
	}
	if isRecordType(t) || t == reflect.TypeOf(bson.A(nil)) {
		return true
	}
	if t.PkgPath() != "" {
		return false
	}
	k := t.Kind()
	return k == reflect.Bool || k == reflect.String || isNumberKind(k)
}

// write coerces a non-nil leaf value to its store representation. A nil
// result with no error means the value is null.
func (r *CoercionRegistry) write(v reflect.Value) (any, error) {
	if rule, ok := r.WritingRuleFrom(v.Type()); ok {
		out, err := rule.apply(v)
		if err != nil || !out.IsValid() {
			return nil, err
		}
		if isNilValue(out) {
			return nil, nil
		}
		return out.Interface(), nil
	}

	if isStoreType(v.Type()) {
		return v.Interface(), nil
	}

	switch k := v.Kind(); {
	case k == reflect.String:
		return v.String(), nil
	case k == reflect.Bool:
		return v.Bool(), nil
	case isIntKind(k):
		return v.Int(), nil
	case isUintKind(k):
		return v.Uint(), nil
	case isFloatKind(k):
		return v.Float(), nil
	case k == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
		return v.Bytes(), nil
	}

	if tm, ok := asTextMarshaler(v); ok {
		text, err := tm.MarshalText()
		if err != nil {
			return nil, fmt.Errorf(errConvertWrap, v, v.Type(), "string", err)
		}
		return string(text), nil
	}

	return nil, fmt.Errorf("type «%s» is not a leaf type: %w", typeName(v.Type()), ErrConversion)
}

// read coerces a non-nil raw store value into target.
func (r *CoercionRegistry) read(raw reflect.Value, target reflect.Type) (reflect.Value, error) {
	if rule, ok := r.RuleFor(Reading, raw.Type(), target); ok {
		return rule.apply(raw)
	}

	// a rule reading from a compatible store type, e.g. int32 through int64 -> time.Time
	for i := len(r.rules) - 1; i >= 0; i-- {
		rule := r.rules[i]
		if rule.Direction != Reading || rule.Target != target {
			continue
		}
		if src, err := convertKind(raw, rule.Source); err == nil {
			return rule.apply(src)
		}
	}

	if raw.Type().AssignableTo(target) {
		out := reflect.New(target).Elem()
		out.Set(raw)
		return out, nil
	}

	if out, err := convertKind(raw, target); err == nil {
		return out, nil
	}

	if reflect.PtrTo(target).Implements(typeOfTextUnmarshaler) {
		var text []byte
		switch raw.Kind() {
		case reflect.String:
			text = []byte(raw.String())
		case reflect.Slice:
			if raw.Type().Elem().Kind() == reflect.Uint8 {
				text = raw.Bytes()
			}
		}
		if text != nil {
			out := reflect.New(target)
			if err := out.Interface().(encoding.TextUnmarshaler).UnmarshalText(text); err != nil {
				return reflect.Value{}, fmt.Errorf(errConvertWrap, raw, raw.Type(), typeName(target), err)
			}
			return out.Elem(), nil
		}
	}

	return reflect.Value{}, fmt.Errorf(errConvertWrap, raw, raw.Type(), typeName(target), ErrConversion)
}

func asTextMarshaler(v reflect.Value) (encoding.TextMarshaler, bool) {
	if v.Type().Implements(typeOfTextMarshaler) {
		return v.Interface().(encoding.TextMarshaler), true
	}
	if reflect.PtrTo(v.Type()).Implements(typeOfTextMarshaler) {
		ptr := reflect.New(v.Type())
		ptr.Elem().Set(v)
		return ptr.Interface().(encoding.TextMarshaler), true
	}
	return nil, false
}

// convertKind converts between basic kinds: numbers with overflow checks,
// strings, bools and byte slices, including named types of those kinds.
func convertKind(v reflect.Value, target reflect.Type) (reflect.Value, error) {
	fail := func() (reflect.Value, error) {
		return reflect.Value{}, fmt.Errorf(errConvertWrap, v, v.Type(), typeName(target), ErrConversion)
	}

	sk, tk := v.Kind(), target.Kind()
	out := reflect.New(target).Elem()

	switch {
	case isIntKind(tk):
		var i int64
		switch {
		case isIntKind(sk):
			i = v.Int()
		case isUintKind(sk):
			if v.Uint() > math.MaxInt64 {
				return fail()
			}
			i = int64(v.Uint())
		case isFloatKind(sk):
			f := v.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
				return fail()
			}
			i = int64(f)
		case sk == reflect.String:
			parsed, err := strconv.ParseInt(v.String(), 10, 64)
			if err != nil {
				return fail()
			}
			i = parsed
		default:
			return fail()
		}
		if out.OverflowInt(i) {
			return fail()
		}
		out.SetInt(i)
	case isUintKind(tk):
		var u uint64
		switch {
		case isIntKind(sk):
			if v.Int() < 0 {
				return fail()
			}
			u = uint64(v.Int())
		case isUintKind(sk):
			u = v.Uint()
		case isFloatKind(sk):
			f := v.Float()
			if f != math.Trunc(f) || f < 0 || f > math.MaxUint64 {
				return fail()
			}
			u = uint64(f)
		case sk == reflect.String:
			parsed, err := strconv.ParseUint(v.String(), 10, 64)
			if err != nil {
				return fail()
			}
			u = parsed
		default:
			return fail()
		}
		if out.OverflowUint(u) {
			return fail()
		}
		out.SetUint(u)
	case isFloatKind(tk):
		var f float64
		switch {
		case isIntKind(sk):
			f = float64(v.Int())
		case isUintKind(sk):
			f = float64(v.Uint())
		case isFloatKind(sk):
			f = v.Float()
		case sk == reflect.String:
			parsed, err := strconv.ParseFloat(v.String(), 64)
			if err != nil {
				return fail()
			}
			f = parsed
		default:
			return fail()
		}
		if tk == reflect.Float32 && out.OverflowFloat(f) {
			return fail()
		}
		out.SetFloat(f)
	case tk == reflect.String && sk == reflect.String:
		out.SetString(v.String())
	case tk == reflect.Bool && sk == reflect.Bool:
		out.SetBool(v.Bool())
	case tk == reflect.Bool && sk == reflect.String:
		b, err := strconv.ParseBool(v.String())
		if err != nil {
			return fail()
		}
		out.SetBool(b)
	case tk == reflect.Slice && target.Elem().Kind() == reflect.Uint8:
		switch {
		case sk == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
			out.SetBytes(append([]byte(nil), v.Bytes()...))
		case sk == reflect.String:
			out.SetBytes([]byte(v.String()))
		default:
			return fail()
		}
	case target == typeOfUUID && sk == reflect.Array && v.Len() == 16 && v.Type().Elem().Kind() == reflect.Uint8:
		reflect.Copy(out, v)
	default:
		return fail()
	}

	return out, nil
}
