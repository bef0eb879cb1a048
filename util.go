package spacemap

import (
	"context"
	"reflect"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"
)

type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// NamingStrategy derives a storage field name from a Go property name.
type NamingStrategy func(name string) string

var namingStrategies = map[string]NamingStrategy{
	"snake":           strcase.ToSnake,
	"screaming_snake": strcase.ToScreamingSnake,
	"camel":           strcase.ToCamel,
	"lower_camel":     strcase.ToLowerCamel,
	"kebab":           strcase.ToKebab,
	"none":            func(name string) string { return name },
}

// NamingStrategyByName returns one of the predefined strategies:
// snake, screaming_snake, camel, lower_camel, kebab or none.
func NamingStrategyByName(name string) (NamingStrategy, bool) {
	ns, ok := namingStrategies[strings.ToLower(strings.TrimSpace(name))]
	return ns, ok
}

type tagOptions struct {
	name      string
	key       bool
	keyPart   bool
	version   bool
	transient bool
}

// parseSpaceTag parses `space:"column,key"` style tags. Options may be
// separated by commas or spaces and accept an explicit boolean, e.g. "key=false".
func parseSpaceTag(value string) tagOptions {
	var opts tagOptions
	if value == "-" {
		opts.transient = true
		return opts
	}

	tagArr := strings.Split(value, ",")
	if len(tagArr) == 0 {
		return opts
	}

	checkBool := func(key string, tagarr []string) (bool, bool) {
		skey := strings.TrimSpace(tagarr[0])
		if !strings.EqualFold(skey, key) {
			return false, false
		}

		bval := true
		if len(tagarr) > 1 {
			sval := strings.TrimSpace(tagarr[1])
			if strings.EqualFold(sval, "false") {
				bval = false
			}
		}

		return bval, true
	}

	opts.name = strings.TrimSpace(tagArr[0])
	for _, part := range tagArr[1:] {
		for _, v := range strings.Fields(part) {
			varr := strings.Split(v, "=")
			if b, ok := checkBool("key", varr); ok {
				opts.key = b
				continue
			}

			if b, ok := checkBool("keypart", varr); ok {
				opts.keyPart = b
				continue
			}

			if b, ok := checkBool("version", varr); ok {
				opts.version = b
				continue
			}

			if b, ok := checkBool("transient", varr); ok {
				opts.transient = b
			}
		}
	}

	return opts
}

// typeName returns the fully qualified name of t, used as the default type alias.
func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}

	switch t.Kind() {
	case reflect.Ptr:
		return "*" + typeName(t.Elem())
	case reflect.Slice:
		return "[]" + typeName(t.Elem())
	case reflect.Array:
		return "[" + strconv.Itoa(t.Len()) + "]" + typeName(t.Elem())
	case reflect.Map:
		return "map[" + typeName(t.Key()) + "]" + typeName(t.Elem())
	default:
		if t.PkgPath() == "" {
			return t.String()
		}
		return t.PkgPath() + "." + t.Name()
	}
}

// base strips all pointer levels off t.
func base(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// indirect follows pointers and interfaces until a concrete value or nil.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func isNilValue(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func isIntKind(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUintKind(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloatKind(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isNumberKind(k reflect.Kind) bool {
	return isIntKind(k) || isUintKind(k) || isFloatKind(k)
}

func sliceMap[In any, Out any](list []In, mapFn func(val In) Out) []Out {
	var newSlice = make([]Out, len(list))
	for i, val := range list {
		newSlice[i] = mapFn(val)
	}

	return newSlice
}

func sliceContains[T comparable](list []T, val T) bool {
	for _, item := range list {
		if item == val {
			return true
		}
	}

	return false
}

func sliceFilter[T any](slice []T, filterFunc func(val T) bool) []T {
	var newSlice []T
	for i, val := range slice {
		if filterFunc(val) {
			newSlice = append(newSlice, slice[i])
		}
	}

	return newSlice
}

// SplitBatch splits list into chunks of at most chunk elements.
func SplitBatch[T any](list []T, chunk int) [][]T {
	if chunk <= 0 {
		chunk = len(list)
	}
	if len(list) == 0 {
		return nil
	}

	total := len(list)
	rem := total % chunk
	batch := total / chunk

	if rem > 0 {
		batch++
	}

	var newList = make([][]T, batch)
	start := 0
	end := chunk
	for i := 0; i < batch; i++ {
		if end > total {
			end = total
		}

		newList[i] = list[start:end]
		start += chunk
		end += chunk
	}

	return newList
}
