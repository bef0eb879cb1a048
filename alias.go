package spacemap

import (
	"errors"
	"reflect"
	"sync"
)

// DefaultAliasField is the record field carrying the concrete type of a
// polymorphic value.
const DefaultAliasField = "_class"

// AliasAccessor reads and writes the type alias marker of a record.
type AliasAccessor struct {
	Field string
}

func (a AliasAccessor) AliasFor(rec Record) (string, bool) {
	v, ok := rec.Get(a.Field)
	if !ok {
		return "", false
	}
	alias, isStr := v.(string)
	return alias, isStr && alias != ""
}

// WriteAlias stamps alias into rec. Tuples without an alias column are left
// untouched.
func (a AliasAccessor) WriteAlias(rec Record, alias string) error {
	err := rec.Put(a.Field, alias)
	if _, isTuple := rec.(*Tuple); isTuple && errors.Is(err, ErrUnknownColumn) {
		return nil
	}
	return err
}

// TypeResolver maps type aliases to Go types. Every type is reachable by its
// fully qualified name; short aliases are added explicitly.
type TypeResolver struct {
	mu      sync.RWMutex
	byAlias map[string]reflect.Type
	byType  map[reflect.Type]string
}

func NewTypeResolver() *TypeResolver {
	return &TypeResolver{
		byAlias: make(map[string]reflect.Type),
		byType:  make(map[reflect.Type]string),
	}
}

// Register makes t resolvable. A non-empty alias becomes the name written
// for t from now on.
func (r *TypeResolver) Register(t reflect.Type, alias string) {
	t = base(t)
	full := typeName(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byAlias[full]; !ok {
		r.byAlias[full] = t
	}
	if alias != "" {
		r.byAlias[alias] = t
		r.byType[t] = alias
	}
}

// AliasOf returns the name written into the alias marker for t.
func (r *TypeResolver) AliasOf(t reflect.Type) string {
	t = base(t)

	r.mu.RLock()
	alias, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return alias
	}

	r.Register(t, "")
	return typeName(t)
}

func (r *TypeResolver) Resolve(alias string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byAlias[alias]
	return t, ok
}
