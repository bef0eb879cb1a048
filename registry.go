package spacemap

import (
	"reflect"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// SchemaRegistry derives space definitions once per type and keeps them for
// its lifetime. It is safe for concurrent use; two goroutines describing the
// same type at once may both derive it, only one result is kept.
type SchemaRegistry struct {
	defs       sync.Map // reflect.Type -> *SpaceDef
	mu         sync.RWMutex
	mappings   map[reflect.Type]*SpaceMapping
	named      map[string]*SpaceMapping
	formats    map[string]Format
	tagName    string
	naming     NamingStrategy
	aliasField string
	isLeaf     func(reflect.Type) bool
	logger     logrus.FieldLogger
}

// NewSchemaRegistry creates a registry that may be shared by converters with
// WithRegistry. Only the options concerning schema derivation apply.
func NewSchemaRegistry(options ...ConverterOption) (*SchemaRegistry, error) {
	opt := defaultConverterOption()
	for _, op := range options {
		op(opt)
	}

	rules, err := opt.buildRules()
	if err != nil {
		return nil, err
	}
	coercions, err := NewCoercionRegistry(false, rules...)
	if err != nil {
		return nil, err
	}

	return newSchemaRegistry(opt, coercions.IsLeaf), nil
}

func newSchemaRegistry(opt *converterOption, isLeaf func(reflect.Type) bool) *SchemaRegistry {
	r := &SchemaRegistry{
		mappings:   make(map[reflect.Type]*SpaceMapping),
		named:      make(map[string]*SpaceMapping),
		formats:    make(map[string]Format),
		tagName:    opt.tagName,
		naming:     opt.naming,
		aliasField: opt.aliasField,
		isLeaf:     isLeaf,
		logger:     opt.logger,
	}

	for _, mf := range opt.mappings {
		r.ApplyMappingFile(mf)
	}

	return r
}

// Describe returns the space definition of t, deriving it on first use.
func (r *SchemaRegistry) Describe(t reflect.Type) (*SpaceDef, error) {
	if t == nil {
		return nil, &SchemaNotFoundError{Reason: "nil type"}
	}
	t = base(t)
	if def, ok := r.defs.Load(t); ok {
		return def.(*SpaceDef), nil
	}

	def, err := parseModel(t, parseContext{
		tagName:    r.tagName,
		naming:     r.naming,
		aliasField: r.aliasField,
		isLeaf:     r.isLeaf,
		override:   r.mappingFor(t),
	})
	if err != nil {
		return nil, err
	}

	if def.CompositeKey {
		keyDef, err := r.Describe(def.Fields[def.ID].Type)
		if err != nil {
			return nil, bindingError(t, def.Fields[def.ID].Name, err)
		}
		if _, hasID := keyDef.IDField(); hasID || len(keyDef.Fields) == 0 {
			return nil, &SchemaBindingError{Type: t, Field: def.Fields[def.ID].Name, Err: ErrNoIdentifier}
		}
	}

	actual, loaded := r.defs.LoadOrStore(t, def)
	if !loaded {
		r.logger.WithFields(logrus.Fields{
			"type":   typeName(t),
			"space":  def.Name,
			"fields": len(def.Fields),
		}).Debug("space definition derived")
	}

	return actual.(*SpaceDef), nil
}

// Warmup describes the types of all samples up front and reports every
// type that could not be described.
func (r *SchemaRegistry) Warmup(samples ...any) error {
	var result *multierror.Error
	for _, s := range samples {
		if _, err := r.Describe(sampleType(s)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Format returns the tuple format registered for a space by a mapping file.
func (r *SchemaRegistry) Format(space string) (Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.formats[space]
	return f, ok
}

// ApplyMappingFile registers the space mappings and formats of mf. Types
// described before keep their definition.
func (r *SchemaRegistry) ApplyMappingFile(mf *MappingFile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range mf.Spaces {
		sm := mf.Spaces[i]
		r.named[sm.Type] = &sm
	}
	for space, format := range mf.Formats {
		r.formats[space] = format
	}
}

func (r *SchemaRegistry) mappingFor(t reflect.Type) *SpaceMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sm, ok := r.mappings[t]; ok {
		return sm
	}
	if sm, ok := r.named[typeName(t)]; ok {
		return sm
	}
	return r.named[t.String()]
}

// Define starts an explicit definition for the type of sample. Explicit
// values override struct tags:
//
//	registry.Define(Book{}).Space("books").Key("ISBN").Column("Title", "name").Register()
func (r *SchemaRegistry) Define(sample any) *Definition {
	t := base(sampleType(sample))
	return &Definition{
		registry: r,
		t:        t,
		mapping:  SpaceMapping{Type: typeName(t), Columns: map[string]string{}},
	}
}

type Definition struct {
	registry *SchemaRegistry
	t        reflect.Type
	mapping  SpaceMapping
}

func (d *Definition) Space(name string) *Definition {
	d.mapping.Space = name
	return d
}

func (d *Definition) Column(field, column string) *Definition {
	d.mapping.Columns[field] = column
	return d
}

func (d *Definition) Key(field string) *Definition {
	d.mapping.Key = field
	return d
}

func (d *Definition) KeyParts(fields ...string) *Definition {
	d.mapping.KeyParts = append(d.mapping.KeyParts, fields...)
	return d
}

func (d *Definition) Version(field string) *Definition {
	d.mapping.Version = field
	return d
}

func (d *Definition) Transient(fields ...string) *Definition {
	d.mapping.Transient = append(d.mapping.Transient, fields...)
	return d
}

// Register stores the definition, replacing whatever was derived for the
// type before, and returns the resulting space definition.
func (d *Definition) Register() (*SpaceDef, error) {
	r := d.registry
	m := d.mapping

	r.mu.Lock()
	r.mappings[d.t] = &m
	r.mu.Unlock()

	r.defs.Delete(d.t)
	return r.Describe(d.t)
}
