package spacemap

import (
	"fmt"
	"reflect"
	"strings"
)

type FieldRole int

const (
	RolePlain FieldRole = iota
	RoleID
	RoleKeyPart
	RoleVersion
)

func (r FieldRole) String() string {
	switch r {
	case RolePlain:
		return "plain"
	case RoleID:
		return "identifier"
	case RoleKeyPart:
		return "keypart"
	case RoleVersion:
		return "version"
	default:
		return "unknown"
	}
}

// FieldDef describes how one Go field maps to a record field.
type FieldDef struct {
	// Name is the Go field name.
	Name string
	// Column is the storage field name.
	Column string
	// Index is the reflect index path, embedded structs are inlined.
	Index []int
	Type  reflect.Type
	Role  FieldRole
	// Nested is the mapped struct type found under pointers, slices and maps, or nil.
	Nested reflect.Type
}

// SpaceDef is the immutable description of a mapped type.
type SpaceDef struct {
	Name   string
	Type   reflect.Type
	Fields []FieldDef
	// ID is the index of the identifier field in Fields, -1 if none.
	ID int
	// Version is the index of the version field in Fields, -1 if none.
	Version int
	// CompositeKey is set when the identifier field is a struct key type.
	CompositeKey bool
	// DynamicID is set when there is no identifier field but at least one keypart field.
	DynamicID bool
}

func (d *SpaceDef) IDField() (FieldDef, bool) {
	if d.ID < 0 {
		return FieldDef{}, false
	}
	return d.Fields[d.ID], true
}

func (d *SpaceDef) VersionField() (FieldDef, bool) {
	if d.Version < 0 {
		return FieldDef{}, false
	}
	return d.Fields[d.Version], true
}

// Field finds a field by Go name or by column.
func (d *SpaceDef) Field(name string) (FieldDef, bool) {
	for _, f := range d.Fields {
		if f.Name == name || f.Column == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// KeyParts returns the keypart fields in declared order.
func (d *SpaceDef) KeyParts() []FieldDef {
	return sliceFilter(d.Fields, func(val FieldDef) bool {
		return val.Role == RoleKeyPart
	})
}

func (d *SpaceDef) Columns() []string {
	return sliceMap(d.Fields, func(val FieldDef) string {
		return val.Column
	})
}

// SpaceMapping overrides what struct tags declare for one type. Explicit
// values win over tags, tags win over the naming strategy.
type SpaceMapping struct {
	Type      string            `yaml:"type"`
	Space     string            `yaml:"space,omitempty"`
	Columns   map[string]string `yaml:"columns,omitempty"`
	Key       string            `yaml:"key,omitempty"`
	KeyParts  []string          `yaml:"keyparts,omitempty"`
	Version   string            `yaml:"version,omitempty"`
	Transient []string          `yaml:"transient,omitempty"`
}

type parseContext struct {
	tagName    string
	naming     NamingStrategy
	aliasField string
	isLeaf     func(t reflect.Type) bool
	override   *SpaceMapping
}

var typeOfSpace = reflect.TypeOf(Space{})

func parseModel(model reflect.Type, pc parseContext) (*SpaceDef, error) {
	model = base(model)
	if model.Kind() != reflect.Struct {
		return nil, &SchemaNotFoundError{Type: model, Reason: fmt.Sprintf("%s is not a struct", model.Kind())}
	}
	if pc.isLeaf(model) {
		return nil, &SchemaNotFoundError{Type: model, Reason: "leaf type"}
	}

	def := &SpaceDef{
		Type:    model,
		ID:      -1,
		Version: -1,
	}

	if err := collectFields(model, nil, pc, def, map[reflect.Type]bool{model: true}); err != nil {
		return nil, err
	}

	if def.Name == "" {
		if m, ok := reflect.New(model).Interface().(Model); ok {
			def.Name = m.SpaceName()
		}
	}
	if def.Name == "" {
		def.Name = pc.naming(model.Name())
	}

	if pc.override != nil {
		if err := applyOverride(def, pc.override); err != nil {
			return nil, err
		}
	}

	return def, validateSpaceDef(def, pc)
}

// walking holds the embedded types on the current path; an embedded type
// already on it contributes no fields.
func collectFields(model reflect.Type, prefix []int, pc parseContext, def *SpaceDef, walking map[reflect.Type]bool) error {
	for i := 0; i < model.NumField(); i++ {
		field := model.Field(i)
		index := append(append([]int{}, prefix...), i)

		if field.Type == typeOfSpace {
			if name := field.Tag.Get("name"); name != "" {
				def.Name = name
			}
			continue
		}

		tagValue, hasTag := field.Tag.Lookup(pc.tagName)
		opts := parseSpaceTag(tagValue)
		if opts.transient {
			continue
		}

		if field.Anonymous && opts.name == "" {
			// unexported embedded pointers can not be allocated on read
			if !field.IsExported() && field.Type.Kind() == reflect.Ptr {
				continue
			}
			ft := base(field.Type)
			if ft.Kind() == reflect.Struct && !pc.isLeaf(ft) {
				if walking[ft] {
					continue
				}
				walking[ft] = true
				err := collectFields(ft, index, pc, def, walking)
				delete(walking, ft)
				if err != nil {
					return err
				}
				continue
			}
		}

		if !field.IsExported() {
			continue
		}

		column := opts.name
		if !hasTag || column == "" {
			column = pc.naming(field.Name)
		}

		fd := FieldDef{
			Name:   field.Name,
			Column: column,
			Index:  index,
			Type:   field.Type,
			Nested: nestedType(field.Type, pc.isLeaf),
		}

		switch {
		case opts.key:
			fd.Role = RoleID
		case opts.keyPart:
			fd.Role = RoleKeyPart
		case opts.version:
			fd.Role = RoleVersion
		}

		def.Fields = append(def.Fields, fd)
	}

	return nil
}

func applyOverride(def *SpaceDef, sm *SpaceMapping) error {
	if sm.Space != "" {
		def.Name = sm.Space
	}

	if len(sm.Transient) > 0 {
		def.Fields = sliceFilter(def.Fields, func(val FieldDef) bool {
			return !sliceContains(sm.Transient, val.Name)
		})
	}

	known := func(name string) error {
		if _, ok := def.Field(name); !ok {
			return &SchemaBindingError{Type: def.Type, Field: name, Err: fmt.Errorf("mapping refers to unknown field: %w", ErrUnknownColumn)}
		}
		return nil
	}

	for name, column := range sm.Columns {
		if err := known(name); err != nil {
			return err
		}
		for i := range def.Fields {
			if def.Fields[i].Name == name {
				def.Fields[i].Column = column
			}
		}
	}

	setRole := func(role FieldRole, names ...string) error {
		for _, name := range names {
			if err := known(name); err != nil {
				return err
			}
		}
		for i := range def.Fields {
			f := &def.Fields[i]
			if f.Role == role {
				f.Role = RolePlain
			}
			if sliceContains(names, f.Name) {
				f.Role = role
			}
		}
		return nil
	}

	if sm.Key != "" {
		if err := setRole(RoleID, sm.Key); err != nil {
			return err
		}
	}
	if len(sm.KeyParts) > 0 {
		if err := setRole(RoleKeyPart, sm.KeyParts...); err != nil {
			return err
		}
	}
	if sm.Version != "" {
		if err := setRole(RoleVersion, sm.Version); err != nil {
			return err
		}
	}

	return nil
}

func validateSpaceDef(def *SpaceDef, pc parseContext) error {
	columns := make(map[string]string, len(def.Fields))
	for i, f := range def.Fields {
		if f.Column == pc.aliasField {
			return &SchemaBindingError{Type: def.Type, Field: f.Name, Err: fmt.Errorf("column «%s» collides with the type alias field", f.Column)}
		}
		if other, ok := columns[f.Column]; ok {
			return &SchemaBindingError{Type: def.Type, Field: f.Name, Err: fmt.Errorf("column «%s» is already used by field «%s»", f.Column, other)}
		}
		columns[f.Column] = f.Name

		switch f.Role {
		case RoleID:
			if def.ID >= 0 {
				return &SchemaBindingError{Type: def.Type, Field: f.Name, Err: fmt.Errorf("cannot have more than 1 key")}
			}
			def.ID = i
			ft := base(f.Type)
			def.CompositeKey = ft.Kind() == reflect.Struct && !pc.isLeaf(ft)
		case RoleVersion:
			if def.Version >= 0 {
				return &SchemaBindingError{Type: def.Type, Field: f.Name, Err: fmt.Errorf("cannot have more than 1 version field")}
			}
			if k := base(f.Type).Kind(); !isIntKind(k) && !isUintKind(k) {
				return &SchemaBindingError{Type: def.Type, Field: f.Name, Err: fmt.Errorf("version field must be an integer, got %s", k)}
			}
			def.Version = i
		}
	}

	def.DynamicID = def.ID < 0 && len(def.KeyParts()) > 0
	if def.ID >= 0 && len(def.KeyParts()) > 0 {
		parts := sliceMap(def.KeyParts(), func(val FieldDef) string { return val.Name })
		return &SchemaBindingError{Type: def.Type, Err: fmt.Errorf("keypart fields %s can not be combined with key field «%s»", strings.Join(parts, ", "), def.Fields[def.ID].Name)}
	}

	return nil
}

// nestedType returns the struct type a field value decomposes into, looking
// through pointers, slices, arrays and map values.
func nestedType(t reflect.Type, isLeaf func(reflect.Type) bool) reflect.Type {
	for {
		if isLeaf(t) {
			return nil
		}
		switch t.Kind() {
		case reflect.Ptr, reflect.Slice, reflect.Array, reflect.Map:
			t = t.Elem()
		case reflect.Struct:
			return t
		default:
			return nil
		}
	}
}

// deriveFormat builds a tuple format from the record layout of def,
// composite key components first.
func deriveFormat(def *SpaceDef, keyDef *SpaceDef, isLeaf func(reflect.Type) bool) Format {
	var format Format
	for _, f := range def.Fields {
		if f.Role == RoleID && keyDef != nil {
			for _, kf := range keyDef.Fields {
				format = append(format, FormatField{Name: kf.Column, Type: storageTypeOf(kf.Type, isLeaf)})
			}
			continue
		}
		format = append(format, FormatField{
			Name:       f.Column,
			Type:       storageTypeOf(f.Type, isLeaf),
			IsNullable: f.Role == RolePlain,
		})
	}
	return format
}

func storageTypeOf(t reflect.Type, isLeaf func(reflect.Type) bool) FieldType {
	t = base(t)
	switch {
	case t == typeOfUUID:
		return FieldTypeUUID
	case t == typeOfDecimal:
		return FieldTypeDecimal
	case t == typeOfBytes:
		return FieldTypeVarbinary
	case t == typeOfTime:
		return FieldTypeInteger
	case isLeaf(t) && t.Kind() == reflect.Struct:
		return FieldTypeAny
	}

	switch k := t.Kind(); {
	case k == reflect.String:
		return FieldTypeString
	case k == reflect.Bool:
		return FieldTypeBoolean
	case isUintKind(k):
		return FieldTypeUnsigned
	case isIntKind(k):
		return FieldTypeInteger
	case isFloatKind(k):
		return FieldTypeDouble
	case k == reflect.Slice || k == reflect.Array:
		return FieldTypeArray
	case k == reflect.Map || k == reflect.Struct:
		return FieldTypeMap
	}
	return FieldTypeAny
}
