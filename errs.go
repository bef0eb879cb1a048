package spacemap

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrKeyNotFound      = errors.New("key not found")
	ErrNoRow            = errors.New("no row")
	ErrVersionConflict  = errors.New("version conflict")
)

var (
	ErrSchemaNotFound              = errors.New("schema not found")
	ErrSchemaBinding               = errors.New("schema binding failed")
	ErrUnsupportedSource           = errors.New("unsupported source record")
	ErrUnsupportedTarget           = errors.New("unsupported target record")
	ErrUnsupportedKeyType          = errors.New("unsupported map key type")
	ErrMissingIdentifierComponent  = errors.New("missing identifier component")
	ErrAmbiguousConversion         = errors.New("ambiguous conversion")
	ErrConversion                  = errors.New("conversion failed")
	ErrUnknownColumn               = errors.New("unknown column")
	ErrNoIdentifier                = errors.New("type has no identifier")
	ErrIsNotAConverter             = errors.New("provided function is not a recognizable converter")
	ErrConverterIsNotAFunction     = errors.New("provided converter is not a function")
	ErrConstructorIsNotAFunction   = errors.New("provided constructor is not a function")
	ErrConstructorArgumentMismatch = errors.New("constructor argument does not match field")
)

const errConvertWrap = "value «%v» of type «%s» can not be converted to «%s»: %w" // value «300» of type «int64» can not be converted to «int8»: …

// SchemaNotFoundError reports a type that has no derivable space definition.
type SchemaNotFoundError struct {
	Type   reflect.Type
	Reason string
}

func (e *SchemaNotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("schema for type «%s» not found", typeName(e.Type))
	}
	return fmt.Sprintf("schema for type «%s» not found: %s", typeName(e.Type), e.Reason)
}

func (e *SchemaNotFoundError) Is(target error) bool { return target == ErrSchemaNotFound }

// SchemaBindingError reports a field that was found but could not be
// constructed, assigned or emitted.
type SchemaBindingError struct {
	Type  reflect.Type
	Field string
	Err   error
}

func (e *SchemaBindingError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("binding type «%s»: %v", typeName(e.Type), e.Err)
	}
	return fmt.Sprintf("binding field «%s» of type «%s»: %v", e.Field, typeName(e.Type), e.Err)
}

func (e *SchemaBindingError) Is(target error) bool { return target == ErrSchemaBinding }

func (e *SchemaBindingError) Unwrap() error { return e.Err }

type UnsupportedSourceError struct {
	Source any
}

func (e *UnsupportedSourceError) Error() string {
	return fmt.Sprintf("source of type «%T» is neither a tuple nor a map", e.Source)
}

func (e *UnsupportedSourceError) Is(target error) bool { return target == ErrUnsupportedSource }

type UnsupportedTargetError struct {
	Target any
}

func (e *UnsupportedTargetError) Error() string {
	return fmt.Sprintf("target of type «%T» is neither a tuple nor a map", e.Target)
}

func (e *UnsupportedTargetError) Is(target error) bool { return target == ErrUnsupportedTarget }

// UnsupportedKeyTypeError is returned when a map key can not be reduced to a string.
type UnsupportedKeyTypeError struct {
	Field   string
	KeyType reflect.Type
}

func (e *UnsupportedKeyTypeError) Error() string {
	return fmt.Sprintf("map field «%s» has key type «%s» which is not reducible to string", e.Field, typeName(e.KeyType))
}

func (e *UnsupportedKeyTypeError) Is(target error) bool { return target == ErrUnsupportedKeyType }

type MissingIdentifierComponentError struct {
	Type      reflect.Type
	Component string
}

func (e *MissingIdentifierComponentError) Error() string {
	return fmt.Sprintf("identifier component «%s» of type «%s» is missing", e.Component, typeName(e.Type))
}

func (e *MissingIdentifierComponentError) Is(target error) bool {
	return target == ErrMissingIdentifierComponent
}

// AmbiguousConversionError is only raised in strict mode, when two user rules
// claim the same direction and type pair.
type AmbiguousConversionError struct {
	Direction Direction
	Source    reflect.Type
	Target    reflect.Type
}

func (e *AmbiguousConversionError) Error() string {
	return fmt.Sprintf("more than one %s rule converts «%s» to «%s»", e.Direction, typeName(e.Source), typeName(e.Target))
}

func (e *AmbiguousConversionError) Is(target error) bool { return target == ErrAmbiguousConversion }

var passThroughErrors = []error{
	ErrSchemaBinding,
	ErrSchemaNotFound,
	ErrUnsupportedKeyType,
	ErrMissingIdentifierComponent,
	ErrUnsupportedSource,
	ErrUnsupportedTarget,
}

// bindingError wraps err into a SchemaBindingError unless it already carries
// one of the mapping error categories.
func bindingError(t reflect.Type, field string, err error) error {
	for _, known := range passThroughErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return &SchemaBindingError{Type: t, Field: field, Err: err}
}
