package tools

import (
	"encoding/json"
	"fmt"
	"reflect"

	invopop "github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonschema"
)

// Schema reflects the JSON schema of T as a map.
func Schema[T any]() (map[string]any, error) {
	return SchemaOf(reflect.TypeFor[T]())
}

// SchemaOf reflects the JSON schema of t as a map.
func SchemaOf(t reflect.Type) (map[string]any, error) {
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	// ExpandedStruct only applies to structs; other kinds reflect inline.
	r := &invopop.Reflector{DoNotReference: true, ExpandedStruct: base.Kind() == reflect.Struct}
	b, err := json.Marshal(r.ReflectFromType(t))
	if err != nil {
		return nil, fmt.Errorf("could not encode schema: %w", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, fmt.Errorf("could not decode schema: %w", err)
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema, nil
}

// ArgsValidator checks decoded JSON against a compiled schema.
type ArgsValidator struct {
	schema *jsonschema.Schema
}

// CompileArgs compiles a JSON schema. A nil schema yields a nil validator,
// which accepts everything.
func CompileArgs(schema map[string]any) (*ArgsValidator, error) {
	if schema == nil {
		return nil, nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("could not encode schema: %w", err)
	}
	compiled, err := jsonschema.NewCompiler().Compile(b)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &ArgsValidator{schema: compiled}, nil
}

// Check returns a description of the problems for the model, or "" when
// args are valid.
func (v *ArgsValidator) Check(args any) string {
	if v == nil {
		return ""
	}
	result := v.schema.Validate(args)
	if result.IsValid() {
		return ""
	}
	details, err := json.Marshal(result)
	if err != nil {
		return "arguments do not match the schema"
	}
	return "arguments do not match the schema: " + string(details)
}
