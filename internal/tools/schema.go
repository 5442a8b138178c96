package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor generates a JSON Schema parameters map from a typed
// argument struct. Field descriptions come from jsonschema struct tags;
// fields with json:",omitempty" are optional, the rest are required.
func SchemaFor[T any]() map[string]any {
	r := jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	var v T
	s := r.Reflect(&v)

	data, err := json.Marshal(s)
	if err != nil {
		// Reflection over a plain struct cannot produce unmarshalable
		// schemas; treat this as a programmer error at startup.
		panic(fmt.Sprintf("tools: marshal schema: %v", err))
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("tools: unmarshal schema: %v", err))
	}

	// The model wants a bare parameters object.
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// ValidateArgs checks args against a parameters schema: every required
// property must be present, and present properties must match their
// declared primitive type. Violations return ErrSchemaMismatch.
//
// This intentionally covers the subset of JSON Schema the registry's
// generated schemas use (object with typed properties and a required
// list); it is not a general validator.
func ValidateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if name == "" {
				continue
			}
			if _, present := args[name]; !present {
				return fmt.Errorf("%w: missing required field %q", ErrSchemaMismatch, name)
			}
		}
	}
	// Generated schemas carry required as []string before the JSON
	// round trip; accept both shapes.
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("%w: missing required field %q", ErrSchemaMismatch, name)
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for name, value := range args {
		prop, ok := properties[name].(map[string]any)
		if !ok {
			// Unknown properties pass through; the handler ignores them.
			continue
		}
		declared, _ := prop["type"].(string)
		if declared == "" || value == nil {
			continue
		}
		if !typeMatches(declared, value) {
			return fmt.Errorf("%w: field %q must be %s", ErrSchemaMismatch, name, declared)
		}
	}

	return nil
}

// typeMatches reports whether a decoded JSON value conforms to a JSON
// Schema primitive type name. Decoded JSON numbers are always float64,
// so "integer" additionally requires a whole value.
func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

// StringArg extracts a string argument, returning "" when absent.
func StringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// StringSliceArg extracts a []string argument from a decoded JSON array.
// Non-string elements and blank strings are dropped.
func StringSliceArg(args map[string]any, name string) []string {
	raw, _ := args[name].([]any)
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IntArg extracts an integer argument, returning def when absent or not
// a number.
func IntArg(args map[string]any, name string, def int) int {
	if f, ok := args[name].(float64); ok {
		return int(f)
	}
	return def
}
