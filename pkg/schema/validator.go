// Package schema evaluates argument payloads against each operation's
// JSON Schema, producing either a normalized argument record or a
// structured validation error.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openshelf/callgate/pkg/protocol"
	"github.com/openshelf/callgate/pkg/registry"
)

// Validator holds one compiled schema per operation. Schemas are strict:
// unknown fields are rejected and numbers are not coerced from strings.
type Validator struct {
	compiled map[string]*jsonschema.Schema
	defaults map[string]map[string]any
}

// New compiles the argument schemas of every descriptor in the registry.
func New(reg *registry.Registry) (*Validator, error) {
	v := &Validator{
		compiled: make(map[string]*jsonschema.Schema),
		defaults: make(map[string]map[string]any),
	}
	for _, d := range reg.List() {
		if d.ArgsSchema == nil {
			continue
		}
		raw, err := json.Marshal(d.ArgsSchema)
		if err != nil {
			return nil, fmt.Errorf("schema: serialize args schema for %s: %w", d.Op, err)
		}

		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://callgate.local/ops/%s/args.schema.json", d.Op)
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema: load args schema for %s: %w", d.Op, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema: compile args schema for %s: %w", d.Op, err)
		}
		v.compiled[d.Op] = compiled
		v.defaults[d.Op] = extractDefaults(d.ArgsSchema)
	}
	return v, nil
}

// Validate checks args against the operation's schema and returns the
// normalized record with schema defaults filled in. Failure identifies
// the first offending path.
func (v *Validator) Validate(op string, args map[string]any) (map[string]any, *protocol.Error) {
	if args == nil {
		args = map[string]any{}
	}
	compiled, ok := v.compiled[op]
	if !ok {
		// No schema registered means no constraints.
		return args, nil
	}

	// Round-trip through JSON so the instance carries only the types the
	// validator understands (float64 numbers, no json.Number).
	normalized, err := jsonRoundTrip(args)
	if err != nil {
		return nil, protocol.NewErrorf(protocol.CodeSchemaValidationFailed, "args are not a JSON object: %v", err)
	}

	if err := compiled.Validate(normalized); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			leaf := firstLeaf(ve)
			path := leaf.InstanceLocation
			if path == "" {
				path = "/"
			}
			return nil, protocol.NewErrorf(protocol.CodeSchemaValidationFailed,
				"args%s: %s", path, leaf.Message)
		}
		return nil, protocol.NewErrorf(protocol.CodeSchemaValidationFailed, "args rejected: %v", err)
	}

	for name, def := range v.defaults[op] {
		if _, present := normalized[name]; !present {
			normalized[name] = def
		}
	}
	return normalized, nil
}

func jsonRoundTrip(args map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// firstLeaf descends to the first most-specific cause.
func firstLeaf(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// extractDefaults pulls top-level property defaults out of a schema
// object, e.g. a listing limit defaulting to 20.
func extractDefaults(schemaObj map[string]any) map[string]any {
	props, ok := schemaObj["properties"].(map[string]any)
	if !ok {
		return nil
	}
	defaults := make(map[string]any)
	for name, spec := range props {
		m, ok := spec.(map[string]any)
		if !ok {
			continue
		}
		if def, has := m["default"]; has {
			defaults[name] = def
		}
	}
	if len(defaults) == 0 {
		return nil
	}
	return defaults
}
