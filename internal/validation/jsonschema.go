package validation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/pairvault/pkg/schema"
)

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with every built-in schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	v := &JSONSchemaValidator{schemas: make(map[string]*jsonschema.Schema, len(builtinSchemas))}
	for name, doc := range builtinSchemas {
		if err := v.Register(name, doc); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Register compiles doc and stores it under name, replacing any previous
// schema with that name.
func (v *JSONSchemaValidator) Register(name, doc string) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return fmt.Errorf("unmarshal schema %s: %w", name, err)
	}

	url := schemaBase + name + ".json"
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, parsed); err != nil {
		return fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[name] = compiled
	return nil
}

// Has reports whether a schema is registered under name.
func (v *JSONSchemaValidator) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[name]
	return ok
}

// Validate checks raw JSON against the named schema.
func (v *JSONSchemaValidator) Validate(name string, raw []byte) error {
	v.mu.RLock()
	compiled, ok := v.schemas[name]
	v.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown schema %q", name)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toPairvaultError(name, err)
	}
	return nil
}

// toPairvaultError flattens a jsonschema.ValidationError into a
// PairvaultError listing every leaf violation.
func toPairvaultError(name string, err error) *schema.PairvaultError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	details := map[string]any{"schema": name, "violations": violations}
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error()).WithDetails(details)
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).WithDetails(details)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %d violations", name, len(violations)).WithDetails(details)
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
