package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	schemavalidator "github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "ephemera-config.json"

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error

	compiledOnce sync.Once
	compiled     *schemavalidator.Schema
	compiledErr  error
)

var durationType = reflect.TypeOf(time.Duration(0))

// JSONSchema returns the JSON Schema for the Config struct.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			Anonymous:                  true,
			RequiredFromJSONSchemaTags: true,
			Mapper: func(t reflect.Type) *jsonschema.Schema {
				if t == durationType {
					return &jsonschema.Schema{
						Type:        "string",
						Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
						Description: "Go duration string such as 30s or 5m",
					}
				}
				return nil
			},
		}
		schema := r.Reflect(&Config{})
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

func compiledSchema() (*schemavalidator.Schema, error) {
	compiledOnce.Do(func() {
		doc, err := JSONSchema()
		if err != nil {
			compiledErr = err
			return
		}
		compiler := schemavalidator.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(doc)); err != nil {
			compiledErr = fmt.Errorf("load config schema: %w", err)
			return
		}
		compiled, compiledErr = compiler.Compile(schemaURL)
	})
	return compiled, compiledErr
}

// ValidateRaw checks a merged raw config map against the generated schema
// before it is decoded. Type mismatches and unknown keys are reported with
// their JSON pointer.
func ValidateRaw(raw map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("config schema unavailable: %w", err)
	}
	// Round-trip through JSON so YAML scalar types match what the validator expects.
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}
