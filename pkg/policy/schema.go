package policy

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// packSchema is the structural contract for pack documents. Loading is
// fail-closed: a document that does not satisfy the schema is rejected before
// any rule is compiled.
const packSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "version", "base_threshold", "rules"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "base_threshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "strict_threshold": {"type": "number", "minimum": 0, "maximum": 1},
    "strict_mode": {"type": "boolean"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "weight"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "pattern": {"type": "string"},
          "expression": {"type": "string"},
          "weight": {"type": "number", "minimum": 0, "maximum": 1},
          "locales": {"type": "array", "items": {"type": "string"}},
          "precision": {"type": "number", "minimum": 0, "maximum": 1},
          "recall": {"type": "number", "minimum": 0, "maximum": 1},
          "description": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledPackSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://gatewarden.schemas.local/policy/pack.schema.json"
	if err := c.AddResource(url, strings.NewReader(packSchema)); err != nil {
		panic(fmt.Sprintf("policy: schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("policy: schema compile: %v", err))
	}
	return s
}

// validateDocument checks a decoded pack document against the pack schema.
func validateDocument(doc any) error {
	if err := compiledPackSchema.Validate(doc); err != nil {
		return fmt.Errorf("policy: schema validation failed: %w", err)
	}
	return nil
}
