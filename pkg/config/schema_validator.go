package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Violation is one place where a configuration file breaks the schema.
type Violation struct {
	Field   string
	Problem string
}

func (v Violation) String() string { return v.Field + ": " + v.Problem }

// SchemaError lists every violation found in a configuration file.
type SchemaError []Violation

func (e SchemaError) Error() string {
	lines := make([]string, len(e))
	for i, v := range e {
		lines[i] = "  - " + v.String()
	}
	return "configuration does not match schema:\n" + strings.Join(lines, "\n")
}

// CheckSchema validates YAML data against the embedded schema. A nil
// result means the document conforms; violations come back as SchemaError.
func CheckSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	// yaml decodes into map[string]any; json round-trip gives the loader
	// plain JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert yaml to json: %w", err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if res.Valid() {
		return nil
	}
	out := make(SchemaError, 0, len(res.Errors()))
	for _, re := range res.Errors() {
		out = append(out, Violation{Field: re.Field(), Problem: re.Description()})
	}
	return out
}
