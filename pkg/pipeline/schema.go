package pipeline

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/pipeline.schema.json
var manifestSchema []byte

var (
	compiledSchema *gojsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func getSchema() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchema, compileErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(manifestSchema))
	})
	return compiledSchema, compileErr
}

// SchemaError lists every schema violation found in a manifest.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "manifest does not match schema: " + strings.Join(e.Problems, "; ")
}

// ValidateSchema checks raw manifest YAML against the embedded JSON Schema.
func ValidateSchema(data []byte) error {
	schema, err := getSchema()
	if err != nil {
		return fmt.Errorf("compiling manifest schema: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if doc == nil {
		return &SchemaError{Problems: []string{"manifest is empty"}}
	}
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("manifest is not JSON compatible: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return fmt.Errorf("validating manifest: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return &SchemaError{Problems: problems}
}
