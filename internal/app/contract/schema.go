package contract

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaResource = "pact_v2.schema.json"

//go:embed pact_v2.schema.json
var pactSchema string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// SchemaError lists every way a document departs from the pact v2 format.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "contract is not a valid pact v2 document: " + strings.Join(e.Problems, "; ")
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource(schemaResource, strings.NewReader(pactSchema)); err != nil {
			schemaErr = errors.Wrap(err, "unable to load pact schema")
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaResource)
	})
	return compiledSchema, schemaErr
}

// validateDocument checks a decoded document. Numbers must be json.Number.
func validateDocument(doc interface{}) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return errors.Wrap(err, "unable to validate contract")
	}
	result := &SchemaError{}
	collectProblems(validationErr, result)
	return result
}

func collectProblems(err *jsonschema.ValidationError, result *SchemaError) {
	if len(err.Causes) == 0 {
		location := err.InstanceLocation
		if location == "" {
			location = "/"
		}
		result.Problems = append(result.Problems, fmt.Sprintf("%s: %s", location, err.Message))
		return
	}
	for _, cause := range err.Causes {
		collectProblems(cause, result)
	}
}
