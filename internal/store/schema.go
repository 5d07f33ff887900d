package store

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/flag.schema.json schema/document.schema.json
var schemaFS embed.FS

// Compiled once at startup. The schemas are embedded, so a compile failure
// is a programming error and panics immediately.
var (
	flagSchema     = mustCompileSchema("schema/flag.schema.json")
	documentSchema = mustCompileSchema("schema/document.schema.json", "schema/flag.schema.json")
)

func mustCompileSchema(main string, deps ...string) *gojsonschema.Schema {
	loader := gojsonschema.NewSchemaLoader()
	for _, dep := range deps {
		raw, err := schemaFS.ReadFile(dep)
		if err != nil {
			panic(fmt.Sprintf("store: reading embedded schema %s: %v", dep, err))
		}
		if err := loader.AddSchemas(gojsonschema.NewBytesLoader(raw)); err != nil {
			panic(fmt.Sprintf("store: registering schema %s: %v", dep, err))
		}
	}

	raw, err := schemaFS.ReadFile(main)
	if err != nil {
		panic(fmt.Sprintf("store: reading embedded schema %s: %v", main, err))
	}
	schema, err := loader.Compile(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("store: compiling schema %s: %v", main, err))
	}
	return schema
}

// ValidateFlagJSON checks a raw flag definition against the embedded JSON
// Schema. It covers shape and ranges only; referential and cross-field
// invariants are the document mutators' job.
func ValidateFlagJSON(raw []byte) error {
	return validateJSON(flagSchema, raw, "flag definition")
}

// ValidateDocumentJSON checks a raw tenant document. Documents written by
// the mutators always pass; the check guards documents from untrusted media
// such as hand-edited files.
func ValidateDocumentJSON(raw []byte) error {
	return validateJSON(documentSchema, raw, "tenant document")
}

func validateJSON(schema *gojsonschema.Schema, raw []byte, what string) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s is not valid JSON: %v", ErrInvalidDefinition, what, err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		details = append(details, re.String())
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidDefinition, what, strings.Join(details, "; "))
}
