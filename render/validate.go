package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// localePrinter renders schema violation messages in English.
var localePrinter = message.NewPrinter(language.English)

// mockupSchema is the JSON Schema for UI mockup DSL documents.
const mockupSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "width": {"type": "integer", "minimum": 1},
    "height": {"type": "integer", "minimum": 1},
    "elements": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "string", "minLength": 1}
        },
        "required": ["type"]
      }
    }
  },
  "required": ["elements"]
}`

// knownElementTypes are the element kinds the HTML generator renders
// natively; anything else degrades to an annotated box.
var knownElementTypes = map[string]struct{}{
	"button": {}, "text": {}, "paragraph": {}, "heading": {}, "input": {},
	"checkbox": {}, "image": {}, "row": {}, "column": {}, "container": {},
}

type (
	// Validation is the result of validating DSL content. Slices are always
	// non-nil so the JSON form carries empty lists rather than nulls.
	Validation struct {
		Valid       bool     `json:"valid"`
		Errors      []string `json:"errors"`
		Warnings    []string `json:"warnings"`
		Suggestions []string `json:"suggestions"`
	}

	// Validator checks DSL documents against the mockup schema and adds
	// heuristic warnings and suggestions.
	Validator struct {
		schema *jsonschema.Schema
	}
)

// NewValidator compiles the embedded mockup schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(mockupSchema))
	if err != nil {
		return nil, fmt.Errorf("parse mockup schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mockup.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add mockup schema: %w", err)
	}
	schema, err := c.Compile("mockup.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile mockup schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks DSL content and reports errors, warnings and suggestions.
// Validate never fails: malformed input is reported through the result.
func (v *Validator) Validate(content string) *Validation {
	res := &Validation{
		Errors:      []string{},
		Warnings:    []string{},
		Suggestions: []string{},
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(content))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("invalid JSON: %v", err))
		return res
	}
	if err := v.schema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			collectSchemaErrors(ve, res)
		} else {
			res.Errors = append(res.Errors, err.Error())
		}
	}

	var doc Document
	if b, err := json.Marshal(inst); err == nil {
		_ = json.Unmarshal(b, &doc)
	}
	if len(doc.Elements) == 0 {
		res.Suggestions = append(res.Suggestions, "Add at least one UI element")
	}
	for i, el := range doc.Elements {
		if el.Type == "" {
			continue // already a schema error
		}
		if _, ok := knownElementTypes[el.Type]; !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("elements[%d]: unknown element type %q renders as a placeholder box", i, el.Type))
		}
	}
	if doc.Width > 4096 || doc.Height > 4096 {
		res.Warnings = append(res.Warnings, "dimensions above 4096px slow down rendering")
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// collectSchemaErrors flattens a validation error tree into messages of the
// form "/instance/path: cause".
func collectSchemaErrors(ve *jsonschema.ValidationError, res *Validation) {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(localePrinter)))
		return
	}
	for _, cause := range ve.Causes {
		collectSchemaErrors(cause, res)
	}
}
