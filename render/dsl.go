package render

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

type (
	// Document is the UI mockup DSL root.
	Document struct {
		Title    string    `json:"title,omitempty"`
		Width    int       `json:"width,omitempty"`
		Height   int       `json:"height,omitempty"`
		Elements []Element `json:"elements,omitempty"`
	}

	// Element is a single UI element. Container types carry children.
	Element struct {
		Type        string            `json:"type"`
		Label       string            `json:"label,omitempty"`
		Text        string            `json:"text,omitempty"`
		Placeholder string            `json:"placeholder,omitempty"`
		Src         string            `json:"src,omitempty"`
		Level       int               `json:"level,omitempty"`
		Checked     bool              `json:"checked,omitempty"`
		Style       map[string]string `json:"style,omitempty"`
		Children    []Element         `json:"children,omitempty"`
	}
)

// newOffsetReader wraps DSL content for decoding with offset tracking.
func newOffsetReader(content string) io.Reader {
	return strings.NewReader(content)
}

// asSyntaxError extracts a JSON syntax error from err, if present.
func asSyntaxError(err error, target **json.SyntaxError) bool {
	return errors.As(err, target)
}
