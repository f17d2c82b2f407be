// Package render implements the external rendering collaborators behind the
// tool Caller interface: the DSL-to-HTML generator, the headless-browser PNG
// producer, the DSL validator and the render-status tool.
package render

import (
	"encoding/json"
	"fmt"

	"github.com/uiforge/renderbridge/fault"
)

// Options are the resolved render settings. Every field has a concrete
// default so a coerced Options value never persists null fields to the
// shared store.
type Options struct {
	Width                 int     `json:"width"`
	Height                int     `json:"height"`
	DeviceScaleFactor     float64 `json:"device_scale_factor"`
	WaitForLoad           bool    `json:"wait_for_load"`
	FullPage              bool    `json:"full_page"`
	OptimizePNG           bool    `json:"optimize_png"`
	Timeout               int     `json:"timeout"`
	BlockResources        bool    `json:"block_resources"`
	TransparentBackground bool    `json:"transparent_background"`
	UserAgent             string  `json:"user_agent"`
	PNGQuality            int     `json:"png_quality"`
	BackgroundColor       string  `json:"background_color"`
}

// DefaultOptions returns the baseline render settings.
func DefaultOptions() Options {
	return Options{
		Width:             800,
		Height:            600,
		DeviceScaleFactor: 1.0,
		WaitForLoad:       true,
		OptimizePNG:       true,
		Timeout:           30,
		UserAgent:         "Mozilla/5.0 (Linux; MCP Bridge)",
		PNGQuality:        90,
		BackgroundColor:   "#ffffff",
	}
}

// Map converts options to the generic argument form tool callers exchange.
func (o Options) Map() (map[string]any, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode render options: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode render options: %w", err)
	}
	return m, nil
}

// CoerceOptions resolves a raw argument map into concrete Options. Missing
// and null-valued fields fall back to defaults; present fields override
// them. Unknown fields are ignored.
func CoerceOptions(raw map[string]any) Options {
	o := DefaultOptions()
	if raw == nil {
		return o
	}
	// Round-trip through JSON so numeric types coming out of a generic
	// decode (float64) land in the typed fields. Nulls are dropped first so
	// they cannot zero a defaulted field.
	cleaned := make(map[string]any, len(raw))
	for k, v := range raw {
		if v != nil {
			cleaned[k] = v
		}
	}
	b, err := json.Marshal(cleaned)
	if err != nil {
		return o
	}
	_ = json.Unmarshal(b, &o)
	if o.Width <= 0 {
		o.Width = 800
	}
	if o.Height <= 0 {
		o.Height = 600
	}
	if o.DeviceScaleFactor <= 0 {
		o.DeviceScaleFactor = 1.0
	}
	if o.Timeout <= 0 {
		o.Timeout = 30
	}
	if o.PNGQuality <= 0 || o.PNGQuality > 100 {
		o.PNGQuality = 90
	}
	if o.UserAgent == "" {
		o.UserAgent = "Mozilla/5.0 (Linux; MCP Bridge)"
	}
	if o.BackgroundColor == "" {
		o.BackgroundColor = "#ffffff"
	}
	return o
}

// CanonicalDSL parses DSL content and re-serializes it in canonical form.
// String input must be a JSON object; parse failures carry the offending
// position.
func CanonicalDSL(content string) (string, *Document, error) {
	var doc Document
	dec := json.NewDecoder(newOffsetReader(content))
	if err := dec.Decode(&doc); err != nil {
		var syn *json.SyntaxError
		if ok := asSyntaxError(err, &syn); ok {
			return "", nil, fault.Wrap(fault.KindValidationError, err, "invalid DSL JSON at offset %d", syn.Offset)
		}
		return "", nil, fault.Wrap(fault.KindValidationError, err, "invalid DSL JSON")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize DSL: %w", err)
	}
	return string(b), &doc, nil
}
