package conn

import (
	"encoding/json"
	"fmt"

	"github.com/uiforge/renderbridge/event"
)

// marshalEvent serializes an event for the shared ring buffer.
func marshalEvent(e event.Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return string(b), nil
}

// unmarshalEvent decodes a ring buffer record.
func unmarshalEvent(raw string, e *event.Event) error {
	if err := json.Unmarshal([]byte(raw), e); err != nil {
		return fmt.Errorf("decode event record: %w", err)
	}
	return nil
}

// errRequired reports a missing required option.
func errRequired(name string) error {
	return fmt.Errorf("%s is required", name)
}
