package event

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/uiforge/renderbridge/fault"
)

// ParseWire decodes a single text/event-stream frame produced by Wire. It is
// the inverse of Wire on the id, event, retry and data fields; the timestamp
// and connection id are not carried on the wire and remain zero.
//
// Lines that do not match a known field prefix are ignored, mirroring the
// tolerance the SSE specification requires of clients.
func ParseWire(frame []byte) (Event, error) {
	var e Event
	sc := bufio.NewScanner(bytes.NewReader(frame))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	seenData := false
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			e.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			e.Type = Type(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "retry: "):
			ms, err := strconv.Atoi(strings.TrimPrefix(line, "retry: "))
			if err != nil {
				return Event{}, fmt.Errorf("parse retry field: %w", err)
			}
			e.RetryMS = ms
		case strings.HasPrefix(line, "data: "):
			raw := strings.TrimPrefix(line, "data: ")
			if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
				return Event{}, fmt.Errorf("parse data field: %w", err)
			}
			seenData = true
		}
	}
	if err := sc.Err(); err != nil {
		return Event{}, fmt.Errorf("scan frame: %w", err)
	}
	if e.ID == "" || e.Type == "" || !seenData {
		return Event{}, fmt.Errorf("incomplete frame: id, event and data fields are required")
	}
	return e, nil
}

// ParseToolOutput decodes the output of an external tool call. Two producer
// conventions coexist and both must be accepted:
//
//   - a JSON list whose first element is a map with a "text" field holding a
//     JSON object encoded as a string;
//   - a JSON list whose first element is itself the result map.
//
// Anything else fails with a ToolParse fault naming the operation: empty
// input, a non-list top level, an empty list, a missing/empty/non-string
// text field, or invalid embedded JSON.
func ParseToolOutput(raw []byte, op string) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fault.New(fault.KindToolParse, "%s: empty tool output", op)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fault.Wrap(fault.KindToolParse, err, "%s: tool output is not a list", op)
	}
	if len(items) == 0 {
		return nil, fault.New(fault.KindToolParse, "%s: tool output list is empty", op)
	}
	var first map[string]any
	if err := json.Unmarshal(items[0], &first); err != nil {
		return nil, fault.Wrap(fault.KindToolParse, err, "%s: first output element is not a map", op)
	}
	text, present := first["text"]
	if !present {
		// Structured convention: the first element is the result itself.
		return first, nil
	}
	s, ok := text.(string)
	if !ok {
		return nil, fault.New(fault.KindToolParse, "%s: text field is not a string", op)
	}
	if strings.TrimSpace(s) == "" {
		return nil, fault.New(fault.KindToolParse, "%s: text field is empty", op)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return nil, fault.Wrap(fault.KindToolParse, err, "%s: text field is not valid JSON", op)
	}
	return result, nil
}
