package event

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uiforge/renderbridge/fault"
)

func TestNewNormalizesPayload(t *testing.T) {
	e := New(TypeConnectionOpened, "c1", nil)
	require.NotEmpty(t, e.ID)
	require.NotNil(t, e.Payload)
	assert.Equal(t, "c1", e.ConnectionID)
	assert.Equal(t, time.UTC, e.Timestamp.Location())
}

func TestWithRetrySetsHint(t *testing.T) {
	e := New(TypeConnectionHeartbeat, "c1", nil, WithRetry(30000))
	assert.Equal(t, 30000, e.RetryMS)
}

func TestTypeValid(t *testing.T) {
	assert.True(t, TypeRenderProgress.Valid())
	assert.False(t, Type("render.unknown").Valid())
	assert.False(t, Type("").Valid())
}

// TestWireRoundTrip verifies that parsing a serialized frame recovers the id,
// type, retry hint and payload for any event in the closed type set.
func TestWireRoundTrip(t *testing.T) {
	allTypes := make([]Type, 0, len(knownTypes))
	for typ := range knownTypes {
		allTypes = append(allTypes, typ)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ParseWire inverts Wire", prop.ForAll(
		func(typeIdx int, key, value string, retry int) bool {
			e := New(allTypes[typeIdx], "conn", map[string]any{key: value})
			if retry > 0 {
				e.RetryMS = retry
			}
			frame, err := e.Wire()
			if err != nil {
				return false
			}
			parsed, err := ParseWire(frame)
			if err != nil {
				return false
			}
			if parsed.ID != e.ID || parsed.Type != e.Type || parsed.RetryMS != e.RetryMS {
				return false
			}
			got, ok := parsed.Payload[key].(string)
			return ok && got == value
		},
		gen.IntRange(0, len(allTypes)-1),
		gen.Identifier(),
		gen.AlphaString(),
		gen.IntRange(0, 60000),
	))

	properties.TestingRun(t)
}

func TestWireFraming(t *testing.T) {
	e := Event{
		ID:      "abc",
		Type:    TypeConnectionHeartbeat,
		Payload: map[string]any{"n": float64(1)},
		RetryMS: 30000,
	}
	frame, err := e.Wire()
	require.NoError(t, err)
	assert.Equal(t, "id: abc\nevent: connection.heartbeat\nretry: 30000\ndata: {\"n\":1}\n\n", string(frame))
}

func TestParseWireRejectsIncompleteFrames(t *testing.T) {
	for name, frame := range map[string]string{
		"missing id":    "event: connection.opened\ndata: {}\n\n",
		"missing event": "id: x\ndata: {}\n\n",
		"missing data":  "id: x\nevent: connection.opened\n\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWire([]byte(frame))
			require.Error(t, err)
		})
	}
}

func TestParseToolOutput(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{
			name: "text wrapped result",
			raw:  `[{"text": "{\"success\": true, \"n\": 3}"}]`,
			want: map[string]any{"success": true, "n": float64(3)},
		},
		{
			name: "structured result",
			raw:  `[{"valid": true, "errors": []}]`,
			want: map[string]any{"valid": true, "errors": []any{}},
		},
		{name: "empty input", raw: "", wantErr: true},
		{name: "whitespace input", raw: "  \n ", wantErr: true},
		{name: "not a list", raw: `{"text": "{}"}`, wantErr: true},
		{name: "empty list", raw: `[]`, wantErr: true},
		{name: "non-map element", raw: `[42]`, wantErr: true},
		{name: "text not a string", raw: `[{"text": 42}]`, wantErr: true},
		{name: "text empty", raw: `[{"text": "  "}]`, wantErr: true},
		{name: "text not json", raw: `[{"text": "not json"}]`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseToolOutput([]byte(tc.raw), "render_ui_mockup")
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, fault.IsKind(err, fault.KindToolParse))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
