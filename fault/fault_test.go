package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindClassification(t *testing.T) {
	err := New(KindRateLimited, "limit hit for %s", "alice")
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.True(t, IsKind(err, KindRateLimited))
	assert.False(t, IsKind(err, KindInternal))
	assert.Equal(t, "rate_limited: limit hit for alice", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindStoreUnavailable, cause, "hset %s", "sse:connections")
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindStoreUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	inner := New(KindToolTimeout, "render timed out")
	outer := fmt.Errorf("execute tool: %w", inner)
	assert.True(t, IsKind(outer, KindToolTimeout))
	assert.Equal(t, KindToolTimeout, KindOf(outer))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("anything")))
}

func TestWithDetails(t *testing.T) {
	err := New(KindValidationError, "bad document").WithDetails(map[string]any{"offset": 14})
	require.NotNil(t, err.Details)
	assert.Equal(t, 14, err.Details["offset"])
}
