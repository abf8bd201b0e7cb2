package toolerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCauseMatchable(t *testing.T) {
	sentinel := errors.New("expired")
	err := Wrap("call_1", "lookup", fmt.Errorf("await: %w", sentinel))
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, "tool lookup (call_1): await: expired", err.Error())

	var te *ToolError
	require.ErrorAs(t, fmt.Errorf("outer: %w", err), &te)
	require.Equal(t, "call_1", te.ToolCallID)
}

func TestWrapIsIdempotentPerCall(t *testing.T) {
	first := Wrap("call_1", "lookup", context.Canceled)
	require.Same(t, first, Wrap("call_1", "lookup", first))
	other := Wrap("call_2", "lookup", first)
	require.NotSame(t, first, other)
	require.ErrorIs(t, other, context.Canceled)
	require.Nil(t, Wrap("call_1", "lookup", nil))
}

func TestNewDefaultsMessage(t *testing.T) {
	require.Equal(t, "tool x (c): tool error", New("c", "x", "").Error())
	require.Equal(t, "tool call c: bad 7", Errorf("c", "", "bad %d", 7).Error())
	require.Equal(t, "plain", (&ToolError{Message: "plain"}).Error())
	var nilErr *ToolError
	require.Empty(t, nilErr.Error())
	require.NoError(t, nilErr.Unwrap())
}
