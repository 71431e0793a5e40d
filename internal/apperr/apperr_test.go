package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
		kind Kind
	}{
		{"not found", NotFound("get", "session", "s1"), ErrNotFound, KindNotFound},
		{"transition", InvalidTransition("answer", "call", "c1", "status %s", "ended"), ErrInvalidTransition, KindInvalidTransition},
		{"ineligible", Ineligible("assign", "alice", "mode away"), ErrIneligible, KindIneligible},
		{"capacity", CapacityExceeded("assign", "alice", 3, 3), ErrCapacityExceeded, KindCapacityExceeded},
		{"forbidden", Forbidden("override", "bob", "force_disconnect"), ErrForbidden, KindForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("desk: %w", tt.err)
			assert.True(t, errors.Is(wrapped, tt.want))
			assert.Equal(t, tt.kind, KindOf(wrapped))
		})
	}
}

func TestKindOf_StoreFailureHasNoKind(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("connection reset")))
}

func TestErrorMessage(t *testing.T) {
	err := CapacityExceeded("assign", "alice", 2, 2)
	assert.Equal(t, "assign: capacity_exceeded staff alice: 2 active of 2 allowed", err.Error())
}
