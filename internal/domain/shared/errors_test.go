package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_MatchesSentinelByCode(t *testing.T) {
	err := NewDomainError("NOT_FOUND", "order ORD-1 not found")
	wrapped := fmt.Errorf("load: %w", err)

	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.NotErrorIs(t, wrapped, ErrConflict)
	assert.Equal(t, "order ORD-1 not found", err.Error())

	var de *DomainError
	assert.True(t, errors.As(wrapped, &de))
	assert.Equal(t, "NOT_FOUND", de.Code)
}

func TestClassification(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		connectivity bool
		rejection    bool
	}{
		{"nil", nil, false, false},
		{"unavailable", fmt.Errorf("write: %w", ErrUnavailable), true, false},
		{"cancelled", context.Canceled, true, false},
		{"deadline", context.DeadlineExceeded, true, false},
		{"permission", ErrPermissionDenied, false, true},
		{"conflict", NewDomainError("CONFLICT", "stale"), false, true},
		{"rejected", ErrRejected, false, true},
		{"not found", ErrNotFound, false, true},
		{"invalid input", ErrInvalidInput, false, true},
		{"closed", ErrClosed, false, false},
		{"plain", errors.New("boom"), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.connectivity, IsConnectivity(tc.err))
			assert.Equal(t, tc.rejection, IsRejection(tc.err))
		})
	}
}
