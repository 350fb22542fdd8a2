package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	cause := errors.New("disk full")
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"plain error", cause, CodeInternal},
		{"validation", Validation("bad"), CodeValidation},
		{"wrapped gone", fmt.Errorf("download: %w", Gone("expired", cause)), CodeGone},
		{"not ready", NotReady("pending"), CodeNotReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("file missing")
	err := Gone("download link has expired", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, CodeGone))
	assert.False(t, Is(err, CodeNotFound))
	assert.Contains(t, err.Error(), "GONE")
}
