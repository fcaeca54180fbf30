package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), KindInternal},
		{"classified", New(KindFileTooLarge, "too big"), KindFileTooLarge},
		{"wrapped", fmt.Errorf("outer: %w", New(KindSessionExpired, "gone")), KindSessionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestPublic_HidesInternalDetail(t *testing.T) {
	err := fmt.Errorf("dial tcp 10.0.0.3:5432: connection refused")

	kind, msg := Public(err)

	assert.Equal(t, KindInternal, kind)
	assert.Equal(t, genericMessage, msg)
	assert.NotContains(t, msg, "10.0.0.3")
}

func TestPublic_KeepsCallerMessage(t *testing.T) {
	err := Wrap(KindInvalidFileType, "unsupported image format", errors.New("magic 0x00"))

	kind, msg := Public(err)

	assert.Equal(t, KindInvalidFileType, kind)
	assert.Equal(t, "unsupported image format", msg)
}

func TestErrorsIs_ComparesKind(t *testing.T) {
	err := fmt.Errorf("lookup: %w", New(KindSessionNotFound, "session abc not found"))

	assert.ErrorIs(t, err, New(KindSessionNotFound, ""))
	assert.NotErrorIs(t, err, New(KindSessionExpired, ""))
}
