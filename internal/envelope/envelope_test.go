package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	s, err := New([]byte("0123456789abcdef0123"))
	require.NoError(t, err)
	assert.False(t, s.Ephemeral())

	in := []float32{0.25, -1.5, 3.75, 0}
	sealed, err := s.Seal(in, "session-a")
	require.NoError(t, err)

	out, err := s.Open(sealed, "session-a")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestOpen_RejectsOtherSession(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	assert.True(t, s.Ephemeral())

	sealed, err := s.Seal([]float32{1, 2, 3}, "session-a")
	require.NoError(t, err)

	_, err = s.Open(sealed, "session-b")
	assert.Error(t, err)
}

func TestOpen_RejectsTampering(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	sealed, err := s.Seal([]float32{1, 2, 3}, "x")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = s.Open(sealed, "x")
	assert.Error(t, err)

	_, err = s.Open(sealed[:4], "x")
	assert.Error(t, err)
}

func TestNew_ShortKey(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}

func TestWipeFloats(t *testing.T) {
	v := []float32{1, 2, 3}
	WipeFloats(v)
	assert.Equal(t, []float32{0, 0, 0}, v)
}
