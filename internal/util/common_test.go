package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePeerID(t *testing.T) {
	id, err := ValidatePeerID("  bob  ")
	require.NoError(t, err)
	assert.Equal(t, "bob", id)

	for _, bad := range []string{"", "   ", "a b", "a/b", `a\b`, "a..b"} {
		_, err := ValidatePeerID(bad)
		assert.Error(t, err, "peer id %q", bad)
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
}
