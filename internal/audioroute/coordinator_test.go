package audioroute

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOS records every call against the platform facility.
type fakeOS struct {
	focusErr error
	requests int
	abandons int
	mode     Mode
	speaker  bool
}

func (f *fakeOS) RequestFocus() error {
	if f.focusErr != nil {
		return f.focusErr
	}
	f.requests++
	return nil
}
func (f *fakeOS) AbandonFocus()          { f.abandons++ }
func (f *fakeOS) SetMode(m Mode)         { f.mode = m }
func (f *fakeOS) SetSpeakerphone(b bool) { f.speaker = b }

func TestAcquireIdempotent(t *testing.T) {
	os := &fakeOS{}
	c := New(os)

	require.NoError(t, c.Acquire())
	require.NoError(t, c.Acquire())
	require.NoError(t, c.Acquire())

	assert.Equal(t, 1, os.requests, "repeat acquires must not stack focus requests")
	assert.Equal(t, ModeInCommunication, os.mode)
	assert.True(t, c.Held())
}

func TestReleaseWithoutAcquire(t *testing.T) {
	os := &fakeOS{}
	c := New(os)

	c.Release()
	c.Release()

	assert.Zero(t, os.abandons)
	assert.False(t, c.Held())
}

func TestReleaseResetsRouting(t *testing.T) {
	os := &fakeOS{}
	c := New(os)

	require.NoError(t, c.Acquire())
	assert.True(t, c.ToggleSpeaker())
	assert.True(t, os.speaker)

	c.Release()
	assert.Equal(t, 1, os.abandons)
	assert.Equal(t, ModeNormal, os.mode)
	assert.False(t, os.speaker, "speaker routing resets with the route")
	assert.False(t, c.Held())

	// Speaker state does not leak into the next acquisition.
	require.NoError(t, c.Acquire())
	assert.True(t, c.ToggleSpeaker(), "fresh route starts on earpiece")
}

func TestFocusDenied(t *testing.T) {
	os := &fakeOS{focusErr: errors.New("busy")}
	c := New(os)

	err := c.Acquire()
	require.Error(t, err)
	assert.False(t, c.Held())
	assert.False(t, c.ToggleSpeaker(), "no route, no speaker toggle")
}

func TestNilFacilityFallsBack(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Acquire())
	assert.True(t, c.Held())
	c.Release()
	assert.False(t, c.Held())
}
