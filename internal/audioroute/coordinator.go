// Package audioroute arbitrates the process-wide voice-communication audio
// route. The OS facility is a singleton; the coordinator makes acquisition
// idempotent and release unconditional so no call teardown path can leak
// the route.
package audioroute

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("audioroute")

// Mode selects the OS audio mode while a route is held.
type Mode int

const (
	ModeNormal Mode = iota
	ModeInCommunication
)

// OSAudio is the contract of the platform audio facility. Implementations
// live in the host application; NullAudio is used where no platform
// integration exists.
type OSAudio interface {
	// RequestFocus claims exclusive voice-communication focus.
	RequestFocus() error
	// AbandonFocus gives the focus back. Must tolerate being called
	// without a prior successful RequestFocus.
	AbandonFocus()
	// SetMode switches the device between normal and in-communication
	// routing.
	SetMode(m Mode)
	// SetSpeakerphone toggles speaker vs earpiece output.
	SetSpeakerphone(on bool)
}

// NullAudio is an OSAudio that does nothing. Useful headless and in tests.
type NullAudio struct{}

func (NullAudio) RequestFocus() error  { return nil }
func (NullAudio) AbandonFocus()        {}
func (NullAudio) SetMode(Mode)         {}
func (NullAudio) SetSpeakerphone(bool) {}

// Coordinator guards the audio route. All methods are safe for concurrent
// use; Acquire while held and Release while not held are no-ops.
type Coordinator struct {
	mu      sync.Mutex
	os      OSAudio
	held    bool
	speaker bool
}

// New creates a coordinator over the given OS facility. A nil facility
// falls back to NullAudio.
func New(os OSAudio) *Coordinator {
	if os == nil {
		os = NullAudio{}
	}
	return &Coordinator{os: os}
}

// Acquire claims the voice route. Idempotent while already held. A focus
// denial is returned as an error and leaves the coordinator unheld; the
// caller treats it as call-setup failure.
func (c *Coordinator) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held {
		return nil
	}
	if err := c.os.RequestFocus(); err != nil {
		return fmt.Errorf("audio focus: %w", err)
	}
	c.os.SetMode(ModeInCommunication)
	c.held = true
	log.Debug("audio route acquired")
	return nil
}

// Release gives the route back. Always safe: a release without a prior
// acquire does nothing. Speaker routing resets with the route.
func (c *Coordinator) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.held {
		return
	}
	c.os.SetSpeakerphone(false)
	c.os.SetMode(ModeNormal)
	c.os.AbandonFocus()
	c.held = false
	c.speaker = false
	log.Debug("audio route released")
}

// ToggleSpeaker flips speaker/earpiece routing while the route is held and
// returns the resulting speaker state. A no-op returning false when the
// route is not held.
func (c *Coordinator) ToggleSpeaker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.held {
		return false
	}
	c.speaker = !c.speaker
	c.os.SetSpeakerphone(c.speaker)
	return c.speaker
}

// Held reports whether the route is currently held.
func (c *Coordinator) Held() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}
