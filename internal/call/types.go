package call

import (
	"context"
	"fmt"
	"time"

	"github.com/privmsg/sessioncore/internal/proto"
)

// Signaler is the only surface the call package needs from the relay layer.
// Send is best-effort: false means the frame did not leave this process.
type Signaler interface {
	Send(f proto.Frame) bool
}

// AudioRouter is the slice of the audio coordinator the session drives.
type AudioRouter interface {
	Acquire() error
	Release()
}

// TrackKind identifies a local media track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Media is the opaque media engine collaborator. The session only drives
// negotiation and per-track enablement; capture, codecs and transport are
// the engine's business.
type Media interface {
	// CreateOffer prepares a local session and returns the offer SDP.
	CreateOffer(ctx context.Context, video bool) (string, error)
	// CreateAnswer applies a remote offer and returns the answer SDP.
	CreateAnswer(ctx context.Context, remoteOffer string, video bool) (string, error)
	// SetRemoteAnswer applies the peer's answer to a pending offer.
	SetRemoteAnswer(ctx context.Context, answer string) error
	// AddCandidate feeds a remote connectivity candidate to the engine.
	AddCandidate(candidate string) error
	// SetTrackEnabled flips a local track on or off.
	SetTrackEnabled(kind TrackKind, enabled bool) error
	// OnLocalCandidate registers the sink for locally gathered candidates.
	// The engine must invoke fn from its own goroutine, never from inside
	// a negotiation call; fn may block briefly.
	OnLocalCandidate(fn func(candidate string))
	// Close tears the media session down. Idempotent.
	Close() error
}

// Phase is the tag of the CallState variant.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseIncoming
	PhaseOutgoing
	PhaseConnected
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIncoming:
		return "incoming"
	case PhaseOutgoing:
		return "outgoing"
	case PhaseConnected:
		return "connected"
	case PhaseEnded:
		return "ended"
	default:
		return "idle"
	}
}

// State is an immutable snapshot of the call machine. Fields beyond Phase
// are only meaningful for the phases that carry them: Peer/Video for any
// active phase, StartedAt for Connected, Reason for Ended.
type State struct {
	Phase     Phase
	CallID    string
	Peer      string
	Video     bool
	StartedAt time.Time
	Reason    string
}

// Active reports whether the snapshot holds a live call attempt or call.
func (s State) Active() bool {
	return s.Phase == PhaseIncoming || s.Phase == PhaseOutgoing || s.Phase == PhaseConnected
}

// Duration returns the elapsed time of a connected call, zero otherwise.
func (s State) Duration() time.Duration {
	if s.Phase != PhaseConnected || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// FormatDuration renders a call duration as mm:ss, or h:mm:ss past an hour.
func FormatDuration(d time.Duration) string {
	sec := int(d.Seconds())
	if sec < 0 {
		sec = 0
	}
	h, m, s := sec/3600, (sec/60)%60, sec%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// End reasons surfaced on the Ended snapshot.
const (
	ReasonRejected       = "rejected"
	ReasonEnded          = "ended"
	ReasonEndedByPeer    = "ended by peer"
	ReasonConnectionLost = "connection lost"
	ReasonSignaling      = "signaling failed"
	ReasonMedia          = "media failed"
)
