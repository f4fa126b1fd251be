package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Engine is the pion-backed Media implementation. It owns one
// PeerConnection per call and exposes only the negotiation surface the
// session needs. Local capture is the host application's concern: the
// transceivers are receive-only and per-track enablement is tracked here
// for the capture integration to consult.
type Engine struct {
	iceServers []string

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	onCandidate func(string)
	remoteSet   bool
	pending     []string
	enabled     map[TrackKind]bool
}

// NewEngine creates an engine using the given STUN/TURN URLs. An empty
// list falls back to a public STUN server.
func NewEngine(iceServers []string) *Engine {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &Engine{
		iceServers: iceServers,
		enabled:    map[TrackKind]bool{TrackAudio: true, TrackVideo: true},
	}
}

// OnLocalCandidate registers the trickle-ICE sink. Pion invokes the
// underlying handler from its own goroutine, which satisfies the Media
// contract.
func (e *Engine) OnLocalCandidate(fn func(candidate string)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

// newPCLocked builds the API and PeerConnection for one call.
func (e *Engine) newPCLocked(video bool) error {
	if e.pc != nil {
		return fmt.Errorf("media session already active")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: e.iceServers}},
	})
	if err != nil {
		return err
	}

	// Recvonly transceivers so the SDP always carries valid m-lines with
	// ICE credentials even before any capture is attached.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return err
	}
	if video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON().Candidate)
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("peer connection state: %s", st)
	})

	e.pc = pc
	return nil
}

// CreateOffer starts a local media session and returns the offer SDP.
// Candidates trickle through OnLocalCandidate.
func (e *Engine) CreateOffer(ctx context.Context, video bool) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.newPCLocked(video); err != nil {
		return "", err
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		e.closeLocked()
		return "", err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		e.closeLocked()
		return "", err
	}
	return offer.SDP, nil
}

// CreateAnswer applies the remote offer and returns the answer SDP.
func (e *Engine) CreateAnswer(ctx context.Context, remoteOffer string, video bool) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.newPCLocked(video); err != nil {
		return "", err
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: remoteOffer,
	}); err != nil {
		e.closeLocked()
		return "", err
	}
	e.remoteSet = true
	e.flushPendingLocked()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		e.closeLocked()
		return "", err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		e.closeLocked()
		return "", err
	}
	return answer.SDP, nil
}

// SetRemoteAnswer completes negotiation on the offering side.
func (e *Engine) SetRemoteAnswer(ctx context.Context, answer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pc == nil {
		return fmt.Errorf("no media session")
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: answer,
	}); err != nil {
		return err
	}
	e.remoteSet = true
	e.flushPendingLocked()
	return nil
}

// AddCandidate feeds a remote candidate in. Candidates arriving before the
// remote description are buffered; pion rejects them otherwise.
func (e *Engine) AddCandidate(candidate string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pc == nil {
		return fmt.Errorf("no media session")
	}
	if !e.remoteSet {
		e.pending = append(e.pending, candidate)
		return nil
	}
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

func (e *Engine) flushPendingLocked() {
	for _, c := range e.pending {
		if err := e.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: c}); err != nil {
			log.Debugw("buffered candidate rejected", "error", err)
		}
	}
	e.pending = nil
}

// SetTrackEnabled records per-track enablement. The capture integration
// gates its sample flow on TrackEnabled.
func (e *Engine) SetTrackEnabled(kind TrackKind, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return fmt.Errorf("no media session")
	}
	e.enabled[kind] = enabled
	return nil
}

// TrackEnabled reports whether a local track is currently enabled.
func (e *Engine) TrackEnabled(kind TrackKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled[kind]
}

// Close tears down the current media session. Idempotent; the engine is
// reusable for the next call.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func (e *Engine) closeLocked() error {
	if e.pc == nil {
		return nil
	}
	err := e.pc.Close()
	e.pc = nil
	e.remoteSet = false
	e.pending = nil
	e.enabled = map[TrackKind]bool{TrackAudio: true, TrackVideo: true}
	return err
}

// NullMedia is a Media that negotiates placeholder SDP and carries no
// actual media. Used headless and in tests.
type NullMedia struct {
	mu      sync.Mutex
	active  bool
	enabled map[TrackKind]bool
}

// NewNullMedia creates an inactive NullMedia.
func NewNullMedia() *NullMedia {
	return &NullMedia{enabled: map[TrackKind]bool{TrackAudio: true, TrackVideo: true}}
}

func (n *NullMedia) CreateOffer(ctx context.Context, video bool) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = true
	return "v=0 null-offer", nil
}

func (n *NullMedia) CreateAnswer(ctx context.Context, remoteOffer string, video bool) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = true
	return "v=0 null-answer", nil
}

func (n *NullMedia) SetRemoteAnswer(ctx context.Context, answer string) error {
	return nil
}

func (n *NullMedia) AddCandidate(candidate string) error { return nil }

func (n *NullMedia) SetTrackEnabled(kind TrackKind, enabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled[kind] = enabled
	return nil
}

func (n *NullMedia) OnLocalCandidate(fn func(candidate string)) {}

func (n *NullMedia) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = false
	return nil
}
