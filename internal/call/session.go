// Package call owns the lifecycle of at most one call attempt or active
// call. All mutating operations are linearized through one lock, so
// concurrent commands and inbound signals are processed one at a time in
// arrival order; a command that races a conflicting transition degrades to
// a no-op, never an error.
package call

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/looplab/fsm"

	"github.com/privmsg/sessioncore/internal/metrics"
	"github.com/privmsg/sessioncore/internal/proto"
)

var log = logging.Logger("call")

// FSM state and event names. The machine validates transitions; the typed
// snapshot in Session carries the variant data.
const (
	stIdle      = "idle"
	stIncoming  = "incoming"
	stOutgoing  = "outgoing"
	stConnected = "connected"
	stEnded     = "ended"

	evDial   = "dial"
	evOffer  = "offer"
	evAccept = "accept"
	evAnswer = "answer"
	evReject = "reject"
	evEnd    = "end"
	evReset  = "reset"
)

// Session is the call state machine.
type Session struct {
	selfID string
	sig    Signaler
	media  Media
	audio  AudioRouter

	mu      sync.Mutex
	machine *fsm.FSM

	callID      string
	peer        string
	video       bool
	startedAt   time.Time
	remoteOffer string
	muted       bool
	videoOff    bool

	subMu sync.Mutex
	subs  map[chan State]struct{}
}

// NewSession creates an idle session. selfID is the local user identifier
// stamped on outbound signaling frames.
func NewSession(selfID string, sig Signaler, media Media, audio AudioRouter) *Session {
	s := &Session{
		selfID: selfID,
		sig:    sig,
		media:  media,
		audio:  audio,
		subs:   make(map[chan State]struct{}),
	}
	s.machine = fsm.NewFSM(
		stIdle,
		fsm.Events{
			{Name: evDial, Src: []string{stIdle}, Dst: stOutgoing},
			{Name: evOffer, Src: []string{stIdle}, Dst: stIncoming},
			// The accepting side goes straight to connected; it never
			// observes an outgoing phase.
			{Name: evAccept, Src: []string{stIncoming}, Dst: stConnected},
			{Name: evAnswer, Src: []string{stOutgoing}, Dst: stConnected},
			{Name: evReject, Src: []string{stIncoming}, Dst: stEnded},
			{Name: evEnd, Src: []string{stIncoming, stOutgoing, stConnected}, Dst: stEnded},
			{Name: evReset, Src: []string{stEnded}, Dst: stIdle},
		},
		fsm.Callbacks{},
	)
	media.OnLocalCandidate(s.sendLocalCandidate)
	return s
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel receiving every published snapshot and a
// cancel func. The transient Ended snapshot is always published before the
// automatic reset back to Idle.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

// StartOutgoing places a call to peer. A no-op unless idle. Failures to
// acquire audio, create the offer or send it resolve into an Ended
// snapshot, never an error; a new call is always a fresh user action.
func (s *Session) StartOutgoing(ctx context.Context, peer string, video bool) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(ctx, evDial); err != nil {
		log.Debugw("ignoring dial", "state", s.machine.Current(), "error", err)
		return s.snapshotLocked()
	}
	s.callID = proto.NewCallID()
	s.peer = peer
	s.video = video

	if err := s.audio.Acquire(); err != nil {
		log.Errorw("audio focus denied", "error", err)
		return s.endLocked(ctx, ReasonMedia, false)
	}
	sdp, err := s.media.CreateOffer(ctx, video)
	if err != nil {
		log.Errorw("create offer", "error", err)
		return s.endLocked(ctx, ReasonMedia, false)
	}
	if !s.sendSignalLocked(proto.FrameOffer, proto.CallSignal{
		CallID: s.callID, From: s.selfID, To: peer, Video: video, SDP: sdp,
	}) {
		return s.endLocked(ctx, ReasonSignaling, false)
	}

	metrics.CallsStarted.WithLabelValues("outgoing").Inc()
	log.Infof("calling %s (video=%v)", peer, video)
	return s.publishLocked()
}

// HandleOffer processes an inbound call offer. A second offer while a call
// is live is dropped; there is no call waiting.
func (s *Session) HandleOffer(ctx context.Context, sig proto.CallSignal) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(ctx, evOffer); err != nil {
		log.Warnw("dropping offer while busy", "from", sig.From, "state", s.machine.Current())
		return s.snapshotLocked()
	}
	s.callID = sig.CallID
	s.peer = sig.From
	s.video = sig.Video
	s.remoteOffer = sig.SDP

	metrics.CallsStarted.WithLabelValues("incoming").Inc()
	log.Infof("incoming call from %s (video=%v)", sig.From, sig.Video)
	return s.publishLocked()
}

// Accept answers the pending incoming call. A no-op unless incoming.
func (s *Session) Accept(ctx context.Context) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(ctx, evAccept); err != nil {
		log.Debugw("ignoring accept", "state", s.machine.Current(), "error", err)
		return s.snapshotLocked()
	}
	if err := s.audio.Acquire(); err != nil {
		log.Errorw("audio focus denied", "error", err)
		return s.endLocked(ctx, ReasonMedia, true)
	}
	answer, err := s.media.CreateAnswer(ctx, s.remoteOffer, s.video)
	if err != nil {
		log.Errorw("create answer", "error", err)
		return s.endLocked(ctx, ReasonMedia, true)
	}
	if !s.sendSignalLocked(proto.FrameAnswer, proto.CallSignal{
		CallID: s.callID, From: s.selfID, To: s.peer, SDP: answer,
	}) {
		return s.endLocked(ctx, ReasonSignaling, false)
	}

	s.startedAt = time.Now()
	log.Infof("call with %s connected", s.peer)
	return s.publishLocked()
}

// Reject declines the pending incoming call. A no-op in any other state,
// including the race where the call already ended: no duplicate reject
// frame is sent.
func (s *Session) Reject(ctx context.Context) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(ctx, evReject); err != nil {
		log.Debugw("ignoring reject", "state", s.machine.Current(), "error", err)
		return s.snapshotLocked()
	}
	s.sendSignalLocked(proto.FrameReject, proto.CallSignal{
		CallID: s.callID, From: s.selfID, To: s.peer,
	})
	return s.finishLocked(ctx, ReasonRejected)
}

// HandleAnswer processes the peer's answer to our offer. Only meaningful
// while outgoing and for the live call ID.
func (s *Session) HandleAnswer(ctx context.Context, sig proto.CallSignal) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.CallID != s.callID {
		log.Debugw("dropping answer for stale call", "call_id", sig.CallID)
		return s.snapshotLocked()
	}
	if err := s.machine.Event(ctx, evAnswer); err != nil {
		log.Debugw("ignoring answer", "state", s.machine.Current(), "error", err)
		return s.snapshotLocked()
	}
	if err := s.media.SetRemoteAnswer(ctx, sig.SDP); err != nil {
		log.Errorw("apply remote answer", "error", err)
		return s.endLocked(ctx, ReasonMedia, true)
	}
	s.startedAt = time.Now()
	log.Infof("call with %s connected", s.peer)
	return s.publishLocked()
}

// HandleCandidate feeds a remote connectivity candidate to the media
// engine. Dropped when no matching call is live.
func (s *Session) HandleCandidate(sig proto.CallSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.machine.Current()
	if cur == stIdle || cur == stEnded || sig.CallID != s.callID {
		return
	}
	if err := s.media.AddCandidate(sig.Candidate); err != nil {
		log.Debugw("add candidate", "error", err)
	}
}

// HandleEnd processes a remote hangup. Safe in any state.
func (s *Session) HandleEnd(ctx context.Context, sig proto.CallSignal) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.CallID != s.callID {
		return s.snapshotLocked()
	}
	reason := sig.Reason
	if reason == "" {
		reason = ReasonEndedByPeer
	}
	return s.endLocked(ctx, reason, false)
}

// End hangs up locally. Safe in any state; sends a call-end frame only
// when a call was actually live.
func (s *Session) End(ctx context.Context) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endLocked(ctx, ReasonEnded, true)
}

// ConnectivityLost ends a connected call after transport loss. No frame is
// sent; there is nothing to send it on.
func (s *Session) ConnectivityLost(ctx context.Context) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.Current() != stConnected {
		return s.snapshotLocked()
	}
	return s.endLocked(ctx, ReasonConnectionLost, false)
}

// ToggleMute flips the local audio track while connected and returns the
// resulting muted state. Returns the previous value otherwise.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.Current() != stConnected {
		return s.muted
	}
	s.muted = !s.muted
	if err := s.media.SetTrackEnabled(TrackAudio, !s.muted); err != nil {
		log.Warnw("toggle audio track", "error", err)
	}
	return s.muted
}

// ToggleVideo flips the local video track while connected on a video call
// and returns whether video is now enabled. Returns false otherwise.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.Current() != stConnected || !s.video {
		return false
	}
	s.videoOff = !s.videoOff
	if err := s.media.SetTrackEnabled(TrackVideo, !s.videoOff); err != nil {
		log.Warnw("toggle video track", "error", err)
	}
	return !s.videoOff
}

// Shutdown force-terminates any live call during process teardown.
func (s *Session) Shutdown(ctx context.Context) {
	s.End(ctx)
}

// sendLocalCandidate forwards a locally gathered candidate to the peer.
// Invoked by the media engine from its own goroutine.
func (s *Session) sendLocalCandidate(candidate string) {
	s.mu.Lock()
	cur := s.machine.Current()
	sig := proto.CallSignal{CallID: s.callID, From: s.selfID, To: s.peer, Candidate: candidate}
	s.mu.Unlock()

	if cur == stIdle || cur == stEnded {
		return
	}
	f, err := proto.NewFrame(proto.FrameCandidate, sig)
	if err != nil {
		return
	}
	s.sig.Send(f)
}

// sendSignalLocked encodes and sends a call-control frame. Returns false
// on encode or transport failure.
func (s *Session) sendSignalLocked(t proto.FrameType, sig proto.CallSignal) bool {
	f, err := proto.NewFrame(t, sig)
	if err != nil {
		log.Errorw("encode signal", "type", t, "error", err)
		return false
	}
	return s.sig.Send(f)
}

// endLocked drives any live state into Ended. This is the single choke
// point for terminal transitions: the audio route release and media close
// happen here on every exit path.
func (s *Session) endLocked(ctx context.Context, reason string, sendEnd bool) State {
	cur := s.machine.Current()
	if cur == stIdle || cur == stEnded {
		return s.snapshotLocked()
	}
	if sendEnd {
		s.sendSignalLocked(proto.FrameEnd, proto.CallSignal{
			CallID: s.callID, From: s.selfID, To: s.peer, Reason: reason,
		})
	}
	if err := s.machine.Event(ctx, evEnd); err != nil {
		// Cannot happen: evEnd is valid from every non-terminal state.
		log.Errorw("end transition", "state", cur, "error", err)
	}
	return s.finishLocked(ctx, reason)
}

// finishLocked completes a terminal transition already made by the FSM:
// releases resources, publishes the transient Ended snapshot, then resets
// to Idle and clears session data.
func (s *Session) finishLocked(ctx context.Context, reason string) State {
	s.audio.Release()
	if err := s.media.Close(); err != nil {
		log.Debugw("media close", "error", err)
	}
	metrics.CallsEnded.WithLabelValues(reason).Inc()
	log.Infof("call ended: %s", reason)

	ended := State{Phase: PhaseEnded, CallID: s.callID, Peer: s.peer, Video: s.video, Reason: reason}
	s.notify(ended)

	if err := s.machine.Event(ctx, evReset); err != nil {
		log.Errorw("reset transition", "error", err)
	}
	s.callID = ""
	s.peer = ""
	s.video = false
	s.startedAt = time.Time{}
	s.remoteOffer = ""
	s.muted = false
	s.videoOff = false
	s.notify(s.snapshotLocked())
	return ended
}

func (s *Session) snapshotLocked() State {
	st := State{CallID: s.callID, Peer: s.peer, Video: s.video}
	switch s.machine.Current() {
	case stIncoming:
		st.Phase = PhaseIncoming
	case stOutgoing:
		st.Phase = PhaseOutgoing
	case stConnected:
		st.Phase = PhaseConnected
		st.StartedAt = s.startedAt
	default:
		return State{Phase: PhaseIdle}
	}
	return st
}

func (s *Session) publishLocked() State {
	st := s.snapshotLocked()
	s.notify(st)
	return st
}

func (s *Session) notify(st State) {
	s.subMu.Lock()
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
	s.subMu.Unlock()
}
