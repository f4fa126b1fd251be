// Package supervisor is the root of the session core. It owns the relay
// connection and its reconnection policy, routes inbound frames to the call
// session or the inbox, keeps the audio route coordinated with call
// lifecycle, and exposes the command surface the application drives.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"

	"github.com/privmsg/sessioncore/internal/audioroute"
	"github.com/privmsg/sessioncore/internal/call"
	"github.com/privmsg/sessioncore/internal/inbox"
	"github.com/privmsg/sessioncore/internal/metrics"
	"github.com/privmsg/sessioncore/internal/proto"
	"github.com/privmsg/sessioncore/internal/relay"
	"github.com/privmsg/sessioncore/internal/util"
)

var log = logging.Logger("supervisor")

// Options configures a Supervisor.
type Options struct {
	Endpoint   string // relay websocket URL
	Credential string // bearer token for the handshake
	SelfID     string // local user identifier

	// NewBackoff builds the reconnect policy. Nil means DefaultBackoff.
	// A fresh policy instance is taken per Start.
	NewBackoff func() backoff.BackOff

	// Presenter renders notifications. Nil means LogPresenter.
	Presenter Presenter

	// Media is the engine driven by the call session. Nil means NullMedia.
	Media call.Media

	// OSAudio is the platform audio facility. Nil means NullAudio.
	OSAudio audioroute.OSAudio

	// InboxSize bounds the retained message window. Zero means the
	// inbox default.
	InboxSize int
}

// DefaultBackoff is capped exponential backoff with jitter that never
// gives up: 500ms initial, 30s cap. Retries continue for as long as the
// session is desired.
func DefaultBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 1.6
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0
	return bo
}

// FixedBackoff retries at one fixed interval, the minimum viable policy.
func FixedBackoff(d time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(d)
}

// Supervisor wires the session core together. Create with New, run with
// Start, tear down with Stop.
type Supervisor struct {
	opts      Options
	relay     *relay.Manager
	audio     *audioroute.Coordinator
	session   *call.Session
	inbox     *inbox.Inbox
	presenter Presenter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	subMu        sync.Mutex
	typingSubs   map[chan proto.Typing]struct{}
	presenceSubs map[chan proto.Presence]struct{}
}

// New builds the component tree. Nothing connects until Start.
func New(opts Options) *Supervisor {
	if opts.NewBackoff == nil {
		opts.NewBackoff = DefaultBackoff
	}
	if opts.Presenter == nil {
		opts.Presenter = LogPresenter{}
	}
	if opts.Media == nil {
		opts.Media = call.NewNullMedia()
	}

	s := &Supervisor{
		opts:         opts,
		relay:        relay.NewManager(),
		audio:        audioroute.New(opts.OSAudio),
		inbox:        inbox.New(opts.InboxSize),
		presenter:    opts.Presenter,
		typingSubs:   make(map[chan proto.Typing]struct{}),
		presenceSubs: make(map[chan proto.Presence]struct{}),
	}
	s.session = call.NewSession(opts.SelfID, s.relay, opts.Media, s.audio)
	return s
}

// Start launches the supervision loop. Idempotent while running. The loop
// keeps the relay connected for as long as the supervisor is desired and
// never runs a reconnect attempt concurrently with a live connection.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	// Subscribe before returning so no snapshot published after Start can
	// be missed.
	states, cancelStates := s.session.Subscribe()

	s.wg.Add(2)
	go s.supervise(ctx)
	go s.watchCalls(ctx, states, cancelStates)
	log.Infof("started (relay %s)", s.opts.Endpoint)
}

// Stop tears everything down: cancels the loops, closes the transport with
// a graceful close frame, force-ends any live call and unconditionally
// releases the audio route. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.session.Shutdown(context.Background())
	s.relay.Close()
	s.audio.Release()
	s.wg.Wait()
	log.Info("stopped")
}

// supervise is the connect/consume/retry loop. A new attempt starts only
// after the previous connection's consuming task has fully terminated.
func (s *Supervisor) supervise(ctx context.Context) {
	defer s.wg.Done()
	bo := s.opts.NewBackoff()

	for {
		if ctx.Err() != nil {
			return
		}
		metrics.Reconnects.Inc()
		frames, err := s.relay.Connect(ctx, s.opts.Endpoint, s.opts.Credential)
		if err != nil {
			log.Warnf("connect failed: %v", err)
			if !s.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()

		s.consume(ctx, frames)
		if ctx.Err() != nil {
			return
		}
		// Transport gone. A connected call cannot survive it.
		s.session.ConnectivityLost(ctx)
		if !s.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// consume drains one connection instance, routing every frame in arrival
// order. Returns when the sequence terminates or the context is cancelled.
func (s *Supervisor) consume(ctx context.Context, frames <-chan proto.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.route(ctx, f)
		}
	}
}

// route classifies a frame and hands it to exactly one consumer.
// Unroutable and malformed frames are dropped and logged; they never crash
// the loop.
func (s *Supervisor) route(ctx context.Context, f proto.Frame) {
	switch proto.Classify(f.Type) {
	case proto.ClassCall:
		sig, err := proto.DecodeCallSignal(f)
		if err != nil {
			s.drop(f, err)
			return
		}
		switch f.Type {
		case proto.FrameOffer:
			s.session.HandleOffer(ctx, sig)
		case proto.FrameAnswer:
			s.session.HandleAnswer(ctx, sig)
		case proto.FrameCandidate:
			s.session.HandleCandidate(sig)
		case proto.FrameReject:
			// The peer declined our offer; terminal like a remote end.
			if sig.Reason == "" {
				sig.Reason = call.ReasonRejected
			}
			s.session.HandleEnd(ctx, sig)
		case proto.FrameEnd:
			s.session.HandleEnd(ctx, sig)
		}

	case proto.ClassContent:
		msg, err := proto.DecodeContent(f)
		if err != nil {
			s.drop(f, err)
			return
		}
		s.inbox.Deliver(msg)
		s.presenter.Present(Notification{
			Title:    msg.From,
			Body:     "New message",
			Category: CategoryNewMessage,
		})

	case proto.ClassEphemeral:
		s.routeEphemeral(f)

	case proto.ClassControl:
		// Handshake frames past the handshake are relay noise.
		log.Debugw("ignoring control frame", "type", f.Type)

	default:
		s.drop(f, nil)
	}
}

func (s *Supervisor) drop(f proto.Frame, err error) {
	metrics.FramesDropped.Inc()
	log.Warnw("dropping frame", "type", f.Type, "error", err)
}

func (s *Supervisor) routeEphemeral(f proto.Frame) {
	switch f.Type {
	case proto.FrameTyping:
		t, err := proto.DecodeTyping(f)
		if err != nil {
			s.drop(f, err)
			return
		}
		s.subMu.Lock()
		for ch := range s.typingSubs {
			select {
			case ch <- t:
			default:
			}
		}
		s.subMu.Unlock()
	case proto.FramePresence:
		p, err := proto.DecodePresence(f)
		if err != nil {
			s.drop(f, err)
			return
		}
		s.subMu.Lock()
		for ch := range s.presenceSubs {
			select {
			case ch <- p:
			default:
			}
		}
		s.subMu.Unlock()
	}
}

// watchCalls turns call snapshots into presenter traffic: ring on
// Incoming, replace with an ongoing-call notice on Connected, clear
// everything when the call dies.
func (s *Supervisor) watchCalls(ctx context.Context, states <-chan call.State, cancel func()) {
	defer s.wg.Done()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			switch st.Phase {
			case call.PhaseIncoming:
				s.presenter.Present(Notification{
					Title:    st.Peer,
					Body:     "Incoming call",
					Category: CategoryIncomingCall,
					Actions: Actions{
						Accept: func() { s.AcceptCall(context.Background()) },
						Reject: func() { s.RejectCall(context.Background()) },
					},
				})
			case call.PhaseConnected:
				s.presenter.Dismiss(CategoryIncomingCall)
				s.presenter.Present(Notification{
					Title:    st.Peer,
					Body:     "Ongoing call",
					Category: CategoryOngoingCall,
					Actions: Actions{
						End: func() { s.EndCall(context.Background()) },
					},
				})
			case call.PhaseEnded:
				s.presenter.Dismiss(CategoryIncomingCall)
				s.presenter.Dismiss(CategoryOngoingCall)
			}
		}
	}
}

// Connect points the supervisor at a relay and starts the supervision
// loop. While already running the endpoint is left alone; Disconnect
// first to retarget.
func (s *Supervisor) Connect(ctx context.Context, endpoint, credential string) {
	s.mu.Lock()
	if !s.running {
		s.opts.Endpoint = endpoint
		s.opts.Credential = credential
	}
	s.mu.Unlock()
	s.Start(ctx)
}

// Disconnect stops the supervision loop and closes the transport.
func (s *Supervisor) Disconnect() { s.Stop() }

// ConnectionState returns the current relay state.
func (s *Supervisor) ConnectionState() relay.State {
	return s.relay.State()
}

// SubscribeConnectionState republishes relay state changes so UI-facing
// status never polls the transport directly.
func (s *Supervisor) SubscribeConnectionState() (<-chan relay.State, func()) {
	return s.relay.SubscribeState()
}

// CallState returns the current call snapshot.
func (s *Supervisor) CallState() call.State {
	return s.session.State()
}

// SubscribeCallState exposes call snapshots to observers.
func (s *Supervisor) SubscribeCallState() (<-chan call.State, func()) {
	return s.session.Subscribe()
}

// StartCall places an outgoing call.
func (s *Supervisor) StartCall(ctx context.Context, peer string, video bool) call.State {
	id, err := util.ValidatePeerID(peer)
	if err != nil {
		log.Warnw("start call", "error", err)
		return s.session.State()
	}
	return s.session.StartOutgoing(ctx, id, video)
}

// AcceptCall answers the pending incoming call.
func (s *Supervisor) AcceptCall(ctx context.Context) call.State {
	return s.session.Accept(ctx)
}

// RejectCall declines the pending incoming call.
func (s *Supervisor) RejectCall(ctx context.Context) call.State {
	return s.session.Reject(ctx)
}

// EndCall hangs up the live call.
func (s *Supervisor) EndCall(ctx context.Context) call.State {
	return s.session.End(ctx)
}

// ToggleMute flips the local audio track; see call.Session.ToggleMute.
func (s *Supervisor) ToggleMute() bool { return s.session.ToggleMute() }

// ToggleVideo flips the local video track; see call.Session.ToggleVideo.
func (s *Supervisor) ToggleVideo() bool { return s.session.ToggleVideo() }

// ToggleSpeaker flips speaker routing while the audio route is held.
func (s *Supervisor) ToggleSpeaker() bool { return s.audio.ToggleSpeaker() }

// SendContent sends a content message to a peer. Best effort, like the
// transport underneath.
func (s *Supervisor) SendContent(to, body string) bool {
	f, err := proto.NewContent(s.opts.SelfID, to, body)
	if err != nil {
		return false
	}
	return s.relay.Send(f)
}

// SendTyping publishes a typing indicator to a peer.
func (s *Supervisor) SendTyping(to string, isTyping bool) bool {
	f, err := proto.NewFrame(proto.FrameTyping, proto.Typing{From: s.opts.SelfID, To: to, IsTyping: isTyping})
	if err != nil {
		return false
	}
	return s.relay.Send(f)
}

// Unread returns the unread message count.
func (s *Supervisor) Unread() int { return s.inbox.Unread() }

// ClearUnreadCount acknowledges all delivered messages.
func (s *Supervisor) ClearUnreadCount() { s.inbox.Clear() }

// Messages returns the retained message window, oldest first.
func (s *Supervisor) Messages() []proto.Content { return s.inbox.Messages() }

// SubscribeMessages exposes message deliveries to observers.
func (s *Supervisor) SubscribeMessages() (<-chan proto.Content, func()) {
	return s.inbox.Subscribe()
}

// SubscribeUnread exposes unread-count changes to observers.
func (s *Supervisor) SubscribeUnread() (<-chan int, func()) {
	return s.inbox.SubscribeUnread()
}

// SubscribeTyping exposes typing indicators to observers.
func (s *Supervisor) SubscribeTyping() (<-chan proto.Typing, func()) {
	ch := make(chan proto.Typing, 16)
	s.subMu.Lock()
	s.typingSubs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		if _, ok := s.typingSubs[ch]; ok {
			delete(s.typingSubs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
}

// SubscribePresence exposes peer presence changes to observers.
func (s *Supervisor) SubscribePresence() (<-chan proto.Presence, func()) {
	ch := make(chan proto.Presence, 16)
	s.subMu.Lock()
	s.presenceSubs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		if _, ok := s.presenceSubs[ch]; ok {
			delete(s.presenceSubs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
}
