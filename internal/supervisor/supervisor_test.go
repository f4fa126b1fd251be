package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privmsg/sessioncore/internal/call"
	"github.com/privmsg/sessioncore/internal/proto"
	"github.com/privmsg/sessioncore/internal/relay"
)

// recPresenter records presented notifications and dismissed categories.
type recPresenter struct {
	mu        sync.Mutex
	presented []Notification
	dismissed []Category
}

func (p *recPresenter) Present(n Notification) {
	p.mu.Lock()
	p.presented = append(p.presented, n)
	p.mu.Unlock()
}

func (p *recPresenter) Dismiss(c Category) {
	p.mu.Lock()
	p.dismissed = append(p.dismissed, c)
	p.mu.Unlock()
}

func (p *recPresenter) byCategory(c Category) []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Notification
	for _, n := range p.presented {
		if n.Category == c {
			out = append(out, n)
		}
	}
	return out
}

func mustFrame(t *testing.T, ft proto.FrameType, payload any) proto.Frame {
	t.Helper()
	f, err := proto.NewFrame(ft, payload)
	require.NoError(t, err)
	return f
}

func newTestSupervisor(p Presenter) *Supervisor {
	return New(Options{
		Endpoint:   "ws://127.0.0.1:1/relay", // never dialed in routing tests
		Credential: "tok",
		SelfID:     "alice",
		Presenter:  p,
		NewBackoff: func() backoff.BackOff { return FixedBackoff(10 * time.Millisecond) },
	})
}

func TestRouteContentFeedsInbox(t *testing.T) {
	p := &recPresenter{}
	s := newTestSupervisor(p)
	ctx := context.Background()

	for i, body := range []string{"a", "b", "c"} {
		s.route(ctx, mustFrame(t, proto.FrameContent, proto.Content{
			MessageID: proto.NewCallID(), From: "bob", To: "alice", Body: body, SentAt: int64(i),
		}))
	}

	assert.Equal(t, 3, s.Unread())
	assert.Len(t, s.Messages(), 3)
	assert.Len(t, p.byCategory(CategoryNewMessage), 3)

	s.ClearUnreadCount()
	assert.Zero(t, s.Unread())
}

func TestRouteCallSignals(t *testing.T) {
	s := newTestSupervisor(&recPresenter{})
	ctx := context.Background()

	s.route(ctx, mustFrame(t, proto.FrameOffer, proto.CallSignal{
		CallID: "c1", From: "bob", Video: true, SDP: "v=0",
	}))
	st := s.CallState()
	require.Equal(t, call.PhaseIncoming, st.Phase)
	assert.Equal(t, "bob", st.Peer)
	assert.True(t, st.Video)

	st = s.AcceptCall(ctx)
	require.Equal(t, call.PhaseConnected, st.Phase)
	assert.True(t, s.audio.Held())

	s.route(ctx, mustFrame(t, proto.FrameEnd, proto.CallSignal{CallID: "c1"}))
	assert.Equal(t, call.PhaseIdle, s.CallState().Phase)
	assert.False(t, s.audio.Held())
}

func TestRoutePeerRejectEndsOutgoing(t *testing.T) {
	s := newTestSupervisor(&recPresenter{})
	ctx := context.Background()

	st := s.StartCall(ctx, "bob", false)
	// No relay connection: the offer cannot leave, the attempt resolves
	// into signaling failure.
	require.Equal(t, call.PhaseEnded, st.Phase)
	assert.Equal(t, call.ReasonSignaling, st.Reason)

	// A reject for a call that no longer exists is dropped quietly.
	s.route(ctx, mustFrame(t, proto.FrameReject, proto.CallSignal{CallID: "stale"}))
	assert.Equal(t, call.PhaseIdle, s.CallState().Phase)
}

func TestRouteEphemeralNeverTouchesUnread(t *testing.T) {
	s := newTestSupervisor(&recPresenter{})
	ctx := context.Background()

	typing, cancelTyping := s.SubscribeTyping()
	presence, cancelPresence := s.SubscribePresence()
	defer cancelTyping()
	defer cancelPresence()

	s.route(ctx, mustFrame(t, proto.FrameTyping, proto.Typing{From: "bob", IsTyping: true}))
	s.route(ctx, mustFrame(t, proto.FramePresence, proto.Presence{From: "bob", Status: "online"}))

	tp := <-typing
	assert.Equal(t, "bob", tp.From)
	assert.True(t, tp.IsTyping)
	pr := <-presence
	assert.Equal(t, "online", pr.Status)

	assert.Zero(t, s.Unread())
}

func TestRouteMalformedAndUnknownDropped(t *testing.T) {
	s := newTestSupervisor(&recPresenter{})
	ctx := context.Background()

	// None of these may panic or disturb state.
	s.route(ctx, proto.Frame{Type: proto.FrameOffer, Payload: []byte(`{"no":"call_id"}`)})
	s.route(ctx, proto.Frame{Type: proto.FrameContent, Payload: []byte(`!garbage`)})
	s.route(ctx, proto.Frame{Type: proto.FrameType("mystery")})

	assert.Zero(t, s.Unread())
	assert.Equal(t, call.PhaseIdle, s.CallState().Phase)
}

func TestStartCallValidatesPeer(t *testing.T) {
	s := newTestSupervisor(&recPresenter{})
	st := s.StartCall(context.Background(), "   ", false)
	assert.Equal(t, call.PhaseIdle, st.Phase)
}

func TestIncomingCallNotifications(t *testing.T) {
	p := &recPresenter{}
	s := newTestSupervisor(p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	defer s.Stop()

	s.route(ctx, mustFrame(t, proto.FrameOffer, proto.CallSignal{
		CallID: "c1", From: "bob", SDP: "v=0",
	}))

	require.Eventually(t, func() bool {
		return len(p.byCategory(CategoryIncomingCall)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	ring := p.byCategory(CategoryIncomingCall)[0]
	assert.Equal(t, "bob", ring.Title)
	require.NotNil(t, ring.Actions.Accept)

	// Answering through the notification action connects the call and
	// swaps the notice.
	ring.Actions.Accept()
	require.Eventually(t, func() bool {
		return len(p.byCategory(CategoryOngoingCall)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ongoing := p.byCategory(CategoryOngoingCall)[0]
	require.NotNil(t, ongoing.Actions.End)
	ongoing.Actions.End()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, c := range p.dismissed {
			if c == CategoryOngoingCall {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectRetriesWithoutOverlap(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(Options{
		Endpoint:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Credential: "tok",
		SelfID:     "alice",
		Presenter:  &recPresenter{},
		NewBackoff: func() backoff.BackOff { return FixedBackoff(50 * time.Millisecond) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(300 * time.Millisecond)
	s.Stop()

	// Paced retries: one attempt per interval, not a hot loop.
	n := attempts.Load()
	assert.GreaterOrEqual(t, n, int32(3), "supervisor must keep retrying")
	assert.LessOrEqual(t, n, int32(10), "retries must respect the backoff interval")
	assert.Equal(t, relay.Disconnected, s.ConnectionState())
}

func TestStartIdempotentStopSafe(t *testing.T) {
	s := newTestSupervisor(&recPresenter{})
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
	s.Stop()
}
