// Package inbox is the delivery sink for content frames. It keeps a
// bounded in-memory window of recent messages, tracks the unread counter,
// and fans deliveries out to subscribers. Nothing here is persisted; the
// counter only reflects the current foreground session.
package inbox

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/privmsg/sessioncore/internal/metrics"
	"github.com/privmsg/sessioncore/internal/proto"
	"github.com/privmsg/sessioncore/internal/util"
)

var log = logging.Logger("inbox")

// DefaultBufferSize is the number of messages kept in memory.
const DefaultBufferSize = 200

// Inbox receives content frames routed by the supervisor. The supervisor is
// the single writer; subscribers only observe.
type Inbox struct {
	messages *util.RingBuffer[proto.Content]

	mu         sync.Mutex
	unread     int
	listeners  map[chan proto.Content]struct{}
	unreadSubs map[chan int]struct{}
}

// New creates an inbox holding at most bufferSize recent messages.
func New(bufferSize int) *Inbox {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Inbox{
		messages:   util.NewRingBuffer[proto.Content](bufferSize),
		listeners:  make(map[chan proto.Content]struct{}),
		unreadSubs: make(map[chan int]struct{}),
	}
}

// Deliver stores a content message, bumps the unread counter and notifies
// subscribers. Called once per routed content frame.
func (ib *Inbox) Deliver(msg proto.Content) {
	ib.messages.Push(msg)

	ib.mu.Lock()
	ib.unread++
	unread := ib.unread
	metrics.UnreadMessages.Set(float64(unread))
	for ch := range ib.listeners {
		select {
		case ch <- msg:
		default:
			// Listener buffer full, skip.
		}
	}
	ib.notifyUnreadLocked(unread)
	ib.mu.Unlock()

	log.Debugw("delivered", "from", msg.From, "unread", unread)
}

// Unread returns the current unread count.
func (ib *Inbox) Unread() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.unread
}

// Clear resets the unread counter to zero. Called on explicit user
// acknowledgment, e.g. opening the conversation view.
func (ib *Inbox) Clear() {
	ib.mu.Lock()
	ib.unread = 0
	metrics.UnreadMessages.Set(0)
	ib.notifyUnreadLocked(0)
	ib.mu.Unlock()
}

// Messages returns the retained messages, oldest first.
func (ib *Inbox) Messages() []proto.Content {
	return ib.messages.Snapshot()
}

// Subscribe returns a channel receiving each delivered message and a
// cancel func.
func (ib *Inbox) Subscribe() (<-chan proto.Content, func()) {
	ch := make(chan proto.Content, 16)
	ib.mu.Lock()
	ib.listeners[ch] = struct{}{}
	ib.mu.Unlock()
	cancel := func() {
		ib.mu.Lock()
		if _, ok := ib.listeners[ch]; ok {
			delete(ib.listeners, ch)
			close(ch)
		}
		ib.mu.Unlock()
	}
	return ch, cancel
}

// SubscribeUnread returns a channel receiving the unread count on every
// change and a cancel func.
func (ib *Inbox) SubscribeUnread() (<-chan int, func()) {
	ch := make(chan int, 16)
	ib.mu.Lock()
	ib.unreadSubs[ch] = struct{}{}
	ib.mu.Unlock()
	cancel := func() {
		ib.mu.Lock()
		if _, ok := ib.unreadSubs[ch]; ok {
			delete(ib.unreadSubs, ch)
			close(ch)
		}
		ib.mu.Unlock()
	}
	return ch, cancel
}

func (ib *Inbox) notifyUnreadLocked(n int) {
	for ch := range ib.unreadSubs {
		select {
		case ch <- n:
		default:
		}
	}
}
