package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"docpipe/internal/loader"
)

// subscriber is one caller attached to a flight.
type subscriber struct {
	id string
	cb Callbacks

	detached atomic.Bool
	// deliverMu serializes callbacks and orders replay before live events.
	deliverMu sync.Mutex

	doneOnce sync.Once
	done     chan struct{}
}

func newSubscriber(cb Callbacks) *subscriber {
	return &subscriber{id: uuid.NewString(), cb: cb, done: make(chan struct{})}
}

func (s *subscriber) deliver(ev loader.Event) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.deliverLocked(ev)
}

func (s *subscriber) deliverLocked(ev loader.Event) {
	if s.detached.Load() {
		return
	}
	switch ev.Type {
	case loader.EventFirstPage:
		if s.cb.OnFirstPage != nil {
			s.cb.OnFirstPage(ev.Pages, ev.Meta)
		}
	case loader.EventAllPages:
		if s.cb.OnAllPages != nil {
			s.cb.OnAllPages(ev.Pages, ev.Meta)
		}
	case loader.EventPageUpgraded:
		if s.cb.OnPageUpgraded != nil {
			s.cb.OnPageUpgraded(ev.Page, ev.Meta)
		}
	case loader.EventComplete:
		if s.cb.OnComplete != nil {
			s.cb.OnComplete(ev.Meta)
		}
		s.finish()
	case loader.EventError:
		if s.cb.OnError != nil {
			s.cb.OnError(ev.Err)
		}
		s.finish()
	}
}

func (s *subscriber) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Session is one caller's view of a load.
type Session struct {
	o      *Orchestrator
	id     string
	cb     Callbacks
	sub    *subscriber
	flight *flight
	page   atomic.Int64
}

// ID returns the document id.
func (s *Session) ID() string { return s.id }

// SubscriberID identifies this caller among the sessions attached to the
// same load.
func (s *Session) SubscriberID() string { return s.sub.id }

// Done is closed once the session receives its terminal callback or is
// cancelled.
func (s *Session) Done() <-chan struct{} { return s.sub.done }

// Cancel detaches this caller. No callback starts after Cancel returns,
// except one whose delivery was already underway on another goroutine.
// The shared load is cancelled only when no other caller is attached.
func (s *Session) Cancel() {
	if s.sub.detached.Swap(true) {
		return
	}
	if s.flight != nil {
		s.o.detach(s.flight, s.sub)
	}
	s.sub.finish()
}

// ChangePage hints that page i is being viewed, so its neighborhood is
// upgraded to high quality first.
func (s *Session) ChangePage(i int) {
	s.page.Store(int64(i))
	if s.flight == nil {
		return
	}
	<-s.flight.started
	s.flight.handle.ChangePage(i)
}

// Reload cancels this session and starts a fresh load that bypasses the
// cache, delivering to the same callbacks.
func (s *Session) Reload(ctx context.Context) *Session {
	s.Cancel()
	return s.o.Load(ctx, s.id, s.cb, WithPage(int(s.page.Load())), BypassCache())
}

// watch detaches the session when ctx is cancelled.
func (s *Session) watch(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	context.AfterFunc(ctx, s.Cancel)
}
