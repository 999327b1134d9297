// Package orchestrator is the single entry point for document loads. It
// combines the local cache, the remote fetcher and the progressive loader,
// and keeps at most one load per document id in flight.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"docpipe/internal/cache"
	"docpipe/internal/core"
	"docpipe/internal/loader"
)

// ErrClosed is reported to loads requested after Close.
var ErrClosed = errors.New("orchestrator is closed")

// Callbacks receive the staged results of a load. Any field may be nil.
// Callbacks of one session are never invoked concurrently.
type Callbacks struct {
	OnFirstPage    func(pages []core.RenderedPage, meta core.LoadMeta)
	OnAllPages     func(pages []core.RenderedPage, meta core.LoadMeta)
	OnPageUpgraded func(page core.RenderedPage, meta core.LoadMeta)
	OnComplete     func(meta core.LoadMeta)
	OnError        func(err error)
}

// Config holds orchestrator collaborators.
type Config struct {
	Logger *slog.Logger
}

// Orchestrator implements cache-first progressive loading.
type Orchestrator struct {
	cache   cache.Cache
	fetcher core.Fetcher
	loader  *loader.Loader
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*flight
	closed   bool

	// writeMu orders write-backs against invalidation; generation is bumped
	// by Invalidate so a write-back started earlier is dropped.
	writeMu    sync.Mutex
	generation map[string]uint64

	fetches singleflight.Group

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates an Orchestrator.
func New(c cache.Cache, f core.Fetcher, l *loader.Loader, cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cache:      c,
		fetcher:    f,
		loader:     l,
		logger:     cfg.Logger.With("component", "orchestrator"),
		inflight:   make(map[string]*flight),
		generation: make(map[string]uint64),
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}
}

// LoadOption customizes a single Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	page    int
	pageSet bool
	bypass  bool
}

// WithPage sets the initially viewed page, which is upgraded first.
func WithPage(i int) LoadOption {
	return func(o *loadOptions) { o.page, o.pageSet = i, true }
}

// BypassCache forces a fresh load from the origin. A load already in flight
// for the id keeps serving its existing sessions.
func BypassCache() LoadOption {
	return func(o *loadOptions) { o.bypass = true }
}

// Load requests document id. If a load for id is already in flight the
// caller is attached to it and receives the stages already reached before
// any later ones. Cancelling ctx detaches the caller like Session.Cancel.
func (o *Orchestrator) Load(ctx context.Context, id string, cb Callbacks, opts ...LoadOption) *Session {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	sub := newSubscriber(cb)
	s := &Session{o: o, id: id, cb: cb, sub: sub}
	s.page.Store(int64(lo.page))
	logger := o.logger.With(append(core.LogAttrs(ctx), "document_id", id, "subscriber", sub.id)...)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		sub.deliver(loader.Event{Type: loader.EventError, Err: core.NewCancelledError(id, ErrClosed)})
		sub.finish()
		return s
	}

	f, ok := o.inflight[id]
	if ok && !lo.bypass {
		f.subs[sub.id] = sub
		history := append([]loader.Event(nil), f.history...)
		// Hold the delivery lock across the registry lock so live events
		// queue behind the replay.
		sub.deliverMu.Lock()
		o.mu.Unlock()

		s.flight = f
		logger.Debug("attached to in-flight load", "replayed", len(history))
		for _, ev := range history {
			sub.deliverLocked(ev)
		}
		sub.deliverMu.Unlock()
		if lo.pageSet {
			<-f.started
			f.handle.ChangePage(lo.page)
		}
		s.watch(ctx)
		return s
	}

	f = &flight{id: id, subs: map[string]*subscriber{sub.id: sub}, started: make(chan struct{})}
	o.inflight[id] = f
	s.flight = f
	o.bg.Add(1)
	o.mu.Unlock()

	lctx := o.bgCtx
	if rid := core.GetRequestID(ctx); rid != "" {
		lctx = core.WithRequestID(lctx, rid)
	}
	f.handle = o.loader.Start(lctx, id, o.source(id, lo.bypass), lo.page)
	close(f.started)
	logger.Debug("load started", "load_id", f.handle.LoadID(), "bypass_cache", lo.bypass)

	go o.relay(f)
	s.watch(ctx)
	return s
}

// relay fans the loader's events out to every attached subscriber.
func (o *Orchestrator) relay(f *flight) {
	defer o.bg.Done()

	for ev := range f.handle.Events() {
		terminal := ev.Type == loader.EventComplete || ev.Type == loader.EventError

		o.mu.Lock()
		if terminal {
			f.done = true
			o.removeLocked(f)
		} else {
			f.history = append(f.history, ev)
		}
		subs := f.snapshotLocked()
		o.mu.Unlock()

		for _, sub := range subs {
			sub.deliver(ev)
		}
	}

	o.mu.Lock()
	f.done = true
	o.removeLocked(f)
	subs := f.snapshotLocked()
	f.subs = map[string]*subscriber{}
	o.mu.Unlock()
	for _, sub := range subs {
		sub.finish()
	}
}

func (o *Orchestrator) removeLocked(f *flight) {
	if o.inflight[f.id] == f {
		delete(o.inflight, f.id)
	}
}

// detach removes sub from f and cancels the shared load when nobody is
// left to receive it.
func (o *Orchestrator) detach(f *flight, sub *subscriber) {
	o.mu.Lock()
	if _, ok := f.subs[sub.id]; !ok {
		o.mu.Unlock()
		return
	}
	delete(f.subs, sub.id)
	abandon := len(f.subs) == 0 && !f.done
	if abandon {
		o.removeLocked(f)
	}
	o.mu.Unlock()

	if abandon {
		<-f.started
		f.handle.Cancel()
		o.logger.Debug("load abandoned by all subscribers", "document_id", f.id)
	}
}

// InFlight reports whether a load for id is running.
func (o *Orchestrator) InFlight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[id]
	return ok
}

// Invalidate drops the cached copy of id. Write-backs for id that have not
// completed yet are discarded, and a load or fetch already running for id
// is no longer shared: the next Load fetches from the origin. Sessions
// attached to the running load keep receiving it.
func (o *Orchestrator) Invalidate(ctx context.Context, id string) error {
	o.mu.Lock()
	if f, ok := o.inflight[id]; ok {
		o.removeLocked(f)
	}
	o.mu.Unlock()

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	o.generation[id]++
	return o.cache.Invalidate(ctx, id)
}

// Close cancels every load and background task and waits for them.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	flights := make([]*flight, 0, len(o.inflight))
	for _, f := range o.inflight {
		flights = append(flights, f)
	}
	o.mu.Unlock()

	for _, f := range flights {
		<-f.started
		f.handle.Cancel()
	}
	o.bgCancel()
	o.bg.Wait()
	return nil
}

// track registers a background task unless the orchestrator is closed.
func (o *Orchestrator) track() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.bg.Add(1)
	return true
}

// flight is one shared in-progress load. subs, history and done are
// guarded by Orchestrator.mu.
type flight struct {
	id      string
	handle  *loader.Handle
	started chan struct{}

	subs    map[string]*subscriber
	history []loader.Event
	done    bool
}

func (f *flight) snapshotLocked() []*subscriber {
	out := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	return out
}
