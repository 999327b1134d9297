// Package loader drives the progressive load of one document: first page at
// fast tier, then the remaining pages, then high tier upgrades.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/core"
	"docpipe/internal/observability"
)

// UpgradeMode selects which pages are re-rendered at high tier.
type UpgradeMode string

const (
	// UpgradeAll upgrades every page, nearest to the current page first.
	UpgradeAll UpgradeMode = "all"
	// UpgradeNearby upgrades only the current page and its neighbors within
	// the upgrade radius. Other pages stay at fast tier.
	UpgradeNearby UpgradeMode = "nearby"
)

// Bytes is a document payload handed to a load.
type Bytes struct {
	Data   []byte
	Token  string
	Source core.LoadSource
}

// BytesSource supplies the payload of a load, from cache or network.
type BytesSource func(ctx context.Context) (*Bytes, error)

// Config holds loader settings.
type Config struct {
	UpgradeMode   UpgradeMode
	UpgradeRadius int
	// SettleDelay pauses after the first page so it can be displayed.
	SettleDelay time.Duration
	// FirstPageTimeout bounds fetch, decode and first render together.
	FirstPageTimeout time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// DefaultConfig returns the standard loader settings.
func DefaultConfig() Config {
	return Config{
		UpgradeMode:      UpgradeAll,
		UpgradeRadius:    1,
		SettleDelay:      50 * time.Millisecond,
		FirstPageTimeout: 45 * time.Second,
	}
}

// Loader starts progressive loads against a renderer.
type Loader struct {
	renderer core.Renderer
	cfg      Config
	logger   *slog.Logger
}

// New creates a Loader. An empty UpgradeMode means UpgradeAll, a negative
// radius means 1 and a non-positive FirstPageTimeout means 45s.
func New(renderer core.Renderer, cfg Config) *Loader {
	def := DefaultConfig()
	if cfg.UpgradeMode == "" {
		cfg.UpgradeMode = def.UpgradeMode
	}
	if cfg.UpgradeRadius < 0 {
		cfg.UpgradeRadius = def.UpgradeRadius
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.FirstPageTimeout <= 0 {
		cfg.FirstPageTimeout = def.FirstPageTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loader{
		renderer: renderer,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "loader"),
	}
}

// Start begins loading document id on a new goroutine. page is the initially
// viewed page, used to prioritize upgrades.
//
// The caller must drain Events until it is closed, or call Cancel.
func (l *Loader) Start(ctx context.Context, id string, src BytesSource, page int) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	loadID := uuid.NewString()
	h := &Handle{
		loader: l,
		id:     id,
		source: src,
		cancel: cancel,
		events: make(chan Event),
		done:   make(chan struct{}),
		logger: l.logger.With(append(core.LogAttrs(ctx), "document_id", id, "load_id", loadID)...),
		meta: core.LoadMeta{
			DocumentID: id,
			LoadID:     loadID,
			StartedAt:  l.cfg.Now(),
		},
	}
	h.current.Store(int64(page))
	go h.run(ctx)
	return h
}

// Handle is the state of one in-progress load. Events are emitted by a
// single goroutine, so FirstPage precedes AllPages, which precedes every
// PageUpgraded, which precedes Complete.
type Handle struct {
	loader *Loader
	id     string
	source BytesSource
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}
	logger *slog.Logger

	state   atomic.Int32
	current atomic.Int64

	// Owned by the run goroutine.
	meta     core.LoadMeta
	desc     *core.Descriptor
	pages    []*core.RenderedPage
	upgraded []bool
}

// ID returns the document id.
func (h *Handle) ID() string { return h.id }

// LoadID returns the unique id of this load instance.
func (h *Handle) LoadID() string { return h.meta.LoadID }

// State returns the current state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Events returns the event stream. It is closed when the load reaches a
// terminal state. After Cancel the load stops at its next suspension point;
// an event already being handed over when Cancel is called may still arrive.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed when the load goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel abandons the load.
func (h *Handle) Cancel() { h.cancel() }

// ChangePage hints that page i is now being viewed.
func (h *Handle) ChangePage(i int) { h.current.Store(int64(i)) }

func (h *Handle) setState(s State) {
	prev := State(h.state.Swap(int32(s)))
	h.logger.Debug("load state changed", "from", prev, "to", s)
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	defer close(h.events)
	defer h.cancel()

	if err := h.loadFirstPage(ctx); err != nil {
		if ctx.Err() != nil {
			h.finishCancelled()
			return
		}
		h.setState(StateFailed)
		observability.Loads.WithLabelValues(StateFailed.String()).Inc()
		h.logger.Warn("load failed before first page", "error", err)
		h.emit(ctx, Event{Type: EventError, Err: err})
		return
	}

	if !h.sleep(ctx, h.loader.cfg.SettleDelay) {
		h.finishCancelled()
		return
	}

	h.setState(StateRenderingRemaining)
	for i := 1; i < len(h.pages); i++ {
		if !h.renderInto(ctx, i, core.TierFast) && ctx.Err() != nil {
			h.finishCancelled()
			return
		}
	}

	h.setState(StateUpgradingQuality)
	h.observeStage("all_pages")
	if !h.emit(ctx, Event{Type: EventAllPages, Pages: h.snapshot()}) {
		h.finishCancelled()
		return
	}

	for {
		i, ok := h.nextUpgrade()
		if !ok {
			break
		}
		h.upgraded[i] = true
		if !h.renderInto(ctx, i, core.TierHigh) {
			if ctx.Err() != nil {
				h.finishCancelled()
				return
			}
			continue
		}
		if !h.emit(ctx, Event{Type: EventPageUpgraded, Page: *h.pages[i]}) {
			h.finishCancelled()
			return
		}
	}

	h.setState(StateComplete)
	h.observeStage("complete")
	observability.Loads.WithLabelValues(StateComplete.String()).Inc()
	h.emit(ctx, Event{Type: EventComplete})
	h.logger.Info("load complete", "pages", len(h.pages), "source", h.meta.Source,
		"duration", h.loader.cfg.Now().Sub(h.meta.StartedAt))
}

// loadFirstPage fetches, decodes and renders page 0 within the first page
// timeout, then emits EventFirstPage.
func (h *Handle) loadFirstPage(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(ctx, h.loader.cfg.FirstPageTimeout)
	defer cancel()

	h.setState(StateFetchingBytes)
	b, err := h.source(fctx)
	if err == nil && b == nil {
		err = core.NewNetworkError(h.id, "no document bytes", nil)
	}
	if err != nil {
		return h.firstPageError(ctx, fctx, err)
	}
	h.meta.Token = b.Token
	h.meta.Source = b.Source
	h.observeStage("bytes")

	h.setState(StateDecodingFirstPage)
	desc, err := h.loader.renderer.Decode(fctx, b.Data)
	if err != nil {
		return h.firstPageError(ctx, fctx, err)
	}
	h.desc = desc
	h.meta.PageCount = desc.PageCount
	h.meta.Format = desc.Format
	h.pages = make([]*core.RenderedPage, desc.PageCount)
	h.upgraded = make([]bool, desc.PageCount)

	first, err := h.loader.renderer.RenderPage(fctx, desc, 0, core.TierFast)
	if err != nil {
		return h.firstPageError(ctx, fctx, err)
	}
	h.pages[0] = first

	h.setState(StateFirstPageReady)
	h.observeStage("first_page")
	if !h.emit(ctx, Event{Type: EventFirstPage, Pages: h.snapshot()}) {
		return ctx.Err()
	}
	return nil
}

func (h *Handle) firstPageError(ctx, fctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(fctx.Err(), context.DeadlineExceeded) {
		return core.NewTimeoutError(h.id,
			fmt.Sprintf("first page not ready within %s", h.loader.cfg.FirstPageTimeout), err)
	}
	var docErr *core.DocError
	if errors.As(err, &docErr) {
		if docErr.DocumentID == "" {
			docErr.DocumentID = h.id
		}
		return docErr
	}
	return core.NewDecodeError(h.id, "load failed", err)
}

// renderInto renders page i at tier and stores it. Failures are logged and
// the page keeps its previous rendition.
func (h *Handle) renderInto(ctx context.Context, i int, tier core.Tier) bool {
	if ctx.Err() != nil {
		return false
	}
	page, err := h.loader.renderer.RenderPage(ctx, h.desc, i, tier)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("page render failed, skipping", "page", i, "tier", tier, "error", err)
		}
		return false
	}
	if prev := h.pages[i]; prev == nil || page.Supersedes(*prev) {
		h.pages[i] = page
	}
	return true
}

// nextUpgrade picks the page to upgrade next: the unvisited page closest to
// the current page, preferring the following page over the preceding one.
func (h *Handle) nextUpgrade() (int, bool) {
	n := len(h.pages)
	cur := int(h.current.Load())
	cur = max(0, min(cur, n-1))

	limit := n
	if h.loader.cfg.UpgradeMode == UpgradeNearby {
		limit = h.loader.cfg.UpgradeRadius + 1
	}
	for d := 0; d < limit; d++ {
		for _, i := range [2]int{cur + d, cur - d} {
			if i >= 0 && i < n && !h.upgraded[i] {
				return i, true
			}
		}
	}
	return 0, false
}

// snapshot copies the rendered pages in index order.
func (h *Handle) snapshot() []core.RenderedPage {
	out := make([]core.RenderedPage, 0, len(h.pages))
	for _, p := range h.pages {
		if p != nil {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// emit delivers ev unless the load is cancelled first.
func (h *Handle) emit(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	ev.Meta = h.meta
	ev.At = h.loader.cfg.Now()
	select {
	case <-ctx.Done():
		return false
	case h.events <- ev:
		return true
	}
}

func (h *Handle) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (h *Handle) finishCancelled() {
	h.setState(StateCancelled)
	observability.Loads.WithLabelValues(StateCancelled.String()).Inc()
	h.logger.Debug("load cancelled")
}

func (h *Handle) observeStage(stage string) {
	source := string(h.meta.Source)
	if source == "" {
		source = "unknown"
	}
	observability.StageLatency.WithLabelValues(stage, source).
		Observe(h.loader.cfg.Now().Sub(h.meta.StartedAt).Seconds())
}
