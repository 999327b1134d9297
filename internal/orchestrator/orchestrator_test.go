package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe/internal/cache"
	"docpipe/internal/core"
	"docpipe/internal/loader"
)

// fakeOrigin is an in-process origin with call counters.
type fakeOrigin struct {
	mu         sync.Mutex
	docs       map[string]*core.Document
	metaToken  map[string]string
	metaErr    error
	metaCalls  map[string]int
	bytesCalls map[string]int

	// When gate is set FetchBytes waits for it; requested receives the id
	// as soon as a fetch arrives.
	gate      chan struct{}
	requested chan string
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		docs:       make(map[string]*core.Document),
		metaToken:  make(map[string]string),
		metaCalls:  make(map[string]int),
		bytesCalls: make(map[string]int),
	}
}

func (f *fakeOrigin) put(id, token string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id] = &core.Document{ID: id, Data: data, Token: token}
}

func (f *fakeOrigin) counts(id string) (meta, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls[id], f.bytesCalls[id]
}

func (f *fakeOrigin) FetchMetadata(_ context.Context, id string) (*core.RemoteMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls[id]++
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, core.NewNotFoundError(id, "document not found")
	}
	token := doc.Token
	if t, ok := f.metaToken[id]; ok {
		token = t
	}
	return &core.RemoteMetadata{Token: token, Size: int64(len(doc.Data))}, nil
}

func (f *fakeOrigin) FetchBytes(ctx context.Context, id, knownToken string) (*core.Document, error) {
	f.mu.Lock()
	f.bytesCalls[id]++
	gate, requested := f.gate, f.requested
	f.mu.Unlock()

	if requested != nil {
		requested <- id
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, core.FromContext(id, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, core.NewNotFoundError(id, "document not found")
	}
	if knownToken != "" && knownToken == doc.Token {
		return nil, core.ErrNotModified
	}
	out := *doc
	return &out, nil
}

// pageRenderer renders every document as three pages, failing on bytes
// starting with "corrupt".
type pageRenderer struct{}

func (pageRenderer) Decode(_ context.Context, data []byte) (*core.Descriptor, error) {
	if bytes.HasPrefix(data, []byte("corrupt")) {
		return nil, core.NewDecodeError("", "corrupt document", nil)
	}
	return &core.Descriptor{Format: "fake", PageCount: 3, Pages: make([]core.PageInfo, 3)}, nil
}

func (pageRenderer) RenderPage(ctx context.Context, _ *core.Descriptor, index int, tier core.Tier) (*core.RenderedPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.FromContext("", err)
	}
	return &core.RenderedPage{Index: index, Tier: tier, Image: []byte{byte(index)}}, nil
}

// recorder captures callbacks as compact strings.
type recorder struct {
	mu     sync.Mutex
	events []string
	metas  []core.LoadMeta
	errs   []error

	firstOnce sync.Once
	first     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{first: make(chan struct{})}
}

func (r *recorder) add(s string, meta core.LoadMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
	r.metas = append(r.metas, meta)
}

func pageList(pages []core.RenderedPage) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = fmt.Sprintf("%d%s", p.Index, p.Tier)
	}
	return strings.Join(parts, ",")
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnFirstPage: func(pages []core.RenderedPage, meta core.LoadMeta) {
			r.add("first:"+pageList(pages), meta)
			r.firstOnce.Do(func() { close(r.first) })
		},
		OnAllPages: func(pages []core.RenderedPage, meta core.LoadMeta) {
			r.add("all:"+pageList(pages), meta)
		},
		OnPageUpgraded: func(page core.RenderedPage, meta core.LoadMeta) {
			r.add(fmt.Sprintf("up:%d%s", page.Index, page.Tier), meta)
		},
		OnComplete: func(meta core.LoadMeta) {
			r.add("complete", meta)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "error")
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) lastMeta() core.LoadMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metas[len(r.metas)-1]
}

var fullLoad = []string{
	"first:0fast",
	"all:0fast,1fast,2fast",
	"up:0high", "up:1high", "up:2high",
	"complete",
}

type harness struct {
	o      *Orchestrator
	origin *fakeOrigin
	cache  *cache.Manager
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, settle time.Duration) *harness {
	t.Helper()
	mgr, err := cache.NewManager(context.Background(), cache.NewMemoryStore(), cache.Config{
		MaxBytes: 10 << 20,
		MaxItems: 10,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	return newHarnessWithCache(t, mgr, settle)
}

func newHarnessWithCache(t *testing.T, c *cache.Manager, settle time.Duration) *harness {
	t.Helper()
	lcfg := loader.DefaultConfig()
	lcfg.SettleDelay = settle
	lcfg.Logger = quietLogger()

	origin := newFakeOrigin()
	o := New(c, origin, loader.New(pageRenderer{}, lcfg), Config{Logger: quietLogger()})
	t.Cleanup(func() { _ = o.Close() })
	return &harness{o: o, origin: origin, cache: c}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func (h *harness) settle() {
	h.o.bg.Wait()
}

func TestLoad_CacheMissFetchesAndWritesBack(t *testing.T) {
	h := newHarness(t, 0)
	h.origin.put("doc", "v1", []byte("payload"))

	rec := newRecorder()
	s := h.o.Load(context.Background(), "doc", rec.callbacks())
	waitDone(t, s)
	h.settle()

	assert.Equal(t, fullLoad, rec.snapshot())
	meta := rec.lastMeta()
	assert.Equal(t, core.SourceNetwork, meta.Source)
	assert.Equal(t, "v1", meta.Token)
	assert.Equal(t, 3, meta.PageCount)

	metaCalls, fetches := h.origin.counts("doc")
	assert.Equal(t, 0, metaCalls, "nothing cached, no revalidation needed")
	assert.Equal(t, 1, fetches)

	cached, ok := h.cache.GetMetadata(context.Background(), "doc")
	require.True(t, ok)
	assert.Equal(t, "v1", cached.Token)
	assert.False(t, h.o.InFlight("doc"))
}

func TestLoad_ConcurrentLoadsShareOneFetch(t *testing.T) {
	h := newHarness(t, 0)
	h.origin.put("doc", "v1", []byte("payload"))
	h.origin.gate = make(chan struct{})
	h.origin.requested = make(chan string, 4)

	a, b := newRecorder(), newRecorder()
	sa := h.o.Load(context.Background(), "doc", a.callbacks())
	<-h.origin.requested
	sb := h.o.Load(context.Background(), "doc", b.callbacks())
	assert.True(t, h.o.InFlight("doc"))

	close(h.origin.gate)
	waitDone(t, sa)
	waitDone(t, sb)

	_, fetches := h.origin.counts("doc")
	assert.Equal(t, 1, fetches)
	assert.Equal(t, fullLoad, a.snapshot())
	assert.Equal(t, a.snapshot(), b.snapshot())
	assert.Equal(t, a.lastMeta().LoadID, b.lastMeta().LoadID)
}

func TestLoad_LateAttachReplaysStages(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond)
	h.origin.put("doc", "v1", []byte("payload"))

	a := newRecorder()
	sa := h.o.Load(context.Background(), "doc", a.callbacks())
	<-a.first

	b := newRecorder()
	sb := h.o.Load(context.Background(), "doc", b.callbacks())
	<-b.first
	assert.Equal(t, []string{"first:0fast"}, b.snapshot(), "first page replayed immediately")

	waitDone(t, sa)
	waitDone(t, sb)
	assert.Equal(t, fullLoad, b.snapshot())
	_, fetches := h.origin.counts("doc")
	assert.Equal(t, 1, fetches)
}

func TestLoad_FreshnessRoundTrip(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.cache.Put(ctx, "doc", []byte("cached"), cache.Metadata{Token: "T"}))
	h.origin.put("doc", "T", []byte("cached"))

	rec := newRecorder()
	waitDone(t, h.o.Load(ctx, "doc", rec.callbacks()))
	metaCalls, fetches := h.origin.counts("doc")
	assert.Equal(t, 1, metaCalls)
	assert.Equal(t, 0, fetches, "matching token serves cached bytes")
	assert.Equal(t, core.SourceCache, rec.lastMeta().Source)

	h.origin.put("doc", "T2", []byte("updated"))
	rec = newRecorder()
	waitDone(t, h.o.Load(ctx, "doc", rec.callbacks()))
	h.settle()

	_, fetches = h.origin.counts("doc")
	assert.Equal(t, 1, fetches, "changed token triggers exactly one fetch")
	assert.Equal(t, core.SourceNetwork, rec.lastMeta().Source)
	assert.Equal(t, "T2", rec.lastMeta().Token)

	data, ok := h.cache.Get(ctx, "doc")
	require.True(t, ok)
	assert.Equal(t, []byte("updated"), data)
}

func TestLoad_NotModifiedReusesCachedBytes(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.cache.Put(ctx, "doc", []byte("cached"), cache.Metadata{Token: "v1"}))
	h.origin.put("doc", "v1", []byte("cached"))
	// Metadata reports a token the byte endpoint does not agree with
	h.origin.metaToken["doc"] = "weak-v1"

	rec := newRecorder()
	waitDone(t, h.o.Load(ctx, "doc", rec.callbacks()))

	_, fetches := h.origin.counts("doc")
	assert.Equal(t, 1, fetches)
	assert.Equal(t, core.SourceRevalidated, rec.lastMeta().Source)
	assert.Equal(t, fullLoad, rec.snapshot())
}

func TestLoad_StaleWhileOffline(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.cache.Put(ctx, "doc", []byte("cached"), cache.Metadata{Token: "v1"}))
	h.origin.metaErr = core.NewNetworkError("doc", "connection refused", nil)

	rec := newRecorder()
	waitDone(t, h.o.Load(ctx, "doc", rec.callbacks()))

	assert.Equal(t, fullLoad, rec.snapshot())
	assert.Equal(t, core.SourceStale, rec.lastMeta().Source)
	_, fetches := h.origin.counts("doc")
	assert.Equal(t, 0, fetches)
}

func TestLoad_RemotelyDeletedDropsCache(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.cache.Put(ctx, "doc", []byte("cached"), cache.Metadata{Token: "v1"}))

	rec := newRecorder()
	waitDone(t, h.o.Load(ctx, "doc", rec.callbacks()))

	assert.Equal(t, []string{"error"}, rec.snapshot())
	assert.True(t, core.IsType(rec.errs[0], core.ErrorTypeNotFound))
	_, ok := h.cache.GetMetadata(ctx, "doc")
	assert.False(t, ok)
}

func TestLoad_NetworkFailureWithoutCache(t *testing.T) {
	h := newHarness(t, 0)

	rec := newRecorder()
	waitDone(t, h.o.Load(context.Background(), "missing", rec.callbacks()))

	assert.Equal(t, []string{"error"}, rec.snapshot())
	assert.True(t, core.IsType(rec.errs[0], core.ErrorTypeNotFound))
	assert.False(t, h.o.InFlight("missing"))
}

func TestLoad_DecodeErrorReported(t *testing.T) {
	h := newHarness(t, 0)
	h.origin.put("doc", "v1", []byte("corrupt bytes"))

	rec := newRecorder()
	waitDone(t, h.o.Load(context.Background(), "doc", rec.callbacks()))

	require.Equal(t, []string{"error"}, rec.snapshot())
	assert.True(t, core.IsType(rec.errs[0], core.ErrorTypeDecode))
	assert.False(t, core.IsRetryable(rec.errs[0]))
}

func TestSession_CancelInsideFirstPageCallback(t *testing.T) {
	h := newHarness(t, 0)
	h.origin.put("doc", "v1", []byte("payload"))

	rec := newRecorder()
	sessions := make(chan *Session, 1)
	cb := rec.callbacks()
	onFirst := cb.OnFirstPage
	cb.OnFirstPage = func(pages []core.RenderedPage, meta core.LoadMeta) {
		onFirst(pages, meta)
		(<-sessions).Cancel()
	}

	s := h.o.Load(context.Background(), "doc", cb)
	sessions <- s
	waitDone(t, s)
	h.settle()

	assert.Equal(t, []string{"first:0fast"}, rec.snapshot())
	assert.False(t, h.o.InFlight("doc"))
}

func TestSession_CancelAfterFirstPage(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond)
	h.origin.put("doc", "v1", []byte("payload"))

	rec := newRecorder()
	s := h.o.Load(context.Background(), "doc", rec.callbacks())
	<-rec.first
	s.Cancel()
	assert.False(t, h.o.InFlight("doc"), "last subscriber gone, load abandoned")

	h.settle()
	assert.Equal(t, []string{"first:0fast"}, rec.snapshot())
}

func TestSession_CancelOneSubscriberOnly(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond)
	h.origin.put("doc", "v1", []byte("payload"))

	a, b := newRecorder(), newRecorder()
	sa := h.o.Load(context.Background(), "doc", a.callbacks())
	sb := h.o.Load(context.Background(), "doc", b.callbacks())
	<-a.first
	sa.Cancel()
	assert.True(t, h.o.InFlight("doc"))

	waitDone(t, sb)
	assert.Equal(t, []string{"first:0fast"}, a.snapshot())
	assert.Equal(t, fullLoad, b.snapshot())
}

func TestSession_ContextCancelDetaches(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond)
	h.origin.put("doc", "v1", []byte("payload"))

	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	s := h.o.Load(ctx, "doc", rec.callbacks())
	<-rec.first
	cancel()

	waitDone(t, s)
	h.settle()
	assert.Equal(t, []string{"first:0fast"}, rec.snapshot())
	assert.False(t, h.o.InFlight("doc"))
}

func TestLoad_AfterAbandonStartsFresh(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond)
	h.origin.put("doc", "v1", []byte("payload"))

	first := newRecorder()
	s := h.o.Load(context.Background(), "doc", first.callbacks())
	<-first.first
	s.Cancel()

	second := newRecorder()
	waitDone(t, h.o.Load(context.Background(), "doc", second.callbacks()))
	assert.Equal(t, fullLoad, second.snapshot())
	assert.NotEqual(t, first.lastMeta().LoadID, second.lastMeta().LoadID)
}

func TestSession_ReloadBypassesCache(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.cache.Put(ctx, "doc", []byte("cached"), cache.Metadata{Token: "v1"}))
	h.origin.put("doc", "v1", []byte("cached"))

	rec := newRecorder()
	s := h.o.Load(ctx, "doc", rec.callbacks(), WithPage(1))
	waitDone(t, s)
	_, fetches := h.origin.counts("doc")
	require.Equal(t, 0, fetches)

	reloaded := s.Reload(ctx)
	waitDone(t, reloaded)
	_, fetches = h.origin.counts("doc")
	assert.Equal(t, 1, fetches)
	assert.Equal(t, core.SourceNetwork, rec.lastMeta().Source)

	events := rec.snapshot()
	assert.Equal(t, "up:1high", events[len(events)-4], "reload keeps the viewed page")
}

func TestInvalidate_DropsPendingWriteBack(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.origin.put("doc", "v1", []byte("payload"))
	h.origin.gate = make(chan struct{})
	h.origin.requested = make(chan string, 1)

	rec := newRecorder()
	s := h.o.Load(ctx, "doc", rec.callbacks())
	<-h.origin.requested
	require.NoError(t, h.o.Invalidate(ctx, "doc"))
	close(h.origin.gate)
	waitDone(t, s)
	h.settle()

	_, ok := h.cache.GetMetadata(ctx, "doc")
	assert.False(t, ok, "bytes fetched before invalidation are not cached")
}

func TestInvalidate_DuringLoadNextLoadRefetches(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.origin.put("doc", "v1", []byte("payload"))
	h.origin.gate = make(chan struct{})
	h.origin.requested = make(chan string, 4)

	before := newRecorder()
	s1 := h.o.Load(ctx, "doc", before.callbacks())
	<-h.origin.requested
	require.NoError(t, h.o.Invalidate(ctx, "doc"))
	assert.False(t, h.o.InFlight("doc"), "invalidated load is no longer shared")

	after := newRecorder()
	s2 := h.o.Load(ctx, "doc", after.callbacks())
	<-h.origin.requested
	close(h.origin.gate)
	waitDone(t, s1)
	waitDone(t, s2)
	h.settle()

	_, fetches := h.origin.counts("doc")
	assert.Equal(t, 2, fetches)
	assert.Equal(t, fullLoad, before.snapshot(), "the running session still completes")
	assert.Equal(t, fullLoad, after.snapshot())
	assert.NotEqual(t, before.lastMeta().LoadID, after.lastMeta().LoadID)

	meta, ok := h.cache.GetMetadata(ctx, "doc")
	require.True(t, ok, "the fetch started after invalidation is cached")
	assert.Equal(t, "v1", meta.Token)
}

func TestInvalidate_DuringPrefetchNextLoadRefetches(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.origin.put("doc", "v1", []byte("payload"))
	h.origin.gate = make(chan struct{})
	h.origin.requested = make(chan string, 4)

	prefetched := make(chan error, 1)
	go func() {
		_, err := h.o.Prefetch(ctx, "doc")
		prefetched <- err
	}()
	<-h.origin.requested
	require.NoError(t, h.o.Invalidate(ctx, "doc"))

	rec := newRecorder()
	s := h.o.Load(ctx, "doc", rec.callbacks())
	<-h.origin.requested
	close(h.origin.gate)
	waitDone(t, s)
	require.NoError(t, <-prefetched)
	h.settle()

	_, fetches := h.origin.counts("doc")
	assert.Equal(t, 2, fetches)
	assert.Equal(t, fullLoad, rec.snapshot())
	assert.Equal(t, core.SourceNetwork, rec.lastMeta().Source)
}

func TestSession_ReloadDuringMissFetchesAgain(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.origin.put("doc", "v1", []byte("payload"))
	h.origin.gate = make(chan struct{})
	h.origin.requested = make(chan string, 4)

	rec := newRecorder()
	s := h.o.Load(ctx, "doc", rec.callbacks())
	<-h.origin.requested

	reloaded := s.Reload(ctx)
	<-h.origin.requested
	close(h.origin.gate)
	waitDone(t, reloaded)
	h.settle()

	_, fetches := h.origin.counts("doc")
	assert.Equal(t, 2, fetches, "reload does not join the request already running")
	assert.Equal(t, fullLoad, rec.snapshot())
}

func TestSession_ConcurrentChangePageAndReload(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.origin.put("doc", "v1", []byte("payload"))

	rec := newRecorder()
	s := h.o.Load(ctx, "doc", rec.callbacks())
	waitDone(t, s)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			s.ChangePage(i % 3)
		}
	}()
	reloaded := s.Reload(ctx)
	wg.Wait()
	waitDone(t, reloaded)
}

// Cache empty, byte cap 10MB, a 4MB document with token v1.
func TestScenarioA1(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0xA1}, 4<<20)
	h.origin.put("A1", "v1", payload)
	h.origin.gate = make(chan struct{})
	h.origin.requested = make(chan string, 4)

	first, second := newRecorder(), newRecorder()
	s1 := h.o.Load(ctx, "A1", first.callbacks())
	<-h.origin.requested
	s2 := h.o.Load(ctx, "A1", second.callbacks())
	close(h.origin.gate)
	waitDone(t, s1)
	waitDone(t, s2)
	h.settle()

	_, fetches := h.origin.counts("A1")
	assert.Equal(t, 1, fetches)
	assert.Equal(t, fullLoad, second.snapshot())

	meta, ok := h.cache.GetMetadata(ctx, "A1")
	require.True(t, ok)
	assert.Equal(t, "v1", meta.Token)
	assert.Equal(t, int64(4<<20), meta.Size)

	require.NoError(t, h.o.Invalidate(ctx, "A1"))
	_, ok = h.cache.Get(ctx, "A1")
	assert.False(t, ok)

	third := newRecorder()
	waitDone(t, h.o.Load(ctx, "A1", third.callbacks()))
	_, fetches = h.origin.counts("A1")
	assert.Equal(t, 2, fetches)
	assert.Equal(t, core.SourceNetwork, third.lastMeta().Source)
}

func TestPrefetch(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.origin.put("next", "v1", []byte("payload"))

	fetched, err := h.o.Prefetch(ctx, "next")
	require.NoError(t, err)
	assert.True(t, fetched)
	h.settle()

	meta, ok := h.cache.GetMetadata(ctx, "next")
	require.True(t, ok)
	assert.Equal(t, "v1", meta.Token)

	fetched, err = h.o.Prefetch(ctx, "next")
	require.NoError(t, err)
	assert.False(t, fetched, "already cached")

	_, err = h.o.Prefetch(ctx, "missing")
	assert.True(t, core.IsType(err, core.ErrorTypeNotFound))
}

func TestPrefetch_SkipsInFlightLoad(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.origin.put("doc", "v1", []byte("payload"))
	h.origin.gate = make(chan struct{})
	h.origin.requested = make(chan string, 4)

	rec := newRecorder()
	s := h.o.Load(ctx, "doc", rec.callbacks())
	<-h.origin.requested

	fetched, err := h.o.Prefetch(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, fetched, "load already in flight")

	close(h.origin.gate)
	waitDone(t, s)
	_, fetches := h.origin.counts("doc")
	assert.Equal(t, 1, fetches)
}

func TestLoad_JoinsRunningPrefetch(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.origin.put("doc", "v1", []byte("payload"))
	h.origin.gate = make(chan struct{})
	h.origin.requested = make(chan string, 4)

	prefetched := make(chan bool, 1)
	go func() {
		fetched, err := h.o.Prefetch(ctx, "doc")
		assert.NoError(t, err)
		prefetched <- fetched
	}()
	<-h.origin.requested

	rec := newRecorder()
	s := h.o.Load(ctx, "doc", rec.callbacks())
	// Give the load time to reach the shared fetch
	time.Sleep(100 * time.Millisecond)
	close(h.origin.gate)
	waitDone(t, s)
	assert.True(t, <-prefetched)

	_, fetches := h.origin.counts("doc")
	assert.Equal(t, 1, fetches)
	assert.Equal(t, fullLoad, rec.snapshot())
}

func TestClose(t *testing.T) {
	h := newHarness(t, time.Second)
	h.origin.put("doc", "v1", []byte("payload"))

	rec := newRecorder()
	s := h.o.Load(context.Background(), "doc", rec.callbacks())
	<-rec.first
	require.NoError(t, h.o.Close())
	waitDone(t, s)
	assert.Equal(t, []string{"first:0fast"}, rec.snapshot())

	after := newRecorder()
	s = h.o.Load(context.Background(), "doc", after.callbacks())
	waitDone(t, s)
	require.Equal(t, []string{"error"}, after.snapshot())
	assert.ErrorIs(t, after.errs[0], ErrClosed)
}

// brokenStore fails every write so the cache degrades to pass-through.
type brokenStore struct{ *cache.MemoryStore }

func (brokenStore) Save(context.Context, *cache.Record) error {
	return fmt.Errorf("disk full")
}

func TestLoad_CacheWriteFailureIsNotFatal(t *testing.T) {
	mgr, err := cache.NewManager(context.Background(), brokenStore{cache.NewMemoryStore()}, cache.Config{Logger: quietLogger()})
	require.NoError(t, err)
	h := newHarnessWithCache(t, mgr, 0)
	h.origin.put("doc", "v1", []byte("payload"))

	rec := newRecorder()
	waitDone(t, h.o.Load(context.Background(), "doc", rec.callbacks()))
	h.settle()

	assert.Equal(t, fullLoad, rec.snapshot())
	_, ok := mgr.GetMetadata(context.Background(), "doc")
	assert.False(t, ok)
}
