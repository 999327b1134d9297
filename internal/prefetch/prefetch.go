// Package prefetch warms the local cache with documents the user is likely
// to open next.
package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"docpipe/internal/observability"
)

// Prefetcher fetches a document into the cache without rendering it.
// Prefetch reports whether a fetch happened; cached ids are skipped.
type Prefetcher interface {
	Prefetch(ctx context.Context, id string) (bool, error)
	InFlight(id string) bool
}

// Config holds scheduler settings.
type Config struct {
	// Count is the number of following ids warmed per Schedule (default 3).
	Count int
	// Delays staggers the tasks; ids past the end reuse the last delay.
	Delays []time.Duration
	// Rate limits origin fetches per second; 0 disables the limit.
	Rate  float64
	Burst int

	Logger *slog.Logger
}

// DefaultConfig returns the standard staggering and pacing.
func DefaultConfig() Config {
	return Config{
		Count:  3,
		Delays: []time.Duration{500 * time.Millisecond, 2 * time.Second, 4 * time.Second},
		Rate:   2,
		Burst:  1,
	}
}

// Scheduler runs best-effort prefetch tasks. Each Schedule call replaces
// the tasks of the previous one.
type Scheduler struct {
	p       Prefetcher
	count   int
	delays  []time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger

	mu          sync.Mutex
	root        context.Context
	stop        context.CancelFunc
	cancelBatch context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a Scheduler.
func New(p Prefetcher, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Count <= 0 {
		cfg.Count = def.Count
	}
	if len(cfg.Delays) == 0 {
		cfg.Delays = def.Delays
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	root, stop := context.WithCancel(context.Background())
	return &Scheduler{
		p:       p,
		count:   cfg.Count,
		delays:  cfg.Delays,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  cfg.Logger.With("component", "prefetch"),
		root:    root,
		stop:    stop,
	}
}

// Schedule warms the count ids following ids[current]. A count of zero or
// less uses the configured count. Ids already loading are skipped. It
// returns the number of tasks started.
func (s *Scheduler) Schedule(ids []string, current, count int) int {
	if count <= 0 {
		count = s.count
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root.Err() != nil {
		return 0
	}
	if s.cancelBatch != nil {
		s.cancelBatch()
	}
	ctx, cancel := context.WithCancel(s.root)
	s.cancelBatch = cancel

	started := 0
	for k := 1; k <= count; k++ {
		idx := current + k
		if idx < 0 || idx >= len(ids) {
			break
		}
		id := ids[idx]
		if id == "" {
			continue
		}
		if s.p.InFlight(id) {
			observability.Prefetches.WithLabelValues("skipped").Inc()
			continue
		}
		delay := s.delays[min(k-1, len(s.delays)-1)]
		s.wg.Add(1)
		go s.run(ctx, id, delay)
		started++
	}
	return started
}

func (s *Scheduler) run(ctx context.Context, id string, delay time.Duration) {
	defer s.wg.Done()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		observability.Prefetches.WithLabelValues("cancelled").Inc()
		return
	case <-t.C:
	}

	if err := s.limiter.Wait(ctx); err != nil {
		observability.Prefetches.WithLabelValues("cancelled").Inc()
		return
	}

	fetched, err := s.p.Prefetch(ctx, id)
	switch {
	case err != nil && ctx.Err() != nil:
		observability.Prefetches.WithLabelValues("cancelled").Inc()
	case err != nil:
		observability.Prefetches.WithLabelValues("failed").Inc()
		s.logger.Debug("prefetch failed", "document_id", id, "error", err)
	case fetched:
		observability.Prefetches.WithLabelValues("fetched").Inc()
		s.logger.Debug("prefetched document", "document_id", id)
	default:
		observability.Prefetches.WithLabelValues("skipped").Inc()
	}
}

// Stop cancels every task and waits for them to return. Later Schedule
// calls do nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stop()
	s.mu.Unlock()
	s.wg.Wait()
}
