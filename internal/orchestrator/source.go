package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"docpipe/internal/cache"
	"docpipe/internal/core"
	"docpipe/internal/loader"
)

// source returns the bytes source of a load: cached bytes when the origin
// confirms they are current, otherwise a conditional fetch.
func (o *Orchestrator) source(id string, bypass bool) loader.BytesSource {
	return func(ctx context.Context) (*loader.Bytes, error) {
		logger := o.logger.With(append(core.LogAttrs(ctx), "document_id", id)...)

		var knownToken string
		if !bypass {
			if meta, ok := o.cache.GetMetadata(ctx, id); ok {
				remote, err := o.fetcher.FetchMetadata(ctx, id)
				switch {
				case err == nil && remote.Token == meta.Token:
					if data, ok := o.cache.Get(ctx, id); ok {
						return &loader.Bytes{Data: data, Token: meta.Token, Source: core.SourceCache}, nil
					}
				case err == nil:
					logger.Debug("cached copy is stale", "cached_token", meta.Token, "remote_token", remote.Token)
				case ctx.Err() != nil:
					return nil, err
				case core.IsType(err, core.ErrorTypeNotFound):
					if invErr := o.Invalidate(ctx, id); invErr != nil {
						logger.Warn("failed to drop cached copy of deleted document", "error", invErr)
					}
					return nil, err
				case core.IsRetryable(err):
					if data, ok := o.cache.Get(ctx, id); ok {
						logger.Warn("origin unreachable, serving cached copy", "token", meta.Token, "error", err)
						return &loader.Bytes{Data: data, Token: meta.Token, Source: core.SourceStale}, nil
					}
				}
				knownToken = meta.Token
			}
		}

		doc, err := o.fetch(ctx, id, knownToken, bypass)
		if errors.Is(err, core.ErrNotModified) {
			if data, ok := o.cache.Get(ctx, id); ok {
				return &loader.Bytes{Data: data, Token: knownToken, Source: core.SourceRevalidated}, nil
			}
			// The entry went away between revalidation and read
			doc, err = o.fetch(ctx, id, "", false)
		}
		if err != nil {
			return nil, err
		}
		return &loader.Bytes{Data: doc.Data, Token: doc.Token, Source: core.SourceNetwork}, nil
	}
}

// fetch transfers id from the origin and schedules a write-back. Concurrent
// fetches of the same id, token and cache generation share one origin
// request; a fetch started before Invalidate is never joined after it. With
// fresh set the caller does not join a request already running and later
// callers join the new one instead. The shared request is not bound to any
// single caller's context.
func (o *Orchestrator) fetch(ctx context.Context, id, knownToken string, fresh bool) (*core.Document, error) {
	o.writeMu.Lock()
	gen := o.generation[id]
	o.writeMu.Unlock()

	key := fetchKey(id, gen, knownToken)
	if fresh {
		o.fetches.Forget(key)
	}
	ch := o.fetches.DoChan(key, func() (interface{}, error) {
		if !o.track() {
			return nil, core.NewCancelledError(id, ErrClosed)
		}
		defer o.bg.Done()

		doc, err := o.fetcher.FetchBytes(o.bgCtx, id, knownToken)
		if err != nil {
			return nil, err
		}
		o.writeBack(id, gen, doc)
		return doc, nil
	})

	select {
	case <-ctx.Done():
		return nil, core.FromContext(id, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*core.Document), nil
	}
}

func fetchKey(id string, gen uint64, knownToken string) string {
	return id + "\x00" + strconv.FormatUint(gen, 10) + "\x00" + knownToken
}

// writeBack stores doc in the cache on a background goroutine. Failures
// are logged only. The write is skipped if id was invalidated after the
// fetch started.
func (o *Orchestrator) writeBack(id string, gen uint64, doc *core.Document) {
	if !o.track() {
		return
	}
	go func() {
		defer o.bg.Done()

		o.writeMu.Lock()
		defer o.writeMu.Unlock()
		if o.generation[id] != gen {
			o.logger.Debug("skipping write-back of invalidated document", "document_id", id)
			return
		}
		err := o.cache.Put(o.bgCtx, id, doc.Data, cache.Metadata{Token: doc.Token})
		if err != nil {
			o.logger.Warn("cache write-back failed", "document_id", id, "error", err)
		}
	}()
}

// Prefetch fetches id into the cache without rendering it. It reports
// whether a fetch happened: ids already cached or being loaded are skipped.
func (o *Orchestrator) Prefetch(ctx context.Context, id string) (bool, error) {
	if o.InFlight(id) {
		return false, nil
	}
	if _, ok := o.cache.GetMetadata(ctx, id); ok {
		return false, nil
	}
	if _, err := o.fetch(ctx, id, "", false); err != nil {
		return false, fmt.Errorf("prefetch %s: %w", id, err)
	}
	return true, nil
}
