// Package fetcher retrieves documents and their freshness tokens from the
// remote origin over HTTP.
package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash/v2"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"docpipe/internal/core"
	"docpipe/internal/observability"
)

// Metadata modes.
const (
	MetadataJSON = "json"
	MetadataHead = "head"
)

// DefaultMaxBodyBytes caps a single document download.
const DefaultMaxBodyBytes int64 = 100 << 20

// maxMetaBytes caps the metadata JSON body.
const maxMetaBytes = 64 << 10

// errBodyTooLarge marks a download exceeding MaxBodyBytes.
var errBodyTooLarge = errors.New("response body exceeds size limit")

// Config holds origin settings.
type Config struct {
	// BaseURL is the origin root; documents live under {BaseURL}/documents/{id}.
	BaseURL string
	// Token is sent as "Authorization: Bearer <token>" when set.
	Token string
	// MetadataMode is MetadataJSON (default) or MetadataHead.
	MetadataMode string
	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// BreakerFailures consecutive transport failures open the circuit (default 5).
	BreakerFailures uint32
	// BreakerCooldown is how long an open circuit rejects calls (default 30s).
	BreakerCooldown time.Duration
	Logger          *slog.Logger
}

// HTTPFetcher implements core.Fetcher against an HTTP origin.
//
// Concurrent metadata lookups for the same id share one request. Transport
// failures and origin 5xx responses feed a circuit breaker; while it is open
// every call fails fast with a network error.
type HTTPFetcher struct {
	client  *http.Client
	base    *url.URL
	token   string
	mode    string
	maxBody int64
	logger  *slog.Logger

	metaGroup singleflight.Group
	breaker   *gobreaker.CircuitBreaker
}

// New creates an HTTPFetcher using client for every request.
func New(client *http.Client, cfg Config) (*HTTPFetcher, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("origin base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid origin base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("origin base URL must be http or https, got %q", cfg.BaseURL)
	}

	if cfg.MetadataMode == "" {
		cfg.MetadataMode = MetadataJSON
	}
	if cfg.MetadataMode != MetadataJSON && cfg.MetadataMode != MetadataHead {
		return nil, fmt.Errorf("unknown metadata mode: %s", cfg.MetadataMode)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "fetcher")

	f := &HTTPFetcher{
		client:  client,
		base:    base,
		token:   cfg.Token,
		mode:    cfg.MetadataMode,
		maxBody: cfg.MaxBodyBytes,
		logger:  logger,
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "origin",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only transport-level trouble counts against the origin
		IsSuccessful: func(err error) bool {
			return err == nil || !core.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("origin circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return f, nil
}

func (f *HTTPFetcher) documentURL(id string, suffix string) string {
	u := *f.base
	u.Path = f.base.Path + "/documents/" + id + suffix
	u.RawPath = f.base.EscapedPath() + "/documents/" + url.PathEscape(id) + suffix
	return u.String()
}

// FetchMetadata returns the origin's current token for id.
func (f *HTTPFetcher) FetchMetadata(ctx context.Context, id string) (*core.RemoteMetadata, error) {
	start := time.Now()

	// The shared request outlives any single caller's cancellation but keeps
	// its deadline bounded by the client timeout.
	ch := f.metaGroup.DoChan(id, func() (interface{}, error) {
		return f.guard(func() (interface{}, error) {
			return f.fetchMetadata(context.WithoutCancel(ctx), id)
		})
	})

	select {
	case res := <-ch:
		observability.ObserveFetch("metadata", start, res.Err)
		if res.Err != nil {
			return nil, f.mapError(id, res.Err)
		}
		meta := *res.Val.(*core.RemoteMetadata)
		return &meta, nil
	case <-ctx.Done():
		observability.ObserveFetch("metadata", start, ctx.Err())
		return nil, core.FromContext(id, ctx.Err())
	}
}

func (f *HTTPFetcher) fetchMetadata(ctx context.Context, id string) (*core.RemoteMetadata, error) {
	if f.mode == MetadataHead {
		return f.headMetadata(ctx, id)
	}

	resp, err := f.do(ctx, http.MethodGet, f.documentURL(id, "/meta"), nil)
	if err != nil {
		return nil, f.transportError(id, "metadata request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		// Origins without a metadata endpoint still expose ETags
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetaBytes))
		return f.headMetadata(ctx, id)
	case resp.StatusCode != http.StatusOK:
		return nil, statusError(id, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetaBytes))
	if err != nil {
		return nil, f.transportError(id, "failed to read metadata", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, core.NewNetworkError(id, "origin returned malformed metadata", nil)
	}

	parsed := gjson.GetManyBytes(body, "token", "etag", "size", "content_type")
	meta := &core.RemoteMetadata{
		Token:       parsed[0].String(),
		Size:        parsed[2].Int(),
		ContentType: parsed[3].String(),
	}
	if meta.Token == "" {
		meta.Token = parsed[1].String()
	}
	if meta.Token == "" {
		meta.Token = resp.Header.Get("ETag")
	}
	return meta, nil
}

func (f *HTTPFetcher) headMetadata(ctx context.Context, id string) (*core.RemoteMetadata, error) {
	resp, err := f.do(ctx, http.MethodHead, f.documentURL(id, ""), nil)
	if err != nil {
		return nil, f.transportError(id, "metadata request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(id, resp)
	}

	meta := &core.RemoteMetadata{
		Token:       resp.Header.Get("ETag"),
		ContentType: resp.Header.Get("Content-Type"),
	}
	if meta.Token == "" {
		meta.Token = resp.Header.Get("Last-Modified")
	}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		meta.Size = n
	}
	return meta, nil
}

// FetchBytes downloads id. A non-empty knownToken is sent as If-None-Match;
// a 304 answer yields core.ErrNotModified.
func (f *HTTPFetcher) FetchBytes(ctx context.Context, id, knownToken string) (*core.Document, error) {
	start := time.Now()
	res, err := f.guard(func() (interface{}, error) {
		return f.fetchBytes(ctx, id, knownToken)
	})
	observability.ObserveFetch("bytes", start, err)
	if err != nil {
		if errors.Is(err, core.ErrNotModified) {
			return nil, core.ErrNotModified
		}
		if ctx.Err() != nil {
			return nil, core.FromContext(id, ctx.Err())
		}
		return nil, f.mapError(id, err)
	}
	return res.(*core.Document), nil
}

func (f *HTTPFetcher) fetchBytes(ctx context.Context, id, knownToken string) (*core.Document, error) {
	header := http.Header{}
	header.Set("Accept-Encoding", "br, gzip")
	if knownToken != "" {
		header.Set("If-None-Match", knownToken)
	}

	resp, err := f.do(ctx, http.MethodGet, f.documentURL(id, ""), header)
	if err != nil {
		return nil, f.transportError(id, "document request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, core.ErrNotModified
	default:
		return nil, statusError(id, resp)
	}

	if resp.ContentLength > f.maxBody {
		return nil, core.NewDecodeError(id, fmt.Sprintf("document is %d bytes, limit is %d", resp.ContentLength, f.maxBody), errBodyTooLarge)
	}

	data, err := f.readBody(resp)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return nil, core.NewDecodeError(id, fmt.Sprintf("document exceeds %d bytes", f.maxBody), err)
		}
		return nil, f.transportError(id, "failed to read document body", err)
	}

	token := resp.Header.Get("ETag")
	if token == "" {
		token = ContentToken(data)
	}
	return &core.Document{
		ID:          id,
		Data:        data,
		Token:       token,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// readBody decodes the response according to Content-Encoding and enforces
// the size limit on the decoded payload.
func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	encoding := strings.ToLower(strings.TrimSpace(strings.Split(resp.Header.Get("Content-Encoding"), ",")[0]))
	switch encoding {
	case "", "identity":
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 && encoding == "" {
		buf.Grow(int(resp.ContentLength))
	}
	n, err := io.Copy(&buf, io.LimitReader(reader, f.maxBody+1))
	if err != nil {
		return nil, err
	}
	if n > f.maxBody {
		return nil, errBodyTooLarge
	}
	return buf.Bytes(), nil
}

// ContentToken derives a freshness token from the payload itself, for
// origins that send no ETag.
func ContentToken(data []byte) string {
	return "xxh64:" + strconv.FormatUint(xxhash.Sum64(data), 16)
}

func (f *HTTPFetcher) do(ctx context.Context, method, target string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	if requestID := core.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	return f.client.Do(req)
}

// guard runs fn through the circuit breaker.
func (f *HTTPFetcher) guard(fn func() (interface{}, error)) (interface{}, error) {
	return f.breaker.Execute(fn)
}

func (f *HTTPFetcher) mapError(id string, err error) error {
	var docErr *core.DocError
	switch {
	case errors.As(err, &docErr):
		return docErr
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return core.NewNetworkError(id, "origin unavailable (circuit open)", err)
	default:
		return core.NewNetworkError(id, "origin request failed", err)
	}
}

func (f *HTTPFetcher) transportError(id, message string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return core.NewTimeoutError(id, message+": timed out", err)
	case errors.Is(err, context.Canceled):
		return core.NewCancelledError(id, err)
	default:
		f.logger.Debug("origin transport failure", "id", id, "error", err)
		return core.NewNetworkError(id, message, err)
	}
}

func statusError(id string, resp *http.Response) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetaBytes))
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return core.NewNotFoundError(id, "document not found at origin")
	}
	return core.NewNetworkError(id, fmt.Sprintf("origin returned status %d", resp.StatusCode), nil)
}
