// Package render decodes document bytes into page descriptors and renders
// individual pages as JPEG images at a fast or high quality tier.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/semaphore"

	"docpipe/internal/core"
)

// TierSpec controls the output of one tier.
type TierSpec struct {
	// MaxWidth caps the output width in pixels; narrower pages are not upscaled.
	MaxWidth int
	// Quality is the JPEG quality, 1..100.
	Quality int
	// Filter is the resampling filter used when downscaling.
	Filter imaging.ResampleFilter
}

// Config holds renderer settings.
type Config struct {
	Fast TierSpec
	High TierSpec
	// MaxConcurrent bounds page renders across all documents (default 3).
	MaxConcurrent int64
	Logger        *slog.Logger
	Now           func() time.Time
}

// DefaultConfig returns the standard two-tier contract.
func DefaultConfig() Config {
	return Config{
		Fast:          TierSpec{MaxWidth: 800, Quality: 60, Filter: imaging.Box},
		High:          TierSpec{MaxWidth: 2000, Quality: 90, Filter: imaging.Lanczos},
		MaxConcurrent: 3,
	}
}

// pageSource is the renderer-private state stored in Descriptor.Source.
type pageSource interface {
	// pageImage returns the full-resolution raster for page index. maxWidth
	// lets sources without raster content size a placeholder.
	pageImage(index, maxWidth int) (image.Image, error)
}

// Renderer implements core.Renderer for PDF and single-image documents.
type Renderer struct {
	fast   TierSpec
	high   TierSpec
	sem    *semaphore.Weighted
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Renderer. Zero fields in cfg take DefaultConfig values.
func New(cfg Config) *Renderer {
	def := DefaultConfig()
	if cfg.Fast.MaxWidth <= 0 {
		cfg.Fast.MaxWidth = def.Fast.MaxWidth
	}
	if cfg.Fast.Quality <= 0 {
		cfg.Fast.Quality = def.Fast.Quality
	}
	if cfg.Fast.Filter.Support == 0 && cfg.Fast.Filter.Kernel == nil {
		cfg.Fast.Filter = def.Fast.Filter
	}
	if cfg.High.MaxWidth <= 0 {
		cfg.High.MaxWidth = def.High.MaxWidth
	}
	if cfg.High.Quality <= 0 {
		cfg.High.Quality = def.High.Quality
	}
	if cfg.High.Filter.Support == 0 && cfg.High.Filter.Kernel == nil {
		cfg.High.Filter = def.High.Filter
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Renderer{
		fast:   cfg.Fast,
		high:   cfg.High,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: cfg.Logger.With("component", "render"),
		now:    cfg.Now,
	}
}

// Decode parses data into a Descriptor. Corrupt or unsupported input yields
// a decode_error.
func (r *Renderer) Decode(ctx context.Context, data []byte) (*core.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.FromContext("", err)
	}
	if len(data) == 0 {
		return nil, core.NewDecodeError("", "document is empty", nil)
	}

	if isPDF(data) {
		return decodePDF(data, r.logger)
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return decodeRaster(data, format)
	}
	return nil, core.NewDecodeError("", "unsupported document format", nil)
}

// RenderPage renders page index of desc at tier.
func (r *Renderer) RenderPage(ctx context.Context, desc *core.Descriptor, index int, tier core.Tier) (*core.RenderedPage, error) {
	if desc == nil {
		return nil, core.NewDecodeError("", "descriptor is required", nil)
	}
	src, ok := desc.Source.(pageSource)
	if !ok {
		return nil, core.NewDecodeError("", "descriptor was not produced by this renderer", nil)
	}
	if index < 0 || index >= desc.PageCount {
		return nil, core.NewDecodeError("", fmt.Sprintf("page %d out of range (document has %d pages)", index, desc.PageCount), nil)
	}

	var spec TierSpec
	switch tier {
	case core.TierFast:
		spec = r.fast
	case core.TierHigh:
		spec = r.high
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, core.FromContext("", err)
	}
	defer r.sem.Release(1)

	start := time.Now()
	img, err := src.pageImage(index, spec.MaxWidth)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, core.FromContext("", err)
	}

	if img.Bounds().Dx() > spec.MaxWidth {
		img = imaging.Resize(img, spec.MaxWidth, 0, spec.Filter)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(spec.Quality)); err != nil {
		return nil, core.NewDecodeError("", "failed to encode page", err)
	}

	b := img.Bounds()
	r.logger.Debug("page rendered", "page", index, "tier", tier,
		"width", b.Dx(), "height", b.Dy(), "bytes", buf.Len(), "duration", time.Since(start))

	return &core.RenderedPage{
		Index:      index,
		Tier:       tier,
		Image:      buf.Bytes(),
		Width:      b.Dx(),
		Height:     b.Dy(),
		RenderedAt: r.now(),
	}, nil
}
