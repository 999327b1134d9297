package core

import "context"

// Fetcher retrieves documents from the remote origin.
type Fetcher interface {
	// FetchMetadata returns the origin's current freshness token without
	// transferring the payload.
	FetchMetadata(ctx context.Context, id string) (*RemoteMetadata, error)

	// FetchBytes transfers the full payload. When knownToken matches the
	// origin's token it may return ErrNotModified instead.
	FetchBytes(ctx context.Context, id, knownToken string) (*Document, error)
}

// Renderer decodes documents and renders their pages.
// Implementations must be safe for concurrent use across documents.
type Renderer interface {
	// Decode parses raw bytes. Returns a decode_error DocError on corrupt or
	// unsupported input.
	Decode(ctx context.Context, data []byte) (*Descriptor, error)

	// RenderPage renders a single page at the requested tier.
	RenderPage(ctx context.Context, desc *Descriptor, index int, tier Tier) (*RenderedPage, error)
}
