package loader

import (
	"time"

	"docpipe/internal/core"
)

// State is a step of the progressive load state machine.
type State int32

const (
	StateIdle State = iota
	StateFetchingBytes
	StateDecodingFirstPage
	StateFirstPageReady
	StateRenderingRemaining
	StateUpgradingQuality
	StateComplete
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateFetchingBytes:      "fetching_bytes",
	StateDecodingFirstPage:  "decoding_first_page",
	StateFirstPageReady:     "first_page_ready",
	StateRenderingRemaining: "rendering_remaining",
	StateUpgradingQuality:   "upgrading_quality",
	StateComplete:           "complete",
	StateCancelled:          "cancelled",
	StateFailed:             "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

// EventType identifies a staged load event.
type EventType int

const (
	// EventFirstPage carries page 0 at fast tier.
	EventFirstPage EventType = iota + 1
	// EventAllPages carries every page that rendered at fast tier.
	EventAllPages
	// EventPageUpgraded carries one page re-rendered at high tier.
	EventPageUpgraded
	// EventComplete ends a successful load.
	EventComplete
	// EventError ends a load that failed before its first page.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventFirstPage:
		return "first_page"
	case EventAllPages:
		return "all_pages"
	case EventPageUpgraded:
		return "page_upgraded"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one staged notification of a load. Page images are shared and
// must be treated as read-only.
type Event struct {
	Type EventType
	Meta core.LoadMeta
	// Pages is set for EventFirstPage and EventAllPages, ordered by index.
	Pages []core.RenderedPage
	// Page is set for EventPageUpgraded.
	Page core.RenderedPage
	// Err is set for EventError.
	Err error
	At  time.Time
}
