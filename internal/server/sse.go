package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"docpipe/internal/core"
	"docpipe/internal/orchestrator"
)

// stageEvent is one server-sent event of a document load. Page images are
// base64 encoded JPEGs.
type stageEvent struct {
	name  string
	Meta  *core.LoadMeta         `json:"meta,omitempty"`
	Pages []core.RenderedPage    `json:"pages,omitempty"`
	Page  *core.RenderedPage     `json:"page,omitempty"`
	Error map[string]interface{} `json:"error,omitempty"`
}

func (e stageEvent) terminal() bool {
	return e.name == "complete" || e.name == "error"
}

// DocumentEvents handles GET /v1/documents/:id/events.
//
// It streams the staged results of a load as server-sent events named
// first_page, all_pages, page_upgraded, complete and error. Query
// parameters: page (initially viewed page) and reload (bypass the cache).
// The X-Subscriber-ID response header names the stream for
// POST /v1/documents/:id/page. Closing the connection cancels this
// subscription.
func (h *Handler) DocumentEvents(c echo.Context) error {
	id := c.Param("id")
	page, err := queryInt(c, "page", 0)
	if err != nil || page < 0 {
		return invalidRequest(c, "page must be a non-negative integer")
	}
	reload, err := queryBool(c, "reload")
	if err != nil {
		return invalidRequest(c, "reload must be a boolean")
	}

	ctx := c.Request().Context()
	queue := newEventQueue()
	send := queue.push

	opts := []orchestrator.LoadOption{orchestrator.WithPage(page)}
	if reload {
		opts = append(opts, orchestrator.BypassCache())
	}
	session := h.docs.Load(ctx, id, orchestrator.Callbacks{
		OnFirstPage: func(pages []core.RenderedPage, meta core.LoadMeta) {
			send(stageEvent{name: "first_page", Meta: &meta, Pages: pages})
		},
		OnAllPages: func(pages []core.RenderedPage, meta core.LoadMeta) {
			send(stageEvent{name: "all_pages", Meta: &meta, Pages: pages})
		},
		OnPageUpgraded: func(p core.RenderedPage, meta core.LoadMeta) {
			send(stageEvent{name: "page_upgraded", Meta: &meta, Page: &p})
		},
		OnComplete: func(meta core.LoadMeta) {
			send(stageEvent{name: "complete", Meta: &meta})
		},
		OnError: func(err error) {
			send(stageEvent{name: "error", Error: errorBody(err)})
		},
	}, opts...)
	defer session.Cancel()
	h.streams.add(session)
	defer h.streams.remove(session)

	w := c.Response()
	w.Header().Set(headerSubscriberID, session.SubscriberID())
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-queue.notify:
			for _, ev := range queue.drain() {
				if err := writeEvent(w, ev); err != nil {
					// Can't return error after headers are sent, log it
					h.logger.Debug("event stream write failed", "document_id", id, "error", err)
					return nil
				}
				if ev.terminal() {
					return nil
				}
			}
		}
	}
}

const headerSubscriberID = "X-Subscriber-ID"

// streamRegistry tracks the sessions behind open event streams by
// subscriber id.
type streamRegistry struct {
	mu       sync.Mutex
	sessions map[string]*orchestrator.Session
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{sessions: make(map[string]*orchestrator.Session)}
}

func (r *streamRegistry) add(s *orchestrator.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.SubscriberID()] = s
}

func (r *streamRegistry) remove(s *orchestrator.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.SubscriberID())
}

func (r *streamRegistry) get(subscriber string) (*orchestrator.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[subscriber]
	return s, ok
}

// eventQueue buffers events between the load callbacks and the response
// writer without ever blocking the callbacks.
type eventQueue struct {
	mu     sync.Mutex
	items  []stageEvent
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev stageEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []stageEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func writeEvent(w *echo.Response, ev stageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func errorBody(err error) map[string]interface{} {
	var docErr *core.DocError
	if errors.As(err, &docErr) {
		return docErr.ToJSON()["error"].(map[string]interface{})
	}
	return map[string]interface{}{
		"type":    "internal_error",
		"message": "an unexpected error occurred",
	}
}
