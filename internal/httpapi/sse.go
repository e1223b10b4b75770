package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arw-hub/agenthub/internal/errs"
	"github.com/arw-hub/agenthub/internal/journal"
)

const keepaliveInterval = 15 * time.Second

// writeTimeout bounds each SSE write; a client that cannot take a write
// within it is disconnected.
const writeTimeout = 5 * time.Second

// handleEvents implements GET /events: prefix-filtered SSE streaming
// with Last-Event-ID resume, a bounded per-connection send queue, and a
// lagged-then-close overflow policy (spec §4.K/§6).
//
// Wire format mirrors the inverse of the teacher's own SSE client
// parser (runtime/mcp/ssecaller.go's readSSEEvent): "id:\nevent:\ndata:\n\n"
// per event plus periodic ":keepalive" comment lines.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	corrID := CorrIDFromContext(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, corrID, errs.New(errs.CodeToolInternal, http.StatusInternalServerError, "streaming unsupported"))
		return
	}

	cursor := resumeCursor(r, s.opts.Bus)
	filter := prefixFilterFromQuery(r)

	sub, err := s.opts.Bus.Subscribe(filter, cursor, 0)
	if err != nil {
		writeProblem(w, corrID, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ceMode := s.opts.SSEMode == "ce-structured"
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	rc := http.NewResponseController(w)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := writeSSEEvent(w, ev, ceMode); err != nil {
				return
			}
			flusher.Flush()
			if dropped := sub.Dropped(); dropped > 0 {
				writeLaggedAndClose(w, dropped)
				flusher.Flush()
				return
			}
		case <-keepalive.C:
			_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev journal.Event, ceMode bool) error {
	if ceMode {
		return writeCloudEvent(w, ev)
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, ev.Payload)
	return err
}

// writeCloudEvent renders ev in the optional CloudEvents structured mode
// (spec §6 "Optional CloudEvents structured mode gated by an env var").
func writeCloudEvent(w http.ResponseWriter, ev journal.Event) error {
	_, err := fmt.Fprintf(w,
		"id: %d\nevent: %s\ndata: {\"specversion\":\"1.0\",\"id\":\"%d\",\"type\":\"%s\",\"source\":\"arw-hub\",\"time\":\"%s\",\"data\":%s}\n\n",
		ev.ID, ev.Kind, ev.ID, ev.Kind, ev.Time.UTC().Format(time.RFC3339Nano), ev.Payload)
	return err
}

func writeLaggedAndClose(w http.ResponseWriter, dropped uint64) {
	_, _ = fmt.Fprintf(w, "event: service.stream.lagged\ndata: {\"dropped\":%d,\"retry\":true}\n\n", dropped)
}

// resumeCursor prefers the Last-Event-ID header, falling back to the
// "after" query param for browser EventSource clients that cannot set
// request headers (spec §6).
func resumeCursor(r *http.Request, b Bus) uint64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	if v := r.URL.Query().Get("replay"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			tail := b.Tail()
			if n > tail {
				return 0
			}
			return tail - n
		}
	}
	return 0
}

func prefixFilterFromQuery(r *http.Request) journal.Filter {
	raw := r.URL.Query().Get("prefix")
	if raw == "" {
		return nil
	}
	prefixes := strings.Split(raw, ",")
	for i := range prefixes {
		prefixes[i] = strings.TrimSpace(prefixes[i])
	}
	return journal.PrefixFilter(prefixes...)
}
