package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/riskpilot/guardian/internal/events"
)

// EventsStreamHandler serves the unified SSE event stream the status
// frontend consumes, carrying every notification kind the event bus
// emits (adapted from the source's events_stream.go).
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{bus: bus, log: log.With().Str("component", "events_stream").Logger()}
}

var allEventTypes = []events.EventType{
	events.LockoutSet,
	events.LockoutCleared,
	events.EnforcementSuccess,
	events.EnforcementFailure,
	events.StreamDisconnected,
	events.StreamReconnected,
	events.Degraded,
	events.Offline,
	events.ReconciliationDone,
}

// ServeHTTP handles GET /api/events/stream.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	accountFilter := r.URL.Query().Get("account_id")

	eventChan := make(chan *events.Event, 100)
	handler := func(ev *events.Event) {
		if accountFilter != "" && fmt.Sprintf("%d", ev.AccountID) != accountFilter {
			return
		}
		select {
		case eventChan <- ev:
		default:
			h.log.Warn().Str("event_type", string(ev.Type)).Msg("event channel full, dropping event")
		}
	}
	for _, t := range allEventTypes {
		h.bus.Subscribe(t, handler)
	}

	h.log.Info().Str("account_filter", accountFilter).Msg("client connected to event stream")

	fmt.Fprintf(w, "data: %s\n\n", encodeSSE(map[string]interface{}{"type": "connected"}))
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.log.Info().Msg("client disconnected from event stream")
			return
		case ev := <-eventChan:
			fmt.Fprintf(w, "data: %s\n\n", encodeSSE(ev))
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", encodeSSE(map[string]interface{}{
				"type": "heartbeat", "timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

func encodeSSE(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"type":"error","message":"failed to encode event"}`
	}
	return string(data)
}
