package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/httputil"
	"github.com/openclaw/support-bridge/internal/sse"
)

// EventSource hands out per-session event subscriptions.
type EventSource interface {
	Subscribe(sessionID string) *sse.Client
	Unsubscribe(client *sse.Client)
}

type EventsHandler struct {
	events            EventSource
	pairing           PairingService
	heartbeatInterval time.Duration
}

func NewEventsHandler(events EventSource, pairing PairingService) *EventsHandler {
	return &EventsHandler{
		events:            events,
		pairing:           pairing,
		heartbeatInterval: sse.HeartbeatInterval,
	}
}

// GET /v1/sessions/{sessionID}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	rec, err := h.pairing.GetSession(ctx, sessionID)
	if err != nil {
		logFailure(err, "failed to load session for event stream")
		httputil.WriteError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.events.Subscribe(sessionID)
	defer h.events.Unsubscribe(client)

	log.Info().Str("sessionId", sessionID).Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "connected", map[string]any{
		"session_id": rec.SessionID,
		"state":      rec.State,
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("sessionId", sessionID).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("sessionId", sessionID).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("sessionId", sessionID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
