package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/eventscope/eventscope/internal/services/ingest/storage"
)

// maxRequestBodyBytes bounds ingest payloads so one producer cannot stall
// the insert path with an unbounded body.
const maxRequestBodyBytes = 1 << 20

type api struct {
	store storage.EventStore
	hub   *hub
}

// ingestPayload accepts both snake_case and camelCase spellings for every
// field; producers across host runtimes disagree on naming. snake_case wins
// when both are present.
type ingestPayload struct {
	SourceApp           string          `json:"sourceApp"`
	SourceAppSnake      string          `json:"source_app"`
	SessionID           string          `json:"sessionId"`
	SessionIDSnake      string          `json:"session_id"`
	EventType           string          `json:"eventType"`
	EventTypeSnake      string          `json:"event_type"`
	ToolName            string          `json:"toolName"`
	ToolNameSnake       string          `json:"tool_name"`
	ToolInput           json.RawMessage `json:"toolInput"`
	ToolInputSnake      json.RawMessage `json:"tool_input"`
	ToolOutput          json.RawMessage `json:"toolOutput"`
	ToolOutputSnake     json.RawMessage `json:"tool_output"`
	Summary             string          `json:"summary"`
	ChatTranscript      json.RawMessage `json:"chatTranscript"`
	ChatTranscriptSnake json.RawMessage `json:"chat_transcript"`
	Payload             json.RawMessage `json:"payload"`
}

type summarizePayload struct {
	EventID int64  `json:"eventId"`
	Summary string `json:"summary"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().UnixMilli(),
	})
}

// handlePostEvent normalizes one inbound event, persists it, and then
// broadcasts the stored record. The timestamp is always the server's receipt
// time; client-supplied timestamps are not trusted. Broadcast happens only
// after the insert commits, so subscribers never see an event a query could
// not already return.
func (a *api) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	var payload ingestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid event data")
		return
	}

	event := storage.Event{
		Timestamp:      time.Now().UTC().UnixMilli(),
		SourceApp:      firstNonEmpty(payload.SourceAppSnake, payload.SourceApp, "unknown"),
		SessionID:      firstNonEmpty(payload.SessionIDSnake, payload.SessionID, "default"),
		EventType:      firstNonEmpty(payload.EventTypeSnake, payload.EventType, "unknown"),
		ToolName:       firstNonEmpty(payload.ToolNameSnake, payload.ToolName, ""),
		ToolInput:      firstRawJSON(payload.ToolInputSnake, payload.ToolInput),
		ToolOutput:     firstRawJSON(payload.ToolOutputSnake, payload.ToolOutput),
		Summary:        payload.Summary,
		ChatTranscript: firstRawJSON(payload.ChatTranscriptSnake, payload.ChatTranscript),
		Payload:        payload.Payload,
	}

	id, err := a.store.InsertEvent(r.Context(), event)
	if err != nil {
		log.Printf("ingest: store event: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to store event")
		return
	}
	event.ID = id

	a.hub.publishEvent(eventDTOFromStorage(event))

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"id":      id,
	})
}

func (a *api) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter, limit, offset := parseEventQuery(r.URL.Query())
	events, err := a.store.QueryEvents(r.Context(), filter, limit, offset)
	if err != nil {
		log.Printf("ingest: query recent events: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to query events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": eventDTOsFromStorage(events)})
}

func (a *api) handleFilterOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	options, err := a.store.FacetOptions(r.Context())
	if err != nil {
		log.Printf("ingest: facet options: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to load filter options")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sourceApps": options.SourceApps,
		"sessionIds": options.SessionIDs,
		"eventTypes": options.EventTypes,
	})
}

func (a *api) handleSummarize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	var payload summarizePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid summarize payload")
		return
	}
	if payload.EventID == 0 || payload.Summary == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing eventId or summary")
		return
	}

	if err := a.store.UpdateSummary(r.Context(), payload.EventID, payload.Summary); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "Event not found")
			return
		}
		log.Printf("ingest: update summary for event %d: %v", payload.EventID, err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to update summary")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *api) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessions, err := a.store.ActiveSessions(r.Context())
	if err != nil {
		log.Printf("ingest: list active sessions: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessionDTOsFromStorage(sessions)})
}

func (a *api) handlePendingSummaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := parsePositiveInt(r.URL.Query().Get("limit"), 0)
	events, err := a.store.PendingSummaries(r.Context(), limit)
	if err != nil {
		log.Printf("ingest: list pending summaries: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to list pending summaries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": eventDTOsFromStorage(events)})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "Not found")
}

// firstNonEmpty returns the first value with non-whitespace content,
// trimmed. Trimming here keeps the broadcast frame identical to the row the
// store persists, which trims the same fields before insert.
func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstRawJSON(values ...json.RawMessage) json.RawMessage {
	for _, value := range values {
		if len(value) > 0 {
			return value
		}
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
