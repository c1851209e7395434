package server

import (
	"encoding/json"

	"github.com/eventscope/eventscope/internal/services/ingest/storage"
)

// eventDTO is the wire shape of one stored event. Keys are camelCase to
// match what dashboard clients already consume.
type eventDTO struct {
	ID             int64           `json:"id"`
	Timestamp      int64           `json:"timestamp"`
	SourceApp      string          `json:"sourceApp"`
	SessionID      string          `json:"sessionId"`
	EventType      string          `json:"eventType"`
	ToolName       string          `json:"toolName,omitempty"`
	ToolInput      json.RawMessage `json:"toolInput,omitempty"`
	ToolOutput     json.RawMessage `json:"toolOutput,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	ChatTranscript json.RawMessage `json:"chatTranscript,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type sessionDTO struct {
	SessionID  string `json:"sessionId"`
	SourceApp  string `json:"sourceApp"`
	StartTime  int64  `json:"startTime"`
	EndTime    *int64 `json:"endTime,omitempty"`
	Status     string `json:"status"`
	EventCount int64  `json:"eventCount"`
}

func eventDTOFromStorage(event storage.Event) eventDTO {
	return eventDTO{
		ID:             event.ID,
		Timestamp:      event.Timestamp,
		SourceApp:      event.SourceApp,
		SessionID:      event.SessionID,
		EventType:      event.EventType,
		ToolName:       event.ToolName,
		ToolInput:      event.ToolInput,
		ToolOutput:     event.ToolOutput,
		Summary:        event.Summary,
		ChatTranscript: event.ChatTranscript,
		Payload:        event.Payload,
	}
}

func eventDTOsFromStorage(events []storage.Event) []eventDTO {
	dtos := make([]eventDTO, 0, len(events))
	for _, event := range events {
		dtos = append(dtos, eventDTOFromStorage(event))
	}
	return dtos
}

func sessionDTOsFromStorage(sessions []storage.Session) []sessionDTO {
	dtos := make([]sessionDTO, 0, len(sessions))
	for _, session := range sessions {
		dtos = append(dtos, sessionDTO{
			SessionID:  session.SessionID,
			SourceApp:  session.SourceApp,
			StartTime:  session.StartTime,
			EndTime:    session.EndTime,
			Status:     session.Status,
			EventCount: session.EventCount,
		})
	}
	return dtos
}
