package server

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/eventscope/eventscope/internal/services/ingest/storage"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// parseEventQuery translates external query parameters into the typed
// filter the store expects. Pagination input is permissive: anything that
// does not parse as a positive number falls back to the default instead of
// erroring.
func parseEventQuery(values url.Values) (storage.EventFilter, int, int) {
	limit := parsePositiveInt(values.Get("limit"), defaultQueryLimit)
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	offset := parseNonNegativeInt(values.Get("offset"), 0)

	filter := storage.EventFilter{
		SourceApp: strings.TrimSpace(values.Get("source_app")),
		SessionID: strings.TrimSpace(values.Get("session_id")),
	}
	if raw := strings.TrimSpace(values.Get("event_types")); raw != "" {
		for _, eventType := range strings.Split(raw, ",") {
			eventType = strings.TrimSpace(eventType)
			if eventType != "" {
				filter.EventTypes = append(filter.EventTypes, eventType)
			}
		}
	}
	return filter, limit, offset
}

func parsePositiveInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseNonNegativeInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
