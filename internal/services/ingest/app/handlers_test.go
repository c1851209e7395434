package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eventscope/eventscope/internal/services/ingest/storage/sqlite"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWithIdle(t, time.Minute)
}

func newTestServerWithIdle(t *testing.T, wsIdleTimeout time.Duration) *httptest.Server {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	srv := httptest.NewServer(newHandler(store, "*", wsIdleTimeout))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp, readBody(t, resp)
}

func getJSON(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	return resp, readBody(t, resp)
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return body
}

func postEvent(t *testing.T, srv *httptest.Server, body string) int64 {
	t.Helper()

	resp, payload := postJSON(t, srv, "/events", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post event status = %d, body = %s", resp.StatusCode, payload)
	}
	var result struct {
		Success bool  `json:"success"`
		ID      int64 `json:"id"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode post event response: %v", err)
	}
	if !result.Success || result.ID <= 0 {
		t.Fatalf("post event response = %s", payload)
	}
	return result.ID
}

type eventListResponse struct {
	Events []struct {
		ID        int64           `json:"id"`
		Timestamp int64           `json:"timestamp"`
		SourceApp string          `json:"sourceApp"`
		SessionID string          `json:"sessionId"`
		EventType string          `json:"eventType"`
		ToolName  string          `json:"toolName"`
		ToolInput json.RawMessage `json:"toolInput"`
		Summary   string          `json:"summary"`
	} `json:"events"`
}

func recentEvents(t *testing.T, srv *httptest.Server, query string) eventListResponse {
	t.Helper()

	resp, payload := getJSON(t, srv, "/events/recent"+query)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recent events status = %d, body = %s", resp.StatusCode, payload)
	}
	var result eventListResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode recent events: %v", err)
	}
	return result
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, payload := getJSON(t, srv, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var result struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if result.Status != "ok" {
		t.Fatalf("health status field = %q, want %q", result.Status, "ok")
	}
	if result.Timestamp <= 0 {
		t.Fatalf("health timestamp = %d, want positive", result.Timestamp)
	}
}

func TestPostEventAppliesDefaults(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	id := postEvent(t, srv, `{"eventType":"notification"}`)

	result := recentEvents(t, srv, "")
	if len(result.Events) != 1 {
		t.Fatalf("events len = %d, want 1", len(result.Events))
	}
	got := result.Events[0]
	if got.ID != id {
		t.Fatalf("id = %d, want %d", got.ID, id)
	}
	if got.SourceApp != "unknown" {
		t.Fatalf("source app = %q, want %q", got.SourceApp, "unknown")
	}
	if got.SessionID != "default" {
		t.Fatalf("session id = %q, want %q", got.SessionID, "default")
	}
	if got.EventType != "notification" {
		t.Fatalf("event type = %q, want %q", got.EventType, "notification")
	}
}

func TestPostEventAcceptsSnakeCaseFields(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	postEvent(t, srv, `{
		"source_app": "agent-cli",
		"session_id": "sess-1",
		"event_type": "tool.execute.before",
		"tool_name": "bash",
		"tool_input": {"command": "ls"}
	}`)

	result := recentEvents(t, srv, "")
	if len(result.Events) != 1 {
		t.Fatalf("events len = %d, want 1", len(result.Events))
	}
	got := result.Events[0]
	if got.SourceApp != "agent-cli" || got.SessionID != "sess-1" || got.EventType != "tool.execute.before" {
		t.Fatalf("identity fields = %q/%q/%q", got.SourceApp, got.SessionID, got.EventType)
	}
	if got.ToolName != "bash" {
		t.Fatalf("tool name = %q, want %q", got.ToolName, "bash")
	}
	if !strings.Contains(string(got.ToolInput), `"command"`) {
		t.Fatalf("tool input = %s, want round-tripped command", got.ToolInput)
	}
}

func TestPostEventTrimsPaddedFields(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	postEvent(t, srv, `{"source_app":"  ","session_id":" sess-1 ","event_type":" stop "}`)

	result := recentEvents(t, srv, "")
	if len(result.Events) != 1 {
		t.Fatalf("events len = %d, want 1", len(result.Events))
	}
	got := result.Events[0]
	// Whitespace-only values fall through to the default.
	if got.SourceApp != "unknown" {
		t.Fatalf("source app = %q, want %q", got.SourceApp, "unknown")
	}
	if got.SessionID != "sess-1" {
		t.Fatalf("session id = %q, want %q", got.SessionID, "sess-1")
	}
	if got.EventType != "stop" {
		t.Fatalf("event type = %q, want %q", got.EventType, "stop")
	}
}

func TestPostEventStampsServerTimestamp(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	before := time.Now().UTC().UnixMilli()
	postEvent(t, srv, `{"eventType":"stop","timestamp":12345}`)
	after := time.Now().UTC().UnixMilli()

	result := recentEvents(t, srv, "")
	if len(result.Events) != 1 {
		t.Fatalf("events len = %d, want 1", len(result.Events))
	}
	got := result.Events[0].Timestamp
	if got < before || got > after {
		t.Fatalf("timestamp = %d, want server receipt time in [%d, %d]", got, before, after)
	}
}

func TestPostEventRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, payload := postJSON(t, srv, "/events", "not json at all")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", resp.StatusCode, payload)
	}

	// The rejected payload must leave no trace in the log.
	result := recentEvents(t, srv, "")
	if len(result.Events) != 0 {
		t.Fatalf("events len = %d, want 0", len(result.Events))
	}
}

func TestRecentEventsFiltersByEventTypes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	postEvent(t, srv, `{"source_app":"app-a","session_id":"sess-1","event_type":"stop"}`)
	postEvent(t, srv, `{"source_app":"app-a","session_id":"sess-1","event_type":"notification"}`)
	postEvent(t, srv, `{"source_app":"app-b","session_id":"sess-2","event_type":"stop"}`)

	result := recentEvents(t, srv, "?event_types=stop")
	if len(result.Events) != 2 {
		t.Fatalf("stop events len = %d, want 2", len(result.Events))
	}
	for _, event := range result.Events {
		if event.EventType != "stop" {
			t.Fatalf("event type = %q, want %q", event.EventType, "stop")
		}
	}

	result = recentEvents(t, srv, "?source_app=app-b")
	if len(result.Events) != 1 || result.Events[0].SourceApp != "app-b" {
		t.Fatalf("app-b events = %+v", result.Events)
	}
}

func TestRecentEventsOrderNewestFirst(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	first := postEvent(t, srv, `{"session_id":"sess-1","event_type":"stop"}`)
	second := postEvent(t, srv, `{"session_id":"sess-1","event_type":"stop"}`)

	result := recentEvents(t, srv, "")
	if len(result.Events) != 2 {
		t.Fatalf("events len = %d, want 2", len(result.Events))
	}
	if result.Events[0].ID != second || result.Events[1].ID != first {
		t.Fatalf("order = [%d, %d], want [%d, %d]",
			result.Events[0].ID, result.Events[1].ID, second, first)
	}
}

func TestRecentEventsTolerateJunkPagination(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	postEvent(t, srv, `{"event_type":"stop"}`)

	result := recentEvents(t, srv, "?limit=abc&offset=xyz")
	if len(result.Events) != 1 {
		t.Fatalf("events len = %d, want 1", len(result.Events))
	}
}

func TestFilterOptionsReturnsSortedFacets(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	postEvent(t, srv, `{"source_app":"zeta","session_id":"sess-b","event_type":"stop"}`)
	postEvent(t, srv, `{"source_app":"alpha","session_id":"sess-a","event_type":"notification"}`)

	resp, payload := getJSON(t, srv, "/events/filter-options")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filter options status = %d", resp.StatusCode)
	}
	var result struct {
		SourceApps []string `json:"sourceApps"`
		SessionIDs []string `json:"sessionIds"`
		EventTypes []string `json:"eventTypes"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode filter options: %v", err)
	}
	if len(result.SourceApps) != 2 || result.SourceApps[0] != "alpha" || result.SourceApps[1] != "zeta" {
		t.Fatalf("source apps = %v, want sorted [alpha zeta]", result.SourceApps)
	}
	if len(result.SessionIDs) != 2 || result.SessionIDs[0] != "sess-a" {
		t.Fatalf("session ids = %v, want sorted pair", result.SessionIDs)
	}
	if len(result.EventTypes) != 2 || result.EventTypes[0] != "notification" {
		t.Fatalf("event types = %v, want sorted pair", result.EventTypes)
	}
}

func TestSummarizeRequiresFields(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, _ := postJSON(t, srv, "/events/summarize", `{"eventId": 1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing summary status = %d, want 400", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv, "/events/summarize", `{"summary": "something happened"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing event id status = %d, want 400", resp.StatusCode)
	}
}

func TestSummarizeUnknownEventReturnsNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, _ := postJSON(t, srv, "/events/summarize", `{"eventId": 9999, "summary": "orphan"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown event status = %d, want 404", resp.StatusCode)
	}
}

func TestSummarizeIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	id := postEvent(t, srv, `{"session_id":"sess-1","event_type":"stop"}`)

	body := fmt.Sprintf(`{"eventId": %d, "summary": "stopped after ls"}`, id)
	for i := 0; i < 2; i++ {
		resp, payload := postJSON(t, srv, "/events/summarize", body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("summarize call %d status = %d, body = %s", i, resp.StatusCode, payload)
		}
	}

	result := recentEvents(t, srv, "")
	if len(result.Events) != 1 || result.Events[0].Summary != "stopped after ls" {
		t.Fatalf("summary = %q, want %q", result.Events[0].Summary, "stopped after ls")
	}
}

func TestActiveSessionsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	postEvent(t, srv, `{"source_app":"agent-cli","session_id":"sess-1","event_type":"stop"}`)
	postEvent(t, srv, `{"source_app":"agent-cli","session_id":"sess-1","event_type":"stop"}`)

	resp, payload := getJSON(t, srv, "/sessions/active")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("active sessions status = %d", resp.StatusCode)
	}
	var result struct {
		Sessions []struct {
			SessionID  string `json:"sessionId"`
			SourceApp  string `json:"sourceApp"`
			Status     string `json:"status"`
			EventCount int64  `json:"eventCount"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode active sessions: %v", err)
	}
	if len(result.Sessions) != 1 {
		t.Fatalf("sessions len = %d, want 1", len(result.Sessions))
	}
	got := result.Sessions[0]
	if got.SessionID != "sess-1" || got.SourceApp != "agent-cli" {
		t.Fatalf("session = %+v", got)
	}
	if got.Status != "active" {
		t.Fatalf("status = %q, want %q", got.Status, "active")
	}
	if got.EventCount != 2 {
		t.Fatalf("event count = %d, want 2", got.EventCount)
	}
}

func TestPendingSummariesEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	summarized := postEvent(t, srv, `{"session_id":"sess-1","event_type":"stop"}`)
	pending := postEvent(t, srv, `{"session_id":"sess-1","event_type":"stop"}`)

	resp, payload := postJSON(t, srv, "/events/summarize",
		fmt.Sprintf(`{"eventId": %d, "summary": "done"}`, summarized))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summarize status = %d, body = %s", resp.StatusCode, payload)
	}

	resp, payload = getJSON(t, srv, "/events/pending-summaries")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pending summaries status = %d", resp.StatusCode)
	}
	var result eventListResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode pending summaries: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].ID != pending {
		t.Fatalf("pending events = %+v, want only id %d", result.Events, pending)
	}
}

func TestCrossOriginHeadersPresent(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Origin", "http://dashboard.localhost")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request health: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q, want %q", got, "*")
	}
}

func TestPreflightRequestAllowed(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Origin", "http://dashboard.localhost")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("allow methods = %q, want POST", got)
	}
}

func TestUnknownRouteReturnsJSONNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, payload := getJSON(t, srv, "/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(string(payload), "Not found") {
		t.Fatalf("body = %s, want JSON not found", payload)
	}
}
