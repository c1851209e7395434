// Package ingest implements the telemetry ingestion, storage, and realtime
// distribution service.
//
// It keeps HTTP ingestion, SQLite persistence, and WebSocket fan-out isolated
// from the producers (instrumented agent sessions) and consumers (dashboards)
// that sit on the other side of the wire.
package ingest
