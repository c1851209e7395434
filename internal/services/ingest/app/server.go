// Package server hosts the ingest HTTP/WebSocket process.
//
// It owns the request boundary: payload normalization, filtered queries,
// summary updates, and the realtime stream that fans newly committed events
// out to subscribers. Persistence stays behind the storage contract.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/eventscope/eventscope/internal/platform/timeouts"
	"github.com/eventscope/eventscope/internal/services/ingest/storage"
	"github.com/eventscope/eventscope/internal/services/ingest/storage/sqlite"
	"github.com/rs/cors"
	"golang.org/x/net/websocket"
)

// Config defines the inputs for the ingest transport boundary.
type Config struct {
	HTTPAddr          string
	DBPath            string
	CORSOrigin        string
	WSIdleTimeout     time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the ingest HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
}

// NewServer opens storage and builds a configured ingest server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("db path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.WSIdleTimeout <= 0 {
		config.WSIdleTimeout = timeouts.WSIdle
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open ingest storage: %w", err)
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(store, config.CORSOrigin, config.WSIdleTimeout),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

func newHandler(store storage.EventStore, corsOrigin string, wsIdleTimeout time.Duration) http.Handler {
	h := newHub()
	a := &api{store: store, hub: h}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/events", a.handlePostEvent)
	mux.HandleFunc("/events/recent", a.handleRecentEvents)
	mux.HandleFunc("/events/filter-options", a.handleFilterOptions)
	mux.HandleFunc("/events/summarize", a.handleSummarize)
	mux.HandleFunc("/events/pending-summaries", a.handlePendingSummaries)
	mux.HandleFunc("/sessions/active", a.handleActiveSessions)

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, h, wsIdleTimeout)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	mux.HandleFunc("/", handleNotFound)

	origin := strings.TrimSpace(corsOrigin)
	if origin == "" {
		origin = "*"
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{origin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)
}

// Run creates and serves an ingest server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init ingest server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve ingest: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("ingest server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("ingest server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("ingest: close storage: %v", err)
		}
	}
}
