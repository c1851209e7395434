// Package server parses ingest service flags and launches the service.
package server

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/eventscope/eventscope/internal/platform/cmd"
	app "github.com/eventscope/eventscope/internal/services/ingest/app"
)

// Config holds ingest command configuration.
type Config struct {
	HTTPAddr      string        `env:"EVENTSCOPE_HTTP_ADDR"       envDefault:":4000"`
	DBPath        string        `env:"EVENTSCOPE_DB_PATH"         envDefault:"data/events.db"`
	CORSOrigin    string        `env:"EVENTSCOPE_CORS_ORIGIN"     envDefault:"*"`
	WSIdleTimeout time.Duration `env:"EVENTSCOPE_WS_IDLE_TIMEOUT" envDefault:"2m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "ingest HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite event log path")
	fs.StringVar(&cfg.CORSOrigin, "cors-origin", cfg.CORSOrigin, "allowed cross-origin value")
	fs.DurationVar(&cfg.WSIdleTimeout, "ws-idle-timeout", cfg.WSIdleTimeout, "idle window before reaping stream connections")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the ingest HTTP/WebSocket service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceIngest, func(context.Context) error {
		if err := app.Run(ctx, app.Config{
			HTTPAddr:      cfg.HTTPAddr,
			DBPath:        cfg.DBPath,
			CORSOrigin:    cfg.CORSOrigin,
			WSIdleTimeout: cfg.WSIdleTimeout,
		}); err != nil {
			return fmt.Errorf("serve ingest: %w", err)
		}
		return nil
	})
}
