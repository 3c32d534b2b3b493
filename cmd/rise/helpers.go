package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	rise "github.com/rise-support/rise-go"
)

// getClient creates a Rise client authenticated with the stored token.
func getClient(logger zerolog.Logger) (*rise.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'rise init <token>' or 'rise token <user-id> --save' first.")
		os.Exit(1)
	}
	return newClient(cfg, logger), cfg
}

func newClient(cfg *Config, logger zerolog.Logger) *rise.Client {
	opts := []rise.ClientOption{rise.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, rise.WithBaseURL(cfg.Default.BaseURL))
	}
	return rise.NewClient(cfg.Auth.Token, opts...)
}

func currentUser(cfg *Config) rise.StaticUser {
	return rise.StaticUser{ID: cfg.Auth.UserID, DisplayName: cfg.Auth.DisplayName}
}

// openQueue opens the durable outbound queue selected by cfg. The returned
// close func releases the store.
func openQueue(ctx context.Context, cfg *Config, client *rise.Client, logger zerolog.Logger) (*rise.OutboundQueue, func() error, error) {
	path, err := queuePath(cfg)
	if err != nil {
		return nil, nil, err
	}

	var (
		store     rise.QueueStore
		closeFunc func() error
	)
	switch cfg.Queue.Store {
	case "", "bolt":
		s, err := rise.OpenBoltQueueStore(path)
		if err != nil {
			return nil, nil, err
		}
		store, closeFunc = s, s.Close
	case "sqlite":
		s, err := rise.OpenSQLiteQueueStore(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		store, closeFunc = s, s.Close
	default:
		return nil, nil, fmt.Errorf("unknown queue store %q", cfg.Queue.Store)
	}

	q := rise.NewOutboundQueue(store, client, rise.WithQueueLogger(logger))
	return q, closeFunc, nil
}

// queuePath is the configured queue file, or the store's default file in
// the config directory.
func queuePath(cfg *Config) (string, error) {
	if cfg.Queue.Path != "" {
		return cfg.Queue.Path, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	if cfg.Queue.Store == "sqlite" {
		return filepath.Join(dir, "queue.sqlite"), nil
	}
	return filepath.Join(dir, "queue.db"), nil
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatAlert(st *rise.AlertStatus) string {
	if !st.IsActive {
		return okText("inactive")
	}
	s := errText("ACTIVE") + " raised by " + st.Initiator()
	if !st.UpdatedAt.IsZero() {
		s += dimText(" at " + st.UpdatedAt.Local().Format(time.RFC3339))
	}
	return s
}
