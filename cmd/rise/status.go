package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	rise "github.com/rise-support/rise-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, hub health and queued actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, rise.DefaultBaseURL+" (default)"))
		fmt.Printf("  Queue:       %s %s\n", valueOrDefault(cfg.Queue.Store, "bolt"), dimText(cfg.Queue.Path))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User:        %s (%s)\n", cfg.Auth.UserID, valueOrDefault(cfg.Auth.DisplayName, "no display name"))
		} else {
			fmt.Println("  User:        (unknown)")
		}
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg, time.Now()))

		if cfg.Auth.Token == "" {
			return nil
		}

		logger := newLogger()
		client := newClient(cfg, logger)
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Hub:         %s (%v)\n", errText("unreachable"), err)
		} else {
			fmt.Printf("  Hub:         %s\n", okText("online"))
		}

		queue, closeQueue, err := openQueue(ctx, cfg, client, logger)
		if err != nil {
			fmt.Printf("  Queue:       %s (%v)\n", errText("unavailable"), err)
			return nil
		}
		defer closeQueue()
		n, err := queue.Len(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			fmt.Printf("  Queued:      %s\n", warnText(fmt.Sprintf("%d pending", n)))
		} else {
			fmt.Printf("  Queued:      %s\n", okText("empty"))
		}
		return nil
	},
}

func tokenStatus(cfg *Config, now time.Time) string {
	if cfg.Auth.Token == "" {
		return "none"
	}
	masked := maskKey(cfg.Auth.Token)
	if cfg.Auth.TokenExpires == "" {
		return masked + " (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("%s (unparseable expiry: %s)", masked, cfg.Auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("%s valid (expires %s)", masked, expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s %s (expired %s)", masked, errText("EXPIRED"), expires.Format(time.RFC3339))
}
