package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	rise "github.com/rise-support/rise-go"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline outbound queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		client, cfg := getClient(logger)
		ctx := cmd.Context()

		queue, closeQueue, err := openQueue(ctx, cfg, client, logger)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		defer closeQueue()

		pending, err := queue.Pending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, a := range pending {
			fmt.Printf("#%-4d %-6s %-40s attempts=%d %s\n",
				a.ID, a.Method, a.TargetPath, a.AttemptCount,
				dimText(a.EnqueuedAt.Local().Format(time.RFC3339)))
		}
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued actions now if the hub is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		client, cfg := getClient(logger)
		ctx := cmd.Context()

		queue, closeQueue, err := openQueue(ctx, cfg, client, logger)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		defer closeQueue()

		probe := &rise.HealthProbe{Client: client}
		if !probe.IsOnline(ctx) {
			return fmt.Errorf("hub at %s is unreachable, nothing replayed", client.BaseURL())
		}

		outcomes, err := queue.Drain(ctx)
		for _, o := range outcomes {
			fmt.Printf("#%-4d %s\n", o.Action.ID, formatOutcome(o))
		}
		if err != nil {
			return err
		}
		n, _ := queue.Len(ctx)
		fmt.Printf("%d replayed, %d still queued\n", len(outcomes), n)
		return nil
	},
}

func formatOutcome(o rise.ReplayOutcome) string {
	switch o.Status {
	case rise.OutcomeDelivered:
		if o.ServerQueued {
			return okText("delivered") + dimText(" (server backlog)")
		}
		return okText("delivered")
	case rise.OutcomeRetrying:
		return fmt.Sprintf("%s: %v", warnText("retrying"), o.Err)
	default:
		return fmt.Sprintf("%s: %v", errText(string(o.Status)), o.Err)
	}
}
