package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	rise "github.com/rise-support/rise-go"
)

var (
	sendAudioRef      string
	sendAudioDuration float64
	sendForceOffline  bool
)

func init() {
	sendCmd.Flags().StringVar(&sendAudioRef, "audio-ref", "", "Reference of an uploaded voice note")
	sendCmd.Flags().Float64Var(&sendAudioDuration, "audio-duration", 0, "Voice note length in seconds")
	sendCmd.Flags().BoolVar(&sendForceOffline, "offline", false, "Queue the message without contacting the hub")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text...]",
	Short: "Send a message, queueing it when the hub is unreachable",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		client, cfg := getClient(logger)
		ctx := cmd.Context()

		queue, closeQueue, err := openQueue(ctx, cfg, client, logger)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		defer closeQueue()

		monitor := rise.NewNetworkMonitor(false)
		if !sendForceOffline {
			monitor.Refresh(ctx, &rise.HealthProbe{Client: client})
		}

		dispatcher := rise.NewDispatcher(client, queue, monitor, currentUser(cfg), rise.WithDispatchLogger(logger))
		res, err := dispatcher.Dispatch(ctx, args[0], rise.CreateMessageRequest{
			Content:       strings.Join(args[1:], " "),
			AudioRef:      sendAudioRef,
			AudioDuration: sendAudioDuration,
		})
		if err != nil {
			return err
		}

		switch {
		case res.Status == rise.DispatchPending:
			fmt.Printf("%s queued as #%d %s\n", warnText("…"), res.Pending.QueuedActionID, dimText(res.Pending.ClientMessageID))
		case res.ServerQueued:
			fmt.Printf("%s accepted, the server will deliver it when the conversation reconnects\n", okText("✓"))
		default:
			fmt.Printf("%s sent %s\n", okText("✓"), dimText(res.Message.ID))
		}
		return nil
	},
}
