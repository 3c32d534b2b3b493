package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	rise "github.com/rise-support/rise-go"
)

func init() {
	rootCmd.AddCommand(alertCmd)
	alertCmd.AddCommand(alertStatusCmd)
	alertCmd.AddCommand(alertRaiseCmd)
	alertCmd.AddCommand(alertClearCmd)
}

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Read or toggle the emergency alert of a conversation",
}

var alertStatusCmd = &cobra.Command{
	Use:   "status <conversation-id>",
	Short: "Show the alert state",
	Args:  cobra.ExactArgs(1),
	RunE:  alertAction((*rise.Client).AlertStatus),
}

var alertRaiseCmd = &cobra.Command{
	Use:   "raise <conversation-id>",
	Short: "Raise the alert with yourself as initiator",
	Args:  cobra.ExactArgs(1),
	RunE:  alertAction((*rise.Client).ActivateAlert),
}

var alertClearCmd = &cobra.Command{
	Use:   "clear <conversation-id>",
	Short: "Clear an alert you raised",
	Args:  cobra.ExactArgs(1),
	RunE:  alertAction((*rise.Client).DeactivateAlert),
}

func alertAction(call func(*rise.Client, context.Context, string) (*rise.AlertStatus, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, _ := getClient(newLogger())
		st, err := call(client, cmd.Context(), args[0])
		if err != nil {
			var denied *rise.AuthorizationError
			if errors.As(err, &denied) {
				return fmt.Errorf("%s: %w", errText("denied"), err)
			}
			return err
		}
		fmt.Printf("Conversation %s: %s\n", args[0], formatAlert(st))
		return nil
	}
}
