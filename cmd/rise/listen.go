package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	rise "github.com/rise-support/rise-go"
)

var (
	listenDrain         bool
	listenWebhookURL    string
	listenWebhookSecret string
)

func init() {
	listenCmd.Flags().BoolVar(&listenDrain, "drain", true, "Replay the offline queue whenever the hub becomes reachable")
	listenCmd.Flags().StringVar(&listenWebhookURL, "webhook", "", "POST notifications to this URL instead of printing them")
	listenCmd.Flags().StringVar(&listenWebhookSecret, "webhook-secret", "", "HMAC secret for --webhook signatures")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen [conversation-id...]",
	Short: "Stream messages and alerts, printing notifications",
	Long: "Keep a hub session open for your presence group and the given conversations.\n" +
		"Messages from other members are printed as notifications and alert changes as they happen.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		client, cfg := getClient(logger)
		if cfg.Auth.UserID == "" {
			return fmt.Errorf("auth.user_id is not set, run 'rise config set auth.user_id <id>'")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		probe := &rise.HealthProbe{Client: client}
		monitor := rise.NewNetworkMonitor(probe.IsOnline(ctx))

		var notifier rise.NotificationDispatcher = rise.NotificationDispatcherFunc(func(_ context.Context, p rise.NotificationPayload) error {
			fmt.Printf("%s %s %s: %s\n",
				dimText(time.Now().Format(time.Kitchen)),
				warnText("#"+p.ConversationID),
				p.SenderName,
				p.ContentPreview)
			return nil
		})
		if listenWebhookURL != "" {
			wh, err := rise.NewWebhookDispatcher(listenWebhookURL, listenWebhookSecret)
			if err != nil {
				return err
			}
			notifier = wh
		}

		gate := rise.NewNotificationGate(
			notifier,
			currentUser(cfg),
			&rise.ActiveConversation{},
			rise.WithGateLogger(logger),
		)

		factory := rise.NewTransportSelector(client, monitor, &rise.RealtimeConfig{Logger: &logger})
		listener := rise.NewNotificationListener(ctx, factory, gate, cfg.Auth.UserID, logger)
		if err := listener.Follow(ctx, args...); err != nil {
			return err
		}

		alerts := rise.NewAlertClient(listener.Session())
		alerts.OnChange(func(st rise.AlertStatus) {
			fmt.Printf("%s %s alert %s\n", dimText(time.Now().Format(time.Kitchen)), warnText("#"+st.ConversationID), formatAlert(&st))
		})

		listener.Session().OnStateChange(func(s rise.ConnectionState) {
			logger.Info().Str("state", string(s)).Msg("session state")
		})

		if listenDrain {
			queue, closeQueue, err := openQueue(ctx, cfg, client, logger)
			if err != nil {
				return fmt.Errorf("open queue: %w", err)
			}
			defer closeQueue()

			drainer := rise.NewDrainScheduler(queue, monitor, probe, rise.DrainSchedulerConfig{Logger: logger})
			drainer.OnDrained(func(outcomes []rise.ReplayOutcome) {
				for _, o := range outcomes {
					fmt.Printf("%s queued #%d %s\n", dimText(time.Now().Format(time.Kitchen)), o.Action.ID, formatOutcome(o))
				}
			})
			if err := drainer.Start(ctx); err != nil {
				return err
			}
			defer drainer.Stop()
			go drainer.DrainNow()
		}

		// The transport is picked once per session, so an unreachable hub at
		// start means queue replay only until the command is restarted.
		if err := listener.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", warnText("offline:"), err)
		} else {
			fmt.Printf("%s listening as %s\n", okText("✓"), cfg.Auth.UserID)
		}

		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return listener.Stop(shutdown)
	},
}
