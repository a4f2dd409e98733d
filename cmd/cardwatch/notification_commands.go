package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cardwatch/cardwatch/service/notification"
)

func notificationCommands() *cli.Command {
	return &cli.Command{
		Name:    "notifications",
		Aliases: []string{"notif"},
		Usage:   "Notification feed commands",
		Subcommands: []*cli.Command{
			notificationsPollCommand(),
			notificationsEnrichCommand(),
			notificationsReconcileCommand(),
		},
	}
}

func notificationsPollCommand() *cli.Command {
	return &cli.Command{
		Name:  "poll",
		Usage: "Poll the undelivered-notifications feed and store new records",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "card-reference",
				Aliases: []string{"r"},
				Usage:   "Stop early once a notification for this card reference arrives",
			},
			&cli.Int64Flag{
				Name:  "after",
				Usage: "Only fetch notifications after this epoch timestamp",
			},
			&cli.IntFlag{
				Name:  "attempts",
				Usage: "Maximum fetch attempts (default from POLL_MAX_ATTEMPTS)",
			},
			&cli.DurationFlag{
				Name:  "backoff",
				Usage: "Base delay between attempts (default from POLL_BACKOFF)",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()

			params := notification.PollParams{
				CardReference: c.String("card-reference"),
				MaxAttempts:   a.cfg.PollMaxAttempts,
				Backoff:       a.cfg.PollBackoff,
			}
			if c.IsSet("after") {
				after := c.Int64("after")
				params.After = &after
			}
			if c.IsSet("attempts") {
				params.MaxAttempts = c.Int("attempts")
			}
			if c.IsSet("backoff") {
				params.Backoff = c.Duration("backoff")
			}

			ctx, cancel := context.WithTimeout(context.Background(), pollDeadline(params))
			defer cancel()

			outcome, err := a.notifications.PollAndStore(ctx, params)
			if err != nil {
				return fmt.Errorf("poll failed: %w", err)
			}

			if c.Bool("json") {
				data, _ := json.MarshalIndent(map[string]any{
					"message":    outcome.Poll.Message,
					"attempts":   outcome.Poll.Attempts,
					"found":      outcome.Poll.Found,
					"fetched":    len(outcome.Poll.Items),
					"added":      outcome.Added,
					"duplicates": outcome.Duplicates,
				}, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Println(outcome.Poll.Message)
			fmt.Printf("  Attempts: %d\n", outcome.Poll.Attempts)
			fmt.Printf("  Fetched: %d\n", len(outcome.Poll.Items))
			fmt.Printf("  Added: %d (duplicates: %d)\n", outcome.Added, outcome.Duplicates)
			return nil
		},
	}
}

// pollDeadline bounds a poll run: per-attempt timeouts are handled by the
// client, this covers the backoff sleeps in between.
func pollDeadline(params notification.PollParams) time.Duration {
	deadline := 2 * time.Minute
	total := params.Backoff * time.Duration(1<<params.MaxAttempts)
	if total > deadline {
		deadline = total + time.Minute
	}
	return deadline
}

func notificationsEnrichCommand() *cli.Command {
	return &cli.Command{
		Name:  "enrich",
		Usage: "Re-extract fields for stored notification records",
		Action: func(c *cli.Context) error {
			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()

			changed, err := a.notifications.EnrichStored(context.Background())
			if err != nil {
				return fmt.Errorf("enrich failed: %w", err)
			}
			fmt.Printf("Updated %d record(s)\n", changed)
			return nil
		},
	}
}

// reconcileCommand exposes reconciliation as a top-level command as well.
func reconcileCommand() *cli.Command {
	return notificationsReconcileCommand()
}

func notificationsReconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Show stored notifications correlated with posted transactions",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()

			records, applied, err := a.notifications.Reconciled(context.Background())
			if err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}

			if c.Bool("json") {
				data, _ := json.MarshalIndent(map[string]any{
					"filtered": applied,
					"count":    len(records),
					"records":  records,
				}, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			if !applied {
				fmt.Println("No posted transactions to correlate against; showing all notifications.")
			}
			fmt.Printf("%d notification(s)\n", len(records))
			for _, record := range records {
				fmt.Printf("  %v  %v %v  %v\n", record["card_reference"], record["amount"], record["currency"], record["merchant"])
			}
			return nil
		},
	}
}
