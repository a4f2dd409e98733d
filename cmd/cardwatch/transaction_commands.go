package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/cardwatch/cardwatch/service/transaction"
)

func transactionCommands() *cli.Command {
	return &cli.Command{
		Name:    "txn",
		Aliases: []string{"transaction"},
		Usage:   "Transaction posting commands",
		Subcommands: []*cli.Command{
			txnPostCommand(),
		},
	}
}

func txnPostCommand() *cli.Command {
	return &cli.Command{
		Name:  "post",
		Usage: "Post a test transaction for an enrolled card",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "card-reference",
				Aliases:  []string{"r"},
				Usage:    "Card reference from enrollment",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Transaction amount (e.g. 12.34)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "currency",
				Aliases:  []string{"c"},
				Usage:    "3-letter currency code",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "merchant",
				Aliases:  []string{"m"},
				Usage:    "Merchant name",
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			input, err := transaction.ParseInput(map[string]any{
				"card_reference": c.String("card-reference"),
				"amount":         c.String("amount"),
				"currency":       c.String("currency"),
				"merchant":       c.String("merchant"),
			})
			if err != nil {
				return err
			}

			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := a.transactions.Post(context.Background(), input)
			if err != nil {
				return fmt.Errorf("failed to post transaction: %w", err)
			}

			if c.Bool("json") {
				data, _ := json.MarshalIndent(map[string]any{
					"success":        result.Success,
					"message":        result.Message,
					"correlation_id": result.CorrelationID,
					"record":         result.Record,
				}, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			if result.Success {
				fmt.Printf("✓ %s\n", result.Message)
			} else {
				fmt.Printf("✗ %s\n", result.Message)
			}
			if result.CorrelationID != "" {
				fmt.Printf("  Correlation ID: %s\n", result.CorrelationID)
			}
			if ref, ok := result.Record["reference_number"].(string); ok && ref != "" {
				fmt.Printf("  Reference Number: %s\n", ref)
			}
			return nil
		},
	}
}
