package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/cardwatch/cardwatch/service/consent"
)

func enrollCommand() *cli.Command {
	return &cli.Command{
		Name:  "enroll",
		Usage: "Enroll a card by creating a consent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "pan",
				Usage:    "16-digit card number",
				Required: true,
			},
			&cli.IntFlag{
				Name:     "expiry-month",
				Usage:    "Card expiry month (1-12)",
				Required: true,
			},
			&cli.IntFlag{
				Name:     "expiry-year",
				Usage:    "Card expiry year (four digits)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "cvc",
				Usage:    "3-digit card verification code",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "name",
				Usage:    "Cardholder name",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "consent-name",
				Usage: "Consent name sent to the network",
				Value: "transaction-notifications",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			card, err := consent.ParseCardDetails(map[string]any{
				"pan":             c.String("pan"),
				"expiry_month":    c.Int("expiry-month"),
				"expiry_year":     c.Int("expiry-year"),
				"cvc":             c.String("cvc"),
				"cardholder_name": c.String("name"),
			})
			if err != nil {
				return err
			}

			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := a.consents.Enroll(context.Background(), card, consent.EnrollmentOptions{
				ConsentName: c.String("consent-name"),
			})
			if err != nil {
				return fmt.Errorf("failed to enroll card: %w", err)
			}

			if c.Bool("json") {
				data, _ := json.MarshalIndent(map[string]any{
					"success":        result.Success,
					"message":        result.Message,
					"consent_id":     result.ConsentID,
					"card_reference": result.CardReference,
					"status":         result.ConsentStatus,
					"auth_status":    result.AuthStatus,
					"auth_type":      result.AuthType,
					"auth_required":  result.AuthRequired,
					"state":          result.State,
				}, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			if !result.Success {
				fmt.Printf("✗ %s\n", result.Message)
				return nil
			}
			fmt.Printf("✓ %s\n", result.Message)
			fmt.Printf("  Consent ID: %s\n", result.ConsentID)
			if result.CardReference != "" {
				fmt.Printf("  Card Reference: %s\n", result.CardReference)
			}
			if result.AuthStatus != "" {
				fmt.Printf("  Auth: %s (%s)\n", result.AuthStatus, result.AuthType)
			}
			if result.AuthRequired {
				fmt.Printf("  Complete with: cardwatch auth verify --state %s\n", result.State)
			}
			return nil
		},
	}
}

func authCommands() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Cardholder authentication commands",
		Subcommands: []*cli.Command{
			authStartCommand(),
			authVerifyCommand(),
		},
	}
}

func authFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "type",
			Usage:    "Authentication type (e.g. OTP)",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  "param",
			Usage: "Authentication parameter as key=value (repeatable)",
		},
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Output as JSON",
		},
	}
}

func authStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start authentication for an enrolled card",
		ArgsUsage: "CARD_REFERENCE",
		Flags:     authFlags(),
		Action: func(c *cli.Context) error {
			return runAuth(c, func(a *app, ref, typ string, params map[string]any) (map[string]any, error) {
				return a.consents.StartAuthentication(context.Background(), ref, typ, params)
			})
		},
	}
}

func authVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Verify authentication for an enrolled card",
		ArgsUsage: "[CARD_REFERENCE]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "Authentication type (required without --state)",
			},
			&cli.StringFlag{
				Name:  "state",
				Usage: "Pending-authentication token from enroll; stores the enrollment on success",
			},
			&cli.StringSliceFlag{
				Name:  "param",
				Usage: "Authentication parameter as key=value (repeatable)",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			params, err := parseAuthParams(c)
			if err != nil {
				return err
			}

			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()

			if state := c.String("state"); state != "" {
				outcome, err := a.consents.CompleteAuthentication(context.Background(), state, params)
				if err != nil {
					return fmt.Errorf("authentication request failed: %w", err)
				}
				if c.Bool("json") {
					data, _ := json.MarshalIndent(map[string]any{
						"verified":       outcome.Verified,
						"message":        outcome.Message,
						"auth_status":    outcome.AuthStatus,
						"status":         outcome.ConsentStatus,
						"consent_id":     outcome.ConsentID,
						"card_reference": outcome.CardReference,
					}, "", "  ")
					fmt.Println(string(data))
					return nil
				}
				if outcome.Verified {
					fmt.Printf("✓ %s\n", outcome.Message)
				} else {
					fmt.Printf("✗ %s\n", outcome.Message)
				}
				return nil
			}

			if c.NArg() < 1 {
				return fmt.Errorf("card reference or --state is required")
			}
			if c.String("type") == "" {
				return fmt.Errorf("--type is required without --state")
			}

			data, err := a.consents.VerifyAuthentication(context.Background(), c.Args().Get(0), c.String("type"), params)
			if err != nil {
				return fmt.Errorf("authentication request failed: %w", err)
			}
			return printJSON(data)
		},
	}
}

func runAuth(c *cli.Context, call func(*app, string, string, map[string]any) (map[string]any, error)) error {
	if c.NArg() < 1 {
		return fmt.Errorf("card reference is required")
	}
	cardReference := c.Args().Get(0)

	params, err := parseAuthParams(c)
	if err != nil {
		return err
	}

	a, cleanup, err := newApp()
	if err != nil {
		return err
	}
	defer cleanup()

	data, err := call(a, cardReference, c.String("type"), params)
	if err != nil {
		return fmt.Errorf("authentication request failed: %w", err)
	}
	return printJSON(data)
}

func parseAuthParams(c *cli.Context) (map[string]any, error) {
	params := map[string]any{}
	for _, kv := range c.StringSlice("param") {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}

func printJSON(data map[string]any) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
