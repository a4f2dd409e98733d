package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/cardwatch/cardwatch/service/store"
)

var recordKinds = map[string]store.Kind{
	"enrollments":             store.KindEnrollments,
	"transactions":            store.KindTransactions,
	"notifications":           store.KindNotifications,
	"pending-enrollments":     store.KindPendingEnrollments,
	"pending-authentications": store.KindPendingAuthentications,
}

func recordKindNames() []string {
	names := make([]string, 0, len(recordKinds))
	for name := range recordKinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func recordCommands() *cli.Command {
	return &cli.Command{
		Name:  "records",
		Usage: "Stored record inspection commands",
		Subcommands: []*cli.Command{
			recordsListCommand(),
		},
	}
}

func recordsListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List stored records of a kind",
		ArgsUsage: "KIND (" + strings.Join(recordKindNames(), "|") + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to the record array before printing",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("record kind is required (one of: %s)", strings.Join(recordKindNames(), ", "))
			}
			kind, ok := recordKinds[c.Args().Get(0)]
			if !ok {
				return fmt.Errorf("unknown record kind %q (one of: %s)", c.Args().Get(0), strings.Join(recordKindNames(), ", "))
			}

			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := a.store.Load(kind)
			if err != nil {
				return fmt.Errorf("failed to load records: %w", err)
			}

			// gojq wants plain []any/map[string]any input.
			input := make([]any, len(records))
			for i, record := range records {
				input[i] = map[string]any(record)
			}

			if filter := c.String("jq"); filter != "" {
				return printFiltered(input, filter)
			}

			data, err := json.MarshalIndent(input, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func printFiltered(input []any, filter string) error {
	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}

	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return fmt.Errorf("jq filter error: %w", err)
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}
