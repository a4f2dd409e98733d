package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// Best effort; the environment wins over the file.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "cardwatch",
		Usage: "Card network notification feed CLI",
		Description: `A command-line tool for enrolling cards, posting test transactions and
polling the card network's undelivered-notification feed.

All commands read their credentials and tuning from the environment
(optionally via a .env file in the working directory).`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			enrollCommand(),
			authCommands(),
			transactionCommands(),
			notificationCommands(),
			recordCommands(),
			reconcileCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
