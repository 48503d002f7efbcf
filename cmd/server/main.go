/*
main.go - Application entry point

PURPOSE:
  Command-line entry point of the Campfire engine: runs the HTTP server
  and offers admin commands that work directly on the database.

COMMANDS:
  serve       Start the HTTP API (default when no command is given)
  grant       Grant credits to a user
  balance     Print a user's balance
  reconcile   Replay ledgers and compare them with stored balances
  sweep       Run hold expiry once

CONFIGURATION:
  Flags override CAMPFIRE_* environment variables, which override the
  YAML file (--config, or ./campfire.yaml), which overrides defaults.
  See config/config.go for every key.

EXAMPLES:
  # Run with file database
  campfire serve --db ./data/campfire.db

  # Run with in-memory database and a demo scenario
  campfire serve --db :memory: --scenario marketplace

  # Grant 50 credits
  campfire grant client-42 50 --note "support credit"

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "campfire",
	Short: "Campfire task marketplace engine",
	Long: `Campfire coordinates clients, contractors ("campers") and admins around
design tasks paid for with prepaid credits.

Run "campfire serve" to start the HTTP API.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./campfire.yaml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (\":memory:\" for in-memory)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
