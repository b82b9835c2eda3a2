// Command board-client is a terminal client for the board. It mirrors the
// realtime channel and renders the same filtered, sorted table as the web UI.
//
// watch - live table, redrawn on every change
// list - print the current table once
// tickets - print the open match tickets
// add - report a sighting (admin)
// delete - remove a record (admin)
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	password  string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:          "board-client",
	Short:        "Terminal client for the STV cheater board",
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("STV_SERVER", "http://localhost:8080"), "board server base url")
	rootCmd.PersistentFlags().StringVar(&password, "password", os.Getenv("STV_ADMIN_PASSWORD"), "admin password for mutating commands")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection details")

	rootCmd.AddCommand(watchCmd(), listCmd(), ticketsCmd(), addCmd(), deleteCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
