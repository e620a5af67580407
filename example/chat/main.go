// Command chat is a small prompt relay built on wiremsg. The serve command
// accepts prompts from any number of clients and answers each one later
// from a worker; connect is an interactive client for it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zereker/wiremsg"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "chat",
		Short: "Prompt relay over wiremsg",
		Long: `chat relays text prompts between a server and its clients.

Every message is a JSON object in a length-prefixed frame. Settings are
read from an optional TOML file:

  listen = ":9000"
  connect = "localhost:9000"
  heartbeat = "15s"
  log_level = "debug"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		connectCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig returns the defaults when no file is given.
func loadConfig(path string) (wiremsg.Config, error) {
	if path == "" {
		return wiremsg.DefaultConfig(), nil
	}
	return wiremsg.LoadConfig(path)
}
