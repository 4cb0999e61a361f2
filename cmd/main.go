package main

import (
	"errors"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/satriahrh/l2dbridge/internal/config"
)

var (
	configFile string
	jsonOutput bool
)

var (
	okLabel    = color.New(color.FgGreen)
	errorLabel = color.New(color.FgRed)
	keyLabel   = color.New(color.FgCyan)
)

var rootCmd = &cobra.Command{
	Use:   "l2dbridge",
	Short: "Bridge between a desktop Live2D client and a chat bot host",
	Long: `l2dbridge accepts one desktop Live2D client over a websocket, turns its
input into canonical messages for the bot host and renders the host's replies
as performances the client can play.

Examples:
  # Run the bridge with l2dbridge.yaml from the working directory
  l2dbridge serve

  # Print the auth token the client must present
  l2dbridge token

  # Make the connected model say something
  l2dbridge admin say "hello there"`,
	SilenceErrors: true,
	SilenceUsage:  true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the configuration file (default ./l2dbridge.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(probeCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if !errors.As(err, &exit) {
			errorLabel.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// exitError fails the command after the output was already printed.
type exitError struct{ err error }

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
