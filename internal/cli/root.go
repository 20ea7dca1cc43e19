// Package cli implements dripctl, the operator command line for a running
// dripline server. Every command is a thin call to the HTTP API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultServerURL = "http://127.0.0.1:8080"
	defaultTimeout   = 30 * time.Second
)

var (
	serverURL  string
	apiToken   string
	timeout    time.Duration
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "dripctl",
	Short:         "Operate a dripline server",
	Long:          "dripctl drives campaigns, jobs, the sending session and dispatch ticks through the dripline HTTP API.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DRIPLINE_URL", defaultServerURL), "dripline API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("DRIPLINE_SERVER_API_TOKEN"), "API bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", defaultTimeout, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *Client {
	return NewClient(serverURL, apiToken, timeout)
}

// writeJSON pretty-prints v.
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// output prints v as JSON when --json is set, otherwise calls human.
func output(cmd *cobra.Command, v interface{}, human func(w io.Writer)) error {
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), v)
	}
	human(cmd.OutOrStdout())
	return nil
}

func fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
