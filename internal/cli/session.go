package cli

import (
	"context"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/worker"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionConnectCmd)
	sessionCmd.AddCommand(sessionDisconnectCmd)
	sessionCmd.AddCommand(sessionUploadCmd)
	sessionCmd.AddCommand(sessionImportCmd)
	rootCmd.AddCommand(tickCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the sending session",
}

func printSession(w io.Writer, st domain.SessionStatus) {
	fprintf(w, "State:     %s\n", st.State)
	if st.Account != "" {
		fprintf(w, "Account:   %s\n", st.Account)
	}
	if st.CreatedAt != nil {
		fprintf(w, "Created:   %s\n", st.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if st.AuthURL != "" {
		fprintf(w, "Open:      %s\n", st.AuthURL)
	}
	if st.LastError != "" {
		fprintf(w, "Error:     %s\n", st.LastError)
	}
	if st.Headless {
		fprintf(w, "Headless:  yes\n")
	}
	if st.Message != "" {
		fprintf(w, "%s\n", st.Message)
	}
}

func sessionCall(cmd *cobra.Command, method, path string, body interface{}) error {
	var st domain.SessionStatus
	if err := newClient().Do(context.Background(), method, path, body, &st); err != nil {
		return err
	}
	return output(cmd, st, func(w io.Writer) { printSession(w, st) })
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, http.MethodGet, "/api/session", nil)
	},
}

var sessionConnectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Start an interactive sign-in on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, http.MethodPost, "/api/session/connect", nil)
	},
}

var sessionDisconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Delete the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCall(cmd, http.MethodDelete, "/api/session", nil)
	},
}

var sessionUploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Replace the session with a dripline session file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		return sessionCall(cmd, http.MethodPost, "/api/session/upload", data)
	},
}

var sessionImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Replace the session from an OAuth2 credential export or SMTP bundle (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		return sessionCall(cmd, http.MethodPost, "/api/session/import", data)
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one dispatch tick now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res worker.TickResult
		if err := newClient().Do(context.Background(), http.MethodPost, "/api/dispatch/tick", nil, &res); err != nil {
			return err
		}
		return output(cmd, res, func(w io.Writer) {
			if res.LockHeld {
				fprintf(w, "Another replica is ticking; nothing done\n")
				return
			}
			fprintf(w, "Due: %d  Sent: %d  Failed: %d  Held: %d  Deferred: %d  Orphaned: %d\n",
				res.Due, res.Sent, res.Failed, res.Held, res.Deferred, res.Orphaned)
		})
	},
}
