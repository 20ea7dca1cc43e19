package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/service/campaign"
)

var (
	campaignListStatus string
	campaignImportFile string
)

func init() {
	rootCmd.AddCommand(campaignCmd)
	campaignCmd.AddCommand(campaignListCmd)
	campaignCmd.AddCommand(campaignCreateCmd)
	campaignCmd.AddCommand(campaignImportCmd)
	for _, action := range []string{"launch", "pause", "resume", "complete"} {
		campaignCmd.AddCommand(newTransitionCmd(action))
	}

	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "filter by status (draft, active, paused, completed)")
	campaignImportCmd.Flags().StringVarP(&campaignImportFile, "file", "f", "", "JSON file with an array of job rows (- for stdin)")
}

var campaignCmd = &cobra.Command{
	Use:     "campaign",
	Aliases: []string{"campaigns"},
	Short:   "Manage campaigns",
}

type campaignPage struct {
	Data       []domain.Campaign `json:"data"`
	Pagination struct {
		Total int `json:"total"`
	} `json:"pagination"`
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if campaignListStatus != "" {
			q.Set("status", campaignListStatus)
		}
		q.Set("limit", "500")

		var page campaignPage
		if err := newClient().Do(context.Background(), http.MethodGet, "/api/campaigns?"+q.Encode(), nil, &page); err != nil {
			return err
		}
		return output(cmd, page, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fprintf(tw, "ID\tNAME\tSTATUS\tLAUNCHED\n")
			for _, c := range page.Data {
				launched := "-"
				if c.LaunchedAt != nil {
					launched = c.LaunchedAt.Format("2006-01-02 15:04")
				}
				fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Status, launched)
			}
			_ = tw.Flush()
			fprintf(w, "Total: %d\n", page.Pagination.Total)
		})
	},
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a draft campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var c domain.Campaign
		if err := newClient().Do(context.Background(), http.MethodPost, "/api/campaigns", campaign.CreateInput{Name: args[0]}, &c); err != nil {
			return err
		}
		return output(cmd, c, func(w io.Writer) {
			fprintf(w, "Created campaign %s (%s)\n", c.ID, c.Status)
		})
	},
}

// newTransitionCmd builds launch, pause, resume and complete.
func newTransitionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " CAMPAIGN_ID",
		Short: fmt.Sprintf("%s a campaign", capitalize(action)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c domain.Campaign
			path := "/api/campaigns/" + url.PathEscape(args[0]) + "/" + action
			if err := newClient().Do(context.Background(), http.MethodPost, path, nil, &c); err != nil {
				return err
			}
			return output(cmd, c, func(w io.Writer) {
				fprintf(w, "Campaign %s is now %s\n", c.ID, c.Status)
			})
		},
	}
}

var campaignImportCmd = &cobra.Command{
	Use:   "import CAMPAIGN_ID",
	Short: "Import per-contact jobs from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if campaignImportFile == "" {
			return errors.New("--file is required")
		}
		data, err := readInput(cmd, campaignImportFile)
		if err != nil {
			return err
		}
		var rows []campaign.DirectJob
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("parse %s: %w", campaignImportFile, err)
		}

		var res campaign.ImportResult
		path := "/api/campaigns/" + url.PathEscape(args[0]) + "/import"
		body := map[string]interface{}{"jobs": rows}
		if err := newClient().Do(context.Background(), http.MethodPost, path, body, &res); err != nil {
			return err
		}
		return output(cmd, res, func(w io.Writer) {
			fprintf(w, "Contacts: %d  Scheduled: %d  Skipped: %d  Existing: %d\n",
				res.Contacts, res.Scheduled, res.Skipped, res.Existing)
			for _, e := range res.Errors {
				fprintf(w, "  ! %s\n", e)
			}
		})
	},
}

// readInput reads a file, or stdin when name is "-".
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
