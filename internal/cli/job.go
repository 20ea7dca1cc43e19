package cli

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ignite/dripline/internal/domain"
)

var jobListStatus string

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobRetryCmd)
	rootCmd.AddCommand(statsCmd)

	jobListCmd.Flags().StringVar(&jobListStatus, "status", "", "filter by status (scheduled, sent, failed, skipped)")
}

var jobCmd = &cobra.Command{
	Use:     "job",
	Aliases: []string{"jobs"},
	Short:   "Inspect and retry email jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list CAMPAIGN_ID",
	Short: "List a campaign's jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if jobListStatus != "" {
			q.Set("status", jobListStatus)
		}
		q.Set("limit", "500")

		var page struct {
			Data []domain.Job `json:"data"`
		}
		path := "/api/campaigns/" + url.PathEscape(args[0]) + "/jobs?" + q.Encode()
		if err := newClient().Do(context.Background(), http.MethodGet, path, nil, &page); err != nil {
			return err
		}
		return output(cmd, page, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fprintf(tw, "ID\tSTEP\tSTATUS\tSCHEDULED\tERROR\n")
			for _, j := range page.Data {
				errMsg := ""
				if j.ErrorMessage != nil {
					errMsg = *j.ErrorMessage
				}
				fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", j.ID, j.Step, j.Status, j.ScheduledAt.Format("2006-01-02 15:04"), errMsg)
			}
			_ = tw.Flush()
		})
	},
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry JOB_ID",
	Short: "Reschedule a failed job for the next tick",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var j domain.Job
		path := "/api/jobs/" + url.PathEscape(args[0]) + "/retry"
		if err := newClient().Do(context.Background(), http.MethodPost, path, nil, &j); err != nil {
			return err
		}
		return output(cmd, j, func(w io.Writer) {
			fprintf(w, "Job %s rescheduled for %s\n", j.ID, j.ScheduledAt.Format("2006-01-02 15:04:05"))
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dashboard counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st domain.DashboardStats
		if err := newClient().Do(context.Background(), http.MethodGet, "/api/stats", nil, &st); err != nil {
			return err
		}
		return output(cmd, st, func(w io.Writer) {
			fprintf(w, "Campaigns:   %d (%d active, %d draft)\n", st.TotalCampaigns, st.ActiveCampaigns, st.DraftCampaigns)
			fprintf(w, "Contacts:    %d\n", st.TotalContacts)
			fprintf(w, "Scheduled:   %d\n", st.EmailsScheduled)
			fprintf(w, "Sent today:  %d (total %d)\n", st.EmailsSentToday, st.TotalEmailsSent)
			fprintf(w, "Failed:      %d\n", st.EmailsFailed)
		})
	},
}
