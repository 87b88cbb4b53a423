package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/reportq/internal/models"
	"github.com/raphaelgruber/reportq/internal/queue"
	"github.com/raphaelgruber/reportq/internal/service"
	"github.com/spf13/cobra"
)

var (
	enqueueID          string
	enqueueSeller      string
	enqueueIdentifier  string
	enqueueType        string
	enqueueOperation   string
	enqueueLane        string
	enqueueStart       string
	enqueueEnd         string
	enqueueResourceKey string

	jobsInFlight  bool
	jobsPreview   int
	jobsLane      string
	jobsSeller    string
	jobsOperation string

	completeResult string
	failReason     string
	drainYes       bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a single report job",
	Long: `Enqueue one job into a lane. "manual" and "priority" select the priority
lane; "bulk" and "standard" select the standard lane.

Examples:
  reportq enqueue --seller s1 --identifier shop@example.com --type gst_report
  reportq enqueue --seller s1 --identifier shop@example.com --type sales_report --lane manual \
    --start 2025-01-01 --end 2025-01-31`,
	Args: cobra.NoArgs,
	RunE: runEnqueue,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List waiting or in-flight jobs",
	Long: `List waiting jobs, in-flight jobs, or the next jobs in dispatch order.

Examples:
  reportq jobs                   # all waiting jobs
  reportq jobs --lane priority   # waiting jobs in one lane
  reportq jobs --in-flight       # reserved jobs
  reportq jobs --preview 10      # next 10 jobs in dispatch order`,
	Args: cobra.NoArgs,
	RunE: runJobs,
}

var bumpCmd = &cobra.Command{
	Use:   "bump <job-id>",
	Short: "Move a waiting job to the priority lane",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient.Bump(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("bump job: %w", err)
		}
		if jsonOutput {
			return printJSON(job)
		}
		fmt.Printf("Job %s moved to %s lane\n", job.ID, job.Lane)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a waiting job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Remove(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("remove job: %w", err)
		}
		fmt.Printf("Job %s removed\n", args[0])
		return nil
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <job-id>",
	Short: "Report an in-flight job as completed",
	Long: `Report an in-flight job as completed. Completing a request job schedules
its download job.

Examples:
  reportq complete shop_example_1a2b3c4d
  reportq complete shop_example_1a2b3c4d --result '{"report_id":"R-42"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runComplete,
}

var failCmd = &cobra.Command{
	Use:   "fail <job-id>",
	Short: "Report a failed attempt for an in-flight job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient.Fail(cmd.Context(), args[0], failReason)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if jsonOutput {
			return printJSON(job)
		}
		if job.Status == models.StatusFailed {
			fmt.Printf("Job %s failed permanently after %d attempts\n", job.ID, job.Attempts)
			return nil
		}
		fmt.Printf("Job %s will retry at %s (attempt %d)\n", job.ID, formatTime(job.ScheduledFor), job.Attempts)
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Remove every waiting job from both lanes",
	Long: `Remove every waiting job from both lanes. In-flight jobs are untouched.
Requires --yes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !drainYes {
			return errors.New("drain removes every waiting job; pass --yes to confirm")
		}
		drained, err := apiClient.Drain(cmd.Context())
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		if jsonOutput {
			return printJSON(drained)
		}
		fmt.Printf("Drained %d priority and %d standard jobs\n", len(drained.Priority), len(drained.Standard))
		return nil
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Ask the server to run a dispatch cycle now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Dispatch(cmd.Context()); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		fmt.Println("Dispatch cycle triggered")
		return nil
	},
}

func init() {
	f := enqueueCmd.Flags()
	f.StringVar(&enqueueID, "id", "", "job id (generated from the identifier if empty)")
	f.StringVar(&enqueueSeller, "seller", "", "seller id (required)")
	f.StringVar(&enqueueIdentifier, "identifier", "", "seller login identifier (required)")
	f.StringVarP(&enqueueType, "type", "t", "", "report type (required)")
	f.StringVar(&enqueueOperation, "operation", string(models.OperationRequest), "request or download")
	f.StringVarP(&enqueueLane, "lane", "l", "bulk", "lane: manual|priority|bulk|standard")
	f.StringVar(&enqueueStart, "start", "", "start date (YYYY-MM-DD)")
	f.StringVar(&enqueueEnd, "end", "", "end date (YYYY-MM-DD)")
	f.StringVar(&enqueueResourceKey, "resource-key", "", "cooldown key (defaults to the identifier)")
	_ = enqueueCmd.MarkFlagRequired("seller")
	_ = enqueueCmd.MarkFlagRequired("identifier")
	_ = enqueueCmd.MarkFlagRequired("type")

	jobsCmd.Flags().BoolVar(&jobsInFlight, "in-flight", false, "list reserved jobs")
	jobsCmd.Flags().IntVar(&jobsPreview, "preview", 0, "show the next N jobs in dispatch order")
	jobsCmd.Flags().StringVar(&jobsLane, "lane", "", "filter by lane")
	jobsCmd.Flags().StringVar(&jobsSeller, "seller", "", "filter by seller id")
	jobsCmd.Flags().StringVar(&jobsOperation, "operation", "", "filter by operation")
	jobsCmd.MarkFlagsMutuallyExclusive("in-flight", "preview")

	completeCmd.Flags().StringVar(&completeResult, "result", "", "result JSON")
	failCmd.Flags().StringVar(&failReason, "error", "failed via cli", "failure reason")
	drainCmd.Flags().BoolVar(&drainYes, "yes", false, "confirm")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	lane, err := models.ParseLane(enqueueLane)
	if err != nil {
		return err
	}

	job := models.Job{
		ID:          enqueueID,
		SellerID:    enqueueSeller,
		Identifier:  enqueueIdentifier,
		ReportType:  models.ReportType(enqueueType),
		Operation:   models.Operation(enqueueOperation),
		ResourceKey: enqueueResourceKey,
	}
	if job.Parameters.StartDate, err = parseDateFlag("start", enqueueStart); err != nil {
		return err
	}
	if job.Parameters.EndDate, err = parseDateFlag("end", enqueueEnd); err != nil {
		return err
	}

	got, err := apiClient.Enqueue(cmd.Context(), job, lane)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if jsonOutput {
		return printJSON(got)
	}
	fmt.Printf("Enqueued %s (%s, %s lane)\n", got.ID, got.ReportType, got.Lane)
	return nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if jobsPreview > 0 {
		entries, err := apiClient.Preview(ctx, jobsPreview)
		if err != nil {
			return fmt.Errorf("preview: %w", err)
		}
		if jsonOutput {
			return printJSON(entries)
		}
		return printPreview(entries)
	}

	var (
		jobs []models.Job
		err  error
	)
	if jobsInFlight {
		jobs, err = apiClient.InFlight(ctx)
	} else {
		f := queue.PendingFilter{
			Operation: models.Operation(jobsOperation),
			SellerID:  jobsSeller,
		}
		if jobsLane != "" {
			if f.Lane, err = models.ParseLane(jobsLane); err != nil {
				return err
			}
		}
		jobs, err = apiClient.Pending(ctx, f)
	}
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if jsonOutput {
		return printJSON(jobs)
	}
	printJobs(jobs)
	return nil
}

func runComplete(cmd *cobra.Command, args []string) error {
	var result json.RawMessage
	if completeResult != "" {
		if !json.Valid([]byte(completeResult)) {
			return errors.New("--result must be valid JSON")
		}
		result = json.RawMessage(completeResult)
	}

	resp, err := apiClient.Complete(cmd.Context(), args[0], result)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if jsonOutput {
		return printJSON(resp)
	}
	fmt.Printf("Job %s completed\n", resp.Job.ID)
	if resp.Job.Operation == models.OperationRequest && resp.Warning == "" {
		fmt.Printf("Download job %s scheduled\n", models.DownloadJobID(resp.Job.ID))
	}
	if resp.Warning != "" {
		fmt.Printf("Warning: %s\n", resp.Warning)
	}
	return nil
}

func printJobs(jobs []models.Job) {
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return
	}

	fmt.Printf("%-36s %-9s %-9s %-28s %-12s %-8s %s\n", "ID", "LANE", "OP", "TYPE", "STATUS", "ATTEMPTS", "DUE")
	fmt.Println(strings.Repeat("-", 118))
	for _, j := range jobs {
		fmt.Printf("%-36s %-9s %-9s %-28s %-12s %-8d %s\n",
			j.ID, j.Lane, j.Operation, j.ReportType, j.Status, j.Attempts, formatTime(j.ScheduledFor))
	}
}

func printPreview(entries []queue.PreviewEntry) error {
	if len(entries) == 0 {
		fmt.Println("Both lanes are empty")
		return nil
	}

	fmt.Printf("%-4s %-36s %-9s %-28s %s\n", "#", "ID", "LANE", "TYPE", "DUE")
	fmt.Println(strings.Repeat("-", 90))
	for i, e := range entries {
		fmt.Printf("%-4d %-36s %-9s %-28s %s\n", i+1, e.Job.ID, e.Lane, e.Job.ReportType, formatTime(e.Job.ScheduledFor))
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "now"
	}
	return t.Local().Format(time.DateTime)
}

func parseDateFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(service.DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: expected YYYY-MM-DD: %w", name, err)
	}
	return t, nil
}

// waitContext bounds one-shot API calls that aren't tied to a command context.
func waitContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
