package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/reportq/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's state",
	Long: `Show a job's state. With --watch, follow a request job and then its
download job until the workflow finishes.

Examples:
  reportq status shop_example_1a2b3c4d
  reportq status shop_example_1a2b3c4d --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "follow the job until it finishes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	job, err := apiClient.Status(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	if statusWatch {
		if !jsonOutput && term.IsTerminal(int(os.Stdout.Fd())) {
			return RunJobProgress(apiClient, job)
		}
		return watchPlain(ctx, job)
	}

	if jsonOutput {
		return printJSON(job)
	}
	printJob(job)
	return nil
}

// watchPlain polls without a TUI and prints one line per state change.
func watchPlain(ctx context.Context, job models.Job) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	last := ""
	for {
		state := fmt.Sprintf("%s %s %s attempts=%d", job.ID, job.Operation, job.Status, job.Attempts)
		if state != last {
			if jsonOutput {
				if err := printJSON(job); err != nil {
					return err
				}
			} else {
				fmt.Println(state)
			}
			last = state
		}

		switch job.Status {
		case models.StatusFailed:
			return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
		case models.StatusCompleted:
			if job.Operation != models.OperationRequest {
				return nil
			}
			next, err := apiClient.Status(ctx, models.DownloadJobID(job.ID))
			if err != nil {
				return fmt.Errorf("get download job: %w", err)
			}
			job = next
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		next, err := apiClient.Status(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		job = next
	}
}

func printJob(job models.Job) {
	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Seller: %s (%s)\n", job.SellerID, job.Identifier)
	fmt.Printf("  Report: %s\n", job.ReportType)
	fmt.Printf("  Operation: %s\n", job.Operation)
	fmt.Printf("  Lane: %s\n", job.Lane)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Attempts: %d\n", job.Attempts)
	if job.ParentID != "" {
		fmt.Printf("  Parent: %s\n", job.ParentID)
	}
	if p := job.Parameters; !p.StartDate.IsZero() || !p.EndDate.IsZero() {
		fmt.Printf("  Range: %s .. %s\n", p.StartDate.Format(time.DateOnly), p.EndDate.Format(time.DateOnly))
	}
	fmt.Printf("  Enqueued: %s\n", job.EnqueuedAt.Format(time.RFC3339))
	if job.ScheduledFor != nil {
		fmt.Printf("  Due: %s\n", job.ScheduledFor.Format(time.RFC3339))
	}
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.ReservedUntil != nil {
		fmt.Printf("  Reserved until: %s\n", job.ReservedUntil.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Second))
		}
	}
	if job.Error != "" {
		fmt.Printf("  Error: %s\n", job.Error)
	}
	if len(job.Result) > 0 {
		fmt.Printf("\nResult:\n  %s\n", job.Result)
	}
}
