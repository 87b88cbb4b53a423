package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/reportq/internal/db"
	"github.com/raphaelgruber/reportq/internal/server"
	"github.com/spf13/cobra"
)

var (
	historySeller string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history [report-id]",
	Short: "Show persisted report records",
	Long: `Show report records mirrored to the database. A report is keyed by its
request job id and carries both the request and the download step.

Examples:
  reportq history --seller s1
  reportq history shop_example_1a2b3c4d`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historySeller, "seller", "", "list reports for this seller")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum reports to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if len(args) == 1 {
		rep, err := apiClient.Report(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get report: %w", err)
		}
		if jsonOutput {
			return printJSON(rep)
		}
		printReport(rep)
		return nil
	}

	if historySeller == "" {
		return fmt.Errorf("either a report id or --seller is required")
	}
	reports, err := apiClient.Reports(ctx, historySeller, historyLimit)
	if err != nil {
		return fmt.Errorf("list reports: %w", err)
	}
	if jsonOutput {
		return printJSON(reports)
	}
	if len(reports) == 0 {
		fmt.Println("No reports found")
		return nil
	}

	fmt.Printf("%-36s %-28s %-9s %-12s %s\n", "ID", "TYPE", "STAGE", "STATUS", "UPDATED")
	fmt.Println(strings.Repeat("-", 105))
	for _, r := range reports {
		fmt.Printf("%-36s %-28s %-9s %-12s %s\n", r.ID, r.ReportType, r.Stage, r.Status, r.Updated.Local().Format(time.DateTime))
	}
	return nil
}

func printReport(r server.ReportResponse) {
	fmt.Printf("Report: %s\n", r.ID)
	fmt.Printf("  Seller: %s (%s)\n", r.SellerID, r.Identifier)
	fmt.Printf("  Type: %s\n", r.ReportType)
	fmt.Printf("  Stage: %s, Status: %s\n", r.Stage, r.Status)
	if r.StartDate != nil && r.EndDate != nil {
		fmt.Printf("  Range: %s .. %s\n", r.StartDate.Format(time.DateOnly), r.EndDate.Format(time.DateOnly))
	}
	printStep("Request", r.Request)
	printStep("Download", r.Download)
}

func printStep(name string, s *db.Step) {
	if s == nil {
		return
	}
	fmt.Printf("\n%s step (%s):\n", name, s.JobID)
	fmt.Printf("  Status: %s, attempts: %d\n", s.Status, s.Attempts)
	if s.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", s.CompletedAt.Format(time.RFC3339))
	}
	if s.Error != "" {
		fmt.Printf("  Error: %s\n", s.Error)
	}
	if s.Result != "" {
		fmt.Printf("  Result: %s\n", s.Result)
	}
}
