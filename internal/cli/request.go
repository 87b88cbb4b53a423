package cli

import (
	"fmt"

	"github.com/raphaelgruber/reportq/internal/models"
	"github.com/raphaelgruber/reportq/internal/service"
	"github.com/spf13/cobra"
)

var (
	requestSeller      string
	requestIdentifier  string
	requestPassword    string
	requestOTP         bool
	requestTypes       []string
	requestStart       string
	requestEnd         string
	requestLane        string
	requestResourceKey string
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Submit a report request for one seller account",
	Long: `Submit a report request. The server expands it into one request job per
report type; each completed request job schedules its own download job.
Missing dates default to today.

Examples:
  reportq request --seller s1 --identifier shop@example.com --otp \
    --types gst_report,tds_report --start 2025-01-01 --end 2025-01-31
  reportq request --seller s1 --identifier shop@example.com --types listings --lane manual`,
	Args: cobra.NoArgs,
	RunE: runRequest,
}

func init() {
	f := requestCmd.Flags()
	f.StringVar(&requestSeller, "seller", "", "seller id (required)")
	f.StringVar(&requestIdentifier, "identifier", "", "seller login identifier (required)")
	f.StringVar(&requestPassword, "password", "", "portal password")
	f.BoolVar(&requestOTP, "otp", false, "log in with a one-time password")
	f.StringSliceVarP(&requestTypes, "types", "t", nil, "comma-separated report types (required)")
	f.StringVar(&requestStart, "start", "", "start date (YYYY-MM-DD)")
	f.StringVar(&requestEnd, "end", "", "end date (YYYY-MM-DD)")
	f.StringVarP(&requestLane, "lane", "l", "bulk", "lane: manual|priority|bulk|standard")
	f.StringVar(&requestResourceKey, "resource-key", "", "cooldown key shared by the expanded jobs")
	_ = requestCmd.MarkFlagRequired("seller")
	_ = requestCmd.MarkFlagRequired("identifier")
	_ = requestCmd.MarkFlagRequired("types")
}

func runRequest(cmd *cobra.Command, args []string) error {
	lane, err := models.ParseLane(requestLane)
	if err != nil {
		return err
	}

	types := make([]models.ReportType, 0, len(requestTypes))
	for _, t := range requestTypes {
		types = append(types, models.ReportType(t))
	}

	req := service.ReportRequest{
		Auth: service.Auth{
			SellerID:   requestSeller,
			Identifier: requestIdentifier,
			Password:   requestPassword,
			OTPLogin:   requestOTP,
		},
		RequestedOperations: service.RequestedOperations{
			ReportTypes: types,
			StartDate:   requestStart,
			EndDate:     requestEnd,
		},
		ResourceKey: requestResourceKey,
	}

	results, err := apiClient.SubmitReports(cmd.Context(), req, lane)
	if err != nil {
		return fmt.Errorf("submit request: %w", err)
	}
	if jsonOutput {
		return printJSON(results)
	}

	var failed int
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Printf("  ✗ %-28s %s\n", r.Job.ReportType, r.Error)
			continue
		}
		fmt.Printf("  ✓ %-28s %s\n", r.Job.ReportType, r.Job.ID)
	}
	fmt.Printf("\n%d of %d jobs enqueued in %s lane\n", len(results)-failed, len(results), lane)
	if failed > 0 {
		return fmt.Errorf("%d jobs rejected", failed)
	}
	return nil
}
