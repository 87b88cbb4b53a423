package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/raphaelgruber/reportq/internal/metrics"
	"github.com/raphaelgruber/reportq/internal/queue"
	"github.com/spf13/cobra"
)

var snapshotWatch bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show lane sizes and host load",
	Long: `Show lane sizes, in-flight count and the current resource verdict.
With --watch, stream snapshots from the server until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runSnapshot,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server runtime statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiClient.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		if jsonOutput {
			return printJSON(stats)
		}
		printServerStats(stats)
		return nil
	},
}

func init() {
	snapshotCmd.Flags().BoolVarP(&snapshotWatch, "watch", "w", false, "stream snapshots")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	if !snapshotWatch {
		snap, err := apiClient.Snapshot(cmd.Context())
		if err != nil {
			return fmt.Errorf("get snapshot: %w", err)
		}
		if jsonOutput {
			return printJSON(snap)
		}
		printSnapshot(snap)
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	err := apiClient.StreamSnapshots(ctx, func(s queue.Snapshot) error {
		if jsonOutput {
			return printJSON(s)
		}
		printSnapshotLine(s)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printSnapshot(s queue.Snapshot) {
	r := s.Resources
	fmt.Printf("Snapshot at %s\n", s.Timestamp.Local().Format("15:04:05"))
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("Priority lane:        %d\n", s.Priority)
	fmt.Printf("Standard lane:        %d\n", s.Standard)
	fmt.Printf("In flight:            %d\n", s.InFlight)
	fmt.Printf("Scheduled downloads:  %d\n", s.ScheduledDownloads)
	fmt.Printf("Tracked / history:    %d / %d\n", s.Tracked, s.History)
	fmt.Printf("\nHost load: %s\n", r.LoadClass)
	fmt.Printf("  CPU %.1f%%, memory %.1f%% (%.0f of %.0f MB free)\n", r.CPUPercent, r.MemPercent, r.FreeMB, r.TotalMB)
	fmt.Printf("  Recommended batch: %d, admitting: %t\n", r.RecommendedBatchSize, r.CanAdmitMore)
	if r.Error != "" {
		fmt.Printf("  Sampler error: %s\n", r.Error)
	}
}

func printSnapshotLine(s queue.Snapshot) {
	r := s.Resources
	fmt.Printf("%s  P=%-4d S=%-4d inflight=%-3d  %-8s cpu=%5.1f%% mem=%5.1f%% batch=%d admit=%t\n",
		s.Timestamp.Local().Format("15:04:05"), s.Priority, s.Standard, s.InFlight,
		r.LoadClass, r.CPUPercent, r.MemPercent, r.RecommendedBatchSize, r.CanAdmitMore)
}

func printServerStats(stats metrics.Snapshot) {
	fmt.Printf("Server Statistics (in-memory, since restart)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", stats.UptimeSeconds)

	for _, op := range []struct {
		name string
		s    *metrics.OperationSnapshot
	}{
		{"Dispatch cycles", stats.DispatchCycle},
		{"Resource samples", stats.ResourceSample},
		{"Job runs", stats.JobRun},
		{"Persistence writes", stats.Persist},
	} {
		if op.s == nil {
			continue
		}
		fmt.Printf("\n%s:\n", op.name)
		printOpStats(op.s)
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(op *metrics.OperationSnapshot) {
	fmt.Printf("  Calls: %d, Errors: %d, Total: %dms\n", op.Count, op.Errors, op.TotalTimeMs)
	fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}
