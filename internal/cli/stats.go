package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/raphaelgruber/retrobot/internal/metrics"
)

// printStats displays the in-memory statistics gathered by a run.
func printStats(w io.Writer, s metrics.Snapshot) {
	fmt.Fprintf(w, "\nStatistics (this run)\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════\n")
	fmt.Fprintf(w, "Uptime: %.1f seconds\n", s.UptimeSeconds)

	ops := []struct {
		name string
		op   *metrics.OperationSnapshot
	}{
		{"Conversion", s.Conversion},
		{"Transcription", s.Transcription},
		{"Cleanup", s.Cleanup},
		{"Planning", s.Planning},
		{"Persistence", s.Persistence},
	}
	for _, o := range ops {
		if o.op == nil {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", o.name)
		printOpStats(w, o.op)
		printUsageStats(w, o.op)
	}

	if len(s.Jobs) > 0 {
		stages := make([]string, 0, len(s.Jobs))
		for stage := range s.Jobs {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		fmt.Fprintf(w, "\nJobs:\n")
		for _, stage := range stages {
			fmt.Fprintf(w, "  %-10s %d\n", stage, s.Jobs[stage])
		}
	}

	if s.TotalCostUSD > 0 {
		fmt.Fprintf(w, "\nEstimated cost: $%.4f\n", s.TotalCostUSD)
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(w io.Writer, op *metrics.OperationSnapshot) {
	fmt.Fprintf(w, "  Calls: %d, Failures: %d, Total: %dms\n", op.Count, op.Failures, op.TotalTimeMs)
	fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}

// printUsageStats displays token and audio usage if available.
func printUsageStats(w io.Writer, op *metrics.OperationSnapshot) {
	if op.TotalInputTokens != nil && op.TotalOutputTokens != nil {
		fmt.Fprintf(w, "  Tokens: %d in, %d out\n", *op.TotalInputTokens, *op.TotalOutputTokens)
	}
	if op.AudioSeconds != nil {
		fmt.Fprintf(w, "  Audio: %.1f seconds\n", *op.AudioSeconds)
	}
	if op.CostUSD != nil {
		fmt.Fprintf(w, "  Cost: $%.4f\n", *op.CostUSD)
	}
}
