package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackkroninger/agent-api/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server runtime statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	snap, err := newClient().Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	fmt.Printf("Uptime: %.0fs\n", snap.UptimeSeconds)
	printOp("Turns", snap.Turn)
	printOp("Model calls", snap.ModelGenerate)
	printOp("Tool calls", snap.ToolInvoke)
	printOp("Persistence", snap.Persistence)
	return nil
}

func printOp(label string, op *metrics.OperationSnapshot) {
	if op == nil {
		return
	}
	fmt.Printf("\n%s:\n", label)
	fmt.Printf("  count:   %d\n", op.Count)
	fmt.Printf("  avg:     %.1fms\n", op.AvgTimeMs)
	fmt.Printf("  min/max: %dms / %dms\n", op.MinTimeMs, op.MaxTimeMs)
	if op.TotalInputTokens != nil && op.TotalOutputTokens != nil {
		fmt.Printf("  tokens:  %d in / %d out\n", *op.TotalInputTokens, *op.TotalOutputTokens)
		if op.AvgInputTokens != nil && op.AvgOutputTokens != nil {
			fmt.Printf("  avg/turn: %.0f in / %.0f out\n", *op.AvgInputTokens, *op.AvgOutputTokens)
		}
	}
}
