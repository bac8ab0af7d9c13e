package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/memory"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-tier aggregates and the consciousness level",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Emit stats as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	ctx, span := tracer.Start(ctx, "stats")
	defer span.End()

	mgr, err := openManager()
	if err != nil {
		return fmt.Errorf("opening memory: %w", err)
	}
	defer closeManager(mgr)

	stats, err := mgr.Stats(ctx)
	if err != nil {
		return fmt.Errorf("aggregating stats: %w", err)
	}

	if statsJSON {
		return printJSON(stats)
	}

	fmt.Printf("Total records:       %d\n", stats.TotalRecords)
	fmt.Printf("Working entries:     %d\n", stats.WorkingCount)
	fmt.Printf("Consciousness level: %.4f\n\n", stats.ConsciousnessLevel)
	for _, tier := range memory.PersistedTiers() {
		agg := stats.Tiers[tier]
		fmt.Printf("%-11s count=%-6d avg_importance=%.3f max_access=%-5d active_24h=%d\n",
			tier+":", agg.Count, agg.AvgImportance, agg.MaxAccessCount, agg.RecentActivityCount)
	}
	return nil
}
