package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var consolidateJSON bool

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one consolidation cycle immediately",
	Long: `Run the promotion, reinforcement, synthesis, metric recompute, and
eviction passes once, outside the background schedule, and report what
changed.`,
	RunE: runConsolidate,
}

func init() {
	consolidateCmd.Flags().BoolVar(&consolidateJSON, "json", false, "Emit the cycle report as JSON")
	rootCmd.AddCommand(consolidateCmd)
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	ctx, span := tracer.Start(ctx, "consolidate")
	defer span.End()

	mgr, err := openManager()
	if err != nil {
		return fmt.Errorf("opening memory: %w", err)
	}
	defer closeManager(mgr)

	report, err := mgr.RunConsolidationCycle(ctx)
	if err != nil {
		return fmt.Errorf("running consolidation cycle: %w", err)
	}

	if consolidateJSON {
		return printJSON(report)
	}

	fmt.Printf("Promoted:            %d\n", report.Promoted)
	fmt.Printf("Reinforced:          %d\n", report.Reinforced)
	fmt.Printf("Synthesized:         %d\n", report.Synthesized)
	fmt.Printf("Evicted:             %d\n", report.Evicted)
	fmt.Printf("Consciousness level: %.4f\n", report.Consciousness)
	return nil
}
