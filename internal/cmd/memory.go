package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/memory"
)

var (
	memTier       string
	memContent    string
	memImportance float64
	memConfidence float64
	memSkill      float64
	memTags       string
	memSource     string
	memLimit      int
	memMinImp     float64
)

var storeCmd = &cobra.Command{
	Use:   "store <id>",
	Short: "Store a memory record in a persisted tier",
	Long: `Store a JSON content payload under an id in the episodic, semantic, or
procedural tier. Records with importance above the sensitivity threshold
are encrypted at rest.`,
	Args: cobra.ExactArgs(1),
	RunE: runStore,
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Retrieve a memory record by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memory records by content and tags",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a memory record from a tier",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	storeCmd.Flags().StringVar(&memTier, "tier", "episodic", "Target tier (episodic, semantic, procedural)")
	storeCmd.Flags().StringVar(&memContent, "content", "{}", "Record content as a JSON object")
	storeCmd.Flags().Float64Var(&memImportance, "importance", 0.5, "Importance in [0,1]")
	storeCmd.Flags().Float64Var(&memConfidence, "confidence", 1.0, "Confidence in [0,1] (semantic tier)")
	storeCmd.Flags().Float64Var(&memSkill, "skill", 0.0, "Starting skill level in [0,1] (procedural tier)")
	storeCmd.Flags().StringVar(&memTags, "tags", "", "Comma-separated tags")
	storeCmd.Flags().StringVar(&memSource, "source", "cli", "Source agent identifier")

	getCmd.Flags().StringVar(&memTier, "tier", "any", "Tier to search (episodic, semantic, procedural, any)")

	searchCmd.Flags().StringVar(&memTier, "tier", "any", "Tier to search (episodic, semantic, procedural, any)")
	searchCmd.Flags().IntVar(&memLimit, "limit", 20, "Maximum results")
	searchCmd.Flags().Float64Var(&memMinImp, "min-importance", 0, "Importance floor in [0,1]")

	deleteCmd.Flags().StringVar(&memTier, "tier", "", "Tier holding the record (required)")
	_ = deleteCmd.MarkFlagRequired("tier")

	rootCmd.AddCommand(storeCmd, getCmd, searchCmd, deleteCmd)
}

func parseTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

func runStore(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	ctx, span := tracer.Start(ctx, "store")
	defer span.End()

	tier, err := memory.ParseTier(memTier)
	if err != nil {
		return err
	}

	var content map[string]any
	if err := json.Unmarshal([]byte(memContent), &content); err != nil {
		return fmt.Errorf("parsing --content: %w", err)
	}

	mgr, err := openManager()
	if err != nil {
		return fmt.Errorf("opening memory: %w", err)
	}
	defer closeManager(mgr)

	id, tags := args[0], parseTags(memTags)
	switch tier {
	case memory.TierEpisodic:
		err = mgr.StoreEpisodic(ctx, id, content, memImportance, tags, memSource)
	case memory.TierSemantic:
		err = mgr.StoreSemantic(ctx, id, content, memImportance, tags, memSource, memConfidence)
	case memory.TierProcedural:
		err = mgr.StoreProcedural(ctx, id, content, memImportance, tags, memSource, memSkill)
	default:
		return fmt.Errorf("store requires a concrete tier, got %q", tier)
	}
	if err != nil {
		return fmt.Errorf("storing record: %w", err)
	}

	fmt.Printf("Stored %s in %s tier\n", id, tier)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	ctx, span := tracer.Start(ctx, "get")
	defer span.End()

	tier, err := memory.ParseTier(memTier)
	if err != nil {
		return err
	}

	mgr, err := openManager()
	if err != nil {
		return fmt.Errorf("opening memory: %w", err)
	}
	defer closeManager(mgr)

	rec, err := mgr.Retrieve(ctx, args[0], tier)
	if err != nil {
		return fmt.Errorf("retrieving %s: %w", args[0], err)
	}
	return printJSON(rec)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	ctx, span := tracer.Start(ctx, "search")
	defer span.End()

	tier, err := memory.ParseTier(memTier)
	if err != nil {
		return err
	}

	mgr, err := openManager()
	if err != nil {
		return fmt.Errorf("opening memory: %w", err)
	}
	defer closeManager(mgr)

	results, err := mgr.Search(ctx, args[0], tier, memLimit, memMinImp)
	if err != nil {
		return fmt.Errorf("searching memory: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No records found.")
		return nil
	}
	printRecordTable(results)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	ctx, span := tracer.Start(ctx, "delete")
	defer span.End()

	tier, err := memory.ParseTier(memTier)
	if err != nil {
		return err
	}
	if tier == memory.TierAny {
		return fmt.Errorf("delete requires a concrete tier")
	}

	mgr, err := openManager()
	if err != nil {
		return fmt.Errorf("opening memory: %w", err)
	}
	defer closeManager(mgr)

	if err := mgr.Delete(ctx, args[0], tier); err != nil {
		return fmt.Errorf("deleting %s: %w", args[0], err)
	}
	fmt.Printf("Deleted %s from %s tier\n", args[0], tier)
	return nil
}

// commandContext bounds every CLI command.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
