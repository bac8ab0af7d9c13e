package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/memory"
)

// printRecordTable renders search results one row per record. Content is
// summarized, not dumped; use get for the full payload.
func printRecordTable(records []memory.Record) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIER\tIMPORTANCE\tACCESS\tENC\tTAGS")
	for i := range records {
		r := &records[i]
		enc := ""
		if r.EncryptionLevel == 1 {
			enc = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\t%s\n",
			truncate(r.ID, 40), r.Tier, r.Importance, r.AccessCount, enc,
			truncate(strings.Join(r.Tags, ","), 40))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
