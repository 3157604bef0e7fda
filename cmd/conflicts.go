package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/registry"
	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/spf13/cobra"
)

var (
	conflictThreshold float64
	conflictDelete    bool
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <identity_id> [other_id]",
	Short: "Find embeddings that look like someone else's face",
	Long: `Lists embeddings of <identity_id> that sit within --threshold of an embedding
of [other_id] (or of any other identity when omitted), and the reverse.
With --delete the offending embeddings of <identity_id> are removed.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		var b int64
		if len(args) == 2 {
			if b, err = strconv.ParseInt(args[1], 10, 64); err != nil {
				utils.Die("Invalid identity ID", err, nil)
			}
		}
		runConflicts(cmd.Context(), a, b)
	},
}

func init() {
	conflictsCmd.Flags().Float64VarP(&conflictThreshold, "threshold", "t", match.DefaultConflictThreshold, "Distance under which two embeddings are considered the same face")
	conflictsCmd.Flags().BoolVar(&conflictDelete, "delete", false, "Delete the conflicting embeddings of the first identity")
	rootCmd.AddCommand(conflictsCmd)
}

func runConflicts(ctx context.Context, a, b int64) {
	if conflictThreshold <= 0 || conflictThreshold > 2 {
		utils.Die("Invalid threshold", fmt.Errorf("must be in (0, 2], got %f", conflictThreshold), nil)
	}

	found, err := registry.Conflicts(ctx, DB, a, b, conflictThreshold)
	if err != nil {
		utils.Die("Failed to check conflicts", err, nil)
	}
	if len(found) == 0 {
		fmt.Println("✅ No conflicting embeddings found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EMBEDDING\tIDENTITY\tNEAREST\tDISTANCE")
	fmt.Fprintln(w, "---------\t--------\t-------\t--------")
	var own []int64
	for _, c := range found {
		fmt.Fprintf(w, "%d\t%d\t%d\t%.4f\n", c.SampleID, c.OwnerID, c.NearestID, c.Distance)
		if c.OwnerID == a {
			own = append(own, c.SampleID)
		}
	}
	w.Flush()

	if !conflictDelete || len(own) == 0 {
		return
	}
	prompt := fmt.Sprintf("⚠️  Delete %d embedding(s) of Identity %d?", len(own), a)
	if !confirm(bufio.NewReader(os.Stdin), prompt) {
		fmt.Println("Aborted.")
		return
	}
	n, err := DB.DeleteEmbeddings(ctx, own)
	if err != nil {
		utils.Die("Failed to delete embeddings", err, nil)
	}
	fmt.Printf("🗑️  Deleted %d embedding(s)\n", n)
}
