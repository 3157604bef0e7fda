package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/spf13/cobra"
)

var mergeDeleteSource bool

var mergeCmd = &cobra.Command{
	Use:   "merge <from_id> <to_id>",
	Short: "Move every embedding of one identity to another",
	Long: `Moves all embeddings of <from_id> to <to_id>. If only the source identity has
a name, the target adopts it. With --delete-source the emptied source
identity is removed.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		from, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.Die("Invalid source identity ID", err, nil)
		}
		to, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			utils.Die("Invalid target identity ID", err, nil)
		}
		runMerge(cmd.Context(), from, to)
	},
}

func init() {
	mergeCmd.Flags().BoolVar(&mergeDeleteSource, "delete-source", false, "Delete the emptied source identity")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(ctx context.Context, from, to int64) {
	res, err := DB.MergeOwners(ctx, from, to, mergeDeleteSource)
	if err != nil {
		utils.Die("Failed to merge identities", err, nil)
	}

	fmt.Printf("✅ Moved %d embedding(s) from Identity %d to Identity %d\n", res.Moved, from, to)
	if res.AdoptedName != "" {
		fmt.Printf("🏷️  Identity %d is now called '%s'\n", to, res.AdoptedName)
	}
	if res.Deleted {
		fmt.Printf("🗑️  Identity %d deleted\n", from)
	}
}
