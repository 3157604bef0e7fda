package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/spf13/cobra"
)

var (
	deleteEmbeddingsOnly bool
	deleteYes            bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <identity_id>",
	Short: "Delete an identity and its embeddings",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		runDelete(cmd.Context(), id)
	},
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteEmbeddingsOnly, "embeddings-only", false, "Keep the identity, delete only its embeddings")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(ctx context.Context, id int64) {
	o, err := DB.GetOwner(ctx, id)
	if err != nil {
		utils.Die("Failed to load identity", err, nil)
	}

	what := fmt.Sprintf("%s (ID: %d) and its %d embedding(s)", o.Label(), o.ID, o.Embeddings)
	if deleteEmbeddingsOnly {
		what = fmt.Sprintf("the %d embedding(s) of %s (ID: %d)", o.Embeddings, o.Label(), o.ID)
	}
	if !deleteYes && !confirm(bufio.NewReader(os.Stdin), "⚠️  Delete "+what+"?") {
		fmt.Println("Aborted.")
		return
	}

	if deleteEmbeddingsOnly {
		n, err := DB.DeleteOwnerEmbeddings(ctx, id)
		if err != nil {
			utils.Die("Failed to delete embeddings", err, nil)
		}
		fmt.Printf("🗑️  Deleted %d embedding(s)\n", n)
		return
	}
	if err := DB.DeleteOwner(ctx, id); err != nil {
		utils.Die("Failed to delete identity", err, nil)
	}
	fmt.Printf("🗑️  Deleted %s\n", o.Label())
}
