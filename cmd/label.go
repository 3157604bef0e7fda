package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Assign a name to an identity (use \"\" to make it anonymous again)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		runLabel(cmd.Context(), id, args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id int64, name string) {
	// A second owner with the same name is allowed but usually a mistake
	if o, ok, err := store.FindOwnerByName(ctx, DB, name); err == nil && ok && o.ID != id {
		fmt.Fprintf(os.Stderr, "⚠️  Identity %d is already called '%s'. Consider 'bioface merge %d %d'.\n", o.ID, o.Name, id, o.ID)
	}

	if err := DB.RenameOwner(ctx, id, name); err != nil {
		utils.Die("Failed to label identity", err, nil)
	}

	if name == "" {
		fmt.Printf("✅ Identity %d is now anonymous\n", id)
		return
	}
	fmt.Printf("✅ Identity %d labeled as '%s'\n", id, name)
}
