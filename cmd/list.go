package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known identities in the database",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) {
	owners, err := DB.ListOwners(ctx)
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}

	if len(owners) == 0 {
		fmt.Println("No identities found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMBEDDINGS\tCREATED")
	fmt.Fprintln(w, "--\t----\t----------\t-------")

	for _, o := range owners {
		name := o.Name
		if !o.Named() {
			name = "(anonymous)"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", o.ID, name, o.Embeddings, o.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
