package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every identity, embedding and event",
	Run: func(cmd *cobra.Command, args []string) {
		if !resetYes && !confirm(bufio.NewReader(os.Stdin), "⚠️  Are you sure you want to DELETE all identities, embeddings and events?") {
			fmt.Println("Aborted.")
			return
		}

		fmt.Println("🗑️  Clearing Database...")
		if err := DB.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset database", err, nil)
		}
		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
