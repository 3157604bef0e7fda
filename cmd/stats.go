package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database totals",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := DB.Stats(cmd.Context())
		if err != nil {
			utils.Die("Failed to read stats", err, nil)
		}

		fmt.Printf("👥 Identities:   %d (%d named, %d anonymous)\n", st.Owners, st.NamedOwners, st.Owners-st.NamedOwners)
		fmt.Printf("🧬 Embeddings:   %d\n", st.Embeddings)
		fmt.Printf("📜 Events:       %d\n", st.Events)

		if len(st.Emotions) == 0 {
			return
		}
		emotions := make([]string, 0, len(st.Emotions))
		for e := range st.Emotions {
			emotions = append(emotions, e)
		}
		sort.Slice(emotions, func(i, j int) bool {
			if st.Emotions[emotions[i]] != st.Emotions[emotions[j]] {
				return st.Emotions[emotions[i]] > st.Emotions[emotions[j]]
			}
			return emotions[i] < emotions[j]
		})

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "\nEMOTION\tEVENTS")
		fmt.Fprintln(w, "-------\t------")
		for _, e := range emotions {
			fmt.Fprintf(w, "%s\t%d\n", e, st.Emotions[e])
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
