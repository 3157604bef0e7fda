package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/spf13/cobra"
)

var (
	eventsKind  string
	eventsOwner int64
	eventsSince time.Duration
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recorded identity and emotion changes, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		f := store.EventFilter{Kind: store.EventKind(eventsKind), OwnerID: eventsOwner, Limit: eventsLimit}
		switch f.Kind {
		case "", store.EventIdentity, store.EventEmotion:
		default:
			utils.Die("Invalid event kind", fmt.Errorf("want identity or emotion, got %q", eventsKind), nil)
		}
		if eventsSince > 0 {
			f.Since = time.Now().Add(-eventsSince)
		}

		events, err := DB.Events(cmd.Context(), f)
		if err != nil {
			utils.Die("Failed to read events", err, nil)
		}
		if len(events) == 0 {
			fmt.Println("No events found.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TIME\tSUBJECT\tKIND\tVALUE\tCONFIDENCE")
		fmt.Fprintln(w, "----\t-------\t----\t-----\t----------")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\n",
				ev.At.Local().Format("2006-01-02 15:04:05"), ev.Subject, ev.Kind, ev.Value, ev.Confidence)
		}
		w.Flush()
	},
}

func init() {
	eventsCmd.Flags().StringVarP(&eventsKind, "kind", "k", "", "Only identity or emotion events")
	eventsCmd.Flags().Int64Var(&eventsOwner, "owner", 0, "Only events for this identity")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "Only events newer than this (e.g. 24h)")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "l", 50, "Maximum number of events, 0 for all")
	rootCmd.AddCommand(eventsCmd)
}
