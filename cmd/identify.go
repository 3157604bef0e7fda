package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/types"
	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/andresmejia3/bioface/internal/worker"
	"github.com/spf13/cobra"
)

var (
	identifyImage    string
	identifyEmbedder string
	identifyExplain  bool
	identifyJSON     bool
)

var identifyCmd = &cobra.Command{
	Use:   "identify [vector.json]",
	Short: "Resolve a face against the enrolled identities",
	Long: `Resolves one face embedding against every enrolled identity and prints the
decision. The embedding is read from a JSON file, or computed from an image
with --image and --embedder (the largest face is used).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		var path string
		if len(args) == 1 {
			path = args[0]
		}
		return runIdentify(cmd.Context(), path)
	},
}

func init() {
	identifyCmd.Flags().StringVar(&identifyImage, "image", "", "Image to embed instead of a vector file")
	identifyCmd.Flags().StringVar(&identifyEmbedder, "embedder", "", "Embedder command line used with --image")
	identifyCmd.Flags().BoolVar(&identifyExplain, "explain", false, "Print every candidate that was considered")
	identifyCmd.Flags().BoolVar(&identifyJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, vectorPath string) error {
	query, err := loadQuery(ctx, vectorPath, identifyImage, identifyEmbedder)
	if err != nil {
		return err
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
	snap, err := DB.Snapshot(ctx)
	if err != nil {
		utils.ShowError("Failed to load enrolled identities", err, nil)
		return err
	}
	id, err := engine.Identify(query, snap)
	if err != nil {
		return fmt.Errorf("invalid query vector: %w", err)
	}

	if identifyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(id)
	}

	printOutcome(id.Outcome)
	if identifyExplain {
		printCandidates(id)
	}
	return nil
}

// loadQuery returns the single query vector from a vector file or an image.
func loadQuery(ctx context.Context, vectorPath, imagePath, embedder string) (match.Vector, error) {
	switch {
	case vectorPath != "" && imagePath != "":
		return nil, errors.New("give either a vector file or --image, not both")
	case imagePath != "":
		d, err := embedLargestFace(ctx, imagePath, embedder)
		if err != nil {
			return nil, err
		}
		return match.Vector(d.Vector), nil
	case vectorPath != "":
		vecs, err := utils.ReadVectors(vectorPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", vectorPath, err)
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("%s holds %d vectors, expected exactly one", vectorPath, len(vecs))
		}
		return vecs[0], nil
	default:
		return nil, errors.New("a vector file or --image is required")
	}
}

// embedImages runs the images through one embedder process and returns the
// largest face of each.
func embedImages(ctx context.Context, paths []string, embedder string) ([]types.Detection, error) {
	argv := strings.Fields(embedder)
	if len(argv) == 0 {
		return nil, errors.New("--embedder is required to embed images")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting Embedder...")
	// We use ID 0 for this ad-hoc embedder
	e, err := worker.NewEmbedder(0, argv[0], argv[1:]...)
	if err != nil {
		utils.ShowError("Failed to start embedder", err, nil)
		return nil, err
	}
	defer e.Close()

	out := make([]types.Detection, 0, len(paths))
	for _, path := range paths {
		imgData, err := os.ReadFile(path)
		if err != nil {
			utils.ShowError("Failed to read image file", err, nil)
			return nil, err
		}

		fmt.Fprintf(os.Stderr, "🔍 Analyzing %s...\n", path)
		faces, err := e.ProcessFrame(imgData)
		if err != nil {
			utils.ShowError("Embedding failed", err, e.Cmd)
			return nil, err
		}
		if len(faces) == 0 {
			return nil, fmt.Errorf("no faces detected in %s", path)
		}
		if len(faces) > 1 {
			fmt.Fprintf(os.Stderr, "⚠️  Multiple faces detected (%d). Using the largest face.\n", len(faces))
		}
		out = append(out, largestFace(faces))
	}
	return out, nil
}

func embedLargestFace(ctx context.Context, path, embedder string) (types.Detection, error) {
	if _, err := os.Stat(path); err != nil {
		utils.ShowError("Input file does not exist", err, nil)
		return types.Detection{}, err
	}
	faces, err := embedImages(ctx, []string{path}, embedder)
	if err != nil {
		return types.Detection{}, err
	}
	return faces[0], nil
}

func largestFace(faces []types.Detection) types.Detection {
	best := faces[0]
	maxArea := boxArea(best.Box)
	for _, f := range faces[1:] {
		if area := boxArea(f.Box); area > maxArea {
			maxArea = area
			best = f
		}
	}
	return best
}

func boxArea(b [4]int) int {
	return (b[2] - b[0]) * (b[3] - b[1])
}

func printOutcome(o match.Outcome) {
	if o.IsMatch() {
		fmt.Printf("✅ Found Match: %s (ID: %d, distance %.3f, %d samples)\n",
			store.Label(o.OwnerID, o.Name), o.OwnerID, o.Distance, o.SampleCount)
		return
	}
	switch o.Reason {
	case match.NoCandidates:
		fmt.Println("❌ No match found in database.")
	case match.BelowQuality:
		fmt.Printf("❌ Closest identity %s is too far away (distance %.3f).\n", store.Label(o.OwnerID, o.Name), o.Distance)
	default:
		fmt.Printf("❌ No confident match: %s", o.Reason)
		if o.Rule != "" {
			fmt.Printf(" (%s)", o.Rule)
		}
		fmt.Println()
	}
}

func printCandidates(id match.Identification) {
	fmt.Printf("\nCompared %d embeddings, %d within range", id.Report.Compared, id.Report.Included)
	if id.Report.Skipped > 0 {
		fmt.Printf(", %d skipped", id.Report.Skipped)
	}
	fmt.Println(".")
	if len(id.Candidates) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nRANK\tID\tNAME\tMIN DIST\tMEAN DIST\tSAMPLES")
	fmt.Fprintln(w, "----\t--\t----\t--------\t---------\t-------")
	for i, c := range id.Candidates {
		fmt.Fprintf(w, "%d\t%d\t%s\t%.4f\t%.4f\t%d\n",
			i+1, c.OwnerID, store.Label(c.OwnerID, c.Name), c.MinDistance, c.MeanDistance, c.SampleCount)
	}
	w.Flush()
}
