package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/registry"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/spf13/cobra"
)

var (
	enrollName     string
	enrollOwner    int64
	enrollForce    bool
	enrollImages   []string
	enrollEmbedder string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll [vectors.json...]",
	Short: "Add face embeddings for a person",
	Long: `Stores one or more embeddings under a new identity, or under an existing one
with --owner. Vectors come from JSON files (a vector or a list of vectors per
file) or from images with --image and --embedder.

Every vector is checked against the enrolled identities first; a face that
already belongs to someone else is refused unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args)
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollName, "name", "", "Name of the new identity (empty for anonymous)")
	enrollCmd.Flags().Int64Var(&enrollOwner, "owner", 0, "Add to this existing identity instead of creating one")
	enrollCmd.Flags().BoolVar(&enrollForce, "force", false, "Skip the duplicate-face check")
	enrollCmd.Flags().StringSliceVar(&enrollImages, "image", nil, "Image(s) to embed, repeatable")
	enrollCmd.Flags().StringVar(&enrollEmbedder, "embedder", "", "Embedder command line used with --image")
	enrollCmd.MarkFlagsMutuallyExclusive("name", "owner")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, files []string) error {
	req := registry.EnrollRequest{Name: enrollName, OwnerID: enrollOwner, Force: enrollForce}

	for _, path := range files {
		vecs, err := utils.ReadVectors(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		req.Vectors = append(req.Vectors, vecs...)
	}
	if len(enrollImages) > 0 {
		faces, err := embedImages(ctx, enrollImages, enrollEmbedder)
		if err != nil {
			return err
		}
		for _, f := range faces {
			req.Vectors = append(req.Vectors, match.Vector(f.Vector))
			req.Quality = max(req.Quality, f.Quality)
			req.FaceSize = max(req.FaceSize, f.FaceSize())
		}
	}

	if req.Name != "" {
		if o, ok, err := store.FindOwnerByName(ctx, DB, req.Name); err == nil && ok {
			fmt.Fprintf(os.Stderr, "⚠️  An identity named '%s' already exists (ID: %d). Use --owner %d to add to it.\n", o.Name, o.ID, o.ID)
		}
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	res, err := registry.Enroll(ctx, DB, engine, req)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyEnrolled) {
			fmt.Fprintf(os.Stderr, "❌ %v\n   Use --owner %d to add to that identity, or --force to enroll anyway.\n", err, res.Existing.OwnerID)
			return err
		}
		utils.ShowError("Enrollment failed", err, nil)
		return err
	}

	fmt.Printf("✅ Enrolled %d embedding(s) for %s (ID: %d, %d total)\n",
		res.Added, res.Owner.Label(), res.Owner.ID, res.Owner.Embeddings)
	return nil
}
