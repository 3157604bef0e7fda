// Package registry holds the maintenance operations shared by the CLI and
// the HTTP API: enrollment with a duplicate guard, conflict detection
// between owners and retention cleanup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
)

var (
	// ErrAlreadyEnrolled is returned when an enrollment vector already
	// resolves to another owner and Force is not set.
	ErrAlreadyEnrolled = errors.New("face already enrolled")
	ErrNoVectors       = errors.New("no vectors to enroll")
)

// EnrollRequest describes a batch of vectors for one person.
type EnrollRequest struct {
	Name     string         `json:"name"`
	OwnerID  int64          `json:"owner_id,omitempty"` // add to an existing owner instead of creating one
	Vectors  []match.Vector `json:"vectors"`
	Quality  float64        `json:"quality,omitempty"`
	FaceSize int            `json:"face_size,omitempty"`
	Force    bool           `json:"force,omitempty"`
}

// EnrollResult reports what Enroll wrote.
type EnrollResult struct {
	Owner store.Owner `json:"owner"`
	Added int         `json:"added"`
	// Existing is the match that blocked the enrollment, if any.
	Existing *match.Outcome `json:"existing,omitempty"`
}

// rollbackTimeout bounds the cleanup after a failed enrollment write. It runs
// even when the request context is already done.
const rollbackTimeout = 5 * time.Second

// Enroll stores req.Vectors under a new owner, or under req.OwnerID when set.
// Every vector is resolved first: a vector that matches a different owner
// blocks the whole request with ErrAlreadyEnrolled unless Force is set.
// Vectors must share the corpus dimension, Force or not. A failed write
// undoes the ones before it, so a batch is stored whole or not at all.
func Enroll(ctx context.Context, db store.Store, engine *match.Engine, req EnrollRequest) (EnrollResult, error) {
	var res EnrollResult
	if len(req.Vectors) == 0 {
		return res, ErrNoVectors
	}
	for i, v := range req.Vectors {
		if err := match.Validate(v); err != nil {
			return res, fmt.Errorf("vector %d: %w", i, err)
		}
		if err := store.CheckDim(v, len(req.Vectors[0])); err != nil {
			return res, fmt.Errorf("vector %d: %w", i, err)
		}
	}

	if req.OwnerID != 0 {
		o, err := db.GetOwner(ctx, req.OwnerID)
		if err != nil {
			return res, err
		}
		res.Owner = o
	}

	snap, err := db.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("load corpus: %w", err)
	}
	if err := store.CheckDim(req.Vectors[0], snap.Dim()); err != nil {
		return res, err
	}

	if !req.Force {
		for i, v := range req.Vectors {
			id, err := engine.Identify(v, snap)
			if err != nil {
				return res, fmt.Errorf("vector %d: %w", i, err)
			}
			if id.IsMatch() && id.OwnerID != req.OwnerID {
				out := id.Outcome
				res.Existing = &out
				return res, fmt.Errorf("%w: vector %d matches %s (ID %d) at distance %.4f",
					ErrAlreadyEnrolled, i, store.Label(id.OwnerID, id.Name), id.OwnerID, id.Distance)
			}
		}
	}

	created := req.OwnerID == 0
	if created {
		o, err := db.CreateOwner(ctx, req.Name)
		if err != nil {
			return res, err
		}
		res.Owner = o
	}

	added := make([]int64, 0, len(req.Vectors))
	for i, v := range req.Vectors {
		id, err := db.AppendEmbedding(ctx, store.Embedding{
			OwnerID:  res.Owner.ID,
			Vector:   v,
			Quality:  req.Quality,
			FaceSize: req.FaceSize,
		})
		if err != nil {
			undo(ctx, db, res.Owner.ID, created, added)
			return EnrollResult{}, fmt.Errorf("store vector %d: %w", i, err)
		}
		added = append(added, id)
	}
	res.Added = len(added)
	res.Owner.Embeddings += res.Added
	slog.Debug("enrolled", "owner_id", res.Owner.ID, "name", res.Owner.Name, "added", res.Added)
	return res, nil
}

// undo removes what a failed Enroll wrote: the whole owner when Enroll
// created it, otherwise only the embeddings it appended.
func undo(ctx context.Context, db store.Store, owner int64, created bool, added []int64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	var err error
	switch {
	case created:
		err = db.DeleteOwner(rctx, owner)
	case len(added) > 0:
		_, err = db.DeleteEmbeddings(rctx, added)
	}
	if err != nil {
		slog.Warn("failed to roll back enrollment", "owner_id", owner, "created", created, "error", err)
	}
}

func samples(embs []store.Embedding) []match.Sample {
	out := make([]match.Sample, len(embs))
	for i, e := range embs {
		out[i] = match.Sample{ID: e.ID, OwnerID: e.OwnerID, Vector: e.Vector}
	}
	return out
}

// Conflicts finds embeddings of owner a that lie within threshold of an
// embedding of owner b, and the reverse. When b is 0 owner a is checked
// against every other owner in the corpus.
func Conflicts(ctx context.Context, db store.Store, a, b int64, threshold float64) ([]match.Conflict, error) {
	if a == b {
		return nil, store.ErrSameOwner
	}
	if _, err := db.GetOwner(ctx, a); err != nil {
		return nil, err
	}
	ea, err := db.OwnerEmbeddings(ctx, a)
	if err != nil {
		return nil, err
	}

	var others []match.Sample
	if b != 0 {
		if _, err := db.GetOwner(ctx, b); err != nil {
			return nil, err
		}
		eb, err := db.OwnerEmbeddings(ctx, b)
		if err != nil {
			return nil, err
		}
		others = samples(eb)
	} else {
		snap, err := db.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range snap.Samples() {
			if s.OwnerID != a {
				others = append(others, s)
			}
		}
	}
	return match.FindConflicts(samples(ea), others, threshold), nil
}

// CleanupResult counts what Cleanup removed.
type CleanupResult struct {
	Orphans int `json:"orphans"`
	Events  int `json:"events"`
}

// Cleanup removes embeddings without an owner and, when retentionDays is
// positive, events older than that many days.
func Cleanup(ctx context.Context, db store.Store, retentionDays int, now time.Time) (CleanupResult, error) {
	var res CleanupResult
	n, err := db.DeleteOrphanEmbeddings(ctx)
	if err != nil {
		return res, fmt.Errorf("delete orphans: %w", err)
	}
	res.Orphans = n
	if retentionDays > 0 {
		cutoff := now.AddDate(0, 0, -retentionDays)
		n, err := db.PurgeEvents(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("purge events: %w", err)
		}
		res.Events = n
	}
	return res, nil
}
