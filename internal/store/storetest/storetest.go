// Package storetest holds the behavior every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
)

// Run exercises a backend. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("OwnersAndSnapshot", func(t *testing.T) {
		s := open(t)

		ana, err := s.CreateOwner(ctx, "  Ana ")
		if err != nil {
			t.Fatalf("CreateOwner failed: %v", err)
		}
		if ana.ID <= 0 || ana.Name != "Ana" {
			t.Errorf("CreateOwner = %+v, want positive ID and trimmed name", ana)
		}
		anon, err := s.CreateOwner(ctx, "")
		if err != nil {
			t.Fatalf("CreateOwner failed: %v", err)
		}

		mustAppend(t, s, ana.ID, match.Vector{1, 0, 0})
		mustAppend(t, s, ana.ID, match.Vector{0.9, 0.1, 0})
		mustAppend(t, s, anon.ID, match.Vector{0, 1, 0})

		snap, err := s.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if snap.Len() != 3 {
			t.Errorf("Snapshot has %d samples, want 3", snap.Len())
		}
		if snap.OwnerName(ana.ID) != "Ana" || snap.OwnerName(anon.ID) != "" {
			t.Errorf("Snapshot names = %q / %q", snap.OwnerName(ana.ID), snap.OwnerName(anon.ID))
		}
		for _, smp := range snap.Samples() {
			if len(smp.Vector) != 3 {
				t.Errorf("sample %d has %d dimensions, want 3", smp.ID, len(smp.Vector))
			}
		}

		// A snapshot is not affected by later writes
		mustAppend(t, s, anon.ID, match.Vector{0, 0, 1})
		if snap.Len() != 3 {
			t.Errorf("published snapshot changed to %d samples", snap.Len())
		}

		owners, err := s.ListOwners(ctx)
		if err != nil {
			t.Fatalf("ListOwners failed: %v", err)
		}
		if len(owners) != 2 || owners[0].Embeddings != 2 || owners[1].Embeddings != 2 {
			t.Errorf("ListOwners = %+v", owners)
		}

		name, err := s.OwnerName(ctx, ana.ID)
		if err != nil || name != "Ana" {
			t.Errorf("OwnerName = %q, %v", name, err)
		}
		if _, err := s.OwnerName(ctx, 9999); !errors.Is(err, store.ErrOwnerNotFound) {
			t.Errorf("OwnerName(unknown) error = %v, want ErrOwnerNotFound", err)
		}
	})

	t.Run("RenameAndDelete", func(t *testing.T) {
		s := open(t)
		o, _ := s.CreateOwner(ctx, "")
		mustAppend(t, s, o.ID, match.Vector{1, 1})

		if err := s.RenameOwner(ctx, o.ID, "Bruno"); err != nil {
			t.Fatalf("RenameOwner failed: %v", err)
		}
		got, err := s.GetOwner(ctx, o.ID)
		if err != nil || got.Name != "Bruno" || !got.Named() {
			t.Errorf("GetOwner after rename = %+v, %v", got, err)
		}
		if err := s.RenameOwner(ctx, 9999, "x"); !errors.Is(err, store.ErrOwnerNotFound) {
			t.Errorf("RenameOwner(unknown) error = %v", err)
		}

		if err := s.DeleteOwner(ctx, o.ID); err != nil {
			t.Fatalf("DeleteOwner failed: %v", err)
		}
		if _, err := s.GetOwner(ctx, o.ID); !errors.Is(err, store.ErrOwnerNotFound) {
			t.Errorf("GetOwner after delete error = %v", err)
		}
		snap, _ := s.Snapshot(ctx)
		if snap.Len() != 0 {
			t.Errorf("embeddings survived owner deletion: %d", snap.Len())
		}
	})

	t.Run("AppendValidation", func(t *testing.T) {
		s := open(t)
		o, _ := s.CreateOwner(ctx, "")
		if _, err := s.AppendEmbedding(ctx, store.Embedding{OwnerID: o.ID}); !errors.Is(err, match.ErrEmptyVector) {
			t.Errorf("empty vector error = %v", err)
		}
		if _, err := s.AppendEmbedding(ctx, store.Embedding{OwnerID: 9999, Vector: match.Vector{1}}); !errors.Is(err, store.ErrOwnerNotFound) {
			t.Errorf("unknown owner error = %v", err)
		}
	})

	t.Run("DimensionGuard", func(t *testing.T) {
		s := open(t)
		o, _ := s.CreateOwner(ctx, "Fabi")

		// The first vector fixes the corpus dimension
		mustAppend(t, s, o.ID, match.Vector{1, 0, 0, 0})
		if _, err := s.AppendEmbedding(ctx, store.Embedding{OwnerID: o.ID, Vector: match.Vector{1, 0, 0}}); !errors.Is(err, match.ErrDimensionMismatch) {
			t.Errorf("3-dim vector into 4-dim corpus: err = %v, want ErrDimensionMismatch", err)
		}
		mustAppend(t, s, o.ID, match.Vector{0, 1, 0, 0})

		snap, err := s.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if snap.Len() != 2 || snap.Dim() != 4 {
			t.Errorf("Snapshot = %d samples of dim %d, want 2 of dim 4", snap.Len(), snap.Dim())
		}
	})

	t.Run("Merge", func(t *testing.T) {
		s := open(t)
		named, _ := s.CreateOwner(ctx, "Carla")
		anon, _ := s.CreateOwner(ctx, "")
		mustAppend(t, s, named.ID, match.Vector{1, 0})
		mustAppend(t, s, named.ID, match.Vector{1, 0.1})
		mustAppend(t, s, anon.ID, match.Vector{1, 0.2})

		res, err := s.MergeOwners(ctx, named.ID, anon.ID, true)
		if err != nil {
			t.Fatalf("MergeOwners failed: %v", err)
		}
		if res.Moved != 2 || res.AdoptedName != "Carla" || !res.Deleted {
			t.Errorf("MergeOwners = %+v", res)
		}

		got, _ := s.GetOwner(ctx, anon.ID)
		if got.Name != "Carla" || got.Embeddings != 3 {
			t.Errorf("merged owner = %+v, want Carla with 3 embeddings", got)
		}
		if _, err := s.GetOwner(ctx, named.ID); !errors.Is(err, store.ErrOwnerNotFound) {
			t.Errorf("source owner still exists: %v", err)
		}
		if _, err := s.MergeOwners(ctx, anon.ID, anon.ID, false); !errors.Is(err, store.ErrSameOwner) {
			t.Errorf("self merge error = %v", err)
		}
	})

	t.Run("DeleteEmbeddings", func(t *testing.T) {
		s := open(t)
		o, _ := s.CreateOwner(ctx, "Davi")
		id1 := mustAppend(t, s, o.ID, match.Vector{1, 0})
		mustAppend(t, s, o.ID, match.Vector{0, 1})
		mustAppend(t, s, o.ID, match.Vector{1, 1})

		n, err := s.DeleteEmbeddings(ctx, []int64{id1})
		if err != nil || n != 1 {
			t.Errorf("DeleteEmbeddings = %d, %v", n, err)
		}
		embs, _ := s.OwnerEmbeddings(ctx, o.ID)
		if len(embs) != 2 {
			t.Fatalf("OwnerEmbeddings returned %d, want 2", len(embs))
		}

		n, err = s.DeleteOwnerEmbeddings(ctx, o.ID)
		if err != nil || n != 2 {
			t.Errorf("DeleteOwnerEmbeddings = %d, %v", n, err)
		}
		if n, err := s.DeleteOrphanEmbeddings(ctx); err != nil || n != 0 {
			t.Errorf("DeleteOrphanEmbeddings = %d, %v", n, err)
		}
	})

	t.Run("Events", func(t *testing.T) {
		s := open(t)
		old := time.Now().UTC().Add(-48 * time.Hour)
		events := []store.Event{
			{ID: "e1", Subject: "cam0/1", Kind: store.EventEmotion, Value: "happy", Confidence: 0.8, At: old},
			{ID: "e2", Subject: "cam0/1", Kind: store.EventEmotion, Value: "happy", Confidence: 0.7},
			{ID: "e3", Subject: "cam0/1", Kind: store.EventIdentity, OwnerID: 4, Value: "Ana", Confidence: 0.9},
		}
		for _, ev := range events {
			if err := s.LogEvent(ctx, ev); err != nil {
				t.Fatalf("LogEvent failed: %v", err)
			}
		}

		got, err := s.Events(ctx, store.EventFilter{Kind: store.EventEmotion})
		if err != nil || len(got) != 2 {
			t.Fatalf("Events(emotion) = %d, %v", len(got), err)
		}
		if got[0].ID != "e2" {
			t.Errorf("Events not newest first: %+v", got)
		}

		st, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if st.Events != 3 || st.Emotions["happy"] != 2 {
			t.Errorf("Stats = %+v", st)
		}

		n, err := s.PurgeEvents(ctx, time.Now().UTC().Add(-24*time.Hour))
		if err != nil || n != 1 {
			t.Errorf("PurgeEvents = %d, %v", n, err)
		}
		got, _ = s.Events(ctx, store.EventFilter{OwnerID: 4})
		if len(got) != 1 || got[0].Value != "Ana" {
			t.Errorf("Events(owner 4) = %+v", got)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		s := open(t)
		o, _ := s.CreateOwner(ctx, "Eva")
		mustAppend(t, s, o.ID, match.Vector{1})
		if err := s.Reset(ctx); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}
	})
}

func mustAppend(t *testing.T, s store.Store, owner int64, v match.Vector) int64 {
	t.Helper()
	id, err := s.AppendEmbedding(context.Background(), store.Embedding{OwnerID: owner, Vector: v, Quality: 0.9})
	if err != nil {
		t.Fatalf("AppendEmbedding failed: %v", err)
	}
	return id
}
