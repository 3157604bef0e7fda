package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

// TestMemorySnapshotConcurrency runs readers against a writer to make sure a
// snapshot never exposes a half-written owner.
func TestMemorySnapshotConcurrency(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			o, _ := m.CreateOwner(ctx, "")
			m.AppendEmbedding(ctx, store.Embedding{OwnerID: o.ID, Vector: match.Vector{1, float32(i)}})
		}
	}()

	for i := 0; i < 200; i++ {
		snap, err := m.Snapshot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, s := range snap.Samples() {
			if !knownOwner(snap, s.OwnerID) {
				t.Fatalf("sample %d references owner %d missing from the same snapshot", s.ID, s.OwnerID)
			}
		}
	}
	wg.Wait()
}

// knownOwner relies on owner IDs being handed out sequentially from 1.
// Anonymous owners have an empty name, so the name alone can't prove presence.
func knownOwner(snap *store.Snapshot, id int64) bool {
	return id >= 1 && int(id) <= snap.Owners()
}

func TestSnapshotDim(t *testing.T) {
	tests := []struct {
		name    string
		samples []match.Sample
		want    int
	}{
		{"Empty", nil, 0},
		{"Uniform", []match.Sample{{Vector: match.Vector{1, 0, 0}}, {Vector: match.Vector{0, 1, 0}}}, 3},
		{"Majority wins", []match.Sample{{Vector: match.Vector{1, 0}}, {Vector: match.Vector{1, 0, 0}}, {Vector: match.Vector{0, 1, 0}}}, 3},
		{"Tie goes to shorter", []match.Sample{{Vector: match.Vector{1, 0, 0}}, {Vector: match.Vector{1, 0}}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := store.NewSnapshot(tt.samples, nil).Dim(); got != tt.want {
				t.Errorf("Dim() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"José  Silva", "jose silva"},
		{"  ÁLVARO ", "alvaro"},
		{"Zoë", "zoe"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := store.NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFindOwnerByName(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	want, _ := m.CreateOwner(ctx, "João Pedro")
	m.CreateOwner(ctx, "")

	got, ok, err := store.FindOwnerByName(ctx, m, "joao   pedro")
	if err != nil || !ok || got.ID != want.ID {
		t.Errorf("FindOwnerByName = %+v, %v, %v", got, ok, err)
	}
	if _, ok, _ := store.FindOwnerByName(ctx, m, ""); ok {
		t.Error("empty name matched an anonymous owner")
	}
}

func TestLabel(t *testing.T) {
	if got := store.Label(3, ""); got != "Identity 3" {
		t.Errorf("Label = %q", got)
	}
	if got := store.Label(3, "Ana"); got != "Ana" {
		t.Errorf("Label = %q", got)
	}
}
