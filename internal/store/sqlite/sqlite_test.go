package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/store/storetest"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return tempDB(t)
	})
}

func TestVectorEncoding(t *testing.T) {
	v := match.Vector{0.5, -1.25, 3e-7, 0}
	got := decodeVector(encodeVector(v))
	if len(got) != len(v) {
		t.Fatalf("decoded %d values, want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("index %d = %v, want %v", i, got[i], v[i])
		}
	}
}
