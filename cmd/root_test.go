package cmd

import (
	"context"
	"strings"
	"testing"

	"github.com/andresmejia3/bioface/internal/store"
)

// countingStore records how often the CLI closed it.
type countingStore struct {
	store.Store
	closed int
}

func (c *countingStore) Close() error {
	c.closed++
	return c.Store.Close()
}

func TestCloseStore(t *testing.T) {
	cs := &countingStore{Store: store.NewMemory()}
	DB = cs
	closeStore()
	closeStore()
	if cs.closed != 1 {
		t.Errorf("Close called %d times, want 1", cs.closed)
	}
	if DB != nil {
		t.Error("DB still set after closeStore")
	}
}

func TestExecuteClosesStoreOnError(t *testing.T) {
	t.Cleanup(func() { dbURL, logLevel = "", "" })

	// identify without a vector fails inside RunE, after the store was opened
	err := execute(context.Background(), []string{"--db", "memory://", "--log-level", "error", "identify"})
	if err == nil || !strings.Contains(err.Error(), "vector file or --image is required") {
		t.Fatalf("err = %v, want the missing vector error", err)
	}
	if DB != nil {
		t.Error("store left open after a failing command")
	}
}
