package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/bioface/internal/match"
)

var (
	ErrOwnerNotFound = errors.New("owner not found")
	ErrSameOwner     = errors.New("source and target owner are the same")
)

// Owner is an identity that embeddings belong to. An empty Name means anonymous.
type Owner struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Embeddings int       `json:"embeddings"`
}

// Named reports whether the owner carries a human-assigned name.
func (o Owner) Named() bool { return strings.TrimSpace(o.Name) != "" }

// Label is the name to show for the owner.
func (o Owner) Label() string { return Label(o.ID, o.Name) }

// Label renders an owner for display, falling back to its ID when anonymous.
func Label(id int64, name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return fmt.Sprintf("Identity %d", id)
}

// CheckDim rejects a vector whose length differs from the corpus dimension.
// A dim of 0 means the corpus is empty and any length is accepted.
func CheckDim(v match.Vector, dim int) error {
	if dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: vector has %d dimensions, corpus has %d", match.ErrDimensionMismatch, len(v), dim)
	}
	return nil
}

// Embedding is one stored sample of an owner's face.
type Embedding struct {
	ID        int64        `json:"id"`
	OwnerID   int64        `json:"owner_id"`
	Vector    match.Vector `json:"vector"`
	Quality   float64      `json:"quality"`
	FaceSize  int          `json:"face_size"`
	CreatedAt time.Time    `json:"created_at"`
}

// EventKind separates the identity and emotion streams.
type EventKind string

const (
	EventIdentity EventKind = "identity"
	EventEmotion  EventKind = "emotion"
)

// Event records a stable-state change for a tracked subject.
type Event struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Kind       EventKind `json:"kind"`
	OwnerID    int64     `json:"owner_id,omitempty"` // 0 when no owner is known
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// EventFilter narrows Events. Zero fields match everything.
type EventFilter struct {
	Kind    EventKind
	OwnerID int64
	Since   time.Time
	Limit   int
}

// MergeResult summarizes a MergeOwners call.
type MergeResult struct {
	Moved       int    `json:"moved"`
	AdoptedName string `json:"adopted_name,omitempty"`
	Deleted     bool   `json:"deleted"`
}

// Stats is an aggregate view of the database.
type Stats struct {
	Owners      int            `json:"owners"`
	NamedOwners int            `json:"named_owners"`
	Embeddings  int            `json:"embeddings"`
	Events      int            `json:"events"`
	Emotions    map[string]int `json:"emotions"`
}

// Store is everything the engine and the maintenance tools need from persistence.
// Snapshot must return a view that is consistent across owners and embeddings.
type Store interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
	OwnerName(ctx context.Context, id int64) (string, error)

	CreateOwner(ctx context.Context, name string) (Owner, error)
	GetOwner(ctx context.Context, id int64) (Owner, error)
	ListOwners(ctx context.Context) ([]Owner, error)
	RenameOwner(ctx context.Context, id int64, name string) error
	DeleteOwner(ctx context.Context, id int64) error
	MergeOwners(ctx context.Context, from, to int64, deleteSource bool) (MergeResult, error)

	AppendEmbedding(ctx context.Context, e Embedding) (int64, error)
	OwnerEmbeddings(ctx context.Context, ownerID int64) ([]Embedding, error)
	DeleteEmbeddings(ctx context.Context, ids []int64) (int, error)
	DeleteOwnerEmbeddings(ctx context.Context, ownerID int64) (int, error)
	DeleteOrphanEmbeddings(ctx context.Context) (int, error)

	LogEvent(ctx context.Context, ev Event) error
	Events(ctx context.Context, f EventFilter) ([]Event, error)
	PurgeEvents(ctx context.Context, before time.Time) (int, error)

	Stats(ctx context.Context) (Stats, error)
	Reset(ctx context.Context) error
	Close() error
}
