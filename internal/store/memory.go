package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/bioface/internal/match"
)

// Memory is an in-process Store. Writers never touch a published Snapshot:
// every mutation drops the cached one and the next reader builds a fresh copy.
type Memory struct {
	mu         sync.RWMutex
	owners     map[int64]*Owner
	embeddings []Embedding
	events     []Event
	nextOwner  int64
	nextEmbed  int64
	snap       *Snapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{owners: make(map[int64]*Owner), nextOwner: 1, nextEmbed: 1}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Snapshot(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	if snap := m.snap; snap != nil {
		m.mu.RUnlock()
		return snap, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		samples := make([]match.Sample, 0, len(m.embeddings))
		for _, e := range m.embeddings {
			samples = append(samples, match.Sample{ID: e.ID, OwnerID: e.OwnerID, Vector: e.Vector})
		}
		names := make(map[int64]string, len(m.owners))
		for id, o := range m.owners {
			names[id] = o.Name
		}
		m.snap = NewSnapshot(samples, names)
	}
	return m.snap, nil
}

func (m *Memory) OwnerName(_ context.Context, id int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[id]
	if !ok {
		return "", ErrOwnerNotFound
	}
	return o.Name, nil
}

func (m *Memory) CreateOwner(_ context.Context, name string) (Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	o := &Owner{ID: m.nextOwner, Name: strings.TrimSpace(name), CreatedAt: now, UpdatedAt: now}
	m.nextOwner++
	m.owners[o.ID] = o
	m.snap = nil
	return *o, nil
}

func (m *Memory) GetOwner(_ context.Context, id int64) (Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[id]
	if !ok {
		return Owner{}, ErrOwnerNotFound
	}
	return m.withCount(*o), nil
}

func (m *Memory) withCount(o Owner) Owner {
	o.Embeddings = 0
	for _, e := range m.embeddings {
		if e.OwnerID == o.ID {
			o.Embeddings++
		}
	}
	return o
}

func (m *Memory) ListOwners(_ context.Context) ([]Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Owner, 0, len(m.owners))
	for _, o := range m.owners {
		out = append(out, m.withCount(*o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RenameOwner(_ context.Context, id int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.owners[id]
	if !ok {
		return ErrOwnerNotFound
	}
	o.Name = strings.TrimSpace(name)
	o.UpdatedAt = time.Now().UTC()
	m.snap = nil
	return nil
}

func (m *Memory) DeleteOwner(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[id]; !ok {
		return ErrOwnerNotFound
	}
	delete(m.owners, id)
	m.embeddings = slices.DeleteFunc(m.embeddings, func(e Embedding) bool { return e.OwnerID == id })
	m.snap = nil
	return nil
}

func (m *Memory) MergeOwners(_ context.Context, from, to int64, deleteSource bool) (MergeResult, error) {
	var res MergeResult
	if from == to {
		return res, ErrSameOwner
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.owners[from]
	if !ok {
		return res, ErrOwnerNotFound
	}
	dst, ok := m.owners[to]
	if !ok {
		return res, ErrOwnerNotFound
	}

	for i := range m.embeddings {
		if m.embeddings[i].OwnerID == from {
			m.embeddings[i].OwnerID = to
			res.Moved++
		}
	}
	if !dst.Named() && src.Named() {
		dst.Name = src.Name
		dst.UpdatedAt = time.Now().UTC()
		res.AdoptedName = src.Name
	}
	if deleteSource {
		delete(m.owners, from)
		res.Deleted = true
	}
	m.snap = nil
	return res, nil
}

func (m *Memory) AppendEmbedding(_ context.Context, e Embedding) (int64, error) {
	if err := match.Validate(e.Vector); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[e.OwnerID]; !ok {
		return 0, ErrOwnerNotFound
	}
	if len(m.embeddings) > 0 {
		if err := CheckDim(e.Vector, len(m.embeddings[0].Vector)); err != nil {
			return 0, err
		}
	}
	e.ID = m.nextEmbed
	m.nextEmbed++
	e.Vector = slices.Clone(e.Vector)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.embeddings = append(m.embeddings, e)
	m.snap = nil
	return e.ID, nil
}

func (m *Memory) OwnerEmbeddings(_ context.Context, ownerID int64) ([]Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Embedding
	for _, e := range m.embeddings {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) DeleteEmbeddings(_ context.Context, ids []int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.embeddings)
	m.embeddings = slices.DeleteFunc(m.embeddings, func(e Embedding) bool { return slices.Contains(ids, e.ID) })
	m.snap = nil
	return before - len(m.embeddings), nil
}

func (m *Memory) DeleteOwnerEmbeddings(_ context.Context, ownerID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[ownerID]; !ok {
		return 0, ErrOwnerNotFound
	}
	before := len(m.embeddings)
	m.embeddings = slices.DeleteFunc(m.embeddings, func(e Embedding) bool { return e.OwnerID == ownerID })
	m.snap = nil
	return before - len(m.embeddings), nil
}

func (m *Memory) DeleteOrphanEmbeddings(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.embeddings)
	m.embeddings = slices.DeleteFunc(m.embeddings, func(e Embedding) bool {
		_, ok := m.owners[e.OwnerID]
		return !ok
	})
	if n := before - len(m.embeddings); n > 0 {
		m.snap = nil
		return n, nil
	}
	return 0, nil
}

func (m *Memory) LogEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) Events(_ context.Context, f EventFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	// Newest first, like the SQL backends
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		if f.OwnerID != 0 && ev.OwnerID != f.OwnerID {
			continue
		}
		if !f.Since.IsZero() && ev.At.Before(f.Since) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PurgeEvents(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.events)
	m.events = slices.DeleteFunc(m.events, func(ev Event) bool { return ev.At.Before(before) })
	return n - len(m.events), nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Owners:     len(m.owners),
		Embeddings: len(m.embeddings),
		Events:     len(m.events),
		Emotions:   map[string]int{},
	}
	for _, o := range m.owners {
		if o.Named() {
			st.NamedOwners++
		}
	}
	for _, ev := range m.events {
		if ev.Kind == EventEmotion {
			st.Emotions[ev.Value]++
		}
	}
	return st, nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners = make(map[int64]*Owner)
	m.embeddings = nil
	m.events = nil
	m.nextOwner, m.nextEmbed = 1, 1
	m.snap = nil
	return nil
}

func (m *Memory) Close() error { return nil }
