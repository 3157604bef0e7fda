// Package tracking runs the per-frame pipeline for every tracked subject:
// resolve the face against the corpus, then smooth identity and emotion
// through one stabilizer each.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/bioface/internal/config"
	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/stabilizer"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/types"
	"github.com/google/uuid"
)

// Store is the part of store.Store the tracker reads from and writes back to.
type Store interface {
	Snapshot(ctx context.Context) (*store.Snapshot, error)
	CreateOwner(ctx context.Context, name string) (store.Owner, error)
	DeleteOwner(ctx context.Context, id int64) error
	AppendEmbedding(ctx context.Context, e store.Embedding) (int64, error)
	LogEvent(ctx context.Context, ev store.Event) error
}

// Options controls session lifetime and write-back.
type Options struct {
	Identity      config.WindowPolicy
	Emotion       config.WindowPolicy
	MaxIdleFrames int           // 0 keeps sessions until End is called
	RefreshEvery  int           // frames between corpus reloads, 0 reloads only after writes
	WriteTimeout  time.Duration // bound on every store write from the frame loop

	Learn         bool // append the frame's vector when an identity is newly confirmed
	EnrollUnknown bool // create an anonymous owner for a subject nobody matches
	LogEvents     bool // record stable-state changes in the event log
}

// Update is what one processed frame produced for its subject.
type Update struct {
	Subject         string                   `json:"subject"`
	Frame           int                      `json:"frame"`
	Outcome         match.Outcome            `json:"outcome"`
	Identity        stabilizer.State[int64]  `json:"identity"`
	Emotion         stabilizer.State[string] `json:"emotion"`
	IdentityChanged bool                     `json:"identity_changed"`
	EmotionChanged  bool                     `json:"emotion_changed"`
	LearnedID       int64                    `json:"learned_id,omitempty"`  // embedding appended for a confirmed owner
	EnrolledID      int64                    `json:"enrolled_id,omitempty"` // anonymous owner created for an unknown subject
	Ended           []string                 `json:"ended,omitempty"`       // sessions expired by this frame
}

// SubjectState is a read-only view of a live session.
type SubjectState struct {
	Subject  string                   `json:"subject"`
	Identity stabilizer.State[int64]  `json:"identity"`
	Emotion  stabilizer.State[string] `json:"emotion"`
	Frames   int                      `json:"frames"`
	LastSeen int                      `json:"last_seen"`
}

type session struct {
	subject  string
	identity *stabilizer.Stabilizer[int64]
	emotion  *stabilizer.Stabilizer[string]
	frames   int
	lastSeen int
	unknown  int // consecutive frames that matched nobody at all
}

// Tracker owns every live session. Process is serialized, so HTTP, MQTT and
// file ingestion can share one Tracker.
type Tracker struct {
	mu       sync.Mutex
	engine   *match.Engine
	db       Store
	opts     Options
	sessions map[string]*session

	snap         *store.Snapshot
	labels       *store.Snapshot // last corpus loaded, survives Invalidate
	sinceRefresh int
	frame        int
}

// New creates a Tracker.
func New(engine *match.Engine, db Store, opts Options) *Tracker {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 250 * time.Millisecond
	}
	return &Tracker{
		engine:   engine,
		db:       db,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

func (t *Tracker) newSession(subject string) *session {
	return &session{
		subject: subject,
		identity: stabilizer.New(
			stabilizer.WithWindowSize[int64](t.opts.Identity.WindowSize),
			stabilizer.WithConsensus[int64](t.opts.Identity.Consensus),
			stabilizer.WithMinConfidence[int64](t.opts.Identity.MinConfidence),
			stabilizer.WithLabeler(t.label),
		),
		emotion: stabilizer.New(
			stabilizer.WithWindowSize[string](t.opts.Emotion.WindowSize),
			stabilizer.WithConsensus[string](t.opts.Emotion.Consensus),
			stabilizer.WithMinConfidence[string](t.opts.Emotion.MinConfidence),
		),
	}
}

// Invalidate forces the next frame to reload the corpus. Call it after
// writes made outside the tracker (enrollment, rename, merge).
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	t.snap = nil
	t.mu.Unlock()
}

func (t *Tracker) snapshot(ctx context.Context) (*store.Snapshot, error) {
	if t.snap != nil && (t.opts.RefreshEvery <= 0 || t.sinceRefresh < t.opts.RefreshEvery) {
		t.sinceRefresh++
		return t.snap, nil
	}
	snap, err := t.db.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	t.snap = snap
	t.labels = snap
	t.sinceRefresh = 1
	slog.Debug("corpus refreshed", "embeddings", snap.Len(), "owners", snap.Owners())
	return snap, nil
}

func (t *Tracker) label(id int64) string {
	if t.labels == nil {
		return store.Label(id, "")
	}
	return store.Label(id, t.labels.OwnerName(id))
}

// relabel rebuilds the display name of a stable identity. The owner may have
// been renamed or merged since the stabilizer settled on it.
func (t *Tracker) relabel(st stabilizer.State[int64]) stabilizer.State[int64] {
	if st.Stable {
		st.Display = t.label(st.Value)
	}
	return st
}

// Process runs one frame through resolution and stabilization.
// A frame without a vector counts as a no-vote for the subject's identity.
func (t *Tracker) Process(ctx context.Context, f types.Frame) (Update, error) {
	if err := f.Check(); err != nil {
		return Update{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Frames from a video carry their own index and several subjects share
	// one index. Everything else advances the clock by one.
	if f.Index > 0 {
		t.frame = max(t.frame, f.Index)
	} else {
		t.frame++
	}
	s, ok := t.sessions[f.Subject]
	if !ok {
		s = t.newSession(f.Subject)
		t.sessions[f.Subject] = s
	}
	s.frames++
	s.lastSeen = t.frame

	u := Update{Subject: f.Subject, Frame: t.frame}

	// 1. Resolve
	vote := stabilizer.Absent[int64]()
	if len(f.Vector) == 0 {
		u.Outcome = match.Outcome{Reason: match.NoCandidates, Rule: "no-face"}
	} else {
		snap, err := t.snapshot(ctx)
		if err != nil {
			return u, fmt.Errorf("load corpus: %w", err)
		}
		id, err := t.engine.Identify(match.Vector(f.Vector), snap)
		if err != nil {
			return u, err
		}
		u.Outcome = id.Outcome
		if id.IsMatch() {
			vote = stabilizer.Vote(id.OwnerID, 1-id.Distance, id.Distance)
		}
	}

	// 2. Stabilize identity
	prevID := s.identity.State()
	u.Identity = t.relabel(s.identity.Feed(vote))
	u.IdentityChanged = changed(prevID, u.Identity)

	// 3. Stabilize emotion
	emo := stabilizer.Absent[string]()
	if f.Emotion != "" {
		emo = stabilizer.Vote(f.Emotion, f.EmotionConfidence, 0)
	}
	prevEmo := s.emotion.State()
	u.Emotion = s.emotion.Feed(emo)
	u.EmotionChanged = changed(prevEmo, u.Emotion)

	// 4. Write back
	if t.opts.Learn && u.IdentityChanged && u.Identity.Stable &&
		u.Outcome.IsMatch() && u.Outcome.OwnerID == u.Identity.Value {
		u.LearnedID = t.learn(ctx, f, u.Identity.Value)
	}
	if len(f.Vector) > 0 && u.Outcome.Reason == match.NoCandidates {
		s.unknown++
	} else {
		s.unknown = 0
	}
	if t.opts.EnrollUnknown && !u.Identity.Stable && s.unknown >= s.identity.Capacity() {
		u.EnrolledID = t.enroll(ctx, f)
		s.unknown = 0
	}
	if t.opts.LogEvents {
		t.logChanges(ctx, u)
	}

	// 5. Drop sessions that have gone quiet
	u.Ended = t.expire()
	return u, nil
}

func changed[T comparable](prev, cur stabilizer.State[T]) bool {
	return prev.Stable != cur.Stable || prev.Value != cur.Value
}

func (t *Tracker) learn(ctx context.Context, f types.Frame, owner int64) int64 {
	wctx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
	defer cancel()
	id, err := t.db.AppendEmbedding(wctx, store.Embedding{
		OwnerID:  owner,
		Vector:   match.Vector(f.Vector),
		Quality:  f.Quality,
		FaceSize: f.FaceSize,
	})
	if err != nil {
		slog.Warn("failed to store confirmed embedding", "subject", f.Subject, "owner_id", owner, "error", err)
		return 0
	}
	t.snap = nil
	return id
}

func (t *Tracker) enroll(ctx context.Context, f types.Frame) int64 {
	wctx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
	defer cancel()
	o, err := t.db.CreateOwner(wctx, "")
	if err != nil {
		slog.Warn("failed to enroll unknown subject", "subject", f.Subject, "error", err)
		return 0
	}
	if _, err := t.db.AppendEmbedding(wctx, store.Embedding{
		OwnerID:  o.ID,
		Vector:   match.Vector(f.Vector),
		Quality:  f.Quality,
		FaceSize: f.FaceSize,
	}); err != nil {
		slog.Warn("failed to store embedding for new owner", "subject", f.Subject, "owner_id", o.ID, "error", err)
		t.discard(ctx, o.ID)
		return 0
	}
	t.snap = nil
	slog.Info("enrolled unknown subject", "subject", f.Subject, "owner_id", o.ID)
	return o.ID
}

// discard removes an owner whose first embedding could not be stored. The
// write context may already be spent, so it gets a fresh one.
func (t *Tracker) discard(ctx context.Context, owner int64) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.WriteTimeout)
	defer cancel()
	if err := t.db.DeleteOwner(dctx, owner); err != nil {
		slog.Warn("failed to remove empty owner", "owner_id", owner, "error", err)
	}
}

func (t *Tracker) logChanges(ctx context.Context, u Update) {
	var events []store.Event
	var owner int64
	if u.Identity.Stable {
		owner = u.Identity.Value
	}
	if u.IdentityChanged && u.Identity.Stable {
		events = append(events, store.Event{
			Subject: u.Subject, Kind: store.EventIdentity, OwnerID: owner,
			Value: u.Identity.Display, Confidence: u.Identity.Confidence,
		})
	}
	if u.EmotionChanged && u.Emotion.Stable {
		events = append(events, store.Event{
			Subject: u.Subject, Kind: store.EventEmotion, OwnerID: owner,
			Value: u.Emotion.Value, Confidence: u.Emotion.Confidence,
		})
	}
	if len(events) == 0 {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
	defer cancel()
	for _, ev := range events {
		ev.ID = uuid.NewString()
		ev.At = time.Now().UTC()
		if err := t.db.LogEvent(wctx, ev); err != nil {
			slog.Warn("failed to log event", "subject", ev.Subject, "kind", ev.Kind, "error", err)
		}
	}
}

func (t *Tracker) expire() []string {
	if t.opts.MaxIdleFrames <= 0 {
		return nil
	}
	var ended []string
	for subject, s := range t.sessions {
		if t.frame-s.lastSeen > t.opts.MaxIdleFrames {
			t.end(s)
			ended = append(ended, subject)
		}
	}
	sort.Strings(ended)
	return ended
}

func (t *Tracker) end(s *session) {
	s.identity.Reset()
	s.emotion.Reset()
	delete(t.sessions, s.subject)
}

// End stops tracking subject. It reports whether a session existed.
func (t *Tracker) End(subject string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[subject]
	if ok {
		t.end(s)
	}
	return ok
}

// Subjects lists the live sessions ordered by subject. An invalidated corpus
// is reloaded first so display names follow renames.
func (t *Tracker) Subjects(ctx context.Context) []SubjectState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap == nil && len(t.sessions) > 0 {
		if _, err := t.snapshot(ctx); err != nil {
			slog.Warn("failed to reload corpus for subject names", "error", err)
		}
	}
	out := make([]SubjectState, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, SubjectState{
			Subject:  s.subject,
			Identity: t.relabel(s.identity.State()),
			Emotion:  s.emotion.State(),
			Frames:   s.frames,
			LastSeen: s.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}
