package tracking

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/andresmejia3/bioface/internal/config"
	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/types"
)

var (
	alice   = []float32{1, 0, 0, 0}
	bob     = []float32{0, 1, 0, 0}
	unknown = []float32{0, 0, 1, 0}
)

func testOptions() Options {
	p := config.DefaultPolicy()
	return Options{
		Identity:     p.Stabilizer.Identity,
		Emotion:      p.Stabilizer.Emotion,
		WriteTimeout: time.Second,
	}
}

// seed creates a memory store holding one named owner per vector.
func seed(t *testing.T, people map[string][]float32) (*store.Memory, map[string]int64) {
	t.Helper()
	ctx := context.Background()
	db := store.NewMemory()
	ids := make(map[string]int64)
	for name, vec := range people {
		o, err := db.CreateOwner(ctx, name)
		if err != nil {
			t.Fatalf("CreateOwner: %v", err)
		}
		if _, err := db.AppendEmbedding(ctx, store.Embedding{OwnerID: o.ID, Vector: vec, Quality: 1}); err != nil {
			t.Fatalf("AppendEmbedding: %v", err)
		}
		ids[name] = o.ID
	}
	return db, ids
}

func newTracker(t *testing.T, db Store, opts Options) *Tracker {
	t.Helper()
	engine, err := match.NewEngine(match.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return New(engine, db, opts)
}

func TestTrackerConfirmsIdentity(t *testing.T) {
	db, ids := seed(t, map[string][]float32{"Alice": alice, "Bob": bob})
	tr := newTracker(t, db, testOptions())
	ctx := context.Background()

	var u Update
	var err error
	for i := 1; i <= 5; i++ {
		u, err = tr.Process(ctx, types.Frame{Subject: "cam1-0", Vector: alice})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if !u.Outcome.IsMatch() || u.Outcome.OwnerID != ids["Alice"] {
			t.Fatalf("frame %d: outcome %+v, want match on Alice", i, u.Outcome)
		}
		if i < 5 && u.Identity.Stable {
			t.Fatalf("frame %d: stable before consensus", i)
		}
	}
	if !u.Identity.Stable || u.Identity.Value != ids["Alice"] || u.Identity.Display != "Alice" {
		t.Fatalf("identity = %+v, want stable Alice", u.Identity)
	}
	if !u.IdentityChanged {
		t.Error("IdentityChanged should be set on the confirming frame")
	}

	// One dissenting frame does not flip the identity
	u, _ = tr.Process(ctx, types.Frame{Subject: "cam1-0", Vector: bob})
	if u.Identity.Value != ids["Alice"] || u.IdentityChanged {
		t.Errorf("identity flipped after a single Bob frame: %+v", u.Identity)
	}
}

func TestTrackerMissingFaceDecays(t *testing.T) {
	db, _ := seed(t, map[string][]float32{"Alice": alice})
	tr := newTracker(t, db, testOptions())
	ctx := context.Background()

	for range 5 {
		tr.Process(ctx, types.Frame{Subject: "s", Vector: alice})
	}
	var u Update
	for range 3 {
		u, _ = tr.Process(ctx, types.Frame{Subject: "s"})
	}
	if u.Outcome.Reason != match.NoCandidates {
		t.Errorf("frame without a face: reason = %v", u.Outcome.Reason)
	}
	if !u.Identity.Stable {
		t.Fatalf("3 of 8 absent frames should not clear the identity")
	}
	u, _ = tr.Process(ctx, types.Frame{Subject: "s"})
	if u.Identity.Stable || !u.IdentityChanged {
		t.Errorf("4 of 8 absent frames should clear the identity, got %+v", u.Identity)
	}
}

func TestTrackerEmotion(t *testing.T) {
	db, _ := seed(t, nil)
	tr := newTracker(t, db, testOptions())
	ctx := context.Background()

	var u Update
	for range 5 {
		u, _ = tr.Process(ctx, types.Frame{Subject: "s", Emotion: "happy", EmotionConfidence: 0.3})
	}
	if u.Emotion.Stable {
		t.Fatalf("low-confidence emotion became stable: %+v", u.Emotion)
	}

	tr.End("s")
	for range 5 {
		u, _ = tr.Process(ctx, types.Frame{Subject: "s", Emotion: "happy", EmotionConfidence: 0.9})
	}
	if !u.Emotion.Stable || u.Emotion.Value != "happy" {
		t.Fatalf("emotion = %+v, want stable happy", u.Emotion)
	}
	if math.Abs(u.Emotion.Confidence-0.9) > 1e-9 {
		t.Errorf("confidence = %v, want 0.9", u.Emotion.Confidence)
	}
}

func TestTrackerLearnAndEvents(t *testing.T) {
	db, ids := seed(t, map[string][]float32{"Alice": alice})
	opts := testOptions()
	opts.Learn = true
	opts.LogEvents = true
	tr := newTracker(t, db, opts)
	ctx := context.Background()

	var learned int64
	for range 7 {
		u, err := tr.Process(ctx, types.Frame{Subject: "s", Vector: alice, Quality: 0.8, FaceSize: 120})
		if err != nil {
			t.Fatal(err)
		}
		if u.LearnedID != 0 {
			if learned != 0 {
				t.Fatal("learned more than once for one confirmation")
			}
			learned = u.LearnedID
		}
	}
	if learned == 0 {
		t.Fatal("no embedding learned on confirmation")
	}

	embs, _ := db.OwnerEmbeddings(ctx, ids["Alice"])
	if len(embs) != 2 {
		t.Fatalf("Alice has %d embeddings, want 2", len(embs))
	}

	events, err := db.Events(ctx, store.EventFilter{Kind: store.EventIdentity})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Value != "Alice" || events[0].OwnerID != ids["Alice"] {
		t.Fatalf("events = %+v, want one identity event for Alice", events)
	}
	if events[0].ID == "" {
		t.Error("event has no ID")
	}
}

func TestTrackerEnrollUnknown(t *testing.T) {
	db, _ := seed(t, map[string][]float32{"Alice": alice})
	opts := testOptions()
	opts.EnrollUnknown = true
	tr := newTracker(t, db, opts)
	ctx := context.Background()

	var enrolled int64
	for i := 1; i <= 8; i++ {
		u, _ := tr.Process(ctx, types.Frame{Subject: "stranger", Vector: unknown})
		if u.EnrolledID != 0 {
			if i != 8 {
				t.Fatalf("enrolled on frame %d, want 8", i)
			}
			enrolled = u.EnrolledID
		}
	}
	if enrolled == 0 {
		t.Fatal("unknown subject was never enrolled")
	}

	var u Update
	for range 5 {
		u, _ = tr.Process(ctx, types.Frame{Subject: "stranger", Vector: unknown})
	}
	if !u.Identity.Stable || u.Identity.Value != enrolled {
		t.Fatalf("identity = %+v, want new owner %d", u.Identity, enrolled)
	}
	if u.Identity.Display != store.Label(enrolled, "") {
		t.Errorf("Display = %q", u.Identity.Display)
	}
}

func TestTrackerExpire(t *testing.T) {
	db, _ := seed(t, nil)
	opts := testOptions()
	opts.MaxIdleFrames = 2
	tr := newTracker(t, db, opts)
	ctx := context.Background()

	tr.Process(ctx, types.Frame{Subject: "a"})
	var u Update
	for range 3 {
		u, _ = tr.Process(ctx, types.Frame{Subject: "b"})
	}
	if len(u.Ended) != 1 || u.Ended[0] != "a" {
		t.Fatalf("Ended = %v, want [a]", u.Ended)
	}
	subjects := tr.Subjects(context.Background())
	if len(subjects) != 1 || subjects[0].Subject != "b" || subjects[0].Frames != 3 {
		t.Errorf("Subjects = %+v", subjects)
	}
}

func TestTrackerRejectsBadFrames(t *testing.T) {
	db, _ := seed(t, map[string][]float32{"Alice": alice})
	tr := newTracker(t, db, testOptions())
	ctx := context.Background()

	if _, err := tr.Process(ctx, types.Frame{Vector: alice}); !errors.Is(err, types.ErrNoSubject) {
		t.Errorf("missing subject: err = %v", err)
	}
	nan := float32(math.NaN())
	if _, err := tr.Process(ctx, types.Frame{Subject: "s", Vector: []float32{nan, 0, 0, 0}}); !errors.Is(err, match.ErrNonFinite) {
		t.Errorf("NaN vector: err = %v", err)
	}
}

type failingStore struct{ *store.Memory }

func (failingStore) Snapshot(context.Context) (*store.Snapshot, error) {
	return nil, errors.New("connection refused")
}

func TestTrackerSnapshotError(t *testing.T) {
	tr := newTracker(t, failingStore{store.NewMemory()}, testOptions())
	if _, err := tr.Process(context.Background(), types.Frame{Subject: "s", Vector: alice}); err == nil {
		t.Error("expected error when the corpus cannot be loaded")
	}
}

func TestTrackerInvalidate(t *testing.T) {
	db, _ := seed(t, map[string][]float32{"Alice": alice})
	tr := newTracker(t, db, testOptions())
	ctx := context.Background()

	u, _ := tr.Process(ctx, types.Frame{Subject: "s", Vector: bob})
	if u.Outcome.Reason != match.NoCandidates {
		t.Fatalf("Bob matched before enrollment: %+v", u.Outcome)
	}

	o, _ := db.CreateOwner(ctx, "Bob")
	db.AppendEmbedding(ctx, store.Embedding{OwnerID: o.ID, Vector: bob})
	tr.Invalidate()

	u, _ = tr.Process(ctx, types.Frame{Subject: "s", Vector: bob})
	if !u.Outcome.IsMatch() || u.Outcome.OwnerID != o.ID {
		t.Errorf("Bob not matched after Invalidate: %+v", u.Outcome)
	}
}

func TestTrackerUsesFrameIndex(t *testing.T) {
	db, _ := seed(t, map[string][]float32{"Alice": alice})
	opts := testOptions()
	opts.MaxIdleFrames = 30
	tr := newTracker(t, db, opts)
	ctx := context.Background()

	// Two subjects on the same video frame share one clock tick
	for _, s := range []string{"vid/1", "vid/2"} {
		u, err := tr.Process(ctx, types.Frame{Index: 100, Subject: s, Vector: alice})
		if err != nil {
			t.Fatal(err)
		}
		if u.Frame != 100 {
			t.Errorf("%s: Frame = %d, want 100", s, u.Frame)
		}
	}

	u, err := tr.Process(ctx, types.Frame{Index: 120, Subject: "vid/2", Vector: alice})
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Ended) != 0 {
		t.Fatalf("ended %v after 20 frames, want none", u.Ended)
	}

	u, err = tr.Process(ctx, types.Frame{Index: 131, Subject: "vid/2", Vector: alice})
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Ended) != 1 || u.Ended[0] != "vid/1" {
		t.Errorf("ended = %v, want vid/1 after 31 idle frames", u.Ended)
	}
}

func TestTrackerRejectsOtherDimension(t *testing.T) {
	db, _ := seed(t, map[string][]float32{"Alice": alice})
	opts := testOptions()
	opts.EnrollUnknown = true
	tr := newTracker(t, db, opts)
	ctx := context.Background()

	short := []float32{1, 0, 0}
	for i := 1; i <= 8; i++ {
		u, err := tr.Process(ctx, types.Frame{Subject: "s", Vector: short})
		if !errors.Is(err, match.ErrDimensionMismatch) {
			t.Fatalf("frame %d: err = %v, want ErrDimensionMismatch", i, err)
		}
		if u.EnrolledID != 0 {
			t.Fatalf("frame %d: enrolled owner %d from a 3-dim vector", i, u.EnrolledID)
		}
	}

	owners, _ := db.ListOwners(ctx)
	if len(owners) != 1 {
		t.Errorf("owners = %+v, want only Alice", owners)
	}
	snap, _ := db.Snapshot(ctx)
	if snap.Len() != 1 || snap.Dim() != 4 {
		t.Errorf("corpus = %d samples of dim %d, want 1 of dim 4", snap.Len(), snap.Dim())
	}
}

// appendFails accepts owners but refuses every embedding.
type appendFails struct{ *store.Memory }

func (appendFails) AppendEmbedding(context.Context, store.Embedding) (int64, error) {
	return 0, errors.New("disk full")
}

func TestTrackerEnrollFailureLeavesNoOwner(t *testing.T) {
	mem, _ := seed(t, map[string][]float32{"Alice": alice})
	opts := testOptions()
	opts.EnrollUnknown = true
	tr := newTracker(t, appendFails{mem}, opts)
	ctx := context.Background()

	for i := 1; i <= 8; i++ {
		u, err := tr.Process(ctx, types.Frame{Subject: "stranger", Vector: unknown})
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if u.EnrolledID != 0 {
			t.Fatalf("frame %d: EnrolledID = %d, want 0 when the embedding was not stored", i, u.EnrolledID)
		}
	}

	owners, _ := mem.ListOwners(ctx)
	if len(owners) != 1 || owners[0].Name != "Alice" {
		t.Errorf("owners = %+v, want only Alice", owners)
	}
}

func TestTrackerFollowsRename(t *testing.T) {
	db, ids := seed(t, map[string][]float32{"Alice": alice})
	tr := newTracker(t, db, testOptions())
	ctx := context.Background()

	var u Update
	for range 5 {
		u, _ = tr.Process(ctx, types.Frame{Subject: "s", Vector: alice})
	}
	if !u.Identity.Stable || u.Identity.Display != "Alice" {
		t.Fatalf("identity = %+v, want stable Alice", u.Identity)
	}

	if err := db.RenameOwner(ctx, ids["Alice"], "Alicia"); err != nil {
		t.Fatalf("RenameOwner: %v", err)
	}
	tr.Invalidate()

	subjects := tr.Subjects(ctx)
	if len(subjects) != 1 || subjects[0].Identity.Display != "Alicia" {
		t.Errorf("Subjects = %+v, want Display Alicia", subjects)
	}

	u, err := tr.Process(ctx, types.Frame{Subject: "s", Vector: alice})
	if err != nil {
		t.Fatal(err)
	}
	if u.IdentityChanged || u.Identity.Display != "Alicia" {
		t.Errorf("identity = %+v changed=%v, want unchanged Alicia", u.Identity, u.IdentityChanged)
	}

	// A frame without a face keeps the new name too
	u, _ = tr.Process(ctx, types.Frame{Subject: "s"})
	if u.Identity.Stable && u.Identity.Display != "Alicia" {
		t.Errorf("Display = %q after a faceless frame", u.Identity.Display)
	}
}
