package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/bioface/internal/config"
	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/tracking"
	"github.com/andresmejia3/bioface/internal/types"
)

func TestValidateTrackFlags(t *testing.T) {
	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp("", "frames.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	// Create a temp dir for invalid input
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		opts    trackOptions
		wantErr bool
	}{
		{
			name:    "Valid frames file",
			opts:    trackOptions{FramesPath: tmpFile.Name(), NthFrame: 1},
			wantErr: false,
		},
		{
			name:    "Frames from stdin",
			opts:    trackOptions{FramesPath: "-", NthFrame: 1},
			wantErr: false,
		},
		{
			name:    "Valid video",
			opts:    trackOptions{VideoPath: tmpFile.Name(), Embedder: "python3 embed.py", NthFrame: 2},
			wantErr: false,
		},
		{
			name:    "Stream URL is not stat'ed",
			opts:    trackOptions{VideoPath: "rtsp://camera.local/stream", Embedder: "embed", NthFrame: 1},
			wantErr: false,
		},
		{
			name:    "No input",
			opts:    trackOptions{NthFrame: 1},
			wantErr: true,
		},
		{
			name:    "Both inputs",
			opts:    trackOptions{FramesPath: "-", VideoPath: tmpFile.Name(), Embedder: "embed", NthFrame: 1},
			wantErr: true,
		},
		{
			name:    "Input file does not exist",
			opts:    trackOptions{FramesPath: "nonexistent.jsonl", NthFrame: 1},
			wantErr: true,
		},
		{
			name:    "Input is directory",
			opts:    trackOptions{FramesPath: tmpDir, NthFrame: 1},
			wantErr: true,
		},
		{
			name:    "Video without embedder",
			opts:    trackOptions{VideoPath: tmpFile.Name(), NthFrame: 1},
			wantErr: true,
		},
		{
			name:    "Invalid NthFrame",
			opts:    trackOptions{FramesPath: tmpFile.Name(), NthFrame: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateTrackFlags(&tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateTrackFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTrackFlagsDefaultsEngines(t *testing.T) {
	opts := trackOptions{FramesPath: "-", NthFrame: 1, NumEngines: 0}
	if err := validateTrackFlags(&opts); err != nil {
		t.Fatal(err)
	}
	if opts.NumEngines != 1 {
		t.Errorf("NumEngines = %d, want 1", opts.NumEngines)
	}
}

// newTestRun builds a trackRun over a memory store holding Alice.
func newTestRun(t *testing.T) (*trackRun, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	db := store.NewMemory()
	o, err := db.CreateOwner(ctx, "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.AppendEmbedding(ctx, store.Embedding{OwnerID: o.ID, Vector: match.Vector{1, 0, 0}, Quality: 1}); err != nil {
		t.Fatal(err)
	}

	engine, err := match.NewEngine(match.DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	p := config.DefaultPolicy()
	tr := tracking.New(engine, db, tracking.Options{
		Identity:     p.Stabilizer.Identity,
		Emotion:      p.Stabilizer.Emotion,
		WriteTimeout: time.Second,
		LogEvents:    true,
	})
	return &trackRun{tracker: tr, owners: make(map[string]string)}, db
}

func TestTrackFromJSONL(t *testing.T) {
	run, db := newTestRun(t)

	var lines []string
	for range 6 {
		lines = append(lines, `{"subject":"door","vector":[1,0,0],"emotion":"happy","emotion_confidence":0.9}`)
	}
	lines = append(lines,
		`not json`,
		`{"subject":"","vector":[1,0,0]}`,
		`{"subject":"door","vector":[0,0,0]}`,
		``,
	)
	path := filepath.Join(t.TempDir(), "frames.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		t.Fatal(err)
	}

	if err := run.fromJSONL(context.Background(), path); err != nil {
		t.Fatalf("fromJSONL: %v", err)
	}
	if run.frames != 6 || run.rejected != 3 {
		t.Errorf("frames = %d, rejected = %d, want 6 and 3", run.frames, run.rejected)
	}
	if run.confirmed != 1 || run.owners["door"] != "Alice" {
		t.Errorf("confirmed = %d, owners = %v", run.confirmed, run.owners)
	}

	events, err := db.Events(context.Background(), store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want one identity and one emotion", len(events))
	}
}

func TestConsumeReordersResults(t *testing.T) {
	run, _ := newTestRun(t)
	face := types.Detection{Box: [4]int{0, 0, 100, 100}, Vector: []float32{1, 0, 0}, Quality: 1}

	// Results arrive out of order, as they do with several embedders
	results := make(chan videoResult, 8)
	for _, idx := range []int{4, 2, 8, 6, 10} {
		results <- videoResult{Index: idx, Faces: []types.Detection{face}}
	}
	close(results)

	assigner := tracking.NewAssigner("vid", minBoxIoU, 30)
	if err := run.consume(context.Background(), results, assigner, 2); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if run.frames != 5 {
		t.Errorf("frames = %d, want 5", run.frames)
	}

	subjects := run.tracker.Subjects(context.Background())
	if len(subjects) != 1 || subjects[0].Subject != "vid/1" {
		t.Fatalf("subjects = %+v, want one subject kept across frames", subjects)
	}
	if !subjects[0].Identity.Stable || subjects[0].Identity.Display != "Alice" {
		t.Errorf("identity = %+v, want stable Alice", subjects[0].Identity)
	}
	if subjects[0].LastSeen != 10 {
		t.Errorf("LastSeen = %d, want the video frame index 10", subjects[0].LastSeen)
	}
}
