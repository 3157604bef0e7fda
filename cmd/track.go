package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/bioface/internal/broadcast"
	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/server"
	"github.com/andresmejia3/bioface/internal/tracking"
	"github.com/andresmejia3/bioface/internal/types"
	"github.com/andresmejia3/bioface/internal/utils"
	"github.com/andresmejia3/bioface/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

// minBoxIoU is the overlap a face box needs with the previous frame's box to
// keep its subject key.
const minBoxIoU = 0.3

type trackOptions struct {
	FramesPath    string
	VideoPath     string
	Embedder      string
	NthFrame      int
	NumEngines    int
	Learn         bool
	EnrollUnknown bool
	LogEvents     bool
	Listen        string
	MQTT          bool
	JSON          bool
}

var trackOpts trackOptions

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Resolve and stabilize identities over a stream of frames",
	Long: `Runs every frame through identity resolution and the identity and emotion
stabilizers. Frames come either from a JSONL file (one frame object per line,
"-" for stdin) or from a video decoded by ffmpeg and embedded by an external
embedder process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !cmd.Flags().Changed("nth-frame") {
			trackOpts.NthFrame = Cfg.Tracking.FrameSkip
		}
		if err := validateTrackFlags(&trackOpts); err != nil {
			return err
		}
		return runTrack(cmd.Context(), trackOpts)
	},
}

func init() {
	trackCmd.Flags().StringVarP(&trackOpts.FramesPath, "frames", "f", "", "JSONL file of frames, or - for stdin")
	trackCmd.Flags().StringVarP(&trackOpts.VideoPath, "video", "i", "", "Video file or stream URL to decode with ffmpeg")
	trackCmd.Flags().StringVar(&trackOpts.Embedder, "embedder", "", "Embedder command line used with --video (e.g. \"python3 embed.py\")")
	trackCmd.Flags().IntVarP(&trackOpts.NthFrame, "nth-frame", "n", 2, "Process every nth video frame (default: $FRAME_SKIP)")
	trackCmd.Flags().IntVarP(&trackOpts.NumEngines, "engines", "e", 1, "Number of parallel embedder processes")
	trackCmd.Flags().BoolVar(&trackOpts.Learn, "learn", false, "Store the vector of every newly confirmed identity")
	trackCmd.Flags().BoolVar(&trackOpts.EnrollUnknown, "enroll-unknown", false, "Create an anonymous identity for subjects nobody matches")
	trackCmd.Flags().BoolVar(&trackOpts.LogEvents, "log-events", true, "Record stable identity and emotion changes in the event log")
	trackCmd.Flags().StringVar(&trackOpts.Listen, "listen", "", "Serve the API and WebSocket feed on this address while tracking")
	trackCmd.Flags().BoolVar(&trackOpts.MQTT, "mqtt", false, "Publish updates to $MQTT_BROKER")
	trackCmd.Flags().BoolVar(&trackOpts.JSON, "json", false, "Write every update to stdout as a JSON line")
	rootCmd.AddCommand(trackCmd)
}

// validateTrackFlags ensures all CLI arguments are valid before starting heavy processes.
func validateTrackFlags(opts *trackOptions) error {
	if (opts.FramesPath == "") == (opts.VideoPath == "") {
		return errors.New("exactly one of --frames or --video is required")
	}
	if opts.FramesPath != "" && opts.FramesPath != "-" {
		if err := checkInputFile(opts.FramesPath); err != nil {
			return err
		}
	}
	if opts.VideoPath != "" {
		if strings.TrimSpace(opts.Embedder) == "" {
			return errors.New("--video requires --embedder")
		}
		// Stream URLs and devices are handed to ffmpeg as-is
		if !strings.Contains(opts.VideoPath, "://") && !strings.HasPrefix(opts.VideoPath, "/dev/") {
			if err := checkInputFile(opts.VideoPath); err != nil {
				return err
			}
		}
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("invalid nth-frame interval: must be >= 1, got %d", opts.NthFrame)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	return nil
}

func checkInputFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %s", path)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path is a directory, expected a file: %s", path)
	}
	return nil
}

// trackRun carries everything one invocation of track shares between stages.
type trackRun struct {
	tracker *tracking.Tracker
	sink    broadcast.Sink
	out     *json.Encoder

	frames    int
	rejected  int
	confirmed int
	learned   int
	enrolled  int
	owners    map[string]string // subject -> last stable identity label
}

func runTrack(ctx context.Context, opts trackOptions) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}

	tracker := tracking.New(engine, DB, tracking.Options{
		Identity:      Cfg.Policy.Stabilizer.Identity,
		Emotion:       Cfg.Policy.Stabilizer.Emotion,
		MaxIdleFrames: Cfg.Tracking.MaxIdleFrames,
		RefreshEvery:  Cfg.Tracking.RefreshEvery,
		WriteTimeout:  Cfg.Tracking.WriteTimeout,
		Learn:         opts.Learn,
		EnrollUnknown: opts.EnrollUnknown,
		LogEvents:     opts.LogEvents,
	})

	run := &trackRun{tracker: tracker, owners: make(map[string]string)}
	if opts.JSON {
		run.out = json.NewEncoder(os.Stdout)
	}

	// 1. Optional outputs
	var sinks broadcast.Multi
	if opts.MQTT {
		if Cfg.MQTT.Broker == "" {
			return errors.New("--mqtt requires MQTT_BROKER to be set")
		}
		mq, err := broadcast.DialMQTT(Cfg.MQTT.Broker, Cfg.MQTT.TopicPrefix, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer mq.Close()
		sinks = append(sinks, mq)
		fmt.Fprintf(os.Stderr, "📡 Publishing to MQTT under %s/\n", Cfg.MQTT.TopicPrefix)
	}
	if opts.Listen != "" {
		hub := broadcast.NewHub()
		sinks = append(sinks, hub)
		srv := server.New(opts.Listen, server.Deps{Store: DB, Engine: engine, Tracker: tracker, Hub: hub, Sink: sinks})
		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("API server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(os.Stderr, "🌐 Live feed on ws://%s/ws/{detections,emotions}\n", opts.Listen)
	}
	if len(sinks) > 0 {
		run.sink = sinks
	}

	// 2. Pump frames
	if opts.FramesPath != "" {
		err = run.fromJSONL(ctx, opts.FramesPath)
	} else {
		err = run.fromVideo(ctx, opts)
	}
	if err != nil {
		return err
	}

	run.summary(ctx)
	return nil
}

// handle pushes one frame through the tracker and reports what changed.
// Rejected frames are counted and skipped; only store failures stop the run.
func (r *trackRun) handle(ctx context.Context, f types.Frame) error {
	u, err := r.tracker.Process(ctx, f)
	if err != nil {
		if isFrameError(err) {
			r.rejected++
			slog.Warn("frame rejected", "subject", f.Subject, "index", f.Index, "error", err)
			return nil
		}
		return err
	}
	r.frames++

	if r.sink != nil {
		if err := broadcast.PublishUpdate(ctx, r.sink, u); err != nil {
			slog.Warn("broadcast failed", "subject", u.Subject, "error", err)
		}
	}
	if r.out != nil {
		if err := r.out.Encode(u); err != nil {
			return fmt.Errorf("failed to write update: %w", err)
		}
	}

	if u.IdentityChanged {
		if u.Identity.Stable {
			r.confirmed++
			r.owners[u.Subject] = u.Identity.Display
			fmt.Fprintf(os.Stderr, "\n👤 %s → %s (%.2f)\n", u.Subject, u.Identity.Display, u.Identity.Confidence)
		} else {
			fmt.Fprintf(os.Stderr, "\n❔ %s → unknown\n", u.Subject)
		}
	}
	if u.EmotionChanged && u.Emotion.Stable {
		fmt.Fprintf(os.Stderr, "\n🎭 %s is %s (%.2f)\n", u.Subject, u.Emotion.Value, u.Emotion.Confidence)
	}
	if u.LearnedID != 0 {
		r.learned++
	}
	if u.EnrolledID != 0 {
		r.enrolled++
		fmt.Fprintf(os.Stderr, "\n🆕 %s enrolled as Identity %d\n", u.Subject, u.EnrolledID)
	}
	for _, s := range u.Ended {
		fmt.Fprintf(os.Stderr, "\n👋 %s left\n", s)
	}
	return nil
}

func isFrameError(err error) bool {
	return errors.Is(err, types.ErrNoSubject) ||
		errors.Is(err, match.ErrEmptyVector) ||
		errors.Is(err, match.ErrZeroVector) ||
		errors.Is(err, match.ErrNonFinite) ||
		errors.Is(err, match.ErrDimensionMismatch)
}

// --- JSONL input ---

func (r *trackRun) fromJSONL(ctx context.Context, path string) error {
	var in io.Reader = os.Stdin
	total := -1
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		if n, err := utils.CountLines(f); err == nil {
			total = n
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return err
		}
		defer f.Close()
		in = f
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 BioFace Tracking"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*megabyte)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		bar.Add(1)

		var f types.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			r.rejected++
			slog.Warn("skipping malformed frame", "line", line, "error", err)
			continue
		}
		if err := r.handle(ctx, f); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read frames: %w", err)
	}
	return nil
}

// --- Video input ---

// Buffer pool to reduce GC pressure while decoding
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// videoResult wraps the output from an embedder to be sent to the consumer
type videoResult struct {
	Index int
	Faces []types.Detection
}

func (r *trackRun) fromVideo(ctx context.Context, opts trackOptions) error {
	sourceID, err := utils.SourceID(opts.VideoPath)
	if err != nil {
		// Streams have nothing to stat, so they share one namespace per run
		sourceID = fmt.Sprintf("live-%d", time.Now().Unix())
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Source: %s\n", sourceID)
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Embedder(s)...\n", opts.NumEngines)

	totalVideoFrames := utils.GetTotalFrames(opts.VideoPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner when ffprobe cannot count
		totalVideoFrames = -1
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 BioFace Tracking"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	argv := strings.Fields(opts.Embedder)
	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan videoResult, opts.NumEngines*2)
	var wg sync.WaitGroup

	// 1. Consumer. It must run concurrently to prevent deadlock on resultsChan
	assigner := tracking.NewAssigner(sourceID, minBoxIoU, Cfg.Tracking.MaxIdleFrames)
	var consumeErr error
	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		consumeErr = r.consume(ctx, resultsChan, assigner, opts.NthFrame)
	}()

	// 2. Embedder pool
	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			startEmbedder(workerID, argv, taskChan, resultsChan)
		}(i)
	}

	// 3. FFmpeg
	ffmpeg := utils.NewFFmpegCmd(opts.VideoPath)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.Die("Failed to create FFmpeg stdout pipe", err, nil)
	}
	defer ffmpegOut.Close()

	if err := ffmpeg.Start(); err != nil {
		utils.Die("Failed to start FFmpeg", err, nil)
	}

	// 4. Frame splitter & nth-frame selection
	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	totalFrames, sentFrames := 0, 0
	interrupted := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		totalFrames++
		bar.Add(1)

		if totalFrames%opts.NthFrame != 0 {
			continue
		}
		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(scanner.Bytes()) {
			buf = make([]byte, len(scanner.Bytes()))
		}
		buf = buf[:len(scanner.Bytes())]
		copy(buf, scanner.Bytes())
		taskChan <- types.FrameTask{Index: totalFrames, Data: buf}
		sentFrames++
	}

	if interrupted {
		ffmpeg.Process.Kill()
	} else if err := scanner.Err(); err != nil {
		utils.Die("Frame scanner failed", err, nil)
	}

	// 5. Drain
	if err := ffmpeg.Wait(); err != nil && !interrupted {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		utils.Die("FFmpeg execution failed", err, nil)
	}

	close(taskChan)
	wg.Wait()
	close(resultsChan)
	<-consumeDone

	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n🏁 Tracking Complete. Embedded %d keyframes out of %d total.\n", sentFrames, totalFrames)
	if interrupted {
		return ctx.Err()
	}
	return consumeErr
}

// startEmbedder manages the lifecycle of a single embedder process.
func startEmbedder(id int, argv []string, tasks <-chan types.FrameTask, results chan<- videoResult) {
	e, err := worker.NewEmbedder(id, argv[0], argv[1:]...)
	if err != nil {
		utils.Die("Embedder startup failed", err, nil)
	}
	defer e.Close()

	for task := range tasks {
		faces, err := e.ProcessFrame(task.Data)

		// Return buffer to pool immediately after sending
		frameBufferPool.Put(task.Data[:0])

		if errors.Is(err, worker.ErrEmbedder) {
			// A bad frame, not a dead process
			fmt.Fprintf(os.Stderr, "\n⚠️ Embedder %d: %v\n", id, err)
			results <- videoResult{Index: task.Index}
			continue
		}
		if err != nil {
			// DRAIN: Wait for process to exit and capture final stderr logs
			e.Close()
			utils.Die("Embedder crashed", err, e.Cmd)
		}
		results <- videoResult{Index: task.Index, Faces: faces}
	}
}

// consume re-orders embedder results and feeds them to the tracker one frame
// at a time. After a failure it keeps draining so the embedders never block.
func (r *trackRun) consume(ctx context.Context, results <-chan videoResult, assigner *tracking.Assigner, nth int) error {
	// Worker 2 might finish before Worker 1
	buffer := make(map[int]videoResult)
	nextFrame := nth
	var firstErr error

	for res := range results {
		buffer[res.Index] = res
		for {
			frame, ok := buffer[nextFrame]
			if !ok {
				break
			}
			delete(buffer, nextFrame)
			nextFrame += nth

			if firstErr != nil {
				continue
			}
			boxes := make([][4]int, len(frame.Faces))
			for i, d := range frame.Faces {
				boxes[i] = d.Box
			}
			subjects := assigner.Assign(frame.Index, boxes)
			for i, d := range frame.Faces {
				err := r.handle(ctx, types.Frame{
					Index:             frame.Index,
					Subject:           subjects[i],
					Vector:            d.Vector,
					Quality:           d.Quality,
					FaceSize:          d.FaceSize(),
					Emotion:           d.Emotion,
					EmotionConfidence: d.EmotionConfidence,
				})
				if err != nil {
					firstErr = err
					break
				}
			}
		}
	}
	return firstErr
}

func (r *trackRun) summary(ctx context.Context) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 TRACKING SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")

	for _, s := range r.tracker.Subjects(ctx) {
		who := "unknown"
		if s.Identity.Stable {
			who = s.Identity.Display
		} else if last, ok := r.owners[s.Subject]; ok {
			who = "last seen as " + last
		}
		mood := ""
		if s.Emotion.Stable {
			mood = ", " + s.Emotion.Value
		}
		fmt.Fprintf(os.Stderr, "👤 %s: %s%s (%d frames)\n", s.Subject, who, mood, s.Frames)
	}

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "👁️  Frames Processed:        %d\n", r.frames)
	fmt.Fprintf(os.Stderr, "🚫 Frames Rejected:         %d\n", r.rejected)
	fmt.Fprintf(os.Stderr, "✅ Identities Confirmed:    %d\n", r.confirmed)
	if r.learned > 0 {
		fmt.Fprintf(os.Stderr, "🧠 Embeddings Learned:      %d\n", r.learned)
	}
	if r.enrolled > 0 {
		fmt.Fprintf(os.Stderr, "🆕 Subjects Enrolled:       %d\n", r.enrolled)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}
