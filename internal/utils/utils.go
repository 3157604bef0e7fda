package utils

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/andresmejia3/bioface/internal/match"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (embedder logs)
// This ensures we don't lose critical crash information if an embedder dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

func printBox(title, context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "%s: %s\n", title, context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nEMBEDDER LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for BioFace.
// It prints a formatted error box and dumps embedder logs if a SafeCommand is provided.
func Die(context string, err error, s *SafeCommand) {
	printBox("🚨 BIOFACE ERROR", context, err, s)
	os.Exit(1)
}

// ShowError prints the same box as Die without exiting, for failures a
// long-running loop can survive.
func ShowError(context string, err error, s *SafeCommand) {
	printBox("⚠️  BIOFACE WARNING", context, err, s)
}

// --- 2. Video Engine (used by track --video) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// GetTotalFrames uses ffprobe to count packets for the progress bar
// It returns 0 if the count fails, allowing the tracker to fallback to a spinner.
func GetTotalFrames(path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Progress will be shown as a spinner.\n")
		return 0
	}

	type ffprobeOutput struct {
		Streams []struct {
			NbFrames      string `json:"nb_frames"`
			NbReadPackets string `json:"nb_read_packets"`
		} `json:"streams"`
	}
	probe := func(entry string, extra ...string) (string, error) {
		args := append([]string{"-v", "error", "-select_streams", "v:0"}, extra...)
		args = append(args, "-show_entries", "stream="+entry, "-of", "json", path)
		out, err := exec.Command("ffprobe", args...).Output()
		if err != nil {
			return "", err
		}
		var res ffprobeOutput
		if err := json.Unmarshal(out, &res); err != nil {
			return "", err
		}
		if len(res.Streams) == 0 {
			return "", errors.New("no video stream")
		}
		if entry == "nb_frames" {
			return res.Streams[0].NbFrames, nil
		}
		return res.Streams[0].NbReadPackets, nil
	}

	// Container metadata is instant but may be "N/A" for VFR streams
	if v, err := probe("nb_frames"); err == nil {
		if count, err := strconv.Atoi(v); err == nil && count > 0 {
			return count
		}
	}

	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	v, err := probe("nb_read_packets", "-count_packets")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe failed: %v\n", err)
		return 0
	}
	count, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe integer parse error: %v\n", err)
		return 0
	}
	return count
}

// SplitJpeg is a bufio.SplitFunc that yields complete JPEG images from an
// MJPEG stream, skipping bytes before the first SOI marker.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd creates a decoder that writes MJPEG frames to stdout.
// Input may be a file path or any URL ffmpeg understands (rtsp://, /dev/video0).
func NewFFmpegCmd(input string) *exec.Cmd {
	return exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error", "-i", input, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// SourceID derives a short stable identifier for a video source from its
// path, size and modification time. Subjects found in the source are keyed
// under it so two runs over different files never share a session.
func SourceID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:6]), nil
}

// --- 3. Input files ---

// CountLines returns the number of non-empty lines in r, for sizing the
// progress bar of a JSONL run.
func CountLines(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

// ReadVectors loads embeddings from a JSON file holding either a single
// vector ([0.1, ...]) or a list of vectors ([[0.1, ...], ...]).
func ReadVectors(path string) ([]match.Vector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseVectors(data)
}

// ParseVectors is ReadVectors for data already in memory.
func ParseVectors(data []byte) ([]match.Vector, error) {
	var many []match.Vector
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one match.Vector
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("expected a vector or a list of vectors: %w", err)
	}
	return []match.Vector{one}, nil
}
