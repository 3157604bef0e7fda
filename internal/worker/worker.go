package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/andresmejia3/bioface/internal/types"
	"github.com/andresmejia3/bioface/internal/utils" // Using the SafeCommand wrapper
)

// maxDim bounds the vector length accepted from an embedder so a corrupted
// stream cannot make us allocate gigabytes.
const maxDim = 4096

// ErrEmbedder wraps an error message reported by the embedder itself.
var ErrEmbedder = errors.New("embedder error")

// Embedder is an external process that turns JPEG frames into face
// detections. Frames go in on stdin, results come back on FD 3.
type Embedder struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewEmbedder starts command with args and wires up the pipes.
func NewEmbedder(id int, command string, args ...string) (*Embedder, error) {
	proc := utils.NewSafeCommand(command, args...)

	// Create a side-channel pipe (FD 3) so the embedder's own stdout logging
	// never corrupts the protocol
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("embedder %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Embedder{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one length-prefixed message and reads one back.
func (e *Embedder) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, err // the embedder crashed or exited
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(e.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends a JPEG frame and decodes the detections.
//
// Response body:
//
//	[status u8]
//	status 0: [n u32] then n × [box 4×i32][dim u32][dim×f32][quality f32][len u32][emotion][emotion conf f32]
//	status 1: [len u32][message]
func (e *Embedder) ProcessFrame(jpeg []byte) ([]types.Detection, error) {
	body, err := e.Communicate(jpeg)
	if err != nil {
		return nil, err
	}
	return DecodeDetections(body)
}

// DecodeDetections parses one response body.
func DecodeDetections(body []byte) ([]types.Detection, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty response: %w", err)
	}

	if status != 0 {
		msg, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("%w (unreadable message: %v)", ErrEmbedder, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrEmbedder, msg)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}

	// Each face takes at least 36 bytes, which caps n before allocating
	if int64(n)*36 > int64(r.Len()) {
		return nil, fmt.Errorf("face count %d exceeds response size", n)
	}

	out := make([]types.Detection, 0, n)
	for i := range n {
		d, err := readDetection(r)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func readDetection(r *bytes.Reader) (types.Detection, error) {
	var d types.Detection

	var box [4]int32
	if err := binary.Read(r, binary.BigEndian, &box); err != nil {
		return d, fmt.Errorf("read box: %w", err)
	}
	for i, v := range box {
		d.Box[i] = int(v)
	}

	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return d, fmt.Errorf("read dimension: %w", err)
	}
	if dim == 0 || dim > maxDim {
		return d, fmt.Errorf("invalid vector dimension %d", dim)
	}
	d.Vector = make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, d.Vector); err != nil {
		return d, fmt.Errorf("read vector: %w", err)
	}

	var quality float32
	if err := binary.Read(r, binary.BigEndian, &quality); err != nil {
		return d, fmt.Errorf("read quality: %w", err)
	}
	d.Quality = float64(quality)

	emotion, err := readString(r)
	if err != nil {
		return d, fmt.Errorf("read emotion: %w", err)
	}
	d.Emotion = emotion

	var conf float32
	if err := binary.Read(r, binary.BigEndian, &conf); err != nil {
		return d, fmt.Errorf("read emotion confidence: %w", err)
	}
	if !math.IsNaN(float64(conf)) {
		d.EmotionConfidence = float64(conf)
	}
	return d, nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int64(n) > int64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, r.Len())
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Close shuts down the embedder and waits for it to exit.
func (e *Embedder) Close() {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd != nil {
		e.Cmd.Wait()
	}
}
