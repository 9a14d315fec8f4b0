package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/footfall.report/internal/timeutil"
	"github.com/banshee-data/footfall.report/internal/vision"
)

// replayLine is one frame of a recorded detection stream. Every field but
// the detections is optional: frame numbers auto-increment and missing
// timestamps are synthesized from the replay clock.
type replayLine struct {
	Frame      int64              `json:"frame"`
	Time       time.Time          `json:"time"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Detections []vision.Detection `json:"detections"`
}

// ReplayConfig describes one JSONL replay stream.
type ReplayConfig struct {
	Path      string
	ChannelID int

	// Clock stamps frames whose lines carry no timestamp. Nil means the
	// real clock.
	Clock timeutil.Clock

	// FrameGap spaces synthesized timestamps. Zero means 100ms, the
	// recorder's nominal 10fps.
	FrameGap time.Duration
}

// ReplaySource reads frames and their pre-computed detections from a JSONL
// file, one frame per line. It implements both FrameSource and Detector:
// Next yields the frame, Detect returns the detections recorded for it.
// Lines that keep their recorded track ids can drive the pipeline with the
// tracker switched off.
type ReplaySource struct {
	channelID int
	gap       time.Duration
	clock     timeutil.Clock

	f  *os.File
	sc *bufio.Scanner

	line    int
	lastNum int64
	base    time.Time
	first   int64
	started bool

	pendingNum int64
	pending    []vision.Detection
}

// maxReplayLine bounds one JSONL line. Embeddings dominate the size; a
// frame of fifty embedded detections is still well under this.
const maxReplayLine = 8 * 1024 * 1024

// OpenReplay opens a JSONL detection stream for reading.
func OpenReplay(rc ReplayConfig) (*ReplaySource, error) {
	f, err := os.Open(rc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxReplayLine)
	clock := rc.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	gap := rc.FrameGap
	if gap <= 0 {
		gap = 100 * time.Millisecond
	}
	return &ReplaySource{
		channelID: rc.ChannelID,
		gap:       gap,
		clock:     clock,
		f:         f,
		sc:        sc,
	}, nil
}

// Next returns the next recorded frame. It returns io.EOF at the end of the
// file and a line-numbered parse error on malformed input.
func (r *ReplaySource) Next(ctx context.Context) (vision.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return vision.Frame{}, err
		}
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return vision.Frame{}, fmt.Errorf("replay line %d: %w", r.line+1, err)
			}
			return vision.Frame{}, io.EOF
		}
		r.line++
		raw := r.sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rl replayLine
		if err := json.Unmarshal(raw, &rl); err != nil {
			return vision.Frame{}, fmt.Errorf("replay line %d: %w", r.line, err)
		}

		if rl.Frame == 0 {
			rl.Frame = r.lastNum + 1
		}
		r.lastNum = rl.Frame
		if !r.started {
			r.started = true
			r.first = rl.Frame
			r.base = r.clock.Now()
		}
		if rl.Time.IsZero() {
			rl.Time = r.base.Add(time.Duration(rl.Frame-r.first) * r.gap)
		}

		for i := range rl.Detections {
			rl.Detections[i].ChannelID = r.channelID
		}
		r.pendingNum = rl.Frame
		r.pending = rl.Detections

		return vision.Frame{
			Num:    rl.Frame,
			Time:   rl.Time,
			Width:  rl.Width,
			Height: rl.Height,
		}, nil
	}
}

// Detect returns the detections recorded alongside the frame most recently
// returned by Next. Any other frame gets none.
func (r *ReplaySource) Detect(frame vision.Frame) ([]vision.Detection, error) {
	if frame.Num != r.pendingNum {
		return nil, nil
	}
	return r.pending, nil
}

// Close releases the underlying file.
func (r *ReplaySource) Close() error {
	return r.f.Close()
}
