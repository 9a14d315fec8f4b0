package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/footfall.report/internal/capture"
	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/counter"
	"github.com/banshee-data/footfall.report/internal/events"
	"github.com/banshee-data/footfall.report/internal/geo"
	"github.com/banshee-data/footfall.report/internal/metrics"
	"github.com/banshee-data/footfall.report/internal/monitoring"
	"github.com/banshee-data/footfall.report/internal/track"
	"github.com/banshee-data/footfall.report/internal/vision"
	"github.com/banshee-data/footfall.report/internal/zone"
)

var pipelineEpoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// recordingSink captures what the worker hands to persistence.
type recordingSink struct {
	mu      sync.Mutex
	records []events.Record
}

func (r *recordingSink) Add(records ...events.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
}

func (r *recordingSink) all() []events.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Record(nil), r.records...)
}

func det(trackID int, cx, cy float64) vision.Detection {
	return vision.Detection{
		TrackID:    trackID,
		BBox:       vision.BBox{X1: cx - 10, Y1: cy - 10, X2: cx + 10, Y2: cy + 10},
		Confidence: 0.9,
	}
}

// jsonlLine renders one replay frame. A zero time keeps the field out so
// the replay source synthesizes it.
func jsonlLine(t *testing.T, frame int64, at time.Time, dets ...vision.Detection) string {
	t.Helper()
	line := map[string]any{"frame": frame, "width": 640, "height": 480}
	if !at.IsZero() {
		line["time"] = at
	}
	if len(dets) > 0 {
		line["detections"] = dets
	}
	raw, err := json.Marshal(line)
	require.NoError(t, err)
	return string(raw)
}

func writeJSONL(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cam.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func doorZone() config.ZoneConfig {
	return config.ZoneConfig{
		ZoneID: "door",
		Type:   config.ZoneTypePolygon,
		Polygon: []geo.Point{
			{X: 0, Y: 0}, {X: 100, Y: 0},
			{X: 100, Y: 100}, {X: 0, Y: 100},
		},
	}
}

func newWorkerCounter(t *testing.T, channelID int) *counter.Counter {
	t.Helper()
	c, err := counter.New(counter.Config{
		ChannelID: channelID,
		Zones:     []config.ZoneConfig{doorZone()},
		Metrics:   metrics.New(),
		Logger:    monitoring.NewTestLogger(),
	})
	require.NoError(t, err)
	return c
}

func openReplay(t *testing.T, path string, channelID int) *capture.ReplaySource {
	t.Helper()
	src, err := capture.OpenReplay(capture.ReplayConfig{Path: path, ChannelID: channelID})
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

// TestWorkerCountsPretrackedReplay drives a recorded stream that already
// carries track ids through the whole loop and checks every output: the
// sink records, the broadcast, and the served snapshot.
func TestWorkerCountsPretrackedReplay(t *testing.T) {
	t.Parallel()

	path := writeJSONL(t,
		jsonlLine(t, 1, pipelineEpoch, det(1, 50, 50)),
		jsonlLine(t, 2, pipelineEpoch.Add(100*time.Millisecond), det(1, 55, 50)),
		jsonlLine(t, 3, pipelineEpoch.Add(200*time.Millisecond), det(1, 150, 50)),
		jsonlLine(t, 4, pipelineEpoch.Add(300*time.Millisecond), det(1, 160, 50)),
	)
	src := openReplay(t, path, 7)

	sink := &recordingSink{}
	bcast := NewBroadcaster()
	subID, sub := bcast.Subscribe()
	defer bcast.Unsubscribe(subID)
	state := NewState()

	w, err := NewWorker(WorkerConfig{
		Channel:   config.ChannelConfig{ChannelID: 7, Name: "lobby"},
		Source:    src,
		Detector:  src,
		Counter:   newWorkerCounter(t, 7),
		Sink:      sink,
		Broadcast: bcast,
		State:     state,
		Metrics:   metrics.New(),
		Logger:    monitoring.NewTestLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background()))

	records := sink.all()
	require.Len(t, records, 2)
	assert.Equal(t, string(zone.EventEnter), records[0].EventType)
	assert.Equal(t, string(zone.EventExit), records[1].EventType)
	for _, rec := range records {
		assert.Equal(t, 7, rec.ChannelID)
		assert.Equal(t, "door", rec.ZoneID)
		assert.Equal(t, 1, rec.TrackID)
	}
	assert.Equal(t, pipelineEpoch, records[0].OccurredAt)
	assert.Equal(t, int64(3), records[1].FrameNum)

	require.Len(t, sub, 2)
	assert.Equal(t, zone.EventEnter, (<-sub).Type)
	assert.Equal(t, zone.EventExit, (<-sub).Type)

	snap, ok := state.Channel(7)
	require.True(t, ok)
	assert.Equal(t, "lobby", snap.Name)
	assert.Equal(t, int64(4), snap.FrameNum)
	assert.Equal(t, zone.Tally{Enter: 1, Exit: 1, Total: 0, Current: 0}, snap.Counts["door"].Tally)
	assert.Equal(t, 1, snap.ActiveTracks)
}

// TestWorkerTracksRawDetections feeds untracked detections through the
// tracker. Nothing counts until the track confirms on its third hit; the
// walk out of the zone then yields the exit.
func TestWorkerTracksRawDetections(t *testing.T) {
	t.Parallel()

	// One person holds still long enough to confirm, then walks right in
	// strides short enough to keep association overlap.
	xs := []float64{50, 50, 50, 59, 68, 77, 86, 95, 104, 113}
	lines := make([]string, len(xs))
	for i, x := range xs {
		lines[i] = jsonlLine(t, int64(i+1), pipelineEpoch.Add(time.Duration(i)*100*time.Millisecond), det(0, x, 50))
	}
	path := writeJSONL(t, lines...)
	src := openReplay(t, path, 2)

	sink := &recordingSink{}
	w, err := NewWorker(WorkerConfig{
		Channel:  config.ChannelConfig{ChannelID: 2},
		Source:   src,
		Detector: src,
		Tracker:  track.NewTracker(&config.CountingConfig{}, monitoring.NewTestLogger()),
		Counter:  newWorkerCounter(t, 2),
		Sink:     sink,
		Metrics:  metrics.New(),
		Logger:   monitoring.NewTestLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background()))

	records := sink.all()
	require.Len(t, records, 2)
	assert.Equal(t, string(zone.EventEnter), records[0].EventType)
	assert.Equal(t, int64(3), records[0].FrameNum, "enter waits for the track to confirm")
	assert.Equal(t, string(zone.EventExit), records[1].EventType)
	assert.Equal(t, int64(9), records[1].FrameNum, "exit on the first frame past the boundary")
	assert.Equal(t, records[0].TrackID, records[1].TrackID)
}

// TestWorkerDailyRollover crosses midnight mid-stream. The tallies reset
// but the person inside keeps their membership, so day two starts with an
// occupant and no duplicate enter.
func TestWorkerDailyRollover(t *testing.T) {
	t.Parallel()

	lateNight := time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)
	path := writeJSONL(t,
		jsonlLine(t, 1, lateNight, det(1, 50, 50)),
		jsonlLine(t, 2, lateNight.Add(2*time.Second), det(1, 50, 50)),
		jsonlLine(t, 3, lateNight.Add(3*time.Second), det(1, 50, 50)),
	)
	src := openReplay(t, path, 1)

	sink := &recordingSink{}
	state := NewState()
	w, err := NewWorker(WorkerConfig{
		Channel:  config.ChannelConfig{ChannelID: 1},
		Source:   src,
		Detector: src,
		Counter:  newWorkerCounter(t, 1),
		Sink:     sink,
		State:    state,
		Metrics:  metrics.New(),
		Logger:   monitoring.NewTestLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background()))

	require.Len(t, sink.all(), 1, "the enter counts once, on day one")

	snap, ok := state.Channel(1)
	require.True(t, ok)
	assert.Equal(t, zone.Tally{Enter: 0, Exit: 0, Total: 0, Current: 1}, snap.Counts["door"].Tally,
		"day two opens with the occupant carried over and fresh tallies")
	assert.Empty(t, snap.DailyCounts)
}

func TestWorkerStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	path := writeJSONL(t, jsonlLine(t, 1, pipelineEpoch, det(1, 50, 50)))
	src := openReplay(t, path, 1)

	w, err := NewWorker(WorkerConfig{
		Channel:  config.ChannelConfig{ChannelID: 1},
		Source:   src,
		Detector: src,
		Counter:  newWorkerCounter(t, 1),
		Metrics:  metrics.New(),
		Logger:   monitoring.NewTestLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Run(ctx))
}

func TestNewWorkerValidation(t *testing.T) {
	t.Parallel()

	path := writeJSONL(t, jsonlLine(t, 1, pipelineEpoch))
	src := openReplay(t, path, 1)
	ctr := newWorkerCounter(t, 1)

	_, err := NewWorker(WorkerConfig{Detector: src, Counter: ctr})
	assert.ErrorContains(t, err, "frame source")

	_, err = NewWorker(WorkerConfig{Source: src, Counter: ctr})
	assert.ErrorContains(t, err, "detector")

	_, err = NewWorker(WorkerConfig{Source: src, Detector: src})
	assert.ErrorContains(t, err, "counter")
}
