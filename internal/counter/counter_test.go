package counter

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/geo"
	"github.com/banshee-data/footfall.report/internal/metrics"
	"github.com/banshee-data/footfall.report/internal/monitoring"
	"github.com/banshee-data/footfall.report/internal/reid"
	"github.com/banshee-data/footfall.report/internal/timeutil"
	"github.com/banshee-data/footfall.report/internal/vision"
	"github.com/banshee-data/footfall.report/internal/zone"
)

var counterEpoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func frameAt(num int64) vision.Frame {
	return vision.Frame{
		Num:    num,
		Time:   counterEpoch.Add(time.Duration(num) * 33 * time.Millisecond),
		Width:  640,
		Height: 480,
	}
}

func detAt(trackID int, cx, cy float64) vision.Detection {
	return vision.Detection{
		TrackID:    trackID,
		BBox:       vision.BBox{X1: cx - 10, Y1: cy - 10, X2: cx + 10, Y2: cy + 10},
		Confidence: 0.9,
		ChannelID:  3,
	}
}

func squareZone(id string, size float64) config.ZoneConfig {
	return config.ZoneConfig{
		ZoneID: id,
		Type:   config.ZoneTypePolygon,
		Polygon: []geo.Point{
			{X: 0, Y: 0}, {X: size, Y: 0},
			{X: size, Y: size}, {X: 0, Y: size},
		},
	}
}

func embBasis(i int) []float32 {
	v := make([]float32, vision.EmbeddingDim)
	v[i] = 1
	return v
}

// embNear builds a unit vector whose cosine similarity to embBasis(a) is
// exactly sim.
func embNear(a, b int, sim float64) []float32 {
	v := make([]float32, vision.EmbeddingDim)
	v[a] = float32(sim)
	v[b] = float32(math.Sqrt(1 - sim*sim))
	return v
}

func newTestManager(clk timeutil.Clock) *reid.Manager {
	return reid.NewManager(reid.ManagerConfig{
		Logger: monitoring.NewTestLogger(),
		Clock:  clk,
	})
}

func newTestCounter(t *testing.T, channelID int, ident *reid.Manager, zones ...config.ZoneConfig) *Counter {
	t.Helper()
	c, err := New(Config{
		ChannelID: channelID,
		Zones:     zones,
		Identity:  ident,
		Metrics:   metrics.New(),
		Logger:    monitoring.NewTestLogger(),
	})
	require.NoError(t, err)
	return c
}

// TestUpdateCountsCustomer walks one identified customer into a zone and
// checks the event, the person id and every aggregate the result carries.
func TestUpdateCountsCustomer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := timeutil.NewMockClock(counterEpoch)
	c := newTestCounter(t, 3, newTestManager(clk), squareZone("door", 100))

	d := detAt(1, 50, 50)
	d.Embedding = embBasis(0)
	res := c.Update(ctx, []vision.Detection{d}, frameAt(1))

	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, zone.EventEnter, ev.Type)
	assert.Equal(t, "door", ev.ZoneID)
	assert.Equal(t, 3, ev.ChannelID)
	assert.Equal(t, 1, ev.TrackID)
	assert.NotEmpty(t, ev.PersonID)

	assert.Equal(t, zone.Tally{Enter: 1, Total: 1, Current: 1}, res.Counts["door"].Tally)
	assert.Equal(t, 1, res.Counts["door"].GlobalEnter)
	assert.Equal(t, 0, res.Counts["door"].GlobalExit)
	assert.Equal(t, 1, res.Counts["door"].GlobalUnique)
	assert.Equal(t, reid.DailyCounts{Enter: 1}, res.DailyCounts["door"])
	assert.Equal(t, 1, res.ActiveTracks)
}

// TestStaffNeverCounted keeps a staff member inside a zone for six frames,
// the last three classified customer after the latch has fixed. No event
// may surface.
func TestStaffNeverCounted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := timeutil.NewMockClock(counterEpoch)
	c := newTestCounter(t, 3, newTestManager(clk), squareZone("door", 100))

	var events []zone.Event
	var last Result
	for n := int64(1); n <= 6; n++ {
		d := detAt(4, 50, 50)
		d.ClassConfidence = 0.9
		d.PersonType = vision.LabelStaff
		if n >= 4 {
			d.PersonType = vision.LabelCustomer
		}
		last = c.Update(ctx, []vision.Detection{d}, frameAt(n))
		events = append(events, last.Events...)
	}

	assert.Empty(t, events)
	assert.Equal(t, zone.Tally{}, last.Counts["door"].Tally)
	assert.Empty(t, last.DailyCounts)
}

// TestStaffLatchSuppressesSyntheticExit covers the late latch: a track
// counted as customer before enough staff votes accumulate keeps its
// committed enter, but the synthetic exit its abandoned zone state would
// emit is suppressed. The zone tally still balances.
func TestStaffLatchSuppressesSyntheticExit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := timeutil.NewMockClock(counterEpoch)
	c := newTestCounter(t, 3, newTestManager(clk), squareZone("door", 100))

	var events []zone.Event
	var last Result
	for n := int64(1); n <= 33; n++ {
		var dets []vision.Detection
		switch {
		case n <= 2:
			d := detAt(9, 60, 60)
			d.PersonType = vision.LabelCustomer
			d.ClassConfidence = 0.4
			dets = []vision.Detection{d}
		case n <= 5:
			d := detAt(9, 60, 60)
			d.PersonType = vision.LabelStaff
			d.ClassConfidence = 0.9
			dets = []vision.Detection{d}
		}
		last = c.Update(ctx, dets, frameAt(n))
		events = append(events, last.Events...)
	}

	require.Len(t, events, 1)
	assert.Equal(t, zone.EventEnter, events[0].Type)
	assert.Equal(t, int64(1), events[0].FrameNum)

	assert.Equal(t, zone.Tally{Enter: 1, Exit: 1}, last.Counts["door"].Tally)
	assert.Equal(t, reid.DailyCounts{Enter: 1}, last.DailyCounts["door"])
	assert.Equal(t, 0, last.DisappearedTracks, "pool drains at eviction")
}

// TestDailyDedupSamePerson bounces one identified person in and out of a
// zone: the first enter and exit count, the repeats are dropped, and the
// next day starts fresh.
func TestDailyDedupSamePerson(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := timeutil.NewMockClock(counterEpoch)
	c := newTestCounter(t, 3, newTestManager(clk), squareZone("door", 100))

	step := func(n int64, inside bool) Result {
		pos := geo.Point{X: 50, Y: 50}
		if !inside {
			pos = geo.Point{X: 150, Y: 150}
		}
		d := detAt(1, pos.X, pos.Y)
		d.Embedding = embBasis(0)
		return c.Update(ctx, []vision.Detection{d}, frameAt(n))
	}

	res := step(1, true)
	require.Len(t, res.Events, 1)
	pid := res.Events[0].PersonID
	require.NotEmpty(t, pid)

	res = step(2, false)
	require.Len(t, res.Events, 1)
	assert.Equal(t, zone.EventExit, res.Events[0].Type)
	assert.Equal(t, pid, res.Events[0].PersonID)

	res = step(3, true)
	assert.Empty(t, res.Events, "second enter today is dropped")
	res = step(4, false)
	assert.Empty(t, res.Events, "second exit today is dropped")

	assert.Equal(t, zone.Tally{Enter: 2, Exit: 2}, res.Counts["door"].Tally,
		"edge tallies are not rolled back for dropped events")
	assert.Equal(t, reid.DailyCounts{Enter: 1, Exit: 1}, res.DailyCounts["door"])

	// Past midnight the same person counts again.
	clk.Advance(16 * time.Hour)
	c.Reset()

	res = step(5, true)
	require.Len(t, res.Events, 1)
	assert.Equal(t, zone.EventEnter, res.Events[0].Type)
	assert.Equal(t, pid, res.Events[0].PersonID, "identity survives the day boundary")
	assert.Equal(t, zone.Tally{Enter: 1, Total: 1, Current: 1}, res.Counts["door"].Tally)
	assert.Equal(t, reid.DailyCounts{Enter: 1}, res.DailyCounts["door"])
	assert.Equal(t, 1, res.Counts["door"].GlobalUnique)
}

// TestAnonymousEventsPassThrough checks that events for tracks without an
// identity skip daily dedup entirely.
func TestAnonymousEventsPassThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := timeutil.NewMockClock(counterEpoch)
	c := newTestCounter(t, 3, newTestManager(clk), squareZone("door", 100))

	positions := []geo.Point{{X: 50, Y: 50}, {X: 150, Y: 150}, {X: 50, Y: 50}}
	var events []zone.Event
	var last Result
	for n, pos := range positions {
		last = c.Update(ctx, []vision.Detection{detAt(2, pos.X, pos.Y)}, frameAt(int64(n+1)))
		events = append(events, last.Events...)
	}

	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Empty(t, ev.PersonID)
	}
	assert.Equal(t, reid.DailyCounts{Enter: 2, Exit: 1}, last.DailyCounts["door"])
}

// TestSyntheticExitCarriesPersonID lets an identified person vanish inside
// a zone and checks the eviction-time exit still names them.
func TestSyntheticExitCarriesPersonID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := timeutil.NewMockClock(counterEpoch)
	c := newTestCounter(t, 3, newTestManager(clk), squareZone("door", 100))

	var events []zone.Event
	var last Result
	for n := int64(1); n <= 33; n++ {
		var dets []vision.Detection
		if n <= 2 {
			d := detAt(1, 60, 60)
			d.Embedding = embBasis(2)
			dets = []vision.Detection{d}
		}
		last = c.Update(ctx, dets, frameAt(n))
		events = append(events, last.Events...)
	}

	require.Len(t, events, 2)
	assert.Equal(t, zone.EventEnter, events[0].Type)
	require.NotEmpty(t, events[0].PersonID)

	assert.Equal(t, zone.EventExit, events[1].Type)
	assert.Equal(t, zone.ReasonTrackDisappeared, events[1].Reason)
	assert.Equal(t, events[0].PersonID, events[1].PersonID)

	assert.Equal(t, reid.DailyCounts{Enter: 1, Exit: 1}, last.DailyCounts["door"])
	assert.Equal(t, 1, last.Counts["door"].GlobalExit)
}

// TestGlobalDedupAcrossChannels runs two channels against one identity
// manager. The same person entering on both channels counts once; the
// second channel still sees the store-wide totals.
func TestGlobalDedupAcrossChannels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := timeutil.NewMockClock(counterEpoch)
	ident := newTestManager(clk)
	front := newTestCounter(t, 3, ident, squareZone("doorA", 100))
	back := newTestCounter(t, 7, ident, squareZone("doorB", 100))

	d := detAt(1, 50, 50)
	d.Embedding = embBasis(0)
	res := front.Update(ctx, []vision.Detection{d}, frameAt(1))
	require.Len(t, res.Events, 1)
	pid := res.Events[0].PersonID
	require.NotEmpty(t, pid)

	d2 := detAt(5, 50, 50)
	d2.Embedding = embNear(0, 1, 0.82)
	res = back.Update(ctx, []vision.Detection{d2}, frameAt(1))

	assert.Empty(t, res.Events, "same person already entered on the other channel")
	assert.Equal(t, zone.Tally{Enter: 1, Total: 1, Current: 1}, res.Counts["doorB"].Tally)
	assert.Equal(t, 1, res.Counts["doorB"].GlobalEnter)
	assert.Equal(t, 1, res.Counts["doorB"].GlobalUnique)
	assert.Empty(t, res.DailyCounts)
}

// TestFeatureToggles checks that switching staff filtering or re-id off
// changes behavior the way replay and bench setups rely on.
func TestFeatureToggles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	off := false

	t.Run("staff filter off counts staff", func(t *testing.T) {
		t.Parallel()
		c, err := New(Config{
			ChannelID: 3,
			Zones:     []config.ZoneConfig{squareZone("door", 100)},
			Features:  &config.FeatureConfig{StaffFilter: &off},
			Metrics:   metrics.New(),
			Logger:    monitoring.NewTestLogger(),
		})
		require.NoError(t, err)

		d := detAt(1, 50, 50)
		d.IsStaff = true
		res := c.Update(ctx, []vision.Detection{d}, frameAt(1))
		require.Len(t, res.Events, 1)
	})

	t.Run("reid off leaves events anonymous", func(t *testing.T) {
		t.Parallel()
		c, err := New(Config{
			ChannelID: 3,
			Zones:     []config.ZoneConfig{squareZone("door", 100)},
			Features:  &config.FeatureConfig{Reid: &off},
			Metrics:   metrics.New(),
			Logger:    monitoring.NewTestLogger(),
		})
		require.NoError(t, err)

		d := detAt(1, 50, 50)
		d.Embedding = embBasis(0)
		res := c.Update(ctx, []vision.Detection{d}, frameAt(1))
		require.Len(t, res.Events, 1)
		assert.Empty(t, res.Events[0].PersonID)
		assert.Equal(t, 0, res.Counts["door"].GlobalUnique)
	})
}

// TestUpdateRecordsMetrics checks the per-frame collector updates.
func TestUpdateRecordsMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	met := metrics.New()
	c, err := New(Config{
		ChannelID: 3,
		Zones:     []config.ZoneConfig{squareZone("door", 100)},
		Metrics:   met,
		Logger:    monitoring.NewTestLogger(),
	})
	require.NoError(t, err)

	dets := []vision.Detection{detAt(1, 50, 50), detAt(2, 200, 200)}
	c.Update(ctx, dets, frameAt(1))

	assert.Equal(t, 2.0, testutil.ToFloat64(met.Detections.WithLabelValues("3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.EventsEmitted.WithLabelValues("3", "door", "enter")))
	assert.Equal(t, 2.0, testutil.ToFloat64(met.ActiveTracks.WithLabelValues("3")))
}
