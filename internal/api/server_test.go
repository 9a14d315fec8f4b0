package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/counter"
	"github.com/banshee-data/footfall.report/internal/events"
	"github.com/banshee-data/footfall.report/internal/geo"
	"github.com/banshee-data/footfall.report/internal/metrics"
	"github.com/banshee-data/footfall.report/internal/monitoring"
	"github.com/banshee-data/footfall.report/internal/pipeline"
	"github.com/banshee-data/footfall.report/internal/reid"
	"github.com/banshee-data/footfall.report/internal/timeutil"
	"github.com/banshee-data/footfall.report/internal/zone"
)

var apiEpoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Channels: []config.ChannelConfig{
			{
				ChannelID: 1,
				Name:      "lobby",
				Source:    "rtsp://cam1.local/stream",
				Zones: []config.ZoneConfig{{
					ZoneID: "door",
					Type:   config.ZoneTypePolygon,
					Polygon: []geo.Point{
						{X: 0, Y: 0}, {X: 100, Y: 0},
						{X: 100, Y: 100}, {X: 0, Y: 100},
					},
				}},
			},
			{ChannelID: 2, Name: "cafe", Source: "recordings/cafe.jsonl"},
		},
	}
}

func snapshotFor(channelID int) pipeline.ChannelSnapshot {
	return pipeline.ChannelSnapshot{
		ChannelID: channelID,
		Name:      "lobby",
		FrameNum:  42,
		UpdatedAt: apiEpoch,
		Counts: map[string]counter.ZoneCounts{
			"door": {Tally: zone.Tally{Enter: 3, Exit: 1, Total: 2, Current: 2}},
		},
		DailyCounts:  map[string]reid.DailyCounts{"door": {Enter: 3, Exit: 1}},
		ActiveTracks: 2,
	}
}

func newTestServer(t *testing.T, sc ServerConfig) *Server {
	t.Helper()
	if sc.Config == nil {
		sc.Config = testConfig()
	}
	if sc.Clock == nil {
		sc.Clock = timeutil.NewMockClock(apiEpoch)
	}
	sc.Logger = monitoring.NewTestLogger()
	return NewServer(sc)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)
	return w
}

func TestShowCounts(t *testing.T) {
	t.Parallel()

	state := pipeline.NewState()
	state.Put(snapshotFor(1))
	state.Put(snapshotFor(2))
	s := newTestServer(t, ServerConfig{State: state})

	w := get(t, s, "/api/counts")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var snaps []pipeline.ChannelSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, 1, snaps[0].ChannelID)
	assert.Equal(t, 2, snaps[1].ChannelID)
	assert.Equal(t, 3, snaps[0].Counts["door"].Enter)
}

func TestShowCountsSingleChannel(t *testing.T) {
	t.Parallel()

	state := pipeline.NewState()
	state.Put(snapshotFor(1))
	s := newTestServer(t, ServerConfig{State: state})

	w := get(t, s, "/api/counts?channel=1")
	require.Equal(t, http.StatusOK, w.Code)
	var snap pipeline.ChannelSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(42), snap.FrameNum)
	assert.Equal(t, 2, snap.Counts["door"].Current)
}

func TestShowCountsErrors(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, ServerConfig{State: pipeline.NewState()})

	w := get(t, s, "/api/counts?channel=nope")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, s, "/api/counts?channel=9")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/counts", nil)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListChannels(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, ServerConfig{})
	w := get(t, s, "/api/channels")
	require.Equal(t, http.StatusOK, w.Code)

	var channels []channelAPI
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &channels))
	require.Len(t, channels, 2)
	assert.Equal(t, channelAPI{ChannelID: 1, Name: "lobby", Source: "rtsp://cam1.local/stream", Zones: 1}, channels[0])
	assert.Equal(t, 0, channels[1].Zones)
}

func TestListZones(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, ServerConfig{})
	w := get(t, s, "/api/zones")
	require.Equal(t, http.StatusOK, w.Code)

	var zones []zoneListAPI
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &zones))
	require.Len(t, zones, 2)
	require.Len(t, zones[0].Zones, 1)
	assert.Equal(t, "door", zones[0].Zones[0].ZoneID)
	assert.Empty(t, zones[1].Zones)
}

func TestShowDaily(t *testing.T) {
	t.Parallel()

	state := pipeline.NewState()
	state.Put(snapshotFor(1))
	s := newTestServer(t, ServerConfig{State: state})

	w := get(t, s, "/api/daily")
	require.Equal(t, http.StatusOK, w.Code)

	var daily dailyAPI
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &daily))
	assert.Equal(t, "2026-03-10", daily.Date)
	require.Len(t, daily.Channels, 1)
	assert.Equal(t, reid.DailyCounts{Enter: 3, Exit: 1}, daily.Channels[0].Zones["door"])
}

func TestRecentEventsWithoutStore(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, ServerConfig{})
	w := get(t, s, "/api/events/recent")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "disabled")
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(apiEpoch)
	ident := reid.NewManager(reid.ManagerConfig{
		Logger: monitoring.NewTestLogger(),
		Clock:  clock,
	})
	s := newTestServer(t, ServerConfig{Identity: ident, Clock: clock})

	clock.Advance(90 * time.Second)
	w := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var health healthAPI
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.KVDegraded)
	assert.Equal(t, "disabled", health.EventStore)
	assert.Equal(t, 2, health.Channels)
	assert.InDelta(t, 90, health.UptimeSeconds, 0.01)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	met := metrics.New()
	met.RecordEvent(1, "door", string(zone.EventEnter))
	s := newTestServer(t, ServerConfig{Metrics: met})

	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "footfall_events_emitted_total")
}

func eventRecordFixture() events.Record {
	return events.Record{
		ID:         5,
		OccurredAt: apiEpoch,
		ChannelID:  3,
		ZoneID:     "door",
		EventType:  "enter",
		TrackID:    12,
		PersonID:   sql.NullString{String: "P3_1a2b3c4d", Valid: true},
		FrameNum:   91,
	}
}

func TestEventToAPI(t *testing.T) {
	t.Parallel()

	rec := eventRecordFixture()
	ev := eventToAPI(rec)
	assert.Equal(t, "P3_1a2b3c4d", ev.PersonID)
	assert.Equal(t, "enter", ev.EventType)
	assert.Equal(t, int64(91), ev.FrameNum)

	rec.PersonID.Valid = false
	assert.Empty(t, eventToAPI(rec).PersonID)
}
