// Package api serves the HTTP surface of the counting daemon: live counts,
// zone and channel listings, daily tallies, recent and streamed events,
// health, and Prometheus metrics. Everything is read-only; the pipeline
// owns all state and the handlers only snapshot it.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/events"
	"github.com/banshee-data/footfall.report/internal/metrics"
	"github.com/banshee-data/footfall.report/internal/pipeline"
	"github.com/banshee-data/footfall.report/internal/reid"
	"github.com/banshee-data/footfall.report/internal/timeutil"
	"github.com/banshee-data/footfall.report/internal/units"
	"github.com/banshee-data/footfall.report/internal/version"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// recentEventsDefault and recentEventsMax bound the /api/events/recent
// page size.
const (
	recentEventsDefault = 50
	recentEventsMax     = 500
)

// ServerConfig assembles the read surfaces the API exposes. Store and
// Identity may be nil: the event history endpoints then answer 503 and
// the health report marks the store disabled.
type ServerConfig struct {
	Config    *config.Config
	State     *pipeline.State
	Broadcast *pipeline.Broadcaster
	Store     *events.Store
	Identity  *reid.Manager
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Clock     timeutil.Clock
}

type Server struct {
	cfg     *config.Config
	state   *pipeline.State
	bcast   *pipeline.Broadcaster
	store   *events.Store
	ident   *reid.Manager
	met     *metrics.Metrics
	log     zerolog.Logger
	clock   timeutil.Clock
	started time.Time
}

// NewServer wires the handlers to their data sources.
func NewServer(sc ServerConfig) *Server {
	if sc.Config == nil {
		sc.Config = &config.Config{}
	}
	if sc.State == nil {
		sc.State = pipeline.NewState()
	}
	if sc.Metrics == nil {
		sc.Metrics = metrics.New()
	}
	if sc.Clock == nil {
		sc.Clock = timeutil.RealClock{}
	}
	return &Server{
		cfg:     sc.Config,
		state:   sc.State,
		bcast:   sc.Broadcast,
		store:   sc.Store,
		ident:   sc.Identity,
		met:     sc.Metrics,
		log:     sc.Logger,
		clock:   sc.Clock,
		started: sc.Clock.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		s.log.Info().Msgf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(s.clock.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the routing table. Wrap it with LoggingMiddleware for
// the request log.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/counts", s.showCounts)
	mux.HandleFunc("/api/channels", s.listChannels)
	mux.HandleFunc("/api/zones", s.listZones)
	mux.HandleFunc("/api/daily", s.showDaily)
	mux.HandleFunc("/api/events/recent", s.listRecentEvents)
	mux.HandleFunc("/api/events/tail", s.tailEvents)
	mux.HandleFunc("/healthz", s.healthz)
	mux.Handle("/metrics", s.met.Handler())
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// showCounts returns the latest per-zone tallies, every channel by default
// or one selected with ?channel=N.
func (s *Server) showCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if c := r.URL.Query().Get("channel"); c != "" {
		channelID, err := strconv.Atoi(c)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'channel' parameter")
			return
		}
		snap, ok := s.state.Channel(channelID)
		if !ok {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("No counts for channel %d", channelID))
			return
		}
		s.writeJSON(w, http.StatusOK, snap)
		return
	}

	s.writeJSON(w, http.StatusOK, s.state.Snapshots())
}

type channelAPI struct {
	ChannelID int    `json:"channel_id"`
	Name      string `json:"name,omitempty"`
	Source    string `json:"source"`
	Zones     int    `json:"zones"`
}

// listChannels describes the configured channels.
func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	channels := make([]channelAPI, 0, len(s.cfg.Channels))
	for _, ch := range s.cfg.Channels {
		channels = append(channels, channelAPI{
			ChannelID: ch.ChannelID,
			Name:      ch.Name,
			Source:    ch.Source,
			Zones:     len(ch.Zones),
		})
	}
	s.writeJSON(w, http.StatusOK, channels)
}

type zoneListAPI struct {
	ChannelID int                 `json:"channel_id"`
	Zones     []config.ZoneConfig `json:"zones"`
}

// listZones returns the zone definitions per channel, as configured.
func (s *Server) listZones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	zones := make([]zoneListAPI, 0, len(s.cfg.Channels))
	for _, ch := range s.cfg.Channels {
		zones = append(zones, zoneListAPI{ChannelID: ch.ChannelID, Zones: ch.Zones})
	}
	s.writeJSON(w, http.StatusOK, zones)
}

type dailyChannelAPI struct {
	ChannelID int                         `json:"channel_id"`
	Zones     map[string]reid.DailyCounts `json:"zones"`
}

type dailyAPI struct {
	Date     string            `json:"date"`
	Channels []dailyChannelAPI `json:"channels"`
}

// showDaily returns today's deduplicated per-zone tallies per channel.
func (s *Server) showDaily(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	loc, err := units.Location(s.cfg.GetTimezone())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Invalid configured timezone")
		return
	}

	resp := dailyAPI{Date: units.DateKey(s.clock.Now(), loc)}
	for _, snap := range s.state.Snapshots() {
		resp.Channels = append(resp.Channels, dailyChannelAPI{
			ChannelID: snap.ChannelID,
			Zones:     snap.DailyCounts,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// eventAPI controls the wire shape of stored events. Without it the
// response would leak the storage representation (NullString wrappers and
// db column casing).
type eventAPI struct {
	ID        int64     `json:"id"`
	Time      time.Time `json:"time"`
	ChannelID int       `json:"channel_id"`
	ZoneID    string    `json:"zone_id"`
	EventType string    `json:"event_type"`
	TrackID   int       `json:"track_id"`
	PersonID  string    `json:"person_id,omitempty"`
	FrameNum  int64     `json:"frame_number"`
}

func eventToAPI(rec events.Record) eventAPI {
	ev := eventAPI{
		ID:        rec.ID,
		Time:      rec.OccurredAt,
		ChannelID: rec.ChannelID,
		ZoneID:    rec.ZoneID,
		EventType: rec.EventType,
		TrackID:   rec.TrackID,
		FrameNum:  rec.FrameNum,
	}
	if rec.PersonID.Valid {
		ev.PersonID = rec.PersonID.String
	}
	return ev
}

// listRecentEvents pages the newest persisted events, newest first.
func (s *Server) listRecentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Event store is disabled")
		return
	}

	limit := recentEventsDefault
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > recentEventsMax {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	records, err := s.store.RecentEvents(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve events: %v", err))
		return
	}

	apiEvents := make([]eventAPI, len(records))
	for i, rec := range records {
		apiEvents[i] = eventToAPI(rec)
	}
	s.writeJSON(w, http.StatusOK, apiEvents)
}

type healthAPI struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Channels      int     `json:"channels"`
	KVDegraded    bool    `json:"kv_degraded"`
	EventStore    string  `json:"event_store"`
}

// healthz reports liveness plus the state of the two backends. The reply
// is always 200 with the detail in the body; a degraded KV store or a
// disabled event store are running conditions, not liveness failures.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	health := healthAPI{
		Status:        "ok",
		Version:       version.Version,
		UptimeSeconds: s.clock.Since(s.started).Seconds(),
		Channels:      len(s.cfg.Channels),
		EventStore:    "disabled",
	}
	if s.ident != nil && s.ident.Degraded() {
		health.KVDegraded = true
		health.Status = "degraded"
	}
	if s.store != nil {
		health.EventStore = "ok"
		if err := s.store.Ping(r.Context()); err != nil {
			health.EventStore = "error"
			health.Status = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, health)
}
