package reid

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/metrics"
	"github.com/banshee-data/footfall.report/internal/timeutil"
	"github.com/banshee-data/footfall.report/internal/units"
	"github.com/banshee-data/footfall.report/internal/vision"
)

// Identity is the persisted catalog record for one person.
type Identity struct {
	PersonID  string    `json:"person_id"`
	Embedding []float32 `json:"embedding"`
	UpdatedAt float64   `json:"updated_at"`
}

// DailyCounts records which edges have been counted for a person today.
type DailyCounts struct {
	Enter int `json:"enter"`
	Exit  int `json:"exit"`
}

// KV key schema. Person ids contain no colons, so the layout is parseable.
const (
	identityKeyPrefix = "person:identity:"
	trackKeyPrefix    = "person:track:"
	counterKeyPrefix  = "person:counter:global:"
)

func identityKey(personID string) string {
	return identityKeyPrefix + personID
}

func trackKey(channelID, trackID int) string {
	return fmt.Sprintf("%s%d:%d", trackKeyPrefix, channelID, trackID)
}

func counterKey(personID, date string) string {
	return counterKeyPrefix + personID + ":" + date
}

// ManagerConfig wires a Manager. Store defaults to a fresh MemoryStore so
// an offline deployment works without a KV backend.
type ManagerConfig struct {
	Store    Store
	Fallback *MemoryStore
	Counting *config.CountingConfig
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Clock    timeutil.Clock
	Location *time.Location
}

// Manager assigns one person_id per real person across channels and owns
// the global daily counters. It is shared by all channel workers; the
// mutex serializes the read-modify-write cycles so the daily uniqueness
// rule holds within the process even during KV outages.
type Manager struct {
	primary  Store
	fallback *MemoryStore
	cfg      *config.CountingConfig
	metrics  *metrics.Metrics
	log      zerolog.Logger
	clock    timeutil.Clock
	loc      *time.Location

	mu       sync.Mutex
	degraded bool
}

// NewManager creates a Manager, filling unset optional fields.
func NewManager(mc ManagerConfig) *Manager {
	if mc.Clock == nil {
		mc.Clock = timeutil.RealClock{}
	}
	if mc.Store == nil {
		mc.Store = NewMemoryStoreWithClock(mc.Clock)
	}
	if mc.Fallback == nil {
		mc.Fallback = NewMemoryStoreWithClock(mc.Clock)
	}
	if mc.Counting == nil {
		mc.Counting = &config.CountingConfig{}
	}
	if mc.Metrics == nil {
		mc.Metrics = metrics.New()
	}
	if mc.Location == nil {
		mc.Location = time.UTC
	}
	return &Manager{
		primary:  mc.Store,
		fallback: mc.Fallback,
		cfg:      mc.Counting,
		metrics:  mc.Metrics,
		log:      mc.Logger,
		clock:    mc.Clock,
		loc:      mc.Location,
	}
}

// GetOrAssign resolves the person behind a track. An established
// track-to-person binding is returned as-is for as long as its KV entry
// lives. Otherwise the identity catalog is scanned for the closest
// embedding; a match at or above the similarity threshold reuses that
// person, anything else mints a new one. Returns empty iff the embedding
// is unusable.
func (m *Manager) GetOrAssign(ctx context.Context, channelID, trackID int, embedding []float32) string {
	if len(embedding) == 0 {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tkey := trackKey(channelID, trackID)
	if pid, ok := m.get(ctx, tkey); ok {
		return pid
	}

	ttl := m.cfg.GetRedisTTL()
	if pid, best := m.bestMatch(ctx, embedding); pid != "" && best >= m.cfg.GetSimilarityThreshold() {
		m.set(ctx, tkey, pid, ttl)
		m.log.Debug().
			Str("person_id", pid).
			Int("channel", channelID).
			Int("track", trackID).
			Float64("similarity", best).
			Msg("Matched track to existing person")
		return pid
	}

	now := m.clock.Now()
	pid := mintPersonID(channelID, trackID, now)
	ident := Identity{
		PersonID:  pid,
		Embedding: embedding,
		UpdatedAt: float64(now.UnixNano()) / float64(time.Second),
	}
	payload, err := json.Marshal(ident)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to encode identity record")
		return ""
	}
	m.set(ctx, identityKey(pid), string(payload), ttl)
	m.set(ctx, tkey, pid, ttl)
	m.log.Debug().
		Str("person_id", pid).
		Int("channel", channelID).
		Int("track", trackID).
		Msg("Minted new person identity")
	return pid
}

// CheckDailyCount consumes the person's daily budget for one event type.
// The first call for a (person, date, type) marks the edge and returns
// true; every later call that day returns false with the current counts.
// The counter is global, so zones and channels share it.
func (m *Manager) CheckDailyCount(ctx context.Context, personID, zoneID, eventType string) (bool, DailyCounts) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	date := units.DateKey(now, m.loc)
	key := counterKey(personID, date)

	var counts DailyCounts
	if raw, found := m.get(ctx, key); found {
		if err := json.Unmarshal([]byte(raw), &counts); err != nil {
			m.log.Warn().Str("key", key).Err(err).Msg("Resetting unreadable daily counter")
			counts = DailyCounts{}
		}
	}

	switch eventType {
	case "enter":
		if counts.Enter >= 1 {
			return false, counts
		}
		counts.Enter = 1
	case "exit":
		if counts.Exit >= 1 {
			return false, counts
		}
		counts.Exit = 1
	default:
		m.log.Warn().Str("event_type", eventType).Msg("Unknown event type for daily counter")
		return false, counts
	}

	// TTL runs to local midnight. Inside the last hour of the day the
	// counter gets a full day instead so it cannot expire mid-write.
	ttlSeconds := units.SecondsUntilMidnight(now, m.loc)
	if ttlSeconds < 3600 {
		ttlSeconds = 86400
	}
	payload, err := json.Marshal(counts)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to encode daily counter")
		return false, counts
	}
	m.set(ctx, key, string(payload), time.Duration(ttlSeconds)*time.Second)
	m.log.Debug().
		Str("person_id", personID).
		Str("zone", zoneID).
		Str("type", eventType).
		Msg("Daily count consumed")
	return true, counts
}

// DailyCountsAll returns today's per-person counters, merging the fallback
// with the primary store. Primary values win on overlap.
func (m *Manager) DailyCountsAll(ctx context.Context) map[string]DailyCounts {
	m.mu.Lock()
	defer m.mu.Unlock()

	date := units.DateKey(m.clock.Now(), m.loc)
	out := make(map[string]DailyCounts)

	_ = m.countersInto(ctx, m.fallback, date, out)
	if err := m.countersInto(ctx, m.primary, date, out); err != nil {
		m.setDegraded(true, err)
	} else {
		m.setDegraded(false, nil)
	}
	return out
}

func (m *Manager) countersInto(ctx context.Context, s Store, date string, out map[string]DailyCounts) error {
	keys, err := s.Scan(ctx, counterKeyPrefix+"*:"+date)
	if err != nil {
		return err
	}
	suffix := ":" + date
	for _, key := range keys {
		raw, found, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		var counts DailyCounts
		if err := json.Unmarshal([]byte(raw), &counts); err != nil {
			continue
		}
		pid := strings.TrimSuffix(strings.TrimPrefix(key, counterKeyPrefix), suffix)
		out[pid] = counts
	}
	return nil
}

// ResetDaily drops the in-memory daily counters. KV-side entries expire on
// their own TTLs; this clears process-local state at day rollover.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.fallback.DeleteMatch(counterKeyPrefix + "*"); n > 0 {
		m.log.Info().Int("entries", n).Msg("Cleared in-memory daily counters")
	}
}

// Degraded reports whether the manager is running on its fallback.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Ping probes the primary store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.primary.Ping(ctx)
}

// get reads through the primary store. The fallback is consulted both when
// the primary fails and on a clean miss; bindings written during an outage
// exist only in the fallback.
func (m *Manager) get(ctx context.Context, key string) (string, bool) {
	val, found, err := m.primary.Get(ctx, key)
	if err != nil {
		m.setDegraded(true, err)
		val, found, _ = m.fallback.Get(ctx, key)
		return val, found
	}
	m.setDegraded(false, nil)
	if !found {
		val, found, _ = m.fallback.Get(ctx, key)
	}
	return val, found
}

// set mirror-writes to both stores. The fallback copy keeps identity and
// daily state intact across an outage that begins mid-day.
func (m *Manager) set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := m.primary.SetEx(ctx, key, value, ttl); err != nil {
		m.setDegraded(true, err)
	} else {
		m.setDegraded(false, nil)
	}
	_ = m.fallback.SetEx(ctx, key, value, ttl)
}

func (m *Manager) setDegraded(degraded bool, err error) {
	if degraded == m.degraded {
		return
	}
	m.degraded = degraded
	m.metrics.SetKVDegraded(degraded)
	if degraded {
		m.log.Warn().Err(err).Msg("KV store unreachable, using in-memory fallback")
	} else {
		m.log.Info().Msg("KV store reachable again")
	}
}

// bestMatch scans the identity catalog for the highest cosine similarity
// to the query embedding. Ties keep the first record in scan order.
func (m *Manager) bestMatch(ctx context.Context, embedding []float32) (string, float64) {
	keys, err := m.primary.Scan(ctx, identityKeyPrefix+"*")
	if err != nil {
		m.setDegraded(true, err)
		keys, _ = m.fallback.Scan(ctx, identityKeyPrefix+"*")
	} else {
		m.setDegraded(false, nil)
	}

	query := toFloat64(embedding)
	bestID := ""
	bestSim := -1.0
	for _, key := range keys {
		raw, found := m.get(ctx, key)
		if !found {
			continue
		}
		var ident Identity
		if err := json.Unmarshal([]byte(raw), &ident); err != nil {
			m.log.Warn().Str("key", key).Err(err).Msg("Skipping unreadable identity record")
			continue
		}
		if len(ident.Embedding) != vision.EmbeddingDim {
			continue
		}
		if sim := cosine(query, toFloat64(ident.Embedding)); sim > bestSim {
			bestSim = sim
			bestID = ident.PersonID
		}
	}
	return bestID, bestSim
}

// mintPersonID derives a fresh identifier from the channel, track and wall
// clock. Two mints for the same (channel, track) within one second
// collide; realistic arrival rates make that negligible.
func mintPersonID(channelID, trackID int, now time.Time) string {
	seed := fmt.Sprintf("%d_%d_%d", channelID, trackID, now.Unix())
	sum := md5.Sum([]byte(seed))
	return fmt.Sprintf("P%d_%s", channelID, hex.EncodeToString(sum[:])[:8])
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// cosine returns the cosine similarity of two equal-length vectors, or 0
// when either norm vanishes.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na < 1e-9 || nb < 1e-9 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
