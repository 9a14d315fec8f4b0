// Package counter is the per-channel counting authority. It composes the
// staff voting cache, the person identity manager and the zone state
// machine: staff detections are filtered out, surviving detections get a
// person id where one can be resolved, zone edges become counted events,
// and person events are deduplicated against the daily counters. Only
// events returned from Update may reach the event sink.
package counter

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/metrics"
	"github.com/banshee-data/footfall.report/internal/reid"
	"github.com/banshee-data/footfall.report/internal/staff"
	"github.com/banshee-data/footfall.report/internal/vision"
	"github.com/banshee-data/footfall.report/internal/zone"
)

// ZoneCounts is one zone's cumulative tally annotated with the store-wide
// daily person totals for dashboard consumption.
type ZoneCounts struct {
	zone.Tally
	GlobalEnter  int `json:"global_enter"`
	GlobalExit   int `json:"global_exit"`
	GlobalUnique int `json:"global_unique"`
}

// Result is the outcome of one frame.
type Result struct {
	Counts map[string]ZoneCounts `json:"counts"`
	Events []zone.Event          `json:"events,omitempty"`

	// DailyCounts tallies the events that survived filtering and
	// deduplication today, per zone.
	DailyCounts map[string]reid.DailyCounts `json:"daily_counts"`

	ActiveTracks      int `json:"active_tracks"`
	DisappearedTracks int `json:"disappeared_tracks"`
}

type personRecord struct {
	id       string
	lastSeen int64
}

// Config assembles the dependencies for one channel's counter.
type Config struct {
	ChannelID int
	Zones     []config.ZoneConfig
	Counting  *config.CountingConfig
	Features  *config.FeatureConfig
	Identity  *reid.Manager
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Counter drives counting for one channel. It is owned by that channel's
// worker; the identity manager it delegates to is the only shared piece.
type Counter struct {
	channelID int
	staff     *staff.Cache
	ident     *reid.Manager
	zones     *zone.Counter
	met       *metrics.Metrics
	log       zerolog.Logger

	staffFilter bool
	reidOn      bool
	keepFrames  int64

	// persons remembers track to person bindings past the track's last
	// frame, so synthetic exits from the recovery pool still carry the
	// person id.
	persons map[int]personRecord
	daily   map[string]reid.DailyCounts
}

// New builds the counter for one channel. A nil identity manager gets an
// in-memory one, which keeps identity and dedup correct within the
// process. Zone errors abort startup.
func New(cc Config) (*Counter, error) {
	if cc.Counting == nil {
		cc.Counting = &config.CountingConfig{}
	}
	if cc.Features == nil {
		cc.Features = &config.FeatureConfig{}
	}
	if cc.Metrics == nil {
		cc.Metrics = metrics.New()
	}
	if cc.Identity == nil {
		cc.Identity = reid.NewManager(reid.ManagerConfig{
			Counting: cc.Counting,
			Metrics:  cc.Metrics,
			Logger:   cc.Logger,
		})
	}

	zc, err := zone.NewCounter(cc.ChannelID, cc.Zones, cc.Counting, cc.Logger)
	if err != nil {
		return nil, err
	}

	return &Counter{
		channelID:   cc.ChannelID,
		staff:       staff.NewCache(cc.Counting),
		ident:       cc.Identity,
		zones:       zc,
		met:         cc.Metrics,
		log:         cc.Logger,
		staffFilter: cc.Features.GetStaffFilter(),
		reidOn:      cc.Features.GetReid(),
		keepFrames:  int64(cc.Counting.GetDisappearedKeepFrames()),
		persons:     make(map[int]personRecord),
		daily:       make(map[string]reid.DailyCounts),
	}, nil
}

// ChannelID returns the channel this counter serves.
func (c *Counter) ChannelID() int { return c.channelID }

// Zones returns the channel's configured zones.
func (c *Counter) Zones() []*zone.Zone { return c.zones.Zones() }

// Update processes one frame of tracked detections:
//
//  1. Staff detections are dropped, by per-frame marking or latched vote.
//  2. Each survivor resolves a person id: one it already carries, or an
//     embedding match through the identity manager, or none.
//  3. The zone counter turns positions into raw enter and exit edges.
//  4. Edges from staff-latched tracks are suppressed. Anonymous edges pass
//     through; person edges pass the daily counter and are dropped when
//     the person was already counted in that direction today.
//
// The zone counter's cumulative tallies are never rolled back for dropped
// events; it counts edges, this layer counts unique people.
func (c *Counter) Update(ctx context.Context, detections []vision.Detection, frame vision.Frame) Result {
	c.met.RecordDetections(c.channelID, len(detections))

	active := c.zones.TrackIDs()
	survivors := detections[:0:0]
	for _, d := range detections {
		active[d.TrackID] = true
		if c.staffFilter && c.isStaff(d, frame.Num) {
			continue
		}
		if d.PersonID == "" && c.reidOn && d.HasEmbedding() {
			d.PersonID = c.ident.GetOrAssign(ctx, c.channelID, d.TrackID, d.Embedding)
		}
		if d.PersonID != "" {
			c.persons[d.TrackID] = personRecord{id: d.PersonID, lastSeen: frame.Num}
		} else if rec, ok := c.persons[d.TrackID]; ok {
			// A frame without an embedding still refreshes the binding so
			// it outlives the track, not just the last resolved frame.
			rec.lastSeen = frame.Num
			c.persons[d.TrackID] = rec
		}
		survivors = append(survivors, d)
	}

	res := c.zones.Update(survivors, frame)

	events := make([]zone.Event, 0, len(res.Events))
	for _, ev := range res.Events {
		if c.staffFilter {
			if label, ok := c.staff.Get(ev.TrackID); ok && label == vision.LabelStaff {
				continue
			}
		}
		if rec, ok := c.persons[ev.TrackID]; ok {
			may, _ := c.ident.CheckDailyCount(ctx, rec.id, ev.ZoneID, string(ev.Type))
			if !may {
				continue
			}
			ev.PersonID = rec.id
		}
		c.bumpDaily(ev.ZoneID, ev.Type)
		c.met.RecordEvent(c.channelID, ev.ZoneID, string(ev.Type))
		events = append(events, ev)
	}

	c.met.SetActiveTracks(c.channelID, res.ActiveTracks)
	c.met.SetDisappearedTracks(c.channelID, res.DisappearedTracks)

	c.staff.Cleanup(active, frame.Num)
	c.prunePersons(frame.Num)

	return Result{
		Counts:            c.annotate(ctx, res.Counts),
		Events:            events,
		DailyCounts:       c.dailySnapshot(),
		ActiveTracks:      res.ActiveTracks,
		DisappearedTracks: res.DisappearedTracks,
	}
}

// Reset zeroes the cumulative zone tallies and the daily aggregation at
// the day boundary. Track and membership state survive so people present
// across the boundary keep their confirmed zones.
func (c *Counter) Reset() {
	c.zones.Reset()
	c.daily = make(map[string]reid.DailyCounts)
	c.ident.ResetDaily()
}

// isStaff folds the detection's classification into the voting cache and
// reports whether the detection must be excluded from counting. An
// explicit staff marking without a classification votes as a
// full-confidence staff observation so the latch survives the marking.
func (c *Counter) isStaff(d vision.Detection, frameNum int64) bool {
	class, conf := d.PersonType, d.ClassConfidence
	if class == "" && d.IsStaff {
		class, conf = vision.LabelStaff, 1.0
	}

	var latched vision.Label
	var fixed bool
	if class != "" {
		latched, fixed = c.staff.Vote(d.TrackID, class, conf, frameNum)
	} else {
		latched, fixed = c.staff.Get(d.TrackID)
	}
	if fixed && latched == vision.LabelStaff {
		return true
	}
	return d.Staff()
}

func (c *Counter) bumpDaily(zoneID string, kind zone.EventType) {
	dc := c.daily[zoneID]
	switch kind {
	case zone.EventEnter:
		dc.Enter++
	case zone.EventExit:
		dc.Exit++
	}
	c.daily[zoneID] = dc
}

// prunePersons drops bindings whose track has left the recovery pool.
// One frame of slack keeps the binding alive through the pool eviction
// that emits the synthetic exit.
func (c *Counter) prunePersons(frameNum int64) {
	cutoff := frameNum - c.keepFrames - 1
	for id, rec := range c.persons {
		if rec.lastSeen < cutoff {
			delete(c.persons, id)
		}
	}
}

// annotate attaches the store-wide daily person totals to every zone
// tally.
func (c *Counter) annotate(ctx context.Context, counts map[string]zone.Tally) map[string]ZoneCounts {
	var gEnter, gExit int
	all := c.ident.DailyCountsAll(ctx)
	for _, dc := range all {
		gEnter += dc.Enter
		gExit += dc.Exit
	}

	out := make(map[string]ZoneCounts, len(counts))
	for id, t := range counts {
		out[id] = ZoneCounts{
			Tally:        t,
			GlobalEnter:  gEnter,
			GlobalExit:   gExit,
			GlobalUnique: len(all),
		}
	}
	return out
}

func (c *Counter) dailySnapshot() map[string]reid.DailyCounts {
	out := make(map[string]reid.DailyCounts, len(c.daily))
	for id, dc := range c.daily {
		out[id] = dc
	}
	return out
}
