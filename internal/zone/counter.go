package zone

import (
	"github.com/rs/zerolog"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/geo"
	"github.com/banshee-data/footfall.report/internal/vision"
)

// TrackZoneState is the hysteresis state for one (track, zone) pair.
// FrameBalance counts consecutive raw-inside frames when positive and
// consecutive raw-outside frames (negated) when negative. LastCounted
// blocks a second edge of the same type until the opposite edge re-arms
// it. RawInside is the membrane state for line zones.
type TrackZoneState struct {
	ConfirmedInside bool
	FrameBalance    int
	LastCounted     EventType
	RawInside       bool
}

func (s *TrackZoneState) clone() *TrackZoneState {
	c := *s
	return &c
}

type trackState struct {
	centroid geo.Point
	lastSeen int64
	hasPrev  bool
	zones    map[string]*TrackZoneState
}

// disappearedTrack is the recovery snapshot of a vanished track.
type disappearedTrack struct {
	centroid geo.Point
	lastSeen int64
	zones    map[string]*TrackZoneState
}

// Tally is the cumulative count state of one zone since the last reset.
type Tally struct {
	Enter   int `json:"enter"`
	Exit    int `json:"exit"`
	Total   int `json:"total"`
	Current int `json:"current"`
}

// Result is the outcome of one Update call.
type Result struct {
	Counts            map[string]Tally
	Events            []Event
	ActiveTracks      int
	DisappearedTracks int
}

// Counter is the per-channel zone state machine. It is owned by exactly
// one channel worker and holds no locks.
type Counter struct {
	channelID int
	zones     []*Zone
	cfg       *config.CountingConfig
	log       zerolog.Logger

	tracks      map[int]*trackState
	disappeared map[int]*disappearedTrack
	enters      map[string]int
	exits       map[string]int
}

// NewCounter builds the counter for one channel. Zone errors are startup
// errors; a channel with an unusable zone does not launch.
func NewCounter(channelID int, zoneCfgs []config.ZoneConfig, cfg *config.CountingConfig, log zerolog.Logger) (*Counter, error) {
	if cfg == nil {
		cfg = &config.CountingConfig{}
	}
	c := &Counter{
		channelID:   channelID,
		cfg:         cfg,
		log:         log,
		tracks:      make(map[int]*trackState),
		disappeared: make(map[int]*disappearedTrack),
		enters:      make(map[string]int),
		exits:       make(map[string]int),
	}
	for i := range zoneCfgs {
		z, err := NewZone(&zoneCfgs[i])
		if err != nil {
			return nil, err
		}
		c.zones = append(c.zones, z)
	}
	return c, nil
}

// Zones returns the loaded zones, inactive ones included.
func (c *Counter) Zones() []*Zone { return c.zones }

// TrackIDs reports every track id the counter still holds state for,
// live or waiting in the recovery pool.
func (c *Counter) TrackIDs() map[int]bool {
	ids := make(map[int]bool, len(c.tracks)+len(c.disappeared))
	for id := range c.tracks {
		ids[id] = true
	}
	for id := range c.disappeared {
		ids[id] = true
	}
	return ids
}

// Update advances the state machine by one frame. Detections are walked
// in slice order; the returned events preserve that order.
func (c *Counter) Update(detections []vision.Detection, frame vision.Frame) Result {
	for _, z := range c.zones {
		if z.active {
			z.resolve(frame.Width, frame.Height)
		}
	}

	var events []Event
	seen := make(map[int]bool, len(detections))

	for i := range detections {
		d := &detections[i]
		if !d.BBox.Valid() {
			c.log.Warn().
				Int("channel", c.channelID).
				Int("track", d.TrackID).
				Int64("frame", frame.Num).
				Msg("Dropping detection with degenerate bbox")
			continue
		}
		if seen[d.TrackID] {
			c.log.Warn().
				Int("channel", c.channelID).
				Int("track", d.TrackID).
				Int64("frame", frame.Num).
				Msg("Dropping duplicate track id in frame")
			continue
		}
		seen[d.TrackID] = true

		curr := d.BBox.Centroid()
		ts, ok := c.tracks[d.TrackID]
		if !ok {
			ts = c.adopt(d.TrackID, curr, frame.Num)
		}

		for _, z := range c.zones {
			if !z.active {
				continue
			}
			st, ok := ts.zones[z.id]
			if !ok {
				st = &TrackZoneState{}
				ts.zones[z.id] = st
			}
			if ev, emitted := c.step(z, st, ts, curr, frame, d.TrackID); emitted {
				events = append(events, ev)
			}
		}

		ts.centroid = curr
		ts.hasPrev = true
		ts.lastSeen = frame.Num
	}

	// Tracks seen last frame but not this one move to the recovery pool.
	for id, ts := range c.tracks {
		if seen[id] {
			continue
		}
		c.disappeared[id] = &disappearedTrack{
			centroid: ts.centroid,
			lastSeen: ts.lastSeen,
			zones:    ts.zones,
		}
		delete(c.tracks, id)
	}

	// Pool records past the retention window are gone for good. Zones they
	// were still confirmed inside get a synthetic exit so occupancy
	// balances out.
	keep := int64(c.cfg.GetDisappearedKeepFrames())
	for id, rec := range c.disappeared {
		if frame.Num-rec.lastSeen <= keep {
			continue
		}
		for zoneID, st := range rec.zones {
			if !st.ConfirmedInside {
				continue
			}
			c.exits[zoneID]++
			events = append(events, Event{
				Time:      frame.Time,
				ChannelID: c.channelID,
				ZoneID:    zoneID,
				Type:      EventExit,
				TrackID:   id,
				Reason:    ReasonTrackDisappeared,
				FrameNum:  frame.Num,
			})
		}
		delete(c.disappeared, id)
	}

	return c.result(events)
}

// adopt registers a track id the counter has not seen. If a disappeared
// record sits close enough and recently enough, its zone state carries
// over so a re-detected person is not counted twice.
func (c *Counter) adopt(trackID int, curr geo.Point, frameNum int64) *trackState {
	ts := &trackState{zones: make(map[string]*TrackZoneState)}

	maxAge := int64(c.cfg.GetRecoveryMaxAge())
	bestDist := c.cfg.GetRecoveryMaxDistance()
	bestID := -1
	for id, rec := range c.disappeared {
		if frameNum-rec.lastSeen > maxAge {
			continue
		}
		d := curr.Dist(rec.centroid)
		if d < bestDist || (d == bestDist && bestID >= 0 && id < bestID) {
			bestDist = d
			bestID = id
		}
	}
	if bestID >= 0 {
		rec := c.disappeared[bestID]
		for zoneID, st := range rec.zones {
			ts.zones[zoneID] = st.clone()
		}
		ts.centroid = rec.centroid
		ts.hasPrev = true
		delete(c.disappeared, bestID)
		c.log.Debug().
			Int("channel", c.channelID).
			Int("track", trackID).
			Int("recovered_from", bestID).
			Float64("distance", bestDist).
			Msg("Recovered disappeared track")
	}

	c.tracks[trackID] = ts
	return ts
}

// step runs the per-frame hysteresis update for one (track, zone) pair.
func (c *Counter) step(z *Zone, st *TrackZoneState, ts *trackState, curr geo.Point, frame vision.Frame, trackID int) (Event, bool) {
	inRaw := z.observe(st, ts.centroid, ts.hasPrev, curr)
	prevConfirmed := st.ConfirmedInside

	if inRaw {
		if st.FrameBalance >= 0 {
			st.FrameBalance++
		} else {
			st.FrameBalance = 1
		}
	} else {
		switch {
		case st.FrameBalance > 0:
			st.FrameBalance = -1
		case st.FrameBalance < 0:
			st.FrameBalance--
		}
	}

	confirmedCurr := inRaw && st.FrameBalance >= z.enterThreshold
	outsideStreak := 0
	if st.FrameBalance < 0 {
		outsideStreak = -st.FrameBalance
	}
	confirmedExit := !inRaw && prevConfirmed && outsideStreak >= z.exitThreshold

	// A confirmed re-entry after a counted exit re-arms both edges.
	if confirmedCurr && !prevConfirmed && st.LastCounted == EventExit {
		st.LastCounted = ""
	}

	switch {
	case !prevConfirmed && confirmedCurr:
		st.ConfirmedInside = true
		if st.LastCounted == EventEnter {
			c.logEdgeSuppressed(z.id, trackID, st, frame.Num, EventEnter)
			return Event{}, false
		}
		st.LastCounted = EventEnter
		c.enters[z.id]++
		return Event{
			Time:      frame.Time,
			ChannelID: c.channelID,
			ZoneID:    z.id,
			Type:      EventEnter,
			TrackID:   trackID,
			FrameNum:  frame.Num,
		}, true

	case prevConfirmed && confirmedExit:
		// Confirmed state drops before anything else so a second exit
		// cannot fire off the same state later in this frame.
		st.ConfirmedInside = false
		if st.LastCounted == EventExit {
			c.logEdgeSuppressed(z.id, trackID, st, frame.Num, EventExit)
			return Event{}, false
		}
		st.LastCounted = EventExit
		c.exits[z.id]++
		return Event{
			Time:      frame.Time,
			ChannelID: c.channelID,
			ZoneID:    z.id,
			Type:      EventExit,
			TrackID:   trackID,
			FrameNum:  frame.Num,
		}, true
	}
	return Event{}, false
}

// logEdgeSuppressed records an edge the guards blocked. The alternation
// of LastCounted makes this unreachable; hitting it means the state
// machine has a bug, so the full pair state goes into the log.
func (c *Counter) logEdgeSuppressed(zoneID string, trackID int, st *TrackZoneState, frameNum int64, kind EventType) {
	c.log.Error().
		Int("channel", c.channelID).
		Str("zone", zoneID).
		Int("track", trackID).
		Int64("frame", frameNum).
		Str("edge", string(kind)).
		Bool("confirmed_inside", st.ConfirmedInside).
		Int("frame_balance", st.FrameBalance).
		Str("last_counted", string(st.LastCounted)).
		Msg("Suppressed duplicate edge for unchanged state")
}

// Reset zeroes the cumulative tallies. Track and pool state survive so
// people present across the boundary keep their confirmed membership.
func (c *Counter) Reset() {
	c.enters = make(map[string]int)
	c.exits = make(map[string]int)
}

func (c *Counter) result(events []Event) Result {
	counts := make(map[string]Tally, len(c.zones))
	for _, z := range c.zones {
		if !z.active {
			continue
		}
		t := Tally{Enter: c.enters[z.id], Exit: c.exits[z.id]}
		t.Total = t.Enter - t.Exit
		for _, ts := range c.tracks {
			if st, ok := ts.zones[z.id]; ok && st.ConfirmedInside {
				t.Current++
			}
		}
		counts[z.id] = t
	}
	return Result{
		Counts:            counts,
		Events:            events,
		ActiveTracks:      len(c.tracks),
		DisappearedTracks: len(c.disappeared),
	}
}
