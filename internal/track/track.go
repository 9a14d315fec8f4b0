// Package track assigns stable integer ids to person detections. The
// association between frames is intersection-over-union against a constant
// velocity prediction, solved as a Hungarian assignment.
package track

import (
	"sort"

	hg "github.com/charles-haynes/munkres"
	"github.com/rs/zerolog"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/vision"
)

// State is a track lifecycle phase.
type State string

const (
	// StateTentative marks a track that has not yet met the hit
	// requirement and is withheld from the output.
	StateTentative State = "tentative"
	// StateConfirmed marks a track stable enough to count.
	StateConfirmed State = "confirmed"
)

// Track is one tracked person.
type Track struct {
	ID    int
	State State
	BBox  vision.BBox
	Hits  int

	// Misses counts consecutive frames without a matching detection.
	Misses    int
	FirstSeen int64
	LastSeen  int64

	prevBBox vision.BBox
	havePrev bool
}

// predicted extrapolates the bbox one frame ahead with the velocity of the
// last observed step.
func (tr *Track) predicted() vision.BBox {
	if !tr.havePrev {
		return tr.BBox
	}
	pc := tr.prevBBox.Centroid()
	cc := tr.BBox.Centroid()
	dx, dy := cc.X-pc.X, cc.Y-pc.Y
	return vision.BBox{
		X1: tr.BBox.X1 + dx,
		Y1: tr.BBox.Y1 + dy,
		X2: tr.BBox.X2 + dx,
		Y2: tr.BBox.Y2 + dy,
	}
}

// Tracker carries per-session tracking state for one channel. It is owned
// by the channel worker and holds no locks.
type Tracker struct {
	cfg *config.CountingConfig
	log zerolog.Logger

	sessionID string
	tracks    map[int]*Track
	nextID    int
}

// NewTracker creates an empty tracker.
func NewTracker(cfg *config.CountingConfig, log zerolog.Logger) *Tracker {
	if cfg == nil {
		cfg = &config.CountingConfig{}
	}
	return &Tracker{
		cfg:    cfg,
		log:    log,
		tracks: make(map[int]*Track),
		nextID: 1,
	}
}

// ActiveTracks returns the number of live tracks in any state.
func (t *Tracker) ActiveTracks() int { return len(t.tracks) }

// Update associates detections with the session's tracks and returns
// copies of the confirmed ones with TrackID set. A fresh sessionID clears
// all state and restarts the id sequence.
func (t *Tracker) Update(detections []vision.Detection, frame vision.Frame, sessionID string) []vision.Detection {
	if sessionID != t.sessionID {
		t.sessionID = sessionID
		t.tracks = make(map[int]*Track)
		t.nextID = 1
	}

	valid := detections[:0:0]
	for _, d := range detections {
		if !d.BBox.Valid() {
			t.log.Warn().
				Int("channel", d.ChannelID).
				Int64("frame", frame.Num).
				Msg("Dropping detection with degenerate bbox")
			continue
		}
		valid = append(valid, d)
	}

	ids := make([]int, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	assigned := t.associate(ids, valid)

	matched := make(map[int]bool, len(assigned))
	minHits := t.cfg.GetTrackMinHits()
	for di, id := range assigned {
		if id == 0 {
			continue
		}
		tr := t.tracks[id]
		tr.prevBBox, tr.havePrev = tr.BBox, true
		tr.BBox = valid[di].BBox
		tr.Hits++
		tr.Misses = 0
		tr.LastSeen = frame.Num
		if tr.State == StateTentative && tr.Hits >= minHits {
			tr.State = StateConfirmed
		}
		matched[id] = true
	}

	// Unmatched tracks age out after the miss budget.
	maxMisses := t.cfg.GetTrackMaxMisses()
	for _, id := range ids {
		tr := t.tracks[id]
		if matched[id] {
			continue
		}
		tr.Misses++
		if tr.Misses >= maxMisses {
			delete(t.tracks, id)
		}
	}

	// Unassigned detections start tentative tracks.
	for di, d := range valid {
		if assigned[di] != 0 {
			continue
		}
		tr := &Track{
			ID:        t.nextID,
			State:     StateTentative,
			BBox:      d.BBox,
			Hits:      1,
			FirstSeen: frame.Num,
			LastSeen:  frame.Num,
		}
		t.nextID++
		t.tracks[tr.ID] = tr
		assigned[di] = tr.ID
		if tr.State == StateTentative && tr.Hits >= minHits {
			tr.State = StateConfirmed
		}
	}

	out := make([]vision.Detection, 0, len(valid))
	for di, d := range valid {
		tr := t.tracks[assigned[di]]
		if tr == nil || tr.State != StateConfirmed {
			continue
		}
		d.TrackID = tr.ID
		out = append(out, d)
	}
	return out
}

// associate solves the IoU assignment between the session's tracks and
// the frame's detections. The result maps detection index to track id,
// zero meaning unassigned. Cost is negated IoU since the solver
// minimizes; matches under the IoU gate are discarded.
func (t *Tracker) associate(ids []int, detections []vision.Detection) []int {
	assigned := make([]int, len(detections))
	if len(ids) == 0 || len(detections) == 0 {
		return assigned
	}

	matrix := make([][]float64, len(ids))
	for i, id := range ids {
		pred := t.tracks[id].predicted()
		row := make([]float64, len(detections))
		for j := range detections {
			row[j] = -pred.IoU(detections[j].BBox)
		}
		matrix[i] = row
	}

	ha, err := hg.NewHungarianAlgorithm(matrix)
	if err != nil {
		t.log.Error().Err(err).Msg("Assignment solver rejected cost matrix")
		return assigned
	}
	matches := ha.Execute()

	gate := t.cfg.GetTrackMinIoU()
	for i, j := range matches {
		if i >= len(ids) || j < 0 || j >= len(detections) {
			continue
		}
		if -matrix[i][j] < gate {
			continue
		}
		assigned[j] = ids[i]
	}
	return assigned
}
