// Package staff latches a staff/customer label per track from a noisy
// per-frame classification stream. Each channel worker owns one Cache;
// nothing here is safe for concurrent use.
package staff

import (
	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/vision"
)

type entry struct {
	staffWeight    float64
	customerWeight float64
	votes          int
	firstFrame     int64
	lastFrame      int64
	fixed          bool
	finalLabel     vision.Label
}

func (e *entry) latch(label vision.Label) {
	e.fixed = true
	e.finalLabel = label
}

// Cache accumulates weighted votes per track until a label latches.
type Cache struct {
	cfg     *config.CountingConfig
	entries map[int]*entry
}

// NewCache creates an empty voting cache.
func NewCache(cfg *config.CountingConfig) *Cache {
	return &Cache{
		cfg:     cfg,
		entries: make(map[int]*entry),
	}
}

// Vote folds one classification into the track's tally and reports the
// latched label, if any. High-confidence votes weigh 2.0, mid 1.5, low 1.0;
// unknown classifications lean customer at half weight. A label latches
// once a bucket's weighted total clears the vote threshold, or once the
// vote window elapses and the larger bucket wins (customer on ties). Once
// latched the label never changes for the life of the entry.
func (c *Cache) Vote(trackID int, class vision.Label, confidence float64, frameNum int64) (vision.Label, bool) {
	e, ok := c.entries[trackID]
	if !ok {
		e = &entry{firstFrame: frameNum, lastFrame: frameNum}
		c.entries[trackID] = e
	}
	if e.fixed {
		return e.finalLabel, true
	}

	weight := 1.0
	switch {
	case confidence > 0.7:
		weight = 2.0
	case confidence > 0.5:
		weight = 1.5
	}

	switch class {
	case vision.LabelStaff:
		e.staffWeight += weight
	case vision.LabelCustomer:
		e.customerWeight += weight
	default:
		e.customerWeight += weight / 2
	}
	e.votes++
	e.lastFrame = frameNum

	threshold := c.cfg.GetVoteThreshold()
	switch {
	case e.staffWeight > threshold:
		e.latch(vision.LabelStaff)
	case e.customerWeight > threshold:
		e.latch(vision.LabelCustomer)
	case frameNum-e.firstFrame+1 >= int64(c.cfg.GetVoteWindow()):
		if e.staffWeight > e.customerWeight {
			e.latch(vision.LabelStaff)
		} else {
			e.latch(vision.LabelCustomer)
		}
	default:
		return "", false
	}
	return e.finalLabel, true
}

// Get returns the latched label for a track, if one exists.
func (c *Cache) Get(trackID int) (vision.Label, bool) {
	e, ok := c.entries[trackID]
	if !ok || !e.fixed {
		return "", false
	}
	return e.finalLabel, true
}

// Cleanup evicts entries last voted on before frameNum minus the keep
// window, unless their track is still active.
func (c *Cache) Cleanup(active map[int]bool, frameNum int64) {
	cutoff := frameNum - int64(c.cfg.GetCacheKeepFrames())
	for id, e := range c.entries {
		if e.lastFrame < cutoff && !active[id] {
			delete(c.entries, id)
		}
	}
}

// Len returns the number of tracked entries.
func (c *Cache) Len() int {
	return len(c.entries)
}
