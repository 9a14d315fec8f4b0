package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/footfall.report/internal/counter"
	"github.com/banshee-data/footfall.report/internal/reid"
)

// ChannelSnapshot is the most recent frame's outcome for one channel, the
// unit the counts API serves.
type ChannelSnapshot struct {
	ChannelID         int                           `json:"channel_id"`
	Name              string                        `json:"name,omitempty"`
	FrameNum          int64                         `json:"frame_num"`
	UpdatedAt         time.Time                     `json:"updated_at"`
	Counts            map[string]counter.ZoneCounts `json:"counts"`
	DailyCounts       map[string]reid.DailyCounts   `json:"daily_counts"`
	ActiveTracks      int                           `json:"active_tracks"`
	DisappearedTracks int                           `json:"disappeared_tracks"`
}

// State holds the latest snapshot per channel. Workers overwrite their own
// entry every frame; readers get copies.
type State struct {
	mu       sync.RWMutex
	channels map[int]ChannelSnapshot
}

// NewState creates an empty state.
func NewState() *State {
	return &State{channels: make(map[int]ChannelSnapshot)}
}

// Put replaces the snapshot for the channel it names.
func (s *State) Put(snap ChannelSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[snap.ChannelID] = snap
}

// Channel returns the latest snapshot for one channel.
func (s *State) Channel(channelID int) (ChannelSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.channels[channelID]
	return snap, ok
}

// Snapshots returns every channel's latest snapshot ordered by channel id.
func (s *State) Snapshots() []ChannelSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := make([]ChannelSnapshot, 0, len(s.channels))
	for _, snap := range s.channels {
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ChannelID < snaps[j].ChannelID })
	return snaps
}
