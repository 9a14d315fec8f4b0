// Package events persists counted events to the Postgres event store.
// Writes go through a batching sink so a slow or unreachable database
// never stalls the frame loop; the store itself is a thin sqlx layer over
// the counter_events table, with the schema managed by golang-migrate.
package events

import (
	"database/sql"
	"time"

	"github.com/banshee-data/footfall.report/internal/zone"
)

// Record is one row of the counter_events table.
type Record struct {
	ID         int64          `db:"id"`
	OccurredAt time.Time      `db:"occurred_at"`
	ChannelID  int            `db:"channel_id"`
	ZoneID     string         `db:"zone_id"`
	EventType  string         `db:"event_type"`
	TrackID    int            `db:"track_id"`
	PersonID   sql.NullString `db:"person_id"`
	FrameNum   int64          `db:"frame_number"`
}

// FromZoneEvent converts a counted event into its stored form. An empty
// person id becomes NULL so anonymous events are distinguishable in SQL.
func FromZoneEvent(ev zone.Event) Record {
	rec := Record{
		OccurredAt: ev.Time,
		ChannelID:  ev.ChannelID,
		ZoneID:     ev.ZoneID,
		EventType:  string(ev.Type),
		TrackID:    ev.TrackID,
		FrameNum:   ev.FrameNum,
	}
	if ev.PersonID != "" {
		rec.PersonID = sql.NullString{String: ev.PersonID, Valid: true}
	}
	return rec
}

// FromZoneEvents converts a slice of counted events.
func FromZoneEvents(evs []zone.Event) []Record {
	if len(evs) == 0 {
		return nil
	}
	records := make([]Record, len(evs))
	for i, ev := range evs {
		records[i] = FromZoneEvent(ev)
	}
	return records
}
