package events

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

const defaultQueryTimeout = 30 * time.Second

// Store wraps the Postgres connection pool behind the event sink and the
// reporting queries.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to Postgres, configures the pool and verifies the
// connection with a ping. The DSN comes straight from the event_store
// config section.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("event store DSN is empty")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping event store: %w", err)
	}

	return NewStore(db), nil
}

// NewStore wraps an existing connection pool. Callers that open their own
// pool (tests, the report command) keep ownership of it.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, timeout: defaultQueryTimeout}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping tests connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// InsertBatch writes a batch of records in one transaction. The timeout
// scales with the batch size so a backlog flush after an outage is not
// cut off at the single-batch budget. Delivery from the sink is at least
// once; rows that collide on the event key are an already-written batch
// coming around again and are skipped rather than errored.
func (s *Store) InsertBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(records)/100+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO counter_events (occurred_at, channel_id, zone_id, event_type, track_id, person_id, frame_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel_id, zone_id, event_type, track_id, frame_number) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.OccurredAt, rec.ChannelID, rec.ZoneID, rec.EventType,
			rec.TrackID, rec.PersonID, rec.FrameNum)
		if err != nil {
			return fmt.Errorf("failed to insert event for channel %d zone %s: %w",
				rec.ChannelID, rec.ZoneID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}

	return nil
}

// DailySummary is one zone's event tallies for one local day. Day uses the
// same YYYY-MM-DD form as the daily counter keys.
type DailySummary struct {
	Day       string `db:"day"`
	ChannelID int    `db:"channel_id"`
	ZoneID    string `db:"zone_id"`
	Enters    int    `db:"enters"`
	Exits     int    `db:"exits"`
	Uniques   int    `db:"uniques"`
}

// SummarizeDays aggregates events per zone per local day over [from, to).
// The tz argument is an IANA name; Postgres does the local-day bucketing
// so the report agrees with the live counters.
func (s *Store) SummarizeDays(ctx context.Context, from, to time.Time, tz string) ([]DailySummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT to_char(occurred_at AT TIME ZONE $3, 'YYYY-MM-DD') AS day,
		       channel_id,
		       zone_id,
		       COUNT(*) FILTER (WHERE event_type = 'enter') AS enters,
		       COUNT(*) FILTER (WHERE event_type = 'exit') AS exits,
		       COUNT(DISTINCT person_id) FILTER (WHERE event_type = 'enter' AND person_id IS NOT NULL) AS uniques
		FROM counter_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		GROUP BY 1, 2, 3
		ORDER BY 1, 2, 3`

	var summaries []DailySummary
	if err := s.db.SelectContext(ctx, &summaries, query, from, to, tz); err != nil {
		return nil, fmt.Errorf("failed to summarize days: %w", err)
	}
	return summaries, nil
}

// HourlySummary is a store-wide tally for one local hour of one day.
type HourlySummary struct {
	Day    string `db:"day"`
	Hour   int    `db:"hour"`
	Enters int    `db:"enters"`
	Exits  int    `db:"exits"`
}

// SummarizeHours aggregates events per local hour over [from, to), across
// all channels and zones.
func (s *Store) SummarizeHours(ctx context.Context, from, to time.Time, tz string) ([]HourlySummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT to_char(occurred_at AT TIME ZONE $3, 'YYYY-MM-DD') AS day,
		       EXTRACT(HOUR FROM occurred_at AT TIME ZONE $3)::int AS hour,
		       COUNT(*) FILTER (WHERE event_type = 'enter') AS enters,
		       COUNT(*) FILTER (WHERE event_type = 'exit') AS exits
		FROM counter_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		GROUP BY 1, 2
		ORDER BY 1, 2`

	var summaries []HourlySummary
	if err := s.db.SelectContext(ctx, &summaries, query, from, to, tz); err != nil {
		return nil, fmt.Errorf("failed to summarize hours: %w", err)
	}
	return summaries, nil
}

// RecentEvents returns the newest stored events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, occurred_at, channel_id, zone_id, event_type, track_id, person_id, frame_number
		FROM counter_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT $1`

	var records []Record
	if err := s.db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	return records, nil
}
