package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/metrics"
	"github.com/banshee-data/footfall.report/internal/timeutil"
)

// Inserter is the slice of Store the sink needs. Tests substitute a fake
// to drive write failures without a database.
type Inserter interface {
	InsertBatch(ctx context.Context, records []Record) error
}

// Sink batches counted events and writes them to the store from a
// background goroutine. Add never touches the database: records queue in
// memory and flush when the batch fills or the flush interval elapses,
// whichever comes first. While the store is down the queue holds up to
// the pending cap, then drops from the front so the newest events
// survive an outage.
type Sink struct {
	store Inserter
	met   *metrics.Metrics
	log   zerolog.Logger
	clock timeutil.Clock

	batchSize  int
	maxAge     time.Duration
	maxPending int

	mu      sync.Mutex
	pending []Record

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// SinkConfig wires the sink's collaborators. Store is required; the rest
// default for tests.
type SinkConfig struct {
	Store    Inserter
	Counting *config.CountingConfig
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Clock    timeutil.Clock
}

// NewSink builds a Sink. Call Start to launch the flush loop.
func NewSink(sc SinkConfig) *Sink {
	cfg := sc.Counting
	if cfg == nil {
		cfg = &config.CountingConfig{}
	}
	met := sc.Metrics
	if met == nil {
		met = metrics.New()
	}
	clock := sc.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &Sink{
		store:      sc.Store,
		met:        met,
		log:        sc.Logger.With().Str("component", "event_sink").Logger(),
		clock:      clock,
		batchSize:  cfg.GetBatchSize(),
		maxAge:     cfg.GetBatchMaxAge(),
		maxPending: cfg.GetBatchMaxPending(),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (s *Sink) Start() {
	// The ticker is created here rather than inside the goroutine so it
	// exists by the time Start returns.
	ticker := s.clock.NewTicker(s.maxAge)
	s.wg.Add(1)
	go s.run(ticker)
}

// Stop flushes whatever is queued and waits for the loop to exit. Call
// once, after the last Add.
func (s *Sink) Stop() {
	close(s.done)
	s.wg.Wait()
}

// Add queues records for the next flush. When the queue is at capacity
// the oldest records are dropped and counted as lost; the frame loop is
// never blocked on the database.
func (s *Sink) Add(records ...Record) {
	if len(records) == 0 {
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, records...)
	s.dropOverflowLocked()
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Pending reports how many records are queued.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sink) run(ticker timeutil.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.flush(context.Background())
			return
		case <-s.kick:
			s.flush(context.Background())
		case <-ticker.C():
			s.flush(context.Background())
		}
	}
}

// flush drains the queue in store-sized batches. The first failed write
// puts the remainder back at the front of the queue and gives up until
// the next trigger; there is no inline retry, the store's own timeout
// bounds each attempt.
func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for len(batch) > 0 {
		n := len(batch)
		if n > s.batchSize {
			n = s.batchSize
		}

		if err := s.store.InsertBatch(ctx, batch[:n]); err != nil {
			s.met.RecordSinkError()
			s.log.Warn().
				Err(err).
				Int("batch", n).
				Int("queued", len(batch)).
				Msg("Event batch write failed, will retry on next flush")
			s.requeue(batch)
			return
		}

		s.log.Debug().Int("batch", n).Msg("Flushed event batch")
		batch = batch[n:]
	}
}

// requeue puts unwritten records back at the front of the queue so order
// is preserved around records added during the flush.
func (s *Sink) requeue(batch []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(batch, s.pending...)
	s.dropOverflowLocked()
}

func (s *Sink) dropOverflowLocked() {
	over := len(s.pending) - s.maxPending
	if over <= 0 {
		return
	}
	n := copy(s.pending, s.pending[over:])
	s.pending = s.pending[:n]
	s.met.RecordEventsDropped(over)
	s.log.Warn().
		Int("dropped", over).
		Int("queued", len(s.pending)).
		Msg("Event queue full, dropping oldest events")
}
