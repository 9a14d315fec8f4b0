package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/banshee-data/footfall.report/internal/capture"
	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/counter"
	"github.com/banshee-data/footfall.report/internal/events"
	"github.com/banshee-data/footfall.report/internal/metrics"
	"github.com/banshee-data/footfall.report/internal/timeutil"
	"github.com/banshee-data/footfall.report/internal/track"
	"github.com/banshee-data/footfall.report/internal/units"
	"github.com/banshee-data/footfall.report/internal/vision"
)

// EventSink receives counted events for persistence. *events.Sink is the
// production implementation.
type EventSink interface {
	Add(records ...events.Record)
}

// WorkerConfig assembles one channel's loop. Source, Detector, and Counter
// are required; everything optional degrades to a no-op.
type WorkerConfig struct {
	Channel  config.ChannelConfig
	Source   capture.FrameSource
	Detector capture.Detector

	// Classifier and Embedder enrich confirmed tracks on frames that
	// carry pixels. Replay streams carry both pre-computed, so nil here
	// is the norm for replays.
	Classifier capture.Classifier
	Embedder   capture.Embedder

	// Tracker is nil for pre-tracked replay streams whose detections
	// keep their recorded track ids.
	Tracker *track.Tracker

	Counter   *counter.Counter
	Sink      EventSink
	Broadcast *Broadcaster
	State     *State

	Metrics *metrics.Metrics
	Clock   timeutil.Clock
	Logger  zerolog.Logger

	// Location fixes the daily boundary. Nil means UTC.
	Location *time.Location
}

// Worker drives one channel from frames to counted events. It is the only
// writer of its tracker and counter, so the loop needs no locks.
type Worker struct {
	channelID int
	name      string

	source     capture.FrameSource
	detector   capture.Detector
	classifier capture.Classifier
	embedder   capture.Embedder
	tracker    *track.Tracker
	counter    *counter.Counter
	sink       EventSink
	broadcast  *Broadcaster
	state      *State

	met   *metrics.Metrics
	clock timeutil.Clock
	log   zerolog.Logger
	loc   *time.Location

	// sessionID namespaces this run's track ids. It stays fixed across
	// the daily rollover so tracks alive at midnight keep their zones.
	sessionID string
	day       string
	frames    int64
}

// NewWorker validates and assembles a channel worker.
func NewWorker(wc WorkerConfig) (*Worker, error) {
	if wc.Source == nil {
		return nil, errors.New("worker needs a frame source")
	}
	if wc.Detector == nil {
		return nil, errors.New("worker needs a detector")
	}
	if wc.Counter == nil {
		return nil, errors.New("worker needs a counter")
	}
	if wc.Metrics == nil {
		wc.Metrics = metrics.New()
	}
	if wc.Clock == nil {
		wc.Clock = timeutil.RealClock{}
	}
	if wc.Location == nil {
		wc.Location = time.UTC
	}
	return &Worker{
		channelID:  wc.Channel.ChannelID,
		name:       wc.Channel.Name,
		source:     wc.Source,
		detector:   wc.Detector,
		classifier: wc.Classifier,
		embedder:   wc.Embedder,
		tracker:    wc.Tracker,
		counter:    wc.Counter,
		sink:       wc.Sink,
		broadcast:  wc.Broadcast,
		state:      wc.State,
		met:        wc.Metrics,
		clock:      wc.Clock,
		log:        wc.Logger.With().Int("channel", wc.Channel.ChannelID).Logger(),
		loc:        wc.Location,
		sessionID:  uuid.NewString(),
	}, nil
}

// Run consumes frames until the source drains or the context is cancelled,
// both of which finish cleanly after the in-flight frame. Any other source
// error stops the worker and is returned.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Str("name", w.name).Msg("Channel worker started")
	for {
		frame, err := w.source.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				w.log.Info().Int64("frames", w.frames).Msg("Frame source drained")
				return nil
			case errors.Is(err, context.Canceled):
				return nil
			default:
				return fmt.Errorf("channel %d frame source failed: %w", w.channelID, err)
			}
		}
		w.step(ctx, frame)
	}
}

// step runs one frame through the pipeline stages.
func (w *Worker) step(ctx context.Context, frame vision.Frame) {
	start := w.clock.Now()
	w.frames++

	w.rollover(frame.Time)

	detections, err := w.detector.Detect(frame)
	if err != nil {
		w.log.Warn().Err(err).Int64("frame", frame.Num).Msg("Detection failed, skipping frame")
		return
	}
	for i := range detections {
		detections[i].ChannelID = w.channelID
	}

	if w.tracker != nil {
		detections = w.tracker.Update(detections, frame, w.sessionID)
	}
	w.enrich(frame, detections)

	res := w.counter.Update(ctx, detections, frame)

	if len(res.Events) > 0 {
		if w.sink != nil {
			w.sink.Add(events.FromZoneEvents(res.Events)...)
		}
		if w.broadcast != nil {
			w.broadcast.Publish(res.Events...)
		}
	}
	if w.state != nil {
		w.state.Put(ChannelSnapshot{
			ChannelID:         w.channelID,
			Name:              w.name,
			FrameNum:          frame.Num,
			UpdatedAt:         frame.Time,
			Counts:            res.Counts,
			DailyCounts:       res.DailyCounts,
			ActiveTracks:      res.ActiveTracks,
			DisappearedTracks: res.DisappearedTracks,
		})
	}

	w.met.ObserveFrameLatency(w.clock.Since(start))
}

// rollover resets the cumulative counts when the frame's local date moves
// past the one the worker has been counting.
func (w *Worker) rollover(t time.Time) {
	day := units.DateKey(t, w.loc)
	if w.day == "" {
		w.day = day
		return
	}
	if day == w.day {
		return
	}
	w.log.Info().Str("from", w.day).Str("to", day).Msg("Daily rollover, resetting counts")
	w.day = day
	w.counter.Reset()
}

// enrich classifies and embeds tracked detections that still need it.
// Replay frames carry no pixels, so both stages skip them.
func (w *Worker) enrich(frame vision.Frame, detections []vision.Detection) {
	if frame.Image == nil {
		return
	}
	for i := range detections {
		d := &detections[i]
		if w.classifier != nil && d.PersonType == "" {
			label, conf, err := w.classifier.Classify(frame, d.BBox)
			if err != nil {
				w.log.Warn().Err(err).Int("track", d.TrackID).Msg("Staff classification failed")
			} else {
				d.PersonType = label
				d.ClassConfidence = conf
			}
		}
		if w.embedder != nil && !d.HasEmbedding() {
			emb, err := w.embedder.Embed(frame, d.BBox)
			if err != nil {
				w.log.Warn().Err(err).Int("track", d.TrackID).Msg("Embedding failed")
			} else if emb != nil {
				d.Embedding = emb
			}
		}
	}
}
