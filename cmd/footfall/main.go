// Command footfall runs the people counting daemon and its companion
// tooling. With no arguments it serves: one worker per configured channel
// decodes frames, tracks people, counts zone edges and publishes the
// results over HTTP. The migrate, report and replay subcommands manage the
// event store schema, render the daily HTML report and count recorded
// detection streams offline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/footfall.report/internal/api"
	"github.com/banshee-data/footfall.report/internal/capture"
	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/counter"
	"github.com/banshee-data/footfall.report/internal/events"
	"github.com/banshee-data/footfall.report/internal/metrics"
	"github.com/banshee-data/footfall.report/internal/monitoring"
	"github.com/banshee-data/footfall.report/internal/pipeline"
	"github.com/banshee-data/footfall.report/internal/reid"
	"github.com/banshee-data/footfall.report/internal/report"
	"github.com/banshee-data/footfall.report/internal/track"
	"github.com/banshee-data/footfall.report/internal/units"
	"github.com/banshee-data/footfall.report/internal/version"
)

var (
	configPath = flag.String("config", "footfall.json", "Path to the JSON config file")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	logLevel   = flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	logJSON    = flag.Bool("log-json", false, "Log JSON lines instead of console output")
	devMode    = flag.Bool("dev", false, "Run without the Redis identity backend")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		serve()
		return
	}

	switch args[0] {
	case "serve":
		serve()

	case "migrate":
		// The DSN comes from the config when one is readable; the migrate
		// command itself reports a missing DSN, and help needs neither.
		dsn := ""
		if cfg, err := config.Load(*configPath); err == nil {
			dsn = cfg.GetEventStore().GetDSN()
		}
		events.RunMigrateCommand(args[1:], dsn)

	case "report":
		runReport(args[1:])

	case "replay":
		runReplay(args[1:])

	case "version":
		fmt.Println(version.String())

	case "help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: footfall [flags] <command>

Commands:
  serve     Run the counting daemon (default)
  migrate   Manage the event store schema (see 'footfall migrate help')
  report    Render the daily HTML report from the event store
  replay    Count a recorded detection stream and print the totals
  version   Print version information
  help      Show this help

Flags go before the command: footfall -config site.json serve`)
	flag.PrintDefaults()
}

// serve is the daemon: one worker goroutine per channel plus the HTTP
// server, all stopping together on SIGINT/SIGTERM.
func serve() {
	logger := monitoring.Setup(*logLevel, *logJSON)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	if len(cfg.Channels) == 0 {
		logger.Fatal().Str("config", *configPath).Msg("No channels configured")
	}
	loc, err := units.Location(cfg.GetTimezone())
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid timezone")
	}

	met := metrics.New()

	// Person identities and the global daily counters live in the shared
	// KV store so every channel sees the same person. Dev mode keeps them
	// in process memory instead.
	mc := reid.ManagerConfig{
		Counting: cfg.GetCounting(),
		Metrics:  met,
		Logger:   logger,
		Location: loc,
	}
	if !*devMode {
		kv := reid.NewRedisStore(cfg.GetKV(), met)
		defer kv.Close()
		mc.Store = kv
	}
	ident := reid.NewManager(mc)

	var store *events.Store
	var sink *events.Sink
	if dsn := cfg.GetEventStore().GetDSN(); dsn != "" {
		store, err = events.Open(dsn)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open event store")
		}
		defer store.Close()

		sink = events.NewSink(events.SinkConfig{
			Store:    store,
			Counting: cfg.GetCounting(),
			Metrics:  met,
			Logger:   logger,
		})
		sink.Start()
		defer sink.Stop()
	} else {
		logger.Warn().Msg("Event store disabled, counted events will not be persisted")
	}

	bcast := pipeline.NewBroadcaster()
	state := pipeline.NewState()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for i := range cfg.Channels {
		ch := cfg.Channels[i]

		cnt, err := counter.New(counter.Config{
			ChannelID: ch.ChannelID,
			Zones:     ch.Zones,
			Counting:  cfg.GetCounting(),
			Features:  cfg.GetFeatures(),
			Identity:  ident,
			Metrics:   met,
			Logger:    logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Int("channel", ch.ChannelID).Msg("Failed to build counter")
		}

		wc := pipeline.WorkerConfig{
			Channel:   ch,
			Counter:   cnt,
			Broadcast: bcast,
			State:     state,
			Metrics:   met,
			Logger:    logger,
			Location:  loc,
		}
		if sink != nil {
			wc.Sink = sink
		}

		// The channel's resources are closed by its own goroutine once the
		// worker returns; closing a capture handle mid-read is not safe.
		var closers []io.Closer

		if strings.HasSuffix(ch.Source, ".jsonl") {
			// Recorded streams carry the track ids of the run that
			// produced them, so no tracker is attached.
			replaySource, err := capture.OpenReplay(capture.ReplayConfig{Path: ch.Source, ChannelID: ch.ChannelID})
			if err != nil {
				logger.Fatal().Err(err).Int("channel", ch.ChannelID).Msg("Failed to open replay source")
			}
			wc.Source = replaySource
			wc.Detector = replaySource
			closers = append(closers, replaySource)
		} else {
			live, err := capture.OpenLive(capture.SourceURL(ch.Source, ch.Username, ch.Password), ch.ChannelID, nil)
			if err != nil {
				logger.Fatal().Err(err).Int("channel", ch.ChannelID).Msg("Failed to open video source")
			}
			detector, err := capture.NewONNXDetector(cfg.GetModels(), cfg.GetCounting())
			if err != nil {
				logger.Fatal().Err(err).Int("channel", ch.ChannelID).Msg("Failed to load detector model")
			}
			wc.Source = live
			wc.Detector = detector
			wc.Tracker = track.NewTracker(cfg.GetCounting(), logger)
			closers = append(closers, live, detector)

			if cfg.GetFeatures().GetStaffFilter() {
				if path := cfg.GetModels().GetClassifierONNX(); path != "" {
					clf, err := capture.NewONNXClassifier(path)
					if err != nil {
						logger.Fatal().Err(err).Int("channel", ch.ChannelID).Msg("Failed to load classifier model")
					}
					wc.Classifier = clf
					closers = append(closers, clf)
				}
			}
			if cfg.GetFeatures().GetReid() {
				if path := cfg.GetModels().GetEmbedderONNX(); path != "" {
					emb, err := capture.NewONNXEmbedder(path)
					if err != nil {
						logger.Fatal().Err(err).Int("channel", ch.ChannelID).Msg("Failed to load embedder model")
					}
					wc.Embedder = emb
					closers = append(closers, emb)
				}
			}
		}

		worker, err := pipeline.NewWorker(wc)
		if err != nil {
			logger.Fatal().Err(err).Int("channel", ch.ChannelID).Msg("Failed to build channel worker")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				logger.Error().Err(err).Int("channel", ch.ChannelID).Msg("Channel worker failed")
			}
			for _, c := range closers {
				if err := c.Close(); err != nil {
					logger.Warn().Err(err).Int("channel", ch.ChannelID).Msg("Failed to close capture resource")
				}
			}
			logger.Info().Int("channel", ch.ChannelID).Msg("Channel worker stopped")
		}()
	}

	srv := api.NewServer(api.ServerConfig{
		Config:    cfg,
		State:     state,
		Broadcast: bcast,
		Store:     store,
		Identity:  ident,
		Metrics:   met,
		Logger:    logger,
	})

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    *listen,
			Handler: srv.LoggingMiddleware(srv.ServeMux()),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			logger.Info().Str("listen", *listen).Msg("HTTP server started")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("Failed to start HTTP server")
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		logger.Info().Msg("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	wg.Wait()
	logger.Info().Msg("Graceful shutdown complete")
}

// runReport renders one day's HTML report from the event store.
func runReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	date := fs.String("date", "", "Report date as YYYY-MM-DD (default: today)")
	out := fs.String("out", "", "Output file (default: footfall-<date>.html)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	dsn := cfg.GetEventStore().GetDSN()
	if dsn == "" {
		log.Fatal("Event store DSN is required (set event_store.dsn in the config)")
	}

	tz := cfg.GetTimezone()
	if *date == "" {
		loc, err := units.Location(tz)
		if err != nil {
			log.Fatalf("Invalid timezone: %v", err)
		}
		*date = units.DateKey(time.Now(), loc)
	}
	if *out == "" {
		*out = fmt.Sprintf("footfall-%s.html", *date)
	}

	store, err := events.Open(dsn)
	if err != nil {
		log.Fatalf("Failed to connect to event store: %v", err)
	}
	defer store.Close()

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *out, err)
	}
	defer f.Close()

	if err := report.Generate(context.Background(), store, *date, tz, f); err != nil {
		log.Fatalf("Failed to generate report: %v", err)
	}
	log.Printf("✓ Report for %s written to %s", *date, *out)
}

// runReplay counts a recorded detection stream against a configured
// channel's zones, without Redis, Postgres or the HTTP server, and prints
// the final snapshot as JSON. Useful for checking zone polygons against a
// recording before deploying them.
func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	channelID := fs.Int("channel", 0, "Configured channel whose zones to use (default: first channel)")
	pretracked := fs.Bool("pretracked", true, "Lines carry track ids from a previous run")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Println("Usage: footfall replay [flags] <detections.jsonl>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	logger := monitoring.Setup(*logLevel, *logJSON)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	if len(cfg.Channels) == 0 {
		logger.Fatal().Msg("No channels configured")
	}
	ch := cfg.Channels[0]
	if *channelID != 0 {
		c := cfg.Channel(*channelID)
		if c == nil {
			logger.Fatal().Int("channel", *channelID).Msg("Channel not found in config")
		}
		ch = *c
	}
	loc, err := units.Location(cfg.GetTimezone())
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid timezone")
	}

	met := metrics.New()
	ident := reid.NewManager(reid.ManagerConfig{
		Counting: cfg.GetCounting(),
		Metrics:  met,
		Logger:   logger,
		Location: loc,
	})
	cnt, err := counter.New(counter.Config{
		ChannelID: ch.ChannelID,
		Zones:     ch.Zones,
		Counting:  cfg.GetCounting(),
		Features:  cfg.GetFeatures(),
		Identity:  ident,
		Metrics:   met,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build counter")
	}

	src, err := capture.OpenReplay(capture.ReplayConfig{Path: path, ChannelID: ch.ChannelID})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open replay source")
	}
	defer src.Close()

	state := pipeline.NewState()
	wc := pipeline.WorkerConfig{
		Channel:  ch,
		Source:   src,
		Detector: src,
		Counter:  cnt,
		State:    state,
		Metrics:  met,
		Logger:   logger,
		Location: loc,
	}
	if !*pretracked {
		wc.Tracker = track.NewTracker(cfg.GetCounting(), logger)
	}
	worker, err := pipeline.NewWorker(wc)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Replay failed")
	}

	snap, ok := state.Channel(ch.ChannelID)
	if !ok {
		logger.Fatal().Str("path", path).Msg("Replay produced no frames")
	}
	outJSON, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to encode summary")
	}
	fmt.Println(string(outJSON))
}
