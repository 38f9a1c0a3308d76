// Package main provides the retrace capture daemon entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/retracehq/retrace/internal/audiocap"
	"github.com/retracehq/retrace/internal/config"
	"github.com/retracehq/retrace/internal/control"
	"github.com/retracehq/retrace/internal/ocr"
	"github.com/retracehq/retrace/internal/ocr/static"
	"github.com/retracehq/retrace/internal/ocr/tesseract"
	"github.com/retracehq/retrace/internal/privacy"
	"github.com/retracehq/retrace/internal/publish"
	"github.com/retracehq/retrace/internal/session"
	"github.com/retracehq/retrace/internal/source"
	"github.com/retracehq/retrace/internal/source/execframe"
	"github.com/retracehq/retrace/internal/source/sim"
	"github.com/retracehq/retrace/internal/source/sockevent"
	"github.com/retracehq/retrace/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

// committedEvent is the SSE payload for one durable record.
type committedEvent struct {
	Log    store.LogName `json:"log"`
	Record any           `json:"record"`
}

func main() {
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.retrace)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *dataDir != "" {
		os.Setenv("RETRACE_DATA_DIR", *dataDir)
	}

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	setupLogging(cfg, *debug)

	rules, err := privacy.LoadRules(config.ExclusionsPath())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load exclusion rules, using defaults")
		rules = privacy.DefaultRules()
	}

	catalog, err := store.NewCatalog(config.CatalogPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open catalog")
	}
	defer catalog.Close()

	publisher := publish.New(publish.Config{
		Enabled:     cfg.KafkaEnabled,
		Brokers:     cfg.KafkaBrokers,
		TopicScreen: cfg.TopicScreen,
		TopicText:   cfg.TopicText,
	})
	defer publisher.Close()

	// The control server is created after the session; the commit hook
	// late-binds to it.
	var srv *control.Server

	sessionID := uuid.NewString()
	st, err := store.Open(store.Config{
		SpoolDir:           config.SpoolDir(),
		SessionID:          sessionID,
		MaxOverflowRecords: cfg.MaxOverflowRecords,
		Catalog:            catalog,
		OnCommit: func(rec store.CommittedRecord) {
			publisher.Publish(context.Background(), rec)
			if srv == nil {
				return
			}
			ev := committedEvent{Log: rec.Log}
			switch rec.Log {
			case store.LogScreen:
				ev.Record = rec.Screen
			case store.LogText:
				ev.Record = rec.Text
			}
			srv.Broadcaster().Broadcast(ev)
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	if err := st.StartWatcher(); err != nil {
		log.Warn().Err(err).Msg("Spool watcher unavailable")
	}

	frames, extractor, err := buildCapturePipeline(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize capture pipeline")
	}

	var audioSource audiocap.AudioSource
	var audioClose func() error
	if cfg.AudioEnabled && len(cfg.AudioCommand) > 0 {
		src, err := audiocap.NewExecSource(cfg.AudioCommand, cfg.SampleRate/10)
		if err != nil {
			log.Warn().Err(err).Msg("Audio source unavailable, audio capture disabled")
		} else {
			audioSource = src
			audioClose = src.Close
		}
	}

	feed := sockevent.NewFeed(256)

	sess, err := session.New(cfg, session.Deps{
		SessionID: sessionID,
		Store:     st,
		Catalog:   catalog,
		Frames:    frames,
		Events:    feed,
		Extractor: extractor,
		Audio:     audioSource,
		Rules:     rules,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build capture session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv = control.NewServer(sess, feed, cancel)
	go func() {
		if err := srv.Serve(config.SocketPath()); err != nil {
			log.Error().Err(err).Msg("Control server failed")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	if err := sess.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start capture session")
	}
	log.Info().Str("sessionId", sessionID).Str("version", Version).Msg("retraced running")

	<-ctx.Done()

	stopErr := sess.Stop()
	_ = srv.Close()
	if audioClose != nil {
		_ = audioClose()
	}
	if stopErr != nil {
		log.Error().Err(stopErr).Msg("Shutdown incomplete")
		os.Exit(1)
	}
}

// setupLogging configures the global zerolog logger from config and flags.
func setupLogging(cfg config.Config, debug bool) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
}

// buildCapturePipeline selects the frame source and text extractor. Without
// configured capture commands both fall back to simulated sources, which
// keeps the daemon runnable on hosts with no capture tooling installed.
func buildCapturePipeline(cfg config.Config) (source.FrameSource, ocr.Extractor, error) {
	var frames source.FrameSource
	if len(cfg.FrameCommand) > 0 {
		src, err := execframe.New(cfg.FrameCommand, cfg.WindowCommand)
		if err != nil {
			return nil, nil, err
		}
		frames = src
		log.Info().Str("command", cfg.FrameCommand[0]).Msg("Screen capture command configured")
	} else {
		frames = sim.NewFrameSource(sim.FrameStep{Frame: &source.Frame{
			Data:   []byte("simulated frame"),
			Window: "simulator",
		}})
		log.Warn().Msg("No frame command configured, using simulated frames")
	}

	var extractor ocr.Extractor
	if cfg.OCRCommand != "" {
		extractor = tesseract.New(cfg.OCRCommand)
		log.Info().Str("command", cfg.OCRCommand).Msg("OCR command configured")
	} else {
		extractor = static.New(static.Step{Result: &ocr.Result{}})
		log.Warn().Msg("No OCR command configured, screen records will carry no text")
	}

	return frames, extractor, nil
}
