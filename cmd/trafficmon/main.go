package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"trafficmon/internal/api"
	"trafficmon/internal/auth"
	"trafficmon/internal/capture"
	"trafficmon/internal/config"
	"trafficmon/internal/database"
	"trafficmon/internal/detection"
	"trafficmon/internal/metrics"
	"trafficmon/internal/pipeline"
	"trafficmon/internal/resources"
	"trafficmon/internal/stream"
	"trafficmon/internal/telegram"
	"trafficmon/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[trafficmon] invalid configuration: %v", err)
	}

	// Command line flags override the environment.
	var (
		hostF       = flag.String("host", cfg.Host, "Listen host")
		portF       = flag.Int("port", cfg.Port, "Listen port")
		dbF         = flag.String("db", cfg.DBPath, "SQLite database path")
		thresholdsF = flag.String("thresholds", cfg.ThresholdsFile, "JSON file of analytics threshold overrides")
		retentionF  = flag.Duration("retention", 30*24*time.Hour, "Delete incidents older than this (0 keeps everything)")
		dbgF        = flag.Bool("debug", cfg.Debug, "Log file and line numbers")
	)
	flag.Parse()
	cfg.Host, cfg.Port, cfg.DBPath, cfg.ThresholdsFile, cfg.Debug = *hostF, *portF, *dbF, *thresholdsF, *dbgF
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[trafficmon] invalid configuration: %v", err)
	}

	// Setup logger.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[trafficmon] ", log.Ltime)
		if cfg.Debug {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
	}

	mc := cfg.ManagerConfig()
	if cfg.ThresholdsFile != "" {
		th, err := config.LoadThresholds(cfg.ThresholdsFile)
		if err != nil {
			logger.Fatalf("loading thresholds: %v", err)
		}
		if err := th.Apply(&mc.Session); err != nil {
			logger.Fatalf("applying thresholds: %v", err)
		}
		logger.Printf("applied thresholds from %s", cfg.ThresholdsFile)
	}

	// Initialize the store.
	db, err := database.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("opening database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		logger.Fatalf("migrating database: %v", err)
	}

	// Initialize the pipeline.
	var (
		governance *detection.Governance
		factory    detection.Factory
		opener     *capture.FFmpegOpener
		probe      *resources.SystemProbe
		manager    *pipeline.Manager
	)
	{
		governance = detection.NewGovernance(cfg.ModelsDir)
		logger.Printf("models available in %s: %v", governance.Dir(), governance.Available())

		factory, err = detection.NewFactory(detection.BackendConfig{
			Endpoint:  cfg.DetectorEndpoint,
			ImageSize: mc.Session.Detect.ImageSize,
		})
		if err != nil {
			logger.Fatalf("detector backend: %v", err)
		}

		resolver := capture.NewYTDLPResolver()
		resolver.Path = cfg.YTDLPPath
		opener = capture.NewFFmpegOpener(resolver)
		opener.FFmpegPath = cfg.FFmpegPath

		probe = resources.NewSystemProbe()
		manager = pipeline.NewManager(mc, governance, factory, opener, probe, pipeline.NewEventBus())
	}

	// Subscribe the result consumers.
	var (
		hub      *ws.Hub
		recorder *database.Recorder
		reg      *metrics.Metrics
		streams  *stream.Server
	)
	{
		hub = ws.NewHub()
		recorder = database.NewRecorder(db, 256)
		reg = metrics.New()

		bus := manager.Bus()
		bus.Subscribe(hub)
		bus.Subscribe(recorder)
		bus.Subscribe(reg)

		streams = stream.NewServer(stream.SessionOutputs(manager), cfg.StreamFPS)
		reg.RegisterManager(manager, cfg.MaxStreams)
		reg.RegisterProbe(probe)
		reg.RegisterClients("mjpeg", func() int64 {
			n, _, _ := streams.Clients()
			return n
		})
		reg.RegisterClients("ndjson", func() int64 {
			_, n, _ := streams.Clients()
			return n
		})
		reg.RegisterClients("video", func() int64 {
			_, _, n := streams.Clients()
			return n
		})
		reg.RegisterClients("websocket", func() int64 {
			return int64(hub.ClientCount())
		})
		reg.RegisterDropped("bus", bus.Dropped)
		reg.RegisterDropped("recorder", recorder.Dropped)
	}

	// Alert on incidents over Telegram.
	var notifier *telegram.Notifier
	if cfg.Telegram.Enabled {
		notifier = telegram.NewNotifier(cfg.Telegram)
		nameCtx, nameCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if name, err := notifier.Bot().BotName(nameCtx); err != nil {
			logger.Printf("telegram bot check failed, alerts may not be delivered: %v", err)
		} else {
			logger.Printf("sending %s+ incident alerts via @%s", cfg.Telegram.MinSeverity, name)
		}
		nameCancel()
		manager.Bus().Subscribe(notifier)
		reg.RegisterDropped("telegram", notifier.Dropped)
	}

	authenticator := auth.NewAuthenticator(cfg.Auth)
	if authenticator.IsEnabled() {
		logger.Printf("authentication enabled for user %q", cfg.Auth.Username)
	}

	server := api.NewServer(api.Options{
		Manager: manager,
		Files:   manager,
		Store:   db,
		Streams: streams,
		Sockets: ws.NewHandler(hub),
		Metrics: reg.Handler(),
		Auth:    authenticator,
		Settings: api.Settings{
			UploadDir:     cfg.UploadDir,
			SimulationDir: cfg.SimulationDir,
			InferenceSize: mc.Session.Detect.ImageSize,
			StreamWidth:   cfg.StreamWidth,
			StreamFPS:     cfg.StreamFPS,
			JPEGQuality:   cfg.JPEGQuality,
		},
		OnSessionEnd: func(info pipeline.SessionInfo) {
			reg.Forget(info.ID)
		},
	})

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler so that SIGINT and SIGTERM stop the sessions
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	handleHTTPServer(ctx, cfg.Addr(), server, &wg, errc, logger)
	if *retentionF > 0 {
		runRetention(ctx, db, *retentionF, &wg, logger)
	}

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Stop the sessions first so stream readers see their outputs close.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	manager.Close(shutdownCtx)

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	if err := server.Close(shutdownCtx); err != nil {
		logger.Printf("session history not flushed: %v", err)
	}
	manager.Bus().Close()
	recorder.Close()
	if notifier != nil {
		notifier.Close()
	}
	if err := db.Close(); err != nil {
		logger.Printf("closing database: %v", err)
	}
	logger.Printf("exited (%d incidents recorded)", recorder.Saved())
}

// runRetention deletes incidents older than keep once an hour
func runRetention(ctx context.Context, db *database.Database, keep time.Duration, wg *sync.WaitGroup, logger *log.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			n, err := db.DeleteOldIncidents(time.Now().Add(-keep))
			if err != nil {
				logger.Printf("incident retention: %v", err)
			} else if n > 0 {
				logger.Printf("deleted %d incidents older than %v", n, keep)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
