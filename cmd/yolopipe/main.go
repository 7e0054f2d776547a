package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"yolopipe/internal/auth"
	"yolopipe/internal/config"
	"yolopipe/internal/database"
	"yolopipe/internal/engine"
	"yolopipe/internal/pipeline"
	"yolopipe/internal/source"
	"yolopipe/internal/stream"
	"yolopipe/internal/ws"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to the YAML configuration file")
		httpAddrF = flag.String("http-addr", "", "HTTP listen address (overrides http.addr)")
		cyclesF   = flag.Uint64("cycles", 0, "Stop after this many cycles (0 runs until interrupted)")
		dbgF      = flag.Bool("debug", false, "Log every HTTP request")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[yolopipe] ", log.Ltime)

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	if *httpAddrF != "" {
		cfg.HTTP.Addr = *httpAddrF
	}
	if *cyclesF > 0 {
		cfg.Detection.MaxCycles = *cyclesF
	}

	// Frame source
	store := pipeline.NewFrameStore()
	src, err := source.New(cfg.SourceConfig(), store)
	if err != nil {
		logger.Fatalf("failed to create source: %v", err)
	}

	// Inference backend
	eng, err := engine.NewGRPCEngine(cfg.EngineConfig())
	if err != nil {
		logger.Fatalf("failed to create inference engine: %v", err)
	}
	defer eng.Close()
	if !eng.IsHealthy() {
		logger.Printf("inference backend %s is not serving yet", cfg.Network.Endpoint)
	}

	// Result sinks
	bus := pipeline.NewEventBus()
	defer bus.Close()

	srv := &server{
		logger: logger,
		debug:  *dbgF,
		store:  store,
		source: src,
		engine: eng,
		bus:    bus,
	}

	if cfg.Publishers.Console {
		bus.SubscribeSink(pipeline.NewConsoleSink(os.Stdout, func() pipeline.PipelineStats {
			return srv.scheduler.Stats()
		}))
	}
	if cfg.Publishers.WebSocket {
		srv.hub = ws.NewDetectionHub()
		defer srv.hub.Close()
		bus.SubscribeSink(srv.hub)
	}
	if cfg.Publishers.Database {
		db, err := database.New(cfg.Database.Path)
		if err != nil {
			logger.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			logger.Fatalf("failed to migrate database: %v", err)
		}
		srv.db = db
		srv.recorder = database.NewRecorder(db, database.RecorderConfig{
			RecordEmpty: cfg.Database.RecordEmpty,
			Retention:   cfg.Database.Retention,
		})
		defer srv.recorder.Close()
		bus.SubscribeSink(srv.recorder)
	}
	if cfg.Publishers.DetectionImage {
		srv.stream = stream.NewDetectionStream(stream.NewAnnotator(len(cfg.Detection.Names)), cfg.Publishers.ImageQuality)
		defer srv.stream.Close()
		bus.SubscribeSink(srv.stream)
	}

	authenticator, err := auth.NewAuthenticator(cfg.AuthConfig())
	if err != nil {
		logger.Fatalf("failed to configure authentication: %v", err)
	}
	srv.auth = authenticator

	scheduler, err := pipeline.NewScheduler(cfg.PipelineConfig(), store, eng, bus)
	if err != nil {
		logger.Fatalf("failed to create scheduler: %v", err)
	}
	srv.scheduler = scheduler

	// Create channel used by the signal handler, the pipeline and the server
	// goroutines to notify the main goroutine when to stop.
	errc := make(chan error, 4)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	if err := src.Start(); err != nil {
		logger.Fatalf("failed to start source: %v", err)
	}
	defer src.Stop()

	if *configF != "" {
		watcher, err := config.NewWatcher(*configF, cfg, scheduler)
		if err != nil {
			logger.Printf("config hot reload disabled: %v", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				watcher.Run(ctx)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := scheduler.Run(ctx)
		if err == nil {
			err = errors.New("pipeline finished")
		}
		errc <- err
	}()

	handleHTTPServer(ctx, cfg.HTTP.Addr, srv.routes(), &wg, errc, logger)

	// Wait for signal, pipeline exit or server failure.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	logger.Printf("exited after %d cycles", scheduler.Stats().Cycles)
}
