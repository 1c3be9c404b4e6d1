package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AaronLay10/Colloquy/internal/api"
	"github.com/AaronLay10/Colloquy/internal/approval"
	"github.com/AaronLay10/Colloquy/internal/config"
	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/generation"
	"github.com/AaronLay10/Colloquy/internal/mqtt"
	"github.com/AaronLay10/Colloquy/internal/orchestrator"
	"github.com/AaronLay10/Colloquy/internal/storage/postgres"
	"github.com/AaronLay10/Colloquy/internal/stream"
	"github.com/AaronLay10/Colloquy/internal/version"
)

const (
	healthCheckInterval = 5 * time.Second
	heartbeatTolerance  = 2.0
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
}

func run() error {
	cfgPath := os.Getenv("COLLOQUY_CONFIG")
	if cfgPath == "" {
		cfgPath = "colloquy.yaml"
	}
	cfg, err := config.LoadServiceConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", cfgPath, err)
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}
	api.InitAuth(secrets)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(0)
	sessionID := uuid.NewString()
	hostname, _ := os.Hostname()

	// Postgres is optional: without it events stay in memory and node
	// timelines live only in the graph store.
	var pg *postgres.Client
	if c, err := postgres.New(cfg.Service.ID, secrets.PGPassword); err != nil {
		log.Printf("postgres unavailable, continuing without persistence: %v", err)
	} else {
		pg = c
		defer pg.Close()
		bus.SetStore(pg, sessionID)
	}

	bus.Emit("info", "system.startup", "orchestrator starting", map[string]interface{}{
		"service":    cfg.Service.ID,
		"hostname":   hostname,
		"pid":        os.Getpid(),
		"version":    version.Version,
		"session_id": sessionID,
	})

	graph, err := orchestrator.LoadGraph(cfg.GraphPath())
	if err != nil {
		bus.Emit("error", "system.error", "failed to load graph", map[string]interface{}{
			"path":  cfg.GraphPath(),
			"error": err.Error(),
		})
		return fmt.Errorf("load graph %s: %w", cfg.GraphPath(), err)
	}
	store := orchestrator.NewMemoryStore(*graph)

	if pg != nil {
		start := time.Now()
		restored, err := orchestrator.RestoreAudioCaches(ctx, pg, store)
		if err != nil {
			log.Printf("restore node audio: %v", err)
		}
		orchestrator.EmitStartupRestore(bus, restored, cfg.Service.ID, time.Since(start))
	}

	broker := mqtt.NewClient(mqtt.Options{
		ClientID: cfg.MQTTClientID(),
		Username: cfg.MQTTUsername(),
		Password: secrets.MQTTPassword,
	})
	if !broker.StartWithRetry() && !cfg.MQTTOptional() {
		log.Printf("mqtt: broker not reachable yet, retrying in the background")
	}
	defer broker.Disconnect()

	directory := mqtt.NewActorDirectory(broker, mqtt.DirectoryOptions{
		Publisher:    bus,
		SpeakTimeout: cfg.SpeakTimeout(),
		Tolerance:    heartbeatTolerance,
	})
	if err := directory.Start(); err != nil {
		log.Printf("mqtt: avatar registrations deferred until connected: %v", err)
	}
	directory.Monitor().Start(healthCheckInterval)
	defer directory.Monitor().Stop()

	participants := mqtt.NewParticipantRegistry()
	if err := participants.Start(broker); err != nil {
		log.Printf("mqtt: participant registry deferred until connected: %v", err)
	}

	gen := generation.New(generation.Options{
		BaseURL:        cfg.GenerationBaseURL(),
		StreamPath:     cfg.StreamPath(),
		RegeneratePath: cfg.RegeneratePath(),
		Token:          secrets.GenerationToken,
		Timeout:        cfg.GenerationTimeout(),
	})

	machine := approval.NewMachine(cfg.ConversationMode(), gen, bus)
	hands := stream.NewHandTracker(bus)

	opts := orchestrator.Options{
		Store:        store,
		Humans:       orchestrator.Humans{orchestrator.NewStaticHumans(cfg.Humans...), participants},
		Actors:       directory,
		Generator:    gen,
		Approval:     machine,
		Hands:        hands,
		Publisher:    bus,
		SettleDelay:  cfg.SettleDelay(),
		PollInterval: cfg.PollInterval(),
	}
	if pg != nil {
		opts.Archive = pg
	}
	driver := orchestrator.NewDriver(opts)

	server := api.NewServer(api.Deps{
		Bus:         bus,
		Player:      driver,
		Graph:       store,
		Approval:    machine,
		Hands:       hands,
		DefaultMode: cfg.DefaultPlayMode(),
		TLS:         cfg.TLS(),
	})
	server.SetGraphPath(cfg.GraphPath())

	ready := server.Readiness()
	ready.SetMQTTState(broker.IsConnected(), cfg.MQTTOptional())
	ready.SetPostgresState(pg != nil, true)
	ready.SetOrchestratorReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.UIPort())
	})
	g.Go(func() error {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				ready.SetMQTTState(broker.IsConnected(), cfg.MQTTOptional())
				if pg != nil {
					pingCtx, cancel := context.WithTimeout(gctx, 2*time.Second)
					ready.SetPostgresState(pg.Ping(pingCtx) == nil, true)
					cancel()
				}
			}
		}
	})

	err = g.Wait()
	ready.SetOrchestratorReady(false)
	driver.CancelPlayAll()

	fields := map[string]interface{}{"service": cfg.Service.ID, "session_id": sessionID}
	if err != nil && !errors.Is(err, context.Canceled) {
		fields["error"] = err.Error()
		bus.Emit("error", "system.shutdown", "orchestrator stopped with error", fields)
		return err
	}
	bus.Emit("info", "system.shutdown", "orchestrator stopped", fields)
	return nil
}
