package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/agentcert/backend/internal/api"
	"github.com/agentcert/backend/internal/ca"
	"github.com/agentcert/backend/internal/cert"
	"github.com/agentcert/backend/internal/config"
	"github.com/agentcert/backend/internal/evaluation"
	"github.com/agentcert/backend/internal/events"
	"github.com/agentcert/backend/internal/grader"
	"github.com/agentcert/backend/internal/keys"
	"github.com/agentcert/backend/internal/store"
	"github.com/agentcert/backend/internal/tacp"
	"github.com/agentcert/backend/internal/trace"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := log.New(os.Stdout, "[SERVER] ", log.LstdFlags)

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			logger.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	signer, err := ca.LoadOrCreateSigner(cfg.CA.KeyPath, cfg.CA.Issuer)
	if err != nil {
		logger.Fatalf("loading ca key: %v", err)
	}
	keyManager := keys.NewManager(cfg.Keys.Dir)

	validity := time.Duration(cfg.CA.DefaultValidityDays) * 24 * time.Hour
	certs := cert.NewService(st, signer, validity, cfg.CA.CertVersion, nil)

	// Judge is optional: without an endpoint, deterministic graders and the
	// safety pre-screen carry the evaluation alone.
	var judge *grader.JudgeClient
	if cfg.Judge.Endpoint != "" {
		judge = grader.NewJudgeClient(cfg.Judge, nil)
	}
	engine := evaluation.NewEngine(st, judge, nil, nil)

	streamer := trace.NewStreamer(cfg.Traces.SubscriberBuffer, nil)
	var publisher trace.Publisher = streamer
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		bus := events.NewRedisBus(client, cfg.Redis.Channel, nil)
		bridge, err := trace.NewBridge(streamer, bus, nil)
		if err != nil {
			logger.Fatalf("connecting event bus: %v", err)
		}
		defer bridge.Close()
		publisher = bridge
		logger.Printf("cross-pod event bus connected at %s", cfg.Redis.Addr)
	}
	traces := trace.NewService(st, publisher, nil)

	tacpHandler := tacp.NewHandler(st, certs, keyManager, cfg.ChallengeTTL(), nil)
	fabric := tacp.NewFabric(tacpHandler, cfg.SessionIdleTimeout(), nil)
	defer fabric.Close()

	// Background jobs: expiry sweep, challenge eviction, trace retention.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.CA.ExpirySweepSchedule, certs.SweepExpired); err != nil {
		logger.Fatalf("scheduling expiry sweep: %v", err)
	}
	if _, err := scheduler.AddFunc(cfg.TACP.SweepSchedule, func() {
		tacpHandler.Challenges().EvictExpired()
	}); err != nil {
		logger.Fatalf("scheduling challenge eviction: %v", err)
	}
	retention := time.Duration(cfg.Traces.RetentionDays) * 24 * time.Hour
	if _, err := scheduler.AddFunc(cfg.Traces.PruneSchedule, func() {
		traces.PruneOlderThan(retention)
	}); err != nil {
		logger.Fatalf("scheduling trace pruning: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := api.NewServer(api.Deps{
		Store:    st,
		Engine:   engine,
		Certs:    certs,
		Traces:   traces,
		Streamer: streamer,
		TACP:     tacpHandler,
		Fabric:   fabric,
	})

	httpServer := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     server.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Printf("listening on :%s (env=%s, issuer=%s)", cfg.Server.Port, cfg.Server.Env, signer.Issuer())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("forced shutdown: %v", err)
	}
}
