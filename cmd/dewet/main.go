package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/dewet/internal/api"
	"github.com/nidhogg/dewet/internal/bridge"
	"github.com/nidhogg/dewet/internal/config"
	"github.com/nidhogg/dewet/internal/director"
	"github.com/nidhogg/dewet/internal/episode"
	"github.com/nidhogg/dewet/internal/janitor"
	"github.com/nidhogg/dewet/internal/loop"
	"github.com/nidhogg/dewet/internal/observation"
	"github.com/nidhogg/dewet/internal/persona"
	"github.com/nidhogg/dewet/internal/provider"
	"github.com/nidhogg/dewet/internal/store"
	"github.com/nidhogg/dewet/internal/tts"
	"github.com/nidhogg/dewet/internal/vision"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/dewet.json"
	}
	cfg, found, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	base, err := newLogger(cfg.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer base.Sync()

	// The bridge logs through the base logger; everything else is teed
	// into the bridge so frontends see the log stream.
	b := bridge.New(base.Named("bridge"))
	logger := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, bridge.NewLogCore(b, zapcore.InfoLevel))
	}))

	logger.Info("Starting dewet...", zap.String("version", version))
	if found {
		logger.Info("Config loaded", zap.String("path", cfgPath))
	} else {
		logger.Warn("config file not found, using defaults", zap.String("path", cfgPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	specs, err := persona.LoadDir(cfg.CharactersDir, logger)
	if err != nil {
		logger.Fatal("failed to load characters", zap.String("dir", cfg.CharactersDir), zap.Error(err))
	}
	logger.Info("Characters loaded", zap.Int("count", len(specs)))

	st, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}
	defer st.Close()

	var episodes *episode.Store
	switch es, err := episode.Open(ctx, cfg.Episodes, logger); {
	case errors.Is(err, episode.ErrDisabled):
		logger.Info("episodic memory disabled")
	case err != nil:
		logger.Warn("Neo4j unavailable, running without episodic memory", zap.Error(err))
	default:
		episodes = es
		defer es.Close(context.Background())
	}

	router := buildRouter(cfg, logger)
	models := director.Models{
		Change:   stage(router, provider.RoleChange, cfg.Models.Change, logger),
		Arbiter:  stage(router, provider.RoleArbiter, cfg.Models.Arbiter, logger),
		Response: stage(router, provider.RoleResponse, cfg.Models.Response, logger),
		Audit:    stage(router, provider.RoleAudit, cfg.Models.Audit, logger),
	}
	dir := director.New(cfg.Director, models, specs, st, logger.Named("director"))

	source, err := vision.NewCapturer(cfg.Vision, logger)
	if err != nil {
		logger.Fatal("failed to create capturer", zap.Error(err))
	}
	voice, err := tts.New(cfg.TTS, logger)
	if err != nil {
		logger.Fatal("failed to create synthesizer", zap.Error(err))
	}

	hub := bridge.NewHub(func() bridge.Hello { return hello(specs) }, cfg.Server.AllowedOrigins, logger.Named("ws"))
	b.Register(hub)
	if cfg.Redis.URL != "" {
		mirror, err := bridge.NewRedisMirror(ctx, cfg.Redis, logger.Named("redis"))
		if err != nil {
			logger.Warn("Redis unavailable, running without event mirror", zap.Error(err))
		} else {
			b.Register(mirror)
		}
	}
	if sc := cfg.Relays.Slack; sc.Enabled && sc.BotToken != "" {
		b.Register(bridge.NewSlackRelay(sc, logger.Named("slack")))
	}
	if dc := cfg.Relays.Discord; dc.Enabled && dc.BotToken != "" {
		b.Register(bridge.NewDiscordRelay(dc, logger.Named("discord")))
	}

	deps := loop.Deps{
		Buffer:    observation.NewBuffer(cfg.Observation),
		Capture:   vision.NewPipeline(source, logger),
		Renderer:  vision.NewRenderer(cfg.Vision.Width, cfg.Vision.Height),
		Director:  dir,
		Store:     st,
		Voice:     voice,
		Transport: b,
	}
	if episodes != nil {
		deps.Episodes = episodes
	}
	perception := loop.New(*cfg, deps, logger.Named("loop"))

	var sweeper janitor.EpisodeSweeper
	if episodes != nil {
		sweeper = episodes
	}
	jan, err := janitor.New(cfg.Retention, st, sweeper, logger.Named("janitor"))
	if err != nil {
		logger.Fatal("invalid retention schedule", zap.Error(err))
	}

	apiDeps := api.Deps{
		State:     perception,
		Store:     st,
		Events:    b,
		Providers: router,
		Hub:       hub,
		Personas:  specs,
		Origins:   cfg.Server.AllowedOrigins,
	}
	if episodes != nil {
		apiDeps.Episodes = episodes
	}
	handler := api.NewHandler(apiDeps, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return perception.Run(gctx) })
	g.Go(func() error { return jan.Run(gctx) })
	g.Go(func() error {
		logger.Info("dewet listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("dewet stopped with error", zap.Error(err))
		return
	}
	logger.Info("dewet stopped")
}

func newLogger(cfg config.ServerConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.LogFormat == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// buildRouter registers every configured provider and binds each stage's
// role. The first provider is the default.
func buildRouter(cfg *config.Config, logger *zap.Logger) *provider.Router {
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: time.Duration(pc.TimeoutMS) * time.Millisecond,
		}, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}

	bind := func(role string, ref config.ModelRef) {
		if ref.Provider != "" {
			router.Bind(role, ref.Provider)
		}
		if len(ref.Fallbacks) > 0 {
			router.SetFallbacks(role, ref.Fallbacks)
		}
	}
	bind(provider.RoleChange, cfg.Models.Change)
	bind(provider.RoleArbiter, cfg.Models.Arbiter)
	bind(provider.RoleResponse, cfg.Models.Response)
	bind(provider.RoleAudit, cfg.Models.Audit)
	return router
}

func stage(router *provider.Router, role string, ref config.ModelRef, logger *zap.Logger) director.Stage {
	if !ref.Enabled() {
		logger.Info("pipeline stage disabled", zap.String("role", role))
		return director.Stage{}
	}
	return director.Stage{
		Client: provider.NewClient(router, role, logger),
		Model:  ref.Model,
	}
}

func hello(specs []persona.Spec) bridge.Hello {
	h := bridge.Hello{Version: version, Personas: make([]bridge.PersonaInfo, 0, len(specs))}
	for _, s := range specs {
		h.Personas = append(h.Personas, bridge.PersonaInfo{ID: s.ID, Name: s.Name, Color: s.Color})
	}
	return h
}
