package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/collabhub/internal/agent"
	"github.com/p-blackswan/collabhub/internal/config"
	"github.com/p-blackswan/collabhub/internal/exechost"
	"github.com/p-blackswan/collabhub/internal/filetree"
	"github.com/p-blackswan/collabhub/internal/health"
	"github.com/p-blackswan/collabhub/internal/identity"
	"github.com/p-blackswan/collabhub/internal/llm"
	"github.com/p-blackswan/collabhub/internal/metrics"
	"github.com/p-blackswan/collabhub/internal/mgmt"
	"github.com/p-blackswan/collabhub/internal/project"
	"github.com/p-blackswan/collabhub/internal/room"
	"github.com/p-blackswan/collabhub/internal/router"
	"github.com/p-blackswan/collabhub/internal/runprofile"
	"github.com/p-blackswan/collabhub/internal/session"
	"github.com/p-blackswan/collabhub/internal/store"
	"github.com/p-blackswan/collabhub/internal/transport"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Persistence
	ds, err := store.New(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open database")
	}
	defer ds.Close()
	projects := project.NewStore(ds, logger)

	verifier, err := identity.NewJWTVerifier([]byte(cfg.JWTSecret), ds, logger, identity.WithCacheSize(cfg.TokenCacheSize))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init token verifier")
	}

	// `collabhub token <user-id> [email]` mints a token for local use.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(mintToken(verifier, cfg.TokenTTL, os.Args[2:]))
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_addr", cfg.HTTPAddr).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Bool("ai_enabled", cfg.AIEnabled()).
		Msg("starting collabhub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	checker := health.NewChecker(logger)
	checker.Register("database", checker.PingCheck("database", ds.Ping))

	// Collaboration core
	profile, err := runprofile.Load(cfg.RunProfilePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.RunProfilePath).Msg("failed to load run profile")
	}
	host := exechost.NewLocalHost(exechost.LocalConfig{
		Root:       cfg.SandboxRoot,
		PublicHost: cfg.SandboxPublicHost,
		Env:        profile.Environ(),
	}, logger)

	trees := filetree.NewStore(projects, logger)
	rooms := room.NewRegistry(projects, trees, host, logger, room.WithMetrics(m))
	rt := router.New(rooms, trees, logger, router.WithMessageLog(projects), router.WithMetrics(m))
	sessions := session.NewOrchestrator(rooms, rt, trees, session.Config{
		Profile:        profile,
		InstallTimeout: cfg.RunInstallTimeout,
		ReadyTimeout:   cfg.RunReadyTimeout,
	}, logger, session.WithMetrics(m))

	if cfg.AIEnabled() {
		provider := llm.NewAnthropicProvider(cfg.AnthropicAPIKey, logger, llm.WithModel(cfg.AIModel))
		rt.AddHook(agent.New(provider, trees, rt, agent.Config{
			Mention:       cfg.AIMention,
			MaxConcurrent: cfg.AIMaxConcurrent,
			Timeout:       cfg.AITimeout,
		}, logger, agent.WithMetrics(m)))
		logger.Info().Str("model", provider.ModelID()).Str("mention", cfg.AIMention).Msg("AI participant enabled")
	} else {
		logger.Info().Msg("ANTHROPIC_API_KEY not set, AI participant disabled")
	}

	// Surfaces
	realtime := transport.NewServer(transport.Config{
		Addr:           cfg.HTTPAddr,
		AllowedOrigins: cfg.AllowedOrigins(),
		MsgRate:        cfg.WSMsgRate,
		MsgBurst:       cfg.WSMsgBurst,
		SendQueue:      cfg.WSSendQueue,
	}, verifier, sessions, logger,
		transport.WithMetrics(m),
		transport.WithHealth(checker),
		transport.WithUserRecorder(projects),
	)

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
	}, mgmt.Deps{
		Projects: projects,
		Rooms:    rooms,
		Trees:    trees,
		Auth:     verifier,
		Checker:  checker,
		Metrics:  m,
	}, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := realtime.Start(); err != nil {
			logger.Fatal().Err(err).Msg("realtime server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRetention(ctx, ds, store.RetentionPolicy{
			MaxMessageAge:         cfg.MessageMaxAge,
			MaxMessagesPerProject: cfg.MessagesPerProject,
		}, cfg.RetentionInterval, logger)
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Sessions leave their rooms as the realtime server drains.
	if err := realtime.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("realtime server shutdown error")
	}
	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	// Anything still resident is stopped; unsaved trees are dropped.
	rooms.Shutdown()
	sessions.Wait()
	rt.Wait()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("collabhub stopped")
}

func runRetention(ctx context.Context, ds *store.Store, policy store.RetentionPolicy, every time.Duration, logger zerolog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ds.RunRetention(ctx, policy); err != nil {
				logger.Warn().Err(err).Msg("retention pass failed")
			}
			if n, err := ds.Cleanup(ctx); err != nil {
				logger.Warn().Err(err).Msg("revocation cleanup failed")
			} else if n > 0 {
				logger.Debug().Int("removed", n).Msg("expired revocations removed")
			}
		}
	}
}

func mintToken(v *identity.JWTVerifier, ttl time.Duration, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: collabhub token <user-id> [email]")
		return 2
	}
	email := ""
	if len(args) > 1 {
		email = args[1]
	}
	tok, exp, err := v.Issue(args[0], email, ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "issue token:", err)
		return 1
	}
	fmt.Println(tok)
	fmt.Fprintln(os.Stderr, "expires", exp.Format(time.RFC3339))
	return 0
}
