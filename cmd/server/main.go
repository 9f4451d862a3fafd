package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"navidai/internal/chat"
	"navidai/internal/config"
	"navidai/internal/onboarding"
	"navidai/internal/ratelimit"
	"navidai/internal/security"
	"navidai/internal/server"
	"navidai/internal/session"
	"navidai/internal/signup"
	"navidai/internal/util"
	"navidai/pkg/ai"
	"navidai/pkg/queue"
	"navidai/pkg/storage"
	"navidai/pkg/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	durations, err := cfg.Durations()
	if err != nil {
		util.Fatal("failed to parse durations", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Warn("close failed", "err", err)
			}
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	if c, ok := st.(io.Closer); ok {
		closers = append(closers, c)
	}

	sessions, err := openSessions(cfg, durations.Session)
	if err != nil {
		util.Fatal("failed to init session store", "err", err)
	}
	if c, ok := sessions.(io.Closer); ok {
		closers = append(closers, c)
	}

	provider, err := ai.NewProvider(ai.Config{
		Provider: cfg.LLMProvider,
		BaseURL:  cfg.LLMBaseURL,
		APIKey:   cfg.LLMAPIKey,
		Model:    cfg.LLMModel,
		Timeout:  durations.LLMTimeout,
	})
	if err != nil {
		util.Fatal("failed to init llm provider", "err", err)
	}

	jobs, err := openQueue(cfg)
	if err != nil {
		util.Fatal("failed to init job queue", "err", err)
	}
	if c, ok := jobs.(io.Closer); ok {
		closers = append(closers, c)
	}

	// Exports stay disabled without MinIO; keep the interface nil in that case.
	var exports storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
		exports = minioStore
	}

	codes, err := signup.NewCodeGenerator(cfg.CodeMode)
	if err != nil {
		util.Fatal("failed to init code generator", "err", err)
	}
	signupSvc, err := signup.New(signup.Config{
		Store:          st,
		Codes:          codes,
		Sender:         signup.LogCodeSender{RevealCode: cfg.CodeMode == "fixed"},
		TTL:            durations.Signup,
		ResendInterval: durations.Resend,
		MinAge:         cfg.MinAge,
	})
	if err != nil {
		util.Fatal("failed to init signup", "err", err)
	}
	chatSvc, err := chat.New(chat.Config{
		Store:        st,
		Provider:     provider,
		Queue:        jobs,
		Exports:      exports,
		HistoryTurns: cfg.HistoryTurns,
		ExportURLTTL: durations.ExportURLTTL,
	})
	if err != nil {
		util.Fatal("failed to init chat", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trustedProxies", "err", err)
	}
	authLimiter, err := newLimiter(cfg, "auth", cfg.AuthRateLimitPerMinute)
	if err != nil {
		util.Fatal("failed to init auth rate limiter", "err", err)
	}
	chatLimiter, err := newLimiter(cfg, "chat", cfg.ChatRateLimitPerMinute)
	if err != nil {
		util.Fatal("failed to init chat rate limiter", "err", err)
	}
	closers = append(closers, authLimiter, chatLimiter)
	alerter := security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "navid:alerts")
	closers = append(closers, alerter)

	apiServer, err := server.New(server.Config{
		Signup:         signupSvc,
		Sessions:       session.New(st, sessions, exports),
		Onboarding:     onboarding.New(st),
		Chat:           chatSvc,
		AuthLimiter:    authLimiter,
		ChatLimiter:    chatLimiter,
		Alerter:        alerter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		CookieSecure:   cfg.CookieSecure,
		SessionTTL:     durations.Session,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Streams stay open for the whole model reply.
		WriteTimeout: durations.LLMTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("navid api listening", "addr", addr, "store", cfg.StoreDriver, "sessions", cfg.SessionStrategy, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return jobs.Run(gctx, cfg.QueueConcurrency, chatSvc.HandleJob)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server stopped", "err", err)
		return
	}
	slog.Info("navid api stopped")
}

func openStore(cfg config.FileConfig) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		slog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return store.NewGormStore(cfg.DatabaseURL)
}

func openSessions(cfg config.FileConfig, ttl time.Duration) (store.SessionStore, error) {
	switch cfg.SessionStrategy {
	case "jwt":
		revoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		return store.NewJWTSessionStoreFromPEM(cfg.JWTPrivateKeyPath, cfg.JWTKeyID, cfg.JWTIssuer, cfg.JWTAudience, ttl, revoker)
	case "memory":
		return store.NewMemorySessionStore(ttl), nil
	default:
		return store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, "navid:session:", ttl), nil
	}
}

func openQueue(cfg config.FileConfig) (queue.Queue, error) {
	if cfg.QueueBackend == "local" {
		return queue.NewLocalQueue(256, cfg.QueueMaxRetries, 2*time.Second), nil
	}
	return queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
	})
}

// newLimiter returns nil (no limit) when perMinute is zero. Redis backs the
// counters when configured so limits hold across replicas.
func newLimiter(cfg config.FileConfig, scope string, perMinute int) (*ratelimit.FixedWindowLimiter, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	if cfg.RedisAddr != "" {
		return ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "navid:ratelimit", scope, perMinute, time.Minute)
	}
	return ratelimit.NewMemoryFixedWindowLimiter(scope, perMinute, time.Minute)
}
