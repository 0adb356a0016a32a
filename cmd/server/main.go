package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-shellgate/internal/api/middleware"
	"github.com/kubilitics/kubilitics-shellgate/internal/api/rest"
	"github.com/kubilitics/kubilitics-shellgate/internal/api/websocket"
	"github.com/kubilitics/kubilitics-shellgate/internal/audit"
	"github.com/kubilitics/kubilitics-shellgate/internal/auth"
	"github.com/kubilitics/kubilitics-shellgate/internal/auth/identity"
	"github.com/kubilitics/kubilitics-shellgate/internal/auth/otp"
	"github.com/kubilitics/kubilitics-shellgate/internal/config"
	"github.com/kubilitics/kubilitics-shellgate/internal/notifications"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/envelope"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/tracing"
	"github.com/kubilitics/kubilitics-shellgate/internal/policy"
	"github.com/kubilitics/kubilitics-shellgate/internal/recording"
	"github.com/kubilitics/kubilitics-shellgate/internal/repository"
	"github.com/kubilitics/kubilitics-shellgate/internal/service"
	"github.com/kubilitics/kubilitics-shellgate/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kubilitics-shellgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.StdLogger(cfg.LogLevel, cfg.LogJSON)
	slog.SetDefault(log)
	rest.SetErrorLogger(log)
	log.Info("starting", "service", tracing.ServiceName, "port", cfg.Port, "db_driver", cfg.DatabaseDriver)

	shutdownTracing, err := tracing.Init(ctx, cfg.TracingEndpoint, cfg.TracingSamplingRate)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	repo, err := repository.New(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Migrate(migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	env, err := envelope.NewFromBase64(cfg.EncryptionKey, cfg.EncryptionCipher)
	if err != nil {
		return err
	}
	hasher, err := identity.NewHasher(cfg.IdentitySalt)
	if err != nil {
		return err
	}
	engine, err := otp.NewEngine(otp.Config{Length: cfg.OTPLength, TTL: cfg.OTPTTL(), Pepper: []byte(cfg.OTPPepper)})
	if err != nil {
		return err
	}

	var pf *policy.File
	if cfg.PolicyPath != "" {
		if pf, err = policy.LoadFile(cfg.PolicyPath); err != nil {
			return err
		}
	}
	gate, sanitizer, err := policy.Build(pf, cfg.CommandCaseInsensitive)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	gates := policy.NewGateStore(gate)
	redactor := redact.NewStore(sanitizer)

	var notifier notifications.Notifier
	if cfg.OTPWebhookURL != "" {
		notifier = notifications.NewWebhookNotifier(cfg.OTPWebhookURL, log)
	} else {
		log.Warn("otp_webhook_url not set; verification codes are written to stderr (dev only)")
		notifier = notifications.NewWriterNotifier(os.Stderr)
	}

	auditLog := audit.New(repo, audit.Config{
		Path:       cfg.AuditLogPath,
		MaxSizeMB:  cfg.AuditLogMaxSizeMB,
		MaxBackups: cfg.AuditLogMaxBackups,
		MaxAgeDays: cfg.AuditLogMaxAgeDays,
	})
	defer auditLog.Close()

	var recorder *recording.Recorder
	if cfg.RecordingEnabled {
		recorder = recording.NewRecorder(repo, redactor, recording.Options{
			MaxFrameBytes: cfg.RecordingMaxFrameBytes,
			Width:         cfg.TerminalWidth,
			Height:        cfg.TerminalHeight,
			Retention:     cfg.RecordingRetention(),
		}, log)
	}

	clusterService := service.NewClusterService(repo, env, auditLog, cfg, log)
	sessionService, err := service.NewSessionService(service.SessionDeps{
		Repo:     repo,
		Clusters: clusterService,
		Envelope: env,
		Hasher:   hasher,
		OTP:      engine,
		Gate:     gates,
		Redactor: redactor,
		Recorder: recorder,
		Notifier: notifier,
		Audit:    auditLog,
		Log:      log,
	}, service.SessionOptionsFromConfig(cfg))
	if err != nil {
		return err
	}
	recordingService := service.NewRecordingService(recorder, auditLog)
	policyService := service.NewPolicyService(
		policy.NewManager(cfg.PolicyPath, cfg.CommandCaseInsensitive, gates, redactor), auditLog, log)
	go reloadOnHangup(ctx, policyService, log)

	var cleaner service.RecordingCleaner
	if recorder != nil {
		cleaner = recordingService
	}
	cleanup := service.NewCleanupService(sessionService, cleaner, cfg.CleanupInterval(), log)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	keys := auth.NewKeyVerifier(cfg.APIKey, cfg.APIKeyHash)
	limiter := middleware.NewRateLimiter(0)
	go pruneLimiter(ctx, limiter)

	router := mux.NewRouter()
	handler := rest.NewHandler(clusterService, sessionService, recordingService, repo)
	streams := websocket.NewHub(cfg.AllowedOrigins, log)
	handler.SetPlaybackHub(streams)
	handler.SetPolicy(policyService)
	rest.SetupSystemRoutes(router, handler)
	rest.SetupRoutes(router.PathPrefix("/api/v1").Subrouter(), handler)

	// Outermost first: recovery, request id, logging and tracing see every request.
	router.Use(middleware.StructuredLog)
	var h http.Handler = router
	h = middleware.Caller(h)
	h = middleware.MaxBodySize(middleware.DefaultStandardMaxBodyBytes, middleware.DefaultClusterMaxBodyBytes)(h)
	h = middleware.APIKey(keys)(h)
	h = limiter.Middleware(h)
	h = middleware.SecureHeaders(h)
	h = middleware.CORS(cfg.AllowedOrigins, log)(h)
	h = middleware.Tracing(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(log)(h)

	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeout,
		// Playback streams and exec calls can outlive the request timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr, "recording", recorder != nil, "api_key", keys.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	grace := time.Duration(cfg.ShutdownTimeoutSec) * time.Second
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()
	// Hijacked playback connections are not tracked by Shutdown.
	streams.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", "error", err)
	}
	log.Info("server exited")
	return nil
}

func pruneLimiter(ctx context.Context, l *middleware.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// reloadOnHangup rebuilds the command gate and sanitizer from the policy file on SIGHUP.
func reloadOnHangup(ctx context.Context, policies *service.PolicyService, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := policies.Reload(ctx, service.SystemActor); err != nil {
				log.Error("policy reload failed", "error", err)
			}
		}
	}
}
