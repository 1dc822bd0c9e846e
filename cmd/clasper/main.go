// Command clasper runs the governance control plane: the decision
// pipeline, approval queue, tool token service, telemetry ingest, and
// the tamper-evident evidence stores behind one HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AppLetico/clasper/pkg/api"
	"github.com/AppLetico/clasper/pkg/approval"
	"github.com/AppLetico/clasper/pkg/archive"
	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/auth"
	"github.com/AppLetico/clasper/pkg/budget"
	"github.com/AppLetico/clasper/pkg/config"
	"github.com/AppLetico/clasper/pkg/decision"
	"github.com/AppLetico/clasper/pkg/identity"
	"github.com/AppLetico/clasper/pkg/observability"
	"github.com/AppLetico/clasper/pkg/policy"
	"github.com/AppLetico/clasper/pkg/registry"
	"github.com/AppLetico/clasper/pkg/risk"
	"github.com/AppLetico/clasper/pkg/store"
	"github.com/AppLetico/clasper/pkg/telemetry"
	"github.com/AppLetico/clasper/pkg/tooltoken"
	"github.com/AppLetico/clasper/pkg/trace"
)

func main() {
	if err := run(); err != nil {
		slog.Error("clasper exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "clasper",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       !cfg.IsProduction(),
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	auditLog := audit.NewLog(db, cfg.StoreRetries)
	reg := registry.NewStore(db)
	policies, err := policy.NewStore(db)
	if err != nil {
		return err
	}
	traces := trace.NewStore(db)
	budgets := budget.NewSQLiteStore(db)

	if cfg.PolicyPath != "" {
		n, err := policies.LoadBundle(ctx, cfg.PolicyPath)
		if err != nil {
			return err
		}
		logger.Info("policy bundle loaded", "path", cfg.PolicyPath, "rules", n)
	}

	archiveStore, err := archive.New(ctx, archive.Config{
		Backend: cfg.ArchiveBackend,
		Bucket:  cfg.ArchiveBucket,
	})
	if err != nil {
		return err
	}

	notifier := approval.NewWebhookNotifier(webhookResolver(db), logger)
	approvals := approval.NewService(db, approval.NewTokenMinter(cfg.DecisionTokenSecret),
		auditLog, notifier, cfg.ApprovalTTL, cfg.GrantTTL)
	tokens := tooltoken.NewService(db, cfg.ToolTokenSecret, auditLog)

	orch := decision.NewOrchestrator(reg, risk.NewScorer(risk.Weights{}), policies, approvals,
		budgets, auditLog, decision.Config{
			GrantTTL:     cfg.GrantTTL,
			MaxSteps:     cfg.MaxSteps,
			SafetyFactor: cfg.SafetyFactor,
		})

	var dedup telemetry.Deduper = telemetry.NewSQLDeduper(db)
	if cfg.RedisAddr != "" {
		dedup = telemetry.NewRedisDeduper(cfg.RedisAddr, 24*time.Hour, dedup)
	}
	ingest := telemetry.NewService(db, reg, traces, auditLog, budgets, dedup, obs,
		func(string) config.EnforcementMode { return cfg.TelemetrySignatureMode },
		cfg.TelemetryMaxSkew, logger)

	var jwks *identity.JWKSCache
	if cfg.OpsOIDCJWKSURL != "" {
		jwks = identity.NewJWKSCache(cfg.OpsOIDCJWKSURL, 5*time.Minute)
	}
	verifier := &auth.Verifier{
		AdapterSecret: cfg.AdapterJWTSecret,
		BackendSecret: cfg.AgentJWTSecret,
		OperatorJWKS:  jwks,
		Issuer:        cfg.OpsOIDCIssuer,
		Audience:      cfg.OpsOIDCAudience,
	}

	if cfg.DevBypassAllowed() {
		logger.Warn("development auth bypass is ACTIVE; all requests run as a synthetic admin")
	}

	go approvals.RunSweeper(ctx, time.Minute, logger)

	srv := api.NewServer(cfg, verifier, orch, approvals, tokens, ingest, auditLog, traces,
		policies, reg, archiveStore, obs, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("clasper listening", "port", cfg.Port, "environment", cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// webhookResolver looks up the tenant's workspace webhook URL. One URL
// per tenant: the first workspace that declares one wins.
func webhookResolver(db *sql.DB) func(tenantID string) string {
	return func(tenantID string) string {
		var url sql.NullString
		err := db.QueryRow(`
			SELECT webhook_url FROM workspaces
			WHERE tenant_id = ? AND webhook_url IS NOT NULL LIMIT 1`, tenantID).Scan(&url)
		if err != nil {
			return ""
		}
		return url.String
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
