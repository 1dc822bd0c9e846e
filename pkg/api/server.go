package api

import (
	"log/slog"
	"net/http"

	"github.com/AppLetico/clasper/pkg/approval"
	"github.com/AppLetico/clasper/pkg/archive"
	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/auth"
	"github.com/AppLetico/clasper/pkg/config"
	"github.com/AppLetico/clasper/pkg/decision"
	"github.com/AppLetico/clasper/pkg/observability"
	"github.com/AppLetico/clasper/pkg/policy"
	"github.com/AppLetico/clasper/pkg/registry"
	"github.com/AppLetico/clasper/pkg/telemetry"
	"github.com/AppLetico/clasper/pkg/tooltoken"
	"github.com/AppLetico/clasper/pkg/trace"
)

// Server carries the wired services behind the HTTP surface. All
// tenant scoping flows from the request identity; handlers never accept
// a tenant from the body.
type Server struct {
	cfg        *config.Config
	verifier   *auth.Verifier
	orch       *decision.Orchestrator
	approvals  *approval.Service
	tooltokens *tooltoken.Service
	ingest     *telemetry.Service
	auditLog   *audit.Log
	traces     *trace.Store
	policies   *policy.Store
	registry   *registry.Store
	archive    archive.ObjectStore
	obs        *observability.Provider
	logger     *slog.Logger
}

// NewServer assembles the surface.
func NewServer(cfg *config.Config, verifier *auth.Verifier, orch *decision.Orchestrator,
	approvals *approval.Service, tooltokens *tooltoken.Service, ingest *telemetry.Service,
	auditLog *audit.Log, traces *trace.Store, policies *policy.Store, reg *registry.Store,
	archiveStore archive.ObjectStore, obs *observability.Provider, logger *slog.Logger) *Server {
	return &Server{
		cfg: cfg, verifier: verifier, orch: orch, approvals: approvals,
		tooltokens: tooltokens, ingest: ingest, auditLog: auditLog, traces: traces,
		policies: policies, registry: reg, archive: archiveStore, obs: obs, logger: logger,
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)

	mux.HandleFunc("POST /v1/executions/decide", s.handleDecide)

	mux.HandleFunc("GET /v1/decisions/{id}", s.handleGetDecision)
	mux.HandleFunc("POST /v1/decisions/{id}/resolve", s.handleResolveDecision)
	mux.HandleFunc("POST /v1/decisions/{id}/consume", s.handleConsumeDecision)

	mux.HandleFunc("POST /v1/tools/authorize", s.handleAuthorizeTool)
	mux.HandleFunc("POST /v1/tools/invoke", s.handleInvokeTool)

	mux.HandleFunc("POST /v1/telemetry/ingest", s.handleIngest)

	mux.HandleFunc("GET /v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /v1/audit/export", s.handleAuditExport)
	mux.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("POST /v1/audit/seal", s.handleAuditSeal)

	mux.HandleFunc("GET /v1/traces", s.handleListTraces)
	mux.HandleFunc("GET /v1/traces/{id}", s.handleGetTrace)

	mux.HandleFunc("POST /v1/policies", s.handleUpsertPolicy)
	mux.HandleFunc("GET /v1/policies", s.handleListPolicies)
	mux.HandleFunc("POST /v1/policies/evaluate", s.handleEvaluatePolicy)

	mux.HandleFunc("POST /v1/adapters", s.handleUpsertAdapter)
	mux.HandleFunc("GET /v1/adapters", s.handleListAdapters)
	mux.HandleFunc("POST /v1/adapters/{id}/disable", s.handleDisableAdapter)
	mux.HandleFunc("POST /v1/adapters/{id}/keys", s.handleSetAdapterKey)
	mux.HandleFunc("POST /v1/adapters/{id}/keys/revoke", s.handleRevokeAdapterKey)

	var handler http.Handler = mux
	handler = AuthMiddleware(s.verifier, s.cfg)(handler)
	handler = MaxBodyMiddleware(s.cfg.MaxPayloadBytes)(handler)
	handler = NewRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).Middleware(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
