package api

import (
	"net/http"
	"strconv"

	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/auth"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/policy"
	"github.com/AppLetico/clasper/pkg/registry"
	"github.com/AppLetico/clasper/pkg/trace"
)

// adminOnly gates mutation of policies and adapter enrollment.
func adminOnly(w http.ResponseWriter, r *http.Request) *auth.Identity {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return nil
	}
	if !id.HasRole("admin") {
		WriteKind(w, r, errs.KindPermissionDenied, "admin role required")
		return nil
	}
	return id
}

// --- Audit ---

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		EventType: q.Get("event_type"),
		Actor:     q.Get("actor"),
		TargetID:  q.Get("target_id"),
		Since:     parseTimeParam(r, "since"),
		Until:     parseTimeParam(r, "until"),
	}
	if v := q.Get("after_seq"); v != "" {
		filter.AfterSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}

	entries, err := s.auditLog.Query(r.Context(), id.TenantID, filter)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	bundle, err := s.auditLog.Export(r.Context(), id.TenantID, audit.Filter{
		Since: parseTimeParam(r, "since"),
		Until: parseTimeParam(r, "until"),
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	report, err := s.auditLog.VerifyChain(r.Context(), id.TenantID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

type sealRequest struct {
	ThroughSeq int64 `json:"through_seq"`
}

func (s *Server) handleAuditSeal(w http.ResponseWriter, r *http.Request) {
	id := adminOnly(w, r)
	if id == nil {
		return
	}
	var req sealRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if err := s.auditLog.SealThrough(r.Context(), s.archive, id.TenantID, req.ThroughSeq); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sealed_through_seq": req.ThroughSeq})
}

// --- Traces ---

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := trace.ListFilter{
		WorkspaceID: q.Get("workspace_id"),
		AdapterID:   q.Get("adapter_id"),
		Since:       parseTimeParam(r, "since"),
		Until:       parseTimeParam(r, "until"),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("has_error"); v != "" {
		b := v == "true"
		filter.HasError = &b
	}

	traces, err := s.traces.List(r.Context(), id.TenantID, filter)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	tr, err := s.traces.Get(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tr)
}

// --- Policies ---

func (s *Server) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	id := adminOnly(w, r)
	if id == nil {
		return
	}
	var p policy.Policy
	if err := decodeJSON(r, &p); err != nil {
		WriteError(w, r, err)
		return
	}
	p.TenantID = id.TenantID
	if err := s.policies.Upsert(r.Context(), &p); err != nil {
		WriteError(w, r, err)
		return
	}
	if _, err := s.auditLog.Append(r.Context(), id.TenantID, audit.EventPolicyChange, "operator:"+id.Subject, &p.PolicyID, map[string]any{
		"policy_id": p.PolicyID,
		"effect":    string(p.Effect),
		"enabled":   p.Enabled,
	}); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, &p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	policies, err := s.policies.List(r.Context(), id.TenantID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"policies": policies, "version": s.policies.Version()})
}

type evaluatePolicyRequest struct {
	WorkspaceID           string                 `json:"workspace_id,omitempty"`
	Environment           string                 `json:"environment,omitempty"`
	Tool                  string                 `json:"tool,omitempty"`
	AdapterID             string                 `json:"adapter_id,omitempty"`
	AdapterRiskClass      string                 `json:"adapter_risk_class,omitempty"`
	SkillID               string                 `json:"skill_id,omitempty"`
	SkillState            string                 `json:"skill_state,omitempty"`
	RiskLevel             string                 `json:"risk_level,omitempty"`
	EstimatedCost         *float64               `json:"estimated_cost,omitempty"`
	RequestedCapabilities []string               `json:"requested_capabilities,omitempty"`
	Intent                string                 `json:"intent,omitempty"`
	Context               *policyContextPayload  `json:"context,omitempty"`
	Provenance            *provenancePayload     `json:"provenance,omitempty"`
}

// handleEvaluatePolicy is the debug/dry-run endpoint: evaluation with no
// side effects.
func (s *Server) handleEvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req evaluatePolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	eval, err := s.policies.Evaluate(r.Context(), req.toContext(id.TenantID))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, eval)
}

// --- Adapters ---

type upsertAdapterRequest struct {
	AdapterID    string             `json:"adapter_id"`
	Version      string             `json:"version"`
	DisplayName  string             `json:"display_name,omitempty"`
	RiskClass    registry.RiskClass `json:"risk_class"`
	Capabilities []string           `json:"capabilities"`
	Enabled      bool               `json:"enabled"`
}

func (s *Server) handleUpsertAdapter(w http.ResponseWriter, r *http.Request) {
	id := adminOnly(w, r)
	if id == nil {
		return
	}
	var req upsertAdapterRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	reg := &registry.Registration{
		TenantID:     id.TenantID,
		AdapterID:    req.AdapterID,
		Version:      req.Version,
		DisplayName:  req.DisplayName,
		RiskClass:    req.RiskClass,
		Capabilities: req.Capabilities,
		Enabled:      req.Enabled,
	}
	if err := s.registry.Upsert(r.Context(), reg); err != nil {
		WriteError(w, r, err)
		return
	}
	if _, err := s.auditLog.Append(r.Context(), id.TenantID, audit.EventAdapterChange, "operator:"+id.Subject, &req.AdapterID, map[string]any{
		"adapter_id": req.AdapterID,
		"version":    req.Version,
		"enabled":    req.Enabled,
		"risk_class": string(req.RiskClass),
	}); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, reg)
}

func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	adapters, err := s.registry.List(r.Context(), id.TenantID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"adapters": adapters})
}

func (s *Server) handleDisableAdapter(w http.ResponseWriter, r *http.Request) {
	id := adminOnly(w, r)
	if id == nil {
		return
	}
	adapterID := r.PathValue("id")
	if err := s.registry.Disable(r.Context(), id.TenantID, adapterID); err != nil {
		WriteError(w, r, err)
		return
	}
	if _, err := s.auditLog.Append(r.Context(), id.TenantID, audit.EventAdapterChange, "operator:"+id.Subject, &adapterID, map[string]any{
		"adapter_id": adapterID,
		"enabled":    false,
	}); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"adapter_id": adapterID, "enabled": false})
}

type setKeyRequest struct {
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"`
	PublicJWK string `json:"public_jwk"`
	KeyID     string `json:"key_id,omitempty"`
}

func (s *Server) handleSetAdapterKey(w http.ResponseWriter, r *http.Request) {
	id := adminOnly(w, r)
	if id == nil {
		return
	}
	var req setKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	key := &registry.TelemetryKey{
		TenantID:  id.TenantID,
		AdapterID: r.PathValue("id"),
		Version:   req.Version,
		KeyID:     req.KeyID,
		Algorithm: req.Algorithm,
		PublicJWK: req.PublicJWK,
	}
	if err := s.registry.SetTelemetryKey(r.Context(), key); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"key_id": key.KeyID})
}

type revokeKeyRequest struct {
	Version string `json:"version"`
	KeyID   string `json:"key_id"`
}

func (s *Server) handleRevokeAdapterKey(w http.ResponseWriter, r *http.Request) {
	id := adminOnly(w, r)
	if id == nil {
		return
	}
	var req revokeKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if err := s.registry.RevokeTelemetryKey(r.Context(), id.TenantID, r.PathValue("id"), req.Version, req.KeyID); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
