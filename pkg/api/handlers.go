package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/AppLetico/clasper/pkg/auth"
	"github.com/AppLetico/clasper/pkg/config"
	"github.com/AppLetico/clasper/pkg/contracts"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/telemetry"
	"github.com/AppLetico/clasper/pkg/tooltoken"
)

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req contracts.ExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	d, err := s.orch.Decide(r.Context(), id, &req)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	if s.obs != nil {
		outcome := "allowed"
		switch {
		case d.RequiresApproval:
			outcome = "requires_approval"
		case !d.Allowed:
			outcome = "blocked"
		}
		s.obs.RecordDecision(r.Context(), id.TenantID, outcome)
	}
	WriteJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	d, err := s.approvals.Get(r.Context(), id.TenantID, r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

type resolveRequest struct {
	Action        string               `json:"action"`
	ReasonCode    contracts.ReasonCode `json:"reason_code"`
	Justification string               `json:"justification"`
}

func (s *Server) handleResolveDecision(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	d, err := s.approvals.Resolve(r.Context(), id, r.PathValue("id"), req.Action, req.ReasonCode, req.Justification)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

type consumeRequest struct {
	DecisionToken string `json:"decision_token"`
}

func (s *Server) handleConsumeDecision(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req consumeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	scope, err := s.approvals.Consume(r.Context(), id.TenantID, r.PathValue("id"), req.DecisionToken)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"granted_scope": scope})
}

type authorizeToolRequest struct {
	ExecutionID string         `json:"execution_id"`
	Tool        string         `json:"tool"`
	Scope       map[string]any `json:"scope"`
	TTLSeconds  int            `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleAuthorizeTool(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req authorizeToolRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if !id.CanUseTool(req.Tool) {
		WriteKind(w, r, errs.KindPermissionDenied, "credential does not allow this tool")
		return
	}

	res, err := s.tooltokens.Issue(r.Context(), &tooltoken.IssueRequest{
		TenantID:    id.TenantID,
		WorkspaceID: id.WorkspaceID,
		AdapterID:   id.Subject,
		ExecutionID: req.ExecutionID,
		Tool:        req.Tool,
		Scope:       req.Scope,
		TTLSeconds:  req.TTLSeconds,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type invokeToolRequest struct {
	Token string `json:"token"`
}

// handleInvokeTool is the tool-call gate: presenting the token consumes
// it. In warn mode a failed token records but authorizes; off skips the
// check entirely.
func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req invokeToolRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	mode := s.cfg.ToolAuthMode
	if mode == config.ModeOff {
		WriteJSON(w, http.StatusOK, map[string]any{"authorized": true, "verified": false, "mode": mode})
		return
	}

	claims, err := s.tooltokens.VerifyAndConsume(r.Context(), id.TenantID, req.Token)
	if err != nil {
		if mode == config.ModeWarn {
			s.logger.Warn("tool token check failed; authorizing in warn mode",
				"tenant_id", id.TenantID, "kind", string(errs.KindOf(err)))
			WriteJSON(w, http.StatusOK, map[string]any{"authorized": true, "verified": false, "mode": mode})
			return
		}
		WriteError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"authorized": true,
		"verified":   true,
		"mode":       mode,
		"tool":       claims.Tool,
		"scope_hash": claims.ScopeHash,
		"jti":        claims.ID,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}

	raw, err := readBody(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	env, err := telemetry.ParseEnvelope(raw)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	receipt, err := s.ingest.Ingest(r.Context(), id.TenantID, env)
	if s.obs != nil && receipt != nil {
		s.obs.RecordIngest(r.Context(), id.TenantID, string(env.PayloadType), receipt.Verified)
	}
	if err != nil {
		// Enforce-mode rejection still carries the receipt body.
		status := StatusFor(err)
		WriteJSON(w, status, receipt)
		return
	}
	WriteJSON(w, http.StatusOK, receipt)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if isBodyTooLarge(err) {
			return errs.Wrap(errs.KindPayloadTooLarge, "request body exceeds limit", err)
		}
		return errs.Wrap(errs.KindSchemaInvalid, "malformed request body", err)
	}
	return nil
}

func parseTimeParam(r *http.Request, key string) *time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &ts
}
