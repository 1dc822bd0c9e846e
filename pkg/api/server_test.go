package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AppLetico/clasper/pkg/approval"
	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/auth"
	"github.com/AppLetico/clasper/pkg/budget"
	"github.com/AppLetico/clasper/pkg/config"
	"github.com/AppLetico/clasper/pkg/contracts"
	"github.com/AppLetico/clasper/pkg/decision"
	"github.com/AppLetico/clasper/pkg/policy"
	"github.com/AppLetico/clasper/pkg/registry"
	"github.com/AppLetico/clasper/pkg/risk"
	"github.com/AppLetico/clasper/pkg/store"
	"github.com/AppLetico/clasper/pkg/telemetry"
	"github.com/AppLetico/clasper/pkg/tooltoken"
	"github.com/AppLetico/clasper/pkg/trace"
)

const (
	adapterSecret = "adapter-secret"
	agentSecret   = "agent-secret"
)

type env struct {
	ts  *httptest.Server
	reg *registry.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		Environment:            "test",
		AgentJWTSecret:         []byte(agentSecret),
		AdapterJWTSecret:       []byte(adapterSecret),
		DecisionTokenSecret:    []byte("decision-secret"),
		ToolTokenSecret:        []byte("tool-secret"),
		TelemetrySignatureMode: config.ModeEnforce,
		TelemetryMaxSkew:       300 * time.Second,
		ToolAuthMode:           config.ModeEnforce,
		GrantTTL:               15 * time.Minute,
		ApprovalTTL:            time.Hour,
		MaxSteps:               16,
		SafetyFactor:           2.0,
		MaxPayloadBytes:        1 << 20,
		RateLimitRPS:           1000,
		RateLimitBurst:         1000,
		StoreRetries:           5,
	}

	log := audit.NewLog(db, 5)
	reg := registry.NewStore(db)
	pol, err := policy.NewStore(db)
	require.NoError(t, err)
	traces := trace.NewStore(db)
	budgets := budget.NewSQLiteStore(db)
	approvals := approval.NewService(db, approval.NewTokenMinter(cfg.DecisionTokenSecret), log, nil, cfg.ApprovalTTL, cfg.GrantTTL)
	tokens := tooltoken.NewService(db, cfg.ToolTokenSecret, log)
	orch := decision.NewOrchestrator(reg, risk.NewScorer(risk.Weights{}), pol, approvals, budgets, log, decision.Config{
		GrantTTL: cfg.GrantTTL, MaxSteps: cfg.MaxSteps, SafetyFactor: cfg.SafetyFactor,
	})
	ingest := telemetry.NewService(db, reg, traces, log, budgets, telemetry.NewSQLDeduper(db), nil,
		func(string) config.EnforcementMode { return cfg.TelemetrySignatureMode },
		cfg.TelemetryMaxSkew, slog.Default())
	verifier := &auth.Verifier{AdapterSecret: cfg.AdapterJWTSecret, BackendSecret: cfg.AgentJWTSecret}

	srv := NewServer(cfg, verifier, orch, approvals, tokens, ingest, log, traces, pol, reg, nil, nil, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	require.NoError(t, reg.Upsert(context.Background(), &registry.Registration{
		TenantID: "t1", AdapterID: "a1", Version: "1.0.0",
		RiskClass: registry.RiskLow, Capabilities: []string{"llm", "shell.exec"}, Enabled: true,
	}))
	return &env{ts: ts, reg: reg}
}

func mintToken(t *testing.T, secret, tenant string, roles ...string) string {
	t.Helper()
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a1",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant,
		Roles:    roles,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (e *env) do(t *testing.T, method, path, credential, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Clasper-Credential", credential)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_Unauthenticated(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/v1/executions/decide", "", "", map[string]any{})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestServer_HealthIsPublic(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/health", "", "", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_DecideAllow(t *testing.T) {
	e := newEnv(t)
	token := mintToken(t, adapterSecret, "t1")

	resp := e.do(t, http.MethodPost, "/v1/executions/decide", "adapter", token, &contracts.ExecutionRequest{
		ExecutionID:           "exec-1",
		AdapterID:             "a1",
		RequestedCapabilities: []string{"llm"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	d := decodeBody[contracts.ExecutionDecision](t, resp)
	assert.True(t, d.Allowed)
	require.NotNil(t, d.GrantedScope)
	assert.Equal(t, 1.0, d.GrantedScope.MaxCost)
}

func TestServer_ApprovalFlow(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Upsert(context.Background(), &registry.Registration{
		TenantID: "t1", AdapterID: "hot", Version: "1.0.0",
		RiskClass: registry.RiskHigh, Capabilities: []string{"llm"}, Enabled: true,
	}))

	adapterTok := mintToken(t, adapterSecret, "t1")
	resp := e.do(t, http.MethodPost, "/v1/executions/decide", "adapter", adapterTok, &contracts.ExecutionRequest{
		ExecutionID:           "exec-2",
		AdapterID:             "hot",
		RequestedCapabilities: []string{"llm"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decodeBody[contracts.ExecutionDecision](t, resp)
	require.True(t, d.RequiresApproval)

	// Consume before approval conflicts.
	resp = e.do(t, http.MethodPost, "/v1/decisions/"+d.DecisionID+"/consume", "adapter", adapterTok,
		map[string]string{"decision_token": d.DecisionToken})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// Approve as backend operator with the approver role.
	opTok := mintToken(t, agentSecret, "t1", "approver")
	resp = e.do(t, http.MethodPost, "/v1/decisions/"+d.DecisionID+"/resolve", "backend", opTok, map[string]any{
		"action":        "approve",
		"reason_code":   "ops_override",
		"justification": "manually reviewed and safe",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Now consume succeeds.
	resp = e.do(t, http.MethodPost, "/v1/decisions/"+d.DecisionID+"/consume", "adapter", adapterTok,
		map[string]string{"decision_token": d.DecisionToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[map[string]*contracts.ExecutionScope](t, resp)
	assert.Equal(t, []string{"llm"}, out["granted_scope"].Capabilities)
}

func TestServer_ToolTokenFlow(t *testing.T) {
	e := newEnv(t)
	token := mintToken(t, adapterSecret, "t1")

	resp := e.do(t, http.MethodPost, "/v1/tools/authorize", "adapter", token, map[string]any{
		"execution_id": "exec-1",
		"tool":         "shell.exec",
		"scope":        map[string]any{"cwd": "/tmp"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	minted := decodeBody[tooltoken.IssueResult](t, resp)

	resp = e.do(t, http.MethodPost, "/v1/tools/invoke", "adapter", token, map[string]string{"token": minted.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[map[string]any](t, resp)
	assert.Equal(t, true, out["authorized"])

	// Single use: second invoke conflicts.
	resp = e.do(t, http.MethodPost, "/v1/tools/invoke", "adapter", token, map[string]string{"token": minted.Token})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestServer_AdminGating(t *testing.T) {
	e := newEnv(t)
	plain := mintToken(t, agentSecret, "t1")

	resp := e.do(t, http.MethodPost, "/v1/policies", "backend", plain, map[string]any{
		"policy_id": "p1",
		"subject":   map[string]string{"type": "adapter"},
		"effect":    "deny",
		"enabled":   true,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	admin := mintToken(t, agentSecret, "t1", "admin")
	resp = e.do(t, http.MethodPost, "/v1/policies", "backend", admin, map[string]any{
		"policy_id": "p1",
		"subject":   map[string]string{"type": "adapter"},
		"effect":    "deny",
		"enabled":   true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Policy change was audited.
	resp = e.do(t, http.MethodGet, "/v1/audit?event_type=policy_change", "backend", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]*audit.Entry](t, resp)
	assert.Len(t, body["entries"], 1)
}

func TestServer_AuditVerifyEndpoint(t *testing.T) {
	e := newEnv(t)
	token := mintToken(t, adapterSecret, "t1")

	resp := e.do(t, http.MethodPost, "/v1/executions/decide", "adapter", token, &contracts.ExecutionRequest{
		ExecutionID:           "exec-1",
		AdapterID:             "a1",
		RequestedCapabilities: []string{"llm"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/v1/audit/verify", "adapter", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[audit.Report](t, resp)
	assert.True(t, report.OK)
	assert.Equal(t, int64(1), report.Entries)
}

func TestServer_TenantIsolationOnDecisions(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Upsert(context.Background(), &registry.Registration{
		TenantID: "t1", AdapterID: "hot", Version: "1.0.0",
		RiskClass: registry.RiskHigh, Capabilities: []string{"llm"}, Enabled: true,
	}))

	tok1 := mintToken(t, adapterSecret, "t1")
	resp := e.do(t, http.MethodPost, "/v1/executions/decide", "adapter", tok1, &contracts.ExecutionRequest{
		ExecutionID: "exec-1", AdapterID: "hot", RequestedCapabilities: []string{"llm"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decodeBody[contracts.ExecutionDecision](t, resp)

	tok2 := mintToken(t, adapterSecret, "t2")
	resp = e.do(t, http.MethodGet, "/v1/decisions/"+d.DecisionID, "adapter", tok2, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestServer_PayloadTooLarge(t *testing.T) {
	e := newEnv(t)
	token := mintToken(t, adapterSecret, "t1")

	big := bytes.Repeat([]byte("x"), 2<<20)
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/v1/telemetry/ingest", bytes.NewReader(big))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Clasper-Credential", "adapter")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
