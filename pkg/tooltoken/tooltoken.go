// Package tooltoken mints and consumes the short-lived, single-use
// authorization tokens that gate sensitive tool invocations. The token
// envelope is a signed JWT; the authoritative single-use state is the
// tool_tokens row, consumed by one conditional update.
package tooltoken

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/canonicalize"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/store"
)

// DefaultTTL bounds a token's life when the caller does not specify one.
const DefaultTTL = 5 * time.Minute

// IssueRequest describes the invocation being authorized.
type IssueRequest struct {
	TenantID    string         `json:"tenant_id"`
	WorkspaceID string         `json:"workspace_id"`
	AdapterID   string         `json:"adapter_id"`
	ExecutionID string         `json:"execution_id"`
	Tool        string         `json:"tool"`
	Scope       map[string]any `json:"scope"`
	TTLSeconds  int            `json:"ttl_seconds,omitempty"`
}

// IssueResult is returned once the row insertion has completed.
type IssueResult struct {
	Token     string    `json:"token"`
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
	ScopeHash string    `json:"scope_hash"`
}

// Claims is the signed claim set carried by a tool token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	AdapterID   string `json:"adapter_id"`
	ExecutionID string `json:"execution_id"`
	Tool        string `json:"tool"`
	ScopeHash   string `json:"scope_hash"`
}

// Service issues, verifies, and consumes tool tokens.
type Service struct {
	db     *sql.DB
	secret []byte
	audit  *audit.Log
}

// NewService creates the service. The audit log is required: every
// issue and consume is evidenced.
func NewService(db *sql.DB, secret []byte, auditLog *audit.Log) *Service {
	return &Service{db: db, secret: secret, audit: auditLog}
}

// Issue mints a token. The row insert completes before the token is
// returned; a token that cannot be persisted is never handed out.
func (s *Service) Issue(ctx context.Context, req *IssueRequest) (*IssueResult, error) {
	if req.TenantID == "" || req.AdapterID == "" || req.ExecutionID == "" || req.Tool == "" {
		return nil, errs.New(errs.KindSchemaInvalid, "issue requires tenant_id, adapter_id, execution_id and tool")
	}

	ttl := DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	scopeHash, err := canonicalize.PrefixedHashJSON(req.Scope)
	if err != nil {
		return nil, errs.Wrap(errs.KindSchemaInvalid, "scope is not hashable", err)
	}

	// UUIDv7: time-sorted jtis keep the unique index append-friendly.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "jti generation failed", err)
	}
	jti := id.String()

	now := time.Now().UTC()
	expires := now.Add(ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		TenantID:    req.TenantID,
		WorkspaceID: req.WorkspaceID,
		AdapterID:   req.AdapterID,
		ExecutionID: req.ExecutionID,
		Tool:        req.Tool,
		ScopeHash:   scopeHash,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "token signing failed", err)
	}

	err = store.WithRetry(ctx, store.DefaultRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tool_tokens (jti, tenant_id, adapter_id, execution_id, tool, scope_hash, issued_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			jti, req.TenantID, req.AdapterID, req.ExecutionID, req.Tool, scopeHash,
			now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return nil, err
	}

	// Audit failure is a hard error: a token the chain never saw must
	// not reach the adapter.
	if _, err := s.audit.Append(ctx, req.TenantID, audit.EventToolTokenIssued, "adapter:"+req.AdapterID, &jti, map[string]any{
		"tool":         req.Tool,
		"execution_id": req.ExecutionID,
		"scope_hash":   scopeHash,
		"expires_at":   expires.Format(time.RFC3339Nano),
	}); err != nil {
		return nil, err
	}

	return &IssueResult{Token: token, JTI: jti, ExpiresAt: expires, ScopeHash: scopeHash}, nil
}

// Verify checks signature and expiry, then confirms the backing row
// still exists within the caller's tenant. Expired tokens fail even if
// unused.
func (s *Service) Verify(ctx context.Context, tenantID, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.Newf(errs.KindInvalidSignature, "unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.Wrap(errs.KindToolTokenExpired, "tool token expired", err)
		}
		return nil, errs.Wrap(errs.KindInvalidToolToken, "tool token rejected", err)
	}
	if !token.Valid {
		return nil, errs.New(errs.KindInvalidToolToken, "tool token rejected")
	}
	if claims.TenantID != tenantID {
		return nil, errs.New(errs.KindInvalidToolToken, "tool token tenant mismatch")
	}

	var usedAt sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT used_at FROM tool_tokens WHERE jti = ? AND tenant_id = ?`,
		claims.ID, tenantID).Scan(&usedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindInvalidToolToken, "tool token not on record")
	}
	if err != nil {
		return nil, store.Classify(err)
	}
	if usedAt.Valid {
		return nil, errs.New(errs.KindToolTokenUsed, "tool token already consumed")
	}
	return claims, nil
}

// Consume transitions used_at from null exactly once. One conditional
// statement; concurrent consumers get exactly one winner.
func (s *Service) Consume(ctx context.Context, tenantID, jti string) (bool, error) {
	var consumed bool
	err := store.WithRetry(ctx, store.DefaultRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tool_tokens SET used_at = ?
			WHERE jti = ? AND tenant_id = ? AND used_at IS NULL`,
			time.Now().UTC().Format(time.RFC3339Nano), jti, tenantID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		consumed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if consumed {
		// The token is already burned at this point; surfacing the
		// failure keeps the caller fail-closed rather than acting on an
		// unevidenced consumption.
		if _, err := s.audit.Append(ctx, tenantID, audit.EventToolTokenConsumed, "system", &jti, map[string]any{
			"jti": jti,
		}); err != nil {
			return false, err
		}
	}
	return consumed, nil
}

// VerifyAndConsume is the tool-call path: verify then consume in one
// call, failing with tool_token_used when another caller won the race.
func (s *Service) VerifyAndConsume(ctx context.Context, tenantID, tokenStr string) (*Claims, error) {
	claims, err := s.Verify(ctx, tenantID, tokenStr)
	if err != nil {
		return nil, err
	}
	ok, err := s.Consume(ctx, tenantID, claims.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.KindToolTokenUsed, "tool token already consumed")
	}
	return claims, nil
}
