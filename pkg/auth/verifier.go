package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/identity"
)

// Claims are the JWT claims Clasper accepts on inbound credentials.
type Claims struct {
	jwt.RegisteredClaims
	TenantID        string   `json:"tenant_id,omitempty"`
	WorkspaceID     string   `json:"workspace_id,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	AgentRole       string   `json:"agent_role,omitempty"`
	Roles           []string `json:"roles,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	AllowedModels   []string `json:"allowed_models,omitempty"`
	AllowedSkills   []string `json:"allowed_skills,omitempty"`
	MaxTokens       *int64   `json:"max_tokens,omitempty"`
	BudgetRemaining *float64 `json:"budget_remaining,omitempty"`
}

// Verifier validates bearer tokens for the three credential types:
// HMAC secrets for adapter and backend tokens, JWKS for operator tokens.
type Verifier struct {
	AdapterSecret []byte
	BackendSecret []byte
	OperatorJWKS  *identity.JWKSCache
	Issuer        string
	Audience      string
}

// Verify validates the token for the given credential type. Mapping the
// X-Clasper-Credential hint onto a type (defaulting to backend) is done
// by CredentialFromHeader.
func (v *Verifier) Verify(ctx context.Context, tokenStr string, cred CredentialType) (*Identity, error) {
	if tokenStr == "" {
		return nil, errs.New(errs.KindMissingToken, "empty bearer token")
	}

	var keyFunc jwt.Keyfunc
	var methods []string
	switch cred {
	case CredentialAdapter:
		keyFunc = hmacKeyFunc(v.AdapterSecret)
		methods = []string{"HS256", "HS384", "HS512"}
	case CredentialBackend:
		keyFunc = hmacKeyFunc(v.BackendSecret)
		methods = []string{"HS256", "HS384", "HS512"}
	case CredentialOperator:
		if v.OperatorJWKS == nil {
			return nil, errs.New(errs.KindMissingToken, "operator identity provider not configured")
		}
		keyFunc = v.OperatorJWKS.KeyFunc(ctx)
		methods = []string{"EdDSA", "ES256", "RS256"}
	default:
		return nil, errs.Newf(errs.KindMissingToken, "unknown credential type %q", cred)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if v.Issuer != "" && cred == CredentialOperator {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" && cred == CredentialOperator {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !token.Valid {
		return nil, errs.New(errs.KindInvalidSignature, "token rejected")
	}
	if claims.TenantID == "" {
		return nil, errs.New(errs.KindMissingTenant, "token lacks tenant_id claim")
	}

	return &Identity{
		Credential:      cred,
		Subject:         claims.Subject,
		TenantID:        claims.TenantID,
		WorkspaceID:     claims.WorkspaceID,
		UserID:          claims.UserID,
		AgentRole:       claims.AgentRole,
		Roles:           claims.Roles,
		AllowedTools:    claims.AllowedTools,
		AllowedModels:   claims.AllowedModels,
		AllowedSkills:   claims.AllowedSkills,
		MaxTokens:       claims.MaxTokens,
		BudgetRemaining: claims.BudgetRemaining,
	}, nil
}

func hmacKeyFunc(secret []byte) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.Newf(errs.KindInvalidSignature, "unexpected signing method %v", token.Header["alg"])
		}
		if len(secret) == 0 {
			return nil, errs.New(errs.KindMissingToken, "credential secret not configured")
		}
		return secret, nil
	}
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return errs.Wrap(errs.KindTokenExpired, "token expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errs.Wrap(errs.KindInvalidSignature, "signature verification failed", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return errs.Wrap(errs.KindInvalidSignature, "malformed token", err)
	default:
		var ce *errs.Error
		if errors.As(err, &ce) {
			return ce
		}
		return errs.Wrap(errs.KindInvalidSignature, "token validation failed", err)
	}
}

// CredentialFromHeader maps the X-Clasper-Credential header value onto a
// CredentialType, defaulting to backend.
func CredentialFromHeader(v string) CredentialType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "adapter":
		return CredentialAdapter
	case "operator":
		return CredentialOperator
	default:
		return CredentialBackend
	}
}
