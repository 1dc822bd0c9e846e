package approval

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AppLetico/clasper/pkg/errs"
)

// TokenMinter signs and verifies decision tokens: single-use references
// an adapter presents to consume an approved decision without
// authenticating as the approver.
type TokenMinter struct {
	secret []byte
}

func NewTokenMinter(secret []byte) *TokenMinter {
	return &TokenMinter{secret: secret}
}

type decisionClaims struct {
	jwt.RegisteredClaims
	TenantID   string `json:"tenant_id"`
	DecisionID string `json:"decision_id"`
}

// Mint signs a token bound to the decision and its approval deadline.
func (m *TokenMinter) Mint(tenantID, decisionID string, expiresAt time.Time) (string, error) {
	claims := &decisionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID:   tenantID,
		DecisionID: decisionID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "decision token signing failed", err)
	}
	return token, nil
}

// Verify checks the token binds to the given tenant and decision.
func (m *TokenMinter) Verify(tenantID, decisionID, tokenStr string) error {
	claims := &decisionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.Newf(errs.KindInvalidSignature, "unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return errs.Wrap(errs.KindDecisionExpired, "decision token expired", err)
		}
		return errs.Wrap(errs.KindInvalidSignature, "decision token rejected", err)
	}
	if !token.Valid || claims.TenantID != tenantID || claims.DecisionID != decisionID {
		return errs.New(errs.KindInvalidSignature, "decision token does not bind to this decision")
	}
	return nil
}
