// Package identity handles key material: JWK parsing for telemetry
// verification keys and JWKS retrieval for operator tokens.
package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"math/big"

	"github.com/AppLetico/clasper/pkg/errs"
)

// Algorithm names accepted for telemetry signing keys.
const (
	AlgEd25519 = "ed25519"
	AlgES256   = "ES256"
)

// JWK is the subset of RFC 7517 Clasper consumes.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// ParsePublicKey decodes a JWK document into a verification key for the
// declared algorithm. Only Ed25519 (OKP/Ed25519) and ES256 (EC/P-256)
// are supported.
func ParsePublicKey(algorithm string, jwkJSON []byte) (any, error) {
	var k JWK
	if err := json.Unmarshal(jwkJSON, &k); err != nil {
		return nil, errs.Wrap(errs.KindSchemaInvalid, "malformed JWK", err)
	}
	return k.PublicKey(algorithm)
}

// PublicKey materializes the verification key for the declared algorithm.
func (k *JWK) PublicKey(algorithm string) (any, error) {
	switch algorithm {
	case AlgEd25519:
		if k.Kty != "OKP" || k.Crv != "Ed25519" {
			return nil, errs.Newf(errs.KindSchemaInvalid, "ed25519 key requires kty=OKP crv=Ed25519, got kty=%s crv=%s", k.Kty, k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, errs.Wrap(errs.KindSchemaInvalid, "JWK x is not base64url", err)
		}
		if len(x) != ed25519.PublicKeySize {
			return nil, errs.Newf(errs.KindSchemaInvalid, "ed25519 public key must be %d bytes", ed25519.PublicKeySize)
		}
		return ed25519.PublicKey(x), nil

	case AlgES256:
		if k.Kty != "EC" || k.Crv != "P-256" {
			return nil, errs.Newf(errs.KindSchemaInvalid, "ES256 key requires kty=EC crv=P-256, got kty=%s crv=%s", k.Kty, k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, errs.Wrap(errs.KindSchemaInvalid, "JWK x is not base64url", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, errs.Wrap(errs.KindSchemaInvalid, "JWK y is not base64url", err)
		}
		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			return nil, errs.New(errs.KindSchemaInvalid, "EC point is not on P-256")
		}
		return pub, nil

	default:
		return nil, errs.Newf(errs.KindUnsupportedAlgorithm, "unsupported key algorithm %q", algorithm)
	}
}

// FromEd25519 builds the JWK document for an Ed25519 public key. Used by
// tests and enrollment tooling.
func FromEd25519(pub ed25519.PublicKey, kid string) *JWK {
	return &JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		Kid: kid,
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}

// FromECDSAP256 builds the JWK document for a P-256 public key.
func FromECDSAP256(pub *ecdsa.PublicKey, kid string) *JWK {
	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	x := pub.X.FillBytes(make([]byte, byteLen))
	y := pub.Y.FillBytes(make([]byte, byteLen))
	return &JWK{
		Kty: "EC",
		Crv: "P-256",
		Kid: kid,
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
	}
}
