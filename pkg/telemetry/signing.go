package telemetry

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"

	"github.com/AppLetico/clasper/pkg/canonicalize"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/identity"
)

// SigningInput is the canonical JSON of the envelope with the payload
// field omitted: the sorted set {envelope_version, adapter_id,
// adapter_version, issued_at, execution_id, trace_id, payload_type,
// payload_hash}.
func SigningInput(env *Envelope) ([]byte, error) {
	return canonicalize.Canonical(map[string]any{
		"envelope_version": env.EnvelopeVersion,
		"adapter_id":       env.AdapterID,
		"adapter_version":  env.AdapterVersion,
		"issued_at":        env.IssuedAt,
		"execution_id":     env.ExecutionID,
		"trace_id":         env.TraceID,
		"payload_type":     string(env.PayloadType),
		"payload_hash":     env.PayloadHash,
	})
}

// VerifySignature checks env.Signature over the signing input under the
// declared key algorithm. Ed25519 is pure Ed25519 over the input bytes;
// ES256 is ECDSA-SHA256 with a JOSE-style r||s signature.
func VerifySignature(env *Envelope, algorithm string, publicKey any) error {
	input, err := SigningInput(env)
	if err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "signing input not canonicalizable", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(env.Signature)
	if err != nil {
		return errs.Wrap(errs.KindInvalidSignature, "signature is not base64url", err)
	}

	switch algorithm {
	case identity.AlgEd25519:
		pub, ok := publicKey.(ed25519.PublicKey)
		if !ok {
			return errs.New(errs.KindUnsupportedAlgorithm, "key is not ed25519")
		}
		if !ed25519.Verify(pub, input, sig) {
			return errs.New(errs.KindInvalidSignature, "envelope signature verification failed")
		}
		return nil

	case identity.AlgES256:
		pub, ok := publicKey.(*ecdsa.PublicKey)
		if !ok {
			return errs.New(errs.KindUnsupportedAlgorithm, "key is not ECDSA P-256")
		}
		if len(sig) != 64 {
			return errs.New(errs.KindInvalidSignature, "ES256 signature must be 64 bytes r||s")
		}
		digest := sha256.Sum256(input)
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		if !ecdsa.Verify(pub, digest[:], r, s) {
			return errs.New(errs.KindInvalidSignature, "envelope signature verification failed")
		}
		return nil

	default:
		return errs.Newf(errs.KindUnsupportedAlgorithm, "unsupported signature algorithm %q", algorithm)
	}
}

// SignEd25519 fills env.Signature. Adapter SDKs and tests use it; the
// server only verifies.
func SignEd25519(env *Envelope, priv ed25519.PrivateKey) error {
	input, err := SigningInput(env)
	if err != nil {
		return err
	}
	env.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, input))
	return nil
}

// SignES256 fills env.Signature with a JOSE-style r||s signature.
func SignES256(env *Envelope, priv *ecdsa.PrivateKey) error {
	input, err := SigningInput(env)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(input)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	env.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return nil
}
