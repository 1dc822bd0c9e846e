package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AppLetico/clasper/pkg/errs"
)

func TestParsePublicKey_Ed25519RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	doc, err := json.Marshal(FromEd25519(pub, "k1"))
	require.NoError(t, err)

	parsed, err := ParsePublicKey(AlgEd25519, doc)
	require.NoError(t, err)
	assert.Equal(t, pub, parsed.(ed25519.PublicKey))
}

func TestParsePublicKey_ES256RoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	doc, err := json.Marshal(FromECDSAP256(&priv.PublicKey, "k2"))
	require.NoError(t, err)

	parsed, err := ParsePublicKey(AlgES256, doc)
	require.NoError(t, err)
	got := parsed.(*ecdsa.PublicKey)
	assert.Equal(t, 0, priv.PublicKey.X.Cmp(got.X))
	assert.Equal(t, 0, priv.PublicKey.Y.Cmp(got.Y))
}

func TestParsePublicKey_AlgorithmMismatch(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	doc, err := json.Marshal(FromEd25519(pub, "k1"))
	require.NoError(t, err)

	_, err = ParsePublicKey(AlgES256, doc)
	require.Error(t, err)
	assert.Equal(t, errs.KindSchemaInvalid, errs.KindOf(err))
}

func TestParsePublicKey_UnsupportedAlgorithm(t *testing.T) {
	_, err := ParsePublicKey("RS256", []byte(`{"kty":"RSA"}`))
	require.Error(t, err)
	assert.Equal(t, errs.KindUnsupportedAlgorithm, errs.KindOf(err))
}

func TestParsePublicKey_WrongKeySize(t *testing.T) {
	doc := []byte(`{"kty":"OKP","crv":"Ed25519","x":"AAAA"}`)
	_, err := ParsePublicKey(AlgEd25519, doc)
	require.Error(t, err)
}
