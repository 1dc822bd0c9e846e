package telemetry

import (
	"github.com/AppLetico/clasper/pkg/identity"
	"github.com/AppLetico/clasper/pkg/registry"
)

func parseKey(key *registry.TelemetryKey) (any, error) {
	return identity.ParsePublicKey(key.Algorithm, []byte(key.PublicJWK))
}
