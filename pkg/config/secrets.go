package config

import (
	"crypto/sha256"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// Secret environment variables and the HKDF info strings used when the
// individual secret is absent but CLASPER_MASTER_SECRET is set. Derived
// secrets are stable across restarts for a fixed master secret.
var secretSlots = []struct {
	env  string
	info string
}{
	{"AGENT_JWT_SECRET", "clasper/agent-jwt"},
	{"ADAPTER_JWT_SECRET", "clasper/adapter-jwt"},
	{"DECISION_TOKEN_SECRET", "clasper/decision-token"},
	{"TOOL_TOKEN_SECRET", "clasper/tool-token"},
}

// ErrNoSecrets is returned when neither individual secrets nor a master
// secret are configured.
var ErrNoSecrets = errors.New("config: no token secrets configured (set the *_SECRET variables or CLASPER_MASTER_SECRET)")

func (c *Config) loadSecrets() error {
	master := os.Getenv("CLASPER_MASTER_SECRET")

	out := make([][]byte, len(secretSlots))
	for i, slot := range secretSlots {
		if v := os.Getenv(slot.env); v != "" {
			out[i] = []byte(v)
			continue
		}
		if master == "" {
			return ErrNoSecrets
		}
		derived, err := deriveSecret([]byte(master), slot.info)
		if err != nil {
			return err
		}
		out[i] = derived
	}

	c.AgentJWTSecret = out[0]
	c.AdapterJWTSecret = out[1]
	c.DecisionTokenSecret = out[2]
	c.ToolTokenSecret = out[3]
	return nil
}

func deriveSecret(master []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
