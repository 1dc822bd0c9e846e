package policy

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bundle is the YAML document loaded from POLICY_PATH at startup.
type Bundle struct {
	Policies []*Policy `yaml:"policies"`
}

// LoadBundle parses a policy bundle file and upserts every rule. Used
// for bootstrap and dev parity; rules behave exactly as if an admin had
// upserted them.
func (s *Store) LoadBundle(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("policy: bundle read failed: %w", err)
	}

	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return 0, fmt.Errorf("policy: bundle parse failed: %w", err)
	}

	for i, p := range bundle.Policies {
		if err := s.Upsert(ctx, p); err != nil {
			return i, fmt.Errorf("policy: bundle rule %d (%s): %w", i, p.PolicyID, err)
		}
	}
	return len(bundle.Policies), nil
}
