package rpc

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyDefaults maps a server-request method (e.g.
// "item/commandExecution/requestApproval") to the fallback payload the
// Request Ledger resolves with once a pending request expires unanswered.
// Authored as YAML on disk so operators can declare fallback decisions
// without touching the env-driven viper config.
type PolicyDefaults map[string]json.RawMessage

// DefaultPolicyPayload is used for any method with no entry in the loaded
// PolicyDefaults (or when no policy file is configured at all).
var DefaultPolicyPayload = json.RawMessage(`{"decision":"reject"}`)

// LoadPolicyDefaults reads a YAML document of method -> fallback decision
// and converts each value to the JSON payload the ledger stores and
// resolves with. An empty path is not an error: it yields an empty map, and
// callers fall back to DefaultPolicyPayload for every method.
func LoadPolicyDefaults(path string) (PolicyDefaults, error) {
	if path == "" {
		return PolicyDefaults{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy defaults %q: %w", path, err)
	}

	var parsed map[string]interface{}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse policy defaults %q: %w", path, err)
	}

	out := make(PolicyDefaults, len(parsed))
	for method, v := range parsed {
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("policy defaults %q: encode %s: %w", path, method, err)
		}
		out[method] = payload
	}
	return out, nil
}

// For looks up the fallback payload for method, falling back to
// DefaultPolicyPayload when the method has no declared policy.
func (p PolicyDefaults) For(method string) json.RawMessage {
	if payload, ok := p[method]; ok {
		return payload
	}
	return DefaultPolicyPayload
}
