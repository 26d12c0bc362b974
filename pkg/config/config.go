// Package config loads the gateway's policy configuration file into a
// policy.Snapshot.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	gwerrors "github.com/secureproxy/gateway/pkg/errors"
	"github.com/secureproxy/gateway/pkg/policy"
	"golang.org/x/net/idna"
)

// document mirrors the on-disk JSON shape described in spec.md §6.
// Unknown fields are ignored by encoding/json's default behavior.
type document struct {
	Mode         string       `json:"mode"`
	AllowedRules []ruleRecord `json:"allowed_rules"`
}

type ruleRecord struct {
	Host         string   `json:"host"`
	AllowedPaths []string `json:"allowed_paths"`
}

// Load reads the JSON document at path and returns the corresponding
// policy.Snapshot. A missing file is not an error: it yields
// {Monitor, no rules}. Malformed JSON or an unrecognized mode value is
// ConfigInvalid and fatal at bootstrap.
func Load(path string) (*policy.Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &policy.Snapshot{Mode: policy.Monitor}, nil
	}
	if err != nil {
		return nil, gwerrors.NewConfigError("config-read", "failed to read config file", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, gwerrors.NewConfigError("config-parse", "config file is not valid JSON", err)
	}

	mode, err := parseMode(doc.Mode)
	if err != nil {
		return nil, err
	}

	rules := make([]policy.HostRule, 0, len(doc.AllowedRules))
	for i, r := range doc.AllowedRules {
		if strings.TrimSpace(r.Host) == "" {
			return nil, gwerrors.NewValidationError(fmt.Sprintf("allowed_rules[%d].host is empty", i))
		}
		host := normalizeHost(r.Host)
		rules = append(rules, policy.HostRule{
			Host:         host,
			AllowedPaths: r.AllowedPaths,
		})
	}

	return &policy.Snapshot{Mode: mode, Rules: rules}, nil
}

func parseMode(raw string) (policy.Mode, error) {
	if raw == "" {
		return policy.Monitor, nil
	}
	switch strings.ToLower(raw) {
	case "monitor":
		return policy.Monitor, nil
	case "enforce":
		return policy.Enforce, nil
	default:
		return 0, gwerrors.NewConfigError("config-parse", "unrecognized mode: "+raw, nil)
	}
}

func normalizeHost(host string) string {
	normalized, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return strings.ToLower(host)
	}
	return normalized
}
