// Package policy implements the gateway's host and path allow-list
// evaluation against an immutable, atomically-swappable snapshot.
package policy

import "strings"

// Mode selects whether denied traffic is actually blocked.
type Mode int

const (
	// Monitor observes but never denies; mints certs and MITMs exactly
	// as Enforce would, it just never returns allowed=false.
	Monitor Mode = iota
	// Enforce applies the host/path allow-list for real.
	Enforce
)

func (m Mode) String() string {
	if m == Enforce {
		return "enforce"
	}
	return "monitor"
}

// HostRule gates one host (matched by exact value or by subdomain
// suffix) and, optionally, a set of allowed path prefixes.
type HostRule struct {
	Host string
	// AllowedPaths empty means any path under Host is allowed.
	AllowedPaths []string
}

// matches reports whether candidate equals Host or is a subdomain of it
// (candidate ends with "." + Host).
func (r HostRule) matches(candidate string) bool {
	return candidate == r.Host || strings.HasSuffix(candidate, "."+r.Host)
}

// Snapshot is an immutable policy state: a mode plus an ordered rule
// set. Once built it is never mutated — a reload replaces the pointer
// a dispatcher holds, it never edits fields in place.
type Snapshot struct {
	Mode  Mode
	Rules []HostRule
}

// Reason classifies why a Decision came out the way it did.
type Reason string

const (
	ReasonMonitorMode    Reason = "MonitorMode"
	ReasonHostAllowed    Reason = "HostAllowed"
	ReasonHostMatch      Reason = "HostMatch"
	ReasonPathMatch      Reason = "PathMatch"
	ReasonHostNotAllowed Reason = "HostNotAllowed"
	ReasonPathNotAllowed Reason = "PathNotAllowed"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// CheckHost evaluates the CONNECT-gate (or SNI-gate) decision for host.
func CheckHost(snapshot *Snapshot, host string) Decision {
	if snapshot.Mode == Monitor {
		return Decision{Allowed: true, Reason: ReasonMonitorMode}
	}

	if _, ok := firstMatch(snapshot, host); ok {
		return Decision{Allowed: true, Reason: ReasonHostAllowed}
	}
	return Decision{Allowed: false, Reason: ReasonHostNotAllowed}
}

// CheckRequest evaluates the first-HTTP-request-gate decision for host
// and path. Path matching is byte-exact: no case-folding, URL-decoding,
// or trailing-slash normalization — the policy is authored against the
// exact bytes a client sends.
func CheckRequest(snapshot *Snapshot, host, path string) Decision {
	if snapshot.Mode == Monitor {
		return Decision{Allowed: true, Reason: ReasonMonitorMode}
	}

	rule, ok := firstMatch(snapshot, host)
	if !ok {
		return Decision{Allowed: false, Reason: ReasonHostNotAllowed}
	}

	if len(rule.AllowedPaths) == 0 {
		return Decision{Allowed: true, Reason: ReasonHostMatch}
	}

	for _, prefix := range rule.AllowedPaths {
		if strings.HasPrefix(path, prefix) {
			return Decision{Allowed: true, Reason: ReasonPathMatch}
		}
	}
	return Decision{Allowed: false, Reason: ReasonPathNotAllowed}
}

// firstMatch returns the first rule (in snapshot's insertion order)
// whose host matches candidate.
func firstMatch(snapshot *Snapshot, candidate string) (HostRule, bool) {
	for _, rule := range snapshot.Rules {
		if rule.matches(candidate) {
			return rule, true
		}
	}
	return HostRule{}, false
}
