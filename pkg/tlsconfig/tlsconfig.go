// Package tlsconfig builds the tls.Config profile applied to both the
// inbound (client-facing) and outbound (upstream-facing) handshakes.
package tlsconfig

import "crypto/tls"

// SSL/TLS protocol versions this gateway will ever negotiate. Nothing
// below TLS 1.2 is reachable: ProfileSecure sets it as the floor.
const (
	VersionTLS12 uint16 = tls.VersionTLS12
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile bounds the TLS versions a handshake may negotiate.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

// ProfileSecure is the only profile the gateway applies, to both the
// inbound leaf handshake and the outbound upstream handshake.
var ProfileSecure = VersionProfile{
	Min:         VersionTLS12,
	Max:         VersionTLS13,
	Description: "TLS 1.2+ - secure and widely compatible",
}

// GetVersionName returns a human-readable name for a negotiated version.
func GetVersionName(version uint16) string {
	switch version {
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// IsVersionDeprecated reports whether version falls below what
// ProfileSecure allows. Always false for anything ProfileSecure itself
// could negotiate; kept as a guard in case a future profile lowers Min.
func IsVersionDeprecated(version uint16) bool {
	return version < VersionTLS12
}

// Cipher suites reachable under ProfileSecure. TLS 1.3 picks its own
// suite unconditionally; CipherSuitesTLS12Secure is the AEAD-only set
// offered when a peer negotiates down to 1.2.
var (
	CipherSuitesTLS13 = []uint16{
		tls.TLS_AES_128_GCM_SHA256,
		tls.TLS_AES_256_GCM_SHA384,
		tls.TLS_CHACHA20_POLY1305_SHA256,
	}

	CipherSuitesTLS12Secure = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	}
)

// GetCipherSuiteName returns a human-readable name for a negotiated
// cipher suite, for structured log output.
func GetCipherSuiteName(suite uint16) string {
	switch suite {
	case tls.TLS_AES_128_GCM_SHA256:
		return "TLS_AES_128_GCM_SHA256"
	case tls.TLS_AES_256_GCM_SHA384:
		return "TLS_AES_256_GCM_SHA384"
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return "TLS_CHACHA20_POLY1305_SHA256"
	case tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:
		return "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"
	case tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:
		return "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384"
	case tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:
		return "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"
	case tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:
		return "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384"
	case tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256:
		return "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256"
	case tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256:
		return "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256"
	default:
		return "Unknown"
	}
}

// ApplyVersionProfile applies profile's version bounds to config.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites sets config's offered cipher suites for the given
// minimum version. TLS 1.3 ignores CipherSuites entirely, so minVersion
// at or above it leaves the field nil.
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	if minVersion >= VersionTLS13 {
		config.CipherSuites = nil
		return
	}
	config.CipherSuites = CipherSuitesTLS12Secure
}
