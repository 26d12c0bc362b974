// Package constants centralizes the magic numbers and default values
// used throughout the gateway, so a single place documents the
// framing ceilings and timeouts every connection is bound by.
package constants

import "time"

// Connection timeouts.
const (
	// DialTimeout bounds the outbound TCP dial to the upstream host.
	DialTimeout = 10 * time.Second
	// HandshakeTimeout bounds both the inbound and outbound TLS
	// handshakes.
	HandshakeTimeout = 10 * time.Second
)

// Framing ceilings.
const (
	// MaxConnectRequestBytes bounds how much of the CONNECT request
	// line and headers the CONNECT parser will read before giving up.
	MaxConnectRequestBytes = 4096
	// MaxSNIPeekBytes bounds how much of a peeked ClientHello the SNI
	// discovery step will read.
	MaxSNIPeekBytes = 4096
	// FirstRequestBufSize bounds the single read used to capture the
	// first plaintext HTTP request after the outbound handshake
	// completes.
	FirstRequestBufSize = 8192
)
