// Package connectparse reads an HTTP CONNECT request off a raw
// connection and extracts the requested upstream authority.
package connectparse

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/secureproxy/gateway/pkg/constants"
)

// maxRequestBytes bounds how much of a CONNECT request (request line +
// headers, up to and including the terminating blank line) this package
// will read before giving up. A legitimate CONNECT request needs a
// handful of headers at most; this guards against a client that never
// sends CRLFCRLF.
const maxRequestBytes = constants.MaxConnectRequestBytes

// defaultPort is used when the CONNECT authority carries no explicit port.
const defaultPort = 443

// Request is a parsed CONNECT request.
type Request struct {
	// Host is the idna-normalized authority hostname.
	Host string
	// Port is the authority port, defaulted to 443 when absent.
	Port int
	// Headers holds the raw header lines as sent, in order, excluding
	// the request line and the terminating blank line.
	Headers []string
}

// ParseError classifies why a CONNECT request could not be parsed.
type ParseError string

const (
	// ErrNotConnect means the request line's method was not CONNECT.
	ErrNotConnect ParseError = "not_connect"
	// ErrTooLarge means CRLFCRLF was not found within maxRequestBytes,
	// or the stream ended on a line boundary before it was found.
	ErrTooLarge ParseError = "request_too_large"
	// ErrMalformedRequestLine means the request line was empty, did not
	// have exactly three whitespace-separated tokens, or its third token
	// did not start with "HTTP/".
	ErrMalformedRequestLine ParseError = "malformed_request_line"
	// ErrMalformedAuthority means the authority was not a valid
	// host[:port] token.
	ErrMalformedAuthority ParseError = "malformed_authority"
)

func (e ParseError) Error() string { return string(e) }

// Read parses a CONNECT request from r. It reads exactly up through the
// terminating blank line (CRLFCRLF) and no further — any bytes the
// client already pipelined after the request remain unread on r so the
// caller's bufio.Reader (if any) can still see them.
func Read(r *bufio.Reader) (*Request, error) {
	lines, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrMalformedRequestLine
	}

	method, authority, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(method, "CONNECT") {
		return nil, ErrNotConnect
	}

	host, port, err := splitAuthority(authority)
	if err != nil {
		return nil, err
	}

	normalized, err := idna.Lookup.ToASCII(host)
	if err != nil {
		normalized = strings.ToLower(host)
	}

	return &Request{
		Host:    normalized,
		Port:    port,
		Headers: lines[1:],
	}, nil
}

// readHeaderBlock reads lines (without their trailing CRLF/LF) up to and
// including the first blank line, enforcing maxRequestBytes on the total
// bytes consumed including the blank line itself.
func readHeaderBlock(r *bufio.Reader) ([]string, error) {
	var lines []string
	var total int

	for {
		line, err := r.ReadString('\n')
		total += len(line)
		if total > maxRequestBytes {
			return nil, ErrTooLarge
		}
		if err != nil {
			if err == io.EOF && line == "" {
				return nil, ErrTooLarge
			}
			return nil, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			return lines, nil
		}
		lines = append(lines, trimmed)
	}
}

// parseRequestLine splits "METHOD authority HTTP/1.1" into its method
// and authority tokens. Exactly three space-separated fields are
// required; the HTTP-version token is validated but discarded.
func parseRequestLine(line string) (method, authority string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", "", ErrMalformedRequestLine
	}
	if !strings.HasPrefix(fields[2], "HTTP/") {
		return "", "", ErrMalformedRequestLine
	}
	return fields[0], fields[1], nil
}

// splitAuthority splits a CONNECT authority on its LAST colon, so a
// bracketed IPv6 literal like "[::1]:443" or "[::1]" (no port) keeps its
// internal colons. Unbracketed IPv6 literals are not supported: "::1"
// is split at its last colon like any host:port. Absent a port, or when
// the port does not parse as 1-65535, defaultPort is assumed.
func splitAuthority(authority string) (host string, port int, err error) {
	if authority == "" {
		return "", 0, ErrMalformedAuthority
	}

	idx := strings.LastIndex(authority, ":")
	if idx < 0 {
		return stripBrackets(authority), defaultPort, nil
	}

	hostPart := authority[:idx]
	portPart := authority[idx+1:]

	if strings.HasPrefix(authority, "[") && !strings.Contains(hostPart, "]") {
		// The colon we split on lies inside the brackets: a bracketed
		// IPv6 literal with no port, e.g. "[::1]". Anything else that
		// opens a bracket without closing it before the colon is
		// malformed.
		if strings.HasSuffix(authority, "]") {
			return stripBrackets(authority), defaultPort, nil
		}
		return "", 0, ErrMalformedAuthority
	}

	if portPart == "" {
		return stripBrackets(authority), defaultPort, nil
	}

	port, convErr := strconv.Atoi(portPart)
	if convErr != nil || port < 1 || port > 65535 {
		return stripBrackets(hostPart), defaultPort, nil
	}

	return stripBrackets(hostPart), port, nil
}

func stripBrackets(host string) string {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host[1 : len(host)-1]
	}
	return host
}
