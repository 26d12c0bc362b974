// Package sni extracts the Server Name Indication hostname from a raw TLS
// ClientHello record without consuming it from the underlying stream.
package sni

import (
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// ParseError classifies why ClientHello extraction failed.
type ParseError string

const (
	// ErrNotTLSHandshake means the first byte of the buffer is not a TLS
	// handshake record (0x16).
	ErrNotTLSHandshake ParseError = "not_tls_handshake"
	// ErrIncompleteHello means the caller has not yet peeked enough bytes
	// to contain the full record (or the full ClientHello within it).
	ErrIncompleteHello ParseError = "incomplete_hello"
	// ErrNoSNIExtension means the ClientHello parsed cleanly but carried
	// no server_name extension.
	ErrNoSNIExtension ParseError = "no_sni_extension"
	// ErrMalformedExtension means a length-prefixed field under-ran its
	// declared size at some point during the walk.
	ErrMalformedExtension ParseError = "malformed_extension"
)

func (e ParseError) Error() string { return string(e) }

// recordHeaderLen is the size of a TLS record header: 1 byte content
// type, 2 bytes legacy version, 2 bytes length.
const recordHeaderLen = 5

// sniExtensionType is the TLS extension type for server_name (RFC 6066).
const sniExtensionType = 0x0000

// hostNameType is the server_name_list name_type for a DNS hostname.
const hostNameType = 0x00

// ParseHostname extracts the SNI hostname from buf, which must hold bytes
// peeked (not consumed) from the start of a client's TLS connection. It
// never mutates or retains buf, and never advances any read cursor —
// callers are expected to have obtained buf via a non-consuming peek.
//
// The returned hostname is idna-normalized (lowercased, Punycode-encoded
// if non-ASCII) so later host comparisons never have to repeat case or
// Unicode handling.
func ParseHostname(buf []byte) (string, error) {
	raw, err := parseHostname(buf)
	if err != nil {
		return "", err
	}
	normalized, err := idna.Lookup.ToASCII(raw)
	if err != nil {
		// Not a valid DNS name under IDNA rules; fall back to the raw
		// bytes so callers still see exactly what the client sent ("the
		// first host_name as UTF-8; reject non-UTF-8" is the only hard
		// requirement — idna normalization is an enhancement, not a gate).
		return raw, nil
	}
	return normalized, nil
}

func parseHostname(buf []byte) (string, error) {
	if len(buf) < recordHeaderLen {
		return "", ErrIncompleteHello
	}
	if buf[0] != 0x16 {
		return "", ErrNotTLSHandshake
	}

	recordLen := int(buf[3])<<8 | int(buf[4])
	if len(buf) < recordHeaderLen+recordLen {
		return "", ErrIncompleteHello
	}

	body := buf[recordHeaderLen : recordHeaderLen+recordLen]
	return parseClientHello(body)
}

// parseClientHello walks the handshake message layout described in
// spec.md §4.1 step 2 onward. body is the record payload (post record
// header), which for a ClientHello is exactly one handshake message.
func parseClientHello(body []byte) (string, error) {
	if len(body) < 4 {
		return "", ErrIncompleteHello
	}
	if body[0] != 0x01 { // ClientHello
		return "", ErrNotTLSHandshake
	}

	helloLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	if len(body) < 4+helloLen {
		return "", ErrIncompleteHello
	}
	hello := body[4 : 4+helloLen]

	r := &cursor{buf: hello}

	// legacy_version (2) + random (32)
	if !r.skip(34) {
		return "", ErrMalformedExtension
	}

	// session_id: u8 length prefix
	if _, ok := r.lenPrefixedU8(); !ok {
		return "", ErrMalformedExtension
	}

	// cipher_suites: u16 length prefix
	if _, ok := r.lenPrefixedU16(); !ok {
		return "", ErrMalformedExtension
	}

	// compression_methods: u8 length prefix
	if _, ok := r.lenPrefixedU8(); !ok {
		return "", ErrMalformedExtension
	}

	if r.remaining() == 0 {
		// No extensions block at all: pre-TLS1.2-style ClientHello.
		return "", ErrNoSNIExtension
	}

	extensions, ok := r.lenPrefixedU16()
	if !ok {
		return "", ErrMalformedExtension
	}

	return findSNI(extensions)
}

// findSNI iterates {type:u16, len:u16, data:len} extension records.
func findSNI(extensions []byte) (string, error) {
	e := &cursor{buf: extensions}
	for e.remaining() > 0 {
		extType, ok := e.u16()
		if !ok {
			return "", ErrMalformedExtension
		}
		extData, ok := e.lenPrefixedU16()
		if !ok {
			return "", ErrMalformedExtension
		}
		if extType == sniExtensionType {
			return parseSNIExtension(extData)
		}
	}
	return "", ErrNoSNIExtension
}

// parseSNIExtension reads the server_name extension payload: a u16 list
// length followed by {name_type:u8, name_len:u16, name:name_len} entries.
// Only the first host_name entry is returned, per spec.md §4.1 step 5.
func parseSNIExtension(data []byte) (string, error) {
	e := &cursor{buf: data}
	list, ok := e.lenPrefixedU16()
	if !ok {
		return "", ErrMalformedExtension
	}

	l := &cursor{buf: list}
	for l.remaining() > 0 {
		nameType, ok := l.u8()
		if !ok {
			return "", ErrMalformedExtension
		}
		name, ok := l.lenPrefixedU16()
		if !ok {
			return "", ErrMalformedExtension
		}
		if nameType == hostNameType {
			if !utf8.Valid(name) {
				return "", ErrMalformedExtension
			}
			return string(name), nil
		}
	}
	return "", ErrNoSNIExtension
}

// cursor walks a byte slice with bounds-checked reads; every advance is
// preceded by a length check so an under-run surfaces as a bool false
// rather than a panic or silent overread.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) skip(n int) bool {
	if c.remaining() < n {
		return false
	}
	c.pos += n
	return true
}

func (c *cursor) u8() (byte, bool) {
	if c.remaining() < 1 {
		return 0, false
	}
	v := c.buf[c.pos]
	c.pos++
	return v, true
}

func (c *cursor) u16() (int, bool) {
	if c.remaining() < 2 {
		return 0, false
	}
	v := int(c.buf[c.pos])<<8 | int(c.buf[c.pos+1])
	c.pos += 2
	return v, true
}

func (c *cursor) lenPrefixedU8() ([]byte, bool) {
	n, ok := c.u8()
	if !ok {
		return nil, false
	}
	if c.remaining() < int(n) {
		return nil, false
	}
	v := c.buf[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return v, true
}

func (c *cursor) lenPrefixedU16() ([]byte, bool) {
	n, ok := c.u16()
	if !ok {
		return nil, false
	}
	if c.remaining() < n {
		return nil, false
	}
	v := c.buf[c.pos : c.pos+n]
	c.pos += n
	return v, true
}

