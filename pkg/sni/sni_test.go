package sni

import (
	"encoding/binary"
	"testing"
)

// buildClientHello assembles a minimal ClientHello record carrying a
// single server_name extension for hostName, optionally truncated to
// truncateTo bytes from the start of the record.
func buildClientHello(t *testing.T, hostName string, truncateTo int) []byte {
	t.Helper()

	// server_name extension: list of {type, len, name}
	nameEntry := append([]byte{0x00}, u16(len(hostName))...)
	nameEntry = append(nameEntry, []byte(hostName)...)
	serverNameList := append(u16(len(nameEntry)), nameEntry...)
	sniExt := append([]byte{0x00, 0x00}, u16(len(serverNameList))...)
	sniExt = append(sniExt, serverNameList...)

	extensions := sniExt
	extBlock := append(u16(len(extensions)), extensions...)

	hello := []byte{}
	hello = append(hello, make([]byte, 34)...) // version + random
	hello = append(hello, 0x00)                // session_id len
	hello = append(hello, 0x00, 0x02, 0x00, 0x2f) // cipher suites (2 bytes len, 1 suite)
	hello = append(hello, 0x01, 0x00)          // compression methods
	hello = append(hello, extBlock...)

	handshake := []byte{0x01}
	handshake = append(handshake, u24(len(hello))...)
	handshake = append(handshake, hello...)

	record := []byte{0x16, 0x03, 0x03}
	record = append(record, u16(len(handshake))...)
	record = append(record, handshake...)

	if truncateTo > 0 && truncateTo < len(record) {
		return record[:truncateTo]
	}
	return record
}

func u16(n int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(n))
	return b
}

func u24(n int) []byte {
	return []byte{byte(n >> 16), byte(n >> 8), byte(n)}
}

func TestParseHostname_Basic(t *testing.T) {
	record := buildClientHello(t, "example.com", 0)

	host, err := ParseHostname(record)
	if err != nil {
		t.Fatalf("ParseHostname() error = %v", err)
	}
	if host != "example.com" {
		t.Errorf("host = %q, want %q", host, "example.com")
	}
}

func TestParseHostname_Lowercased(t *testing.T) {
	record := buildClientHello(t, "EXAMPLE.com", 0)

	host, err := ParseHostname(record)
	if err != nil {
		t.Fatalf("ParseHostname() error = %v", err)
	}
	if host != "example.com" {
		t.Errorf("host = %q, want lowercased %q", host, "example.com")
	}
}

func TestParseHostname_NotTLSHandshake(t *testing.T) {
	buf := []byte{0x17, 0x03, 0x03, 0x00, 0x01, 0xff}
	_, err := ParseHostname(buf)
	if err != ErrNotTLSHandshake {
		t.Errorf("err = %v, want %v", err, ErrNotTLSHandshake)
	}
}

func TestParseHostname_IncompleteBuffer(t *testing.T) {
	record := buildClientHello(t, "example.com", 0)

	for _, cut := range []int{1, 4, 5, 10, len(record) - 1} {
		_, err := ParseHostname(record[:cut])
		if err != ErrIncompleteHello {
			t.Errorf("cut=%d: err = %v, want %v", cut, err, ErrIncompleteHello)
		}
	}
}

func TestParseHostname_TruncatedMidExtension(t *testing.T) {
	record := buildClientHello(t, "example.com", 0)
	// Cut a few bytes into the SNI extension body itself, then rewrite
	// the record and handshake length headers to match the shorter
	// buffer: the outer framing is complete and consistent, so this is a
	// malformed extension, not simply an incomplete peek.
	truncated := append([]byte{}, record[:len(record)-4]...)
	recordLen := len(truncated) - 5
	truncated[3] = byte(recordLen >> 8)
	truncated[4] = byte(recordLen)
	helloLen := recordLen - 4
	truncated[6] = byte(helloLen >> 16)
	truncated[7] = byte(helloLen >> 8)
	truncated[8] = byte(helloLen)

	_, err := ParseHostname(truncated)
	if err != ErrMalformedExtension {
		t.Errorf("err = %v, want %v", err, ErrMalformedExtension)
	}
}

func TestParseHostname_NoSNIExtension(t *testing.T) {
	hello := []byte{}
	hello = append(hello, make([]byte, 34)...)
	hello = append(hello, 0x00)
	hello = append(hello, 0x00, 0x02, 0x00, 0x2f)
	hello = append(hello, 0x01, 0x00)
	hello = append(hello, u16(0)...) // empty extensions block

	handshake := []byte{0x01}
	handshake = append(handshake, u24(len(hello))...)
	handshake = append(handshake, hello...)

	record := []byte{0x16, 0x03, 0x03}
	record = append(record, u16(len(handshake))...)
	record = append(record, handshake...)

	_, err := ParseHostname(record)
	if err != ErrNoSNIExtension {
		t.Errorf("err = %v, want %v", err, ErrNoSNIExtension)
	}
}

func TestParseHostname_DoesNotMutateInput(t *testing.T) {
	record := buildClientHello(t, "example.com", 0)
	original := append([]byte{}, record...)

	if _, err := ParseHostname(record); err != nil {
		t.Fatalf("ParseHostname() error = %v", err)
	}

	for i := range record {
		if record[i] != original[i] {
			t.Fatalf("ParseHostname mutated its input buffer at offset %d", i)
		}
	}
}

func TestParseHostname_Idempotent(t *testing.T) {
	record := buildClientHello(t, "api.example.com", 0)

	host1, err1 := ParseHostname(record)
	host2, err2 := ParseHostname(record)

	if err1 != err2 || host1 != host2 {
		t.Errorf("ParseHostname not pure: (%q,%v) != (%q,%v)", host1, err1, host2, err2)
	}
}
