package pipeline

import (
	"bufio"

	"github.com/secureproxy/gateway/pkg/connectparse"
	"github.com/secureproxy/gateway/pkg/constants"
	"github.com/secureproxy/gateway/pkg/sni"
)

// sniPeekCeiling bounds how many bytes of ClientHello this package will
// peek, matching the CONNECT parser's own framing ceiling.
const sniPeekCeiling = constants.MaxSNIPeekBytes

// readConnect parses a CONNECT request off reader. A thin wrapper kept
// so this package depends on connectparse only through one seam.
func readConnect(reader *bufio.Reader) (*connectparse.Request, error) {
	return connectparse.Read(reader)
}

// parseSNI extracts the SNI hostname from a peeked ClientHello.
func parseSNI(peeked []byte) (string, error) {
	return sni.ParseHostname(peeked)
}

// peekClientHello peeks only as many bytes as the TLS record header
// says the ClientHello actually needs, capped at sniPeekCeiling. A
// fixed Peek(sniPeekCeiling) would block waiting for bytes the client
// has no reason to send (a ClientHello is usually a few hundred bytes,
// and the client won't write anything further until it sees a
// ServerHello back).
func peekClientHello(r *bufio.Reader) ([]byte, error) {
	header, err := r.Peek(5)
	if err != nil {
		return nil, err
	}
	if header[0] != 0x16 {
		return header, nil
	}

	recordLen := int(header[3])<<8 | int(header[4])
	total := 5 + recordLen
	if total > sniPeekCeiling {
		total = sniPeekCeiling
	}
	return r.Peek(total)
}
