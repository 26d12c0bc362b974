package pipeline

import (
	"bufio"
	"net"
)

// bufferedConn adapts a net.Conn whose initial bytes have already been
// buffered into a bufio.Reader (via Peek or a partial Read) back into a
// net.Conn: Read drains the buffer first, then falls through to the
// underlying connection, so a TLS handshake reading through this value
// sees exactly the bytes the client sent, in order, exactly once.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
