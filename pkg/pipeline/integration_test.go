package pipeline

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/secureproxy/gateway/pkg/ca"
	"github.com/secureproxy/gateway/pkg/policy"
	"github.com/secureproxy/gateway/pkg/trafficlog"
)

// fakeUpstream runs a minimal TLS server on conn that reads one request
// and writes back a canned response, simulating the true origin server
// OutboundHandshaking connects to.
func fakeUpstream(t *testing.T, conn net.Conn, leaf *tls.Certificate) {
	t.Helper()
	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	if err := tlsConn.Handshake(); err != nil {
		t.Errorf("fake upstream handshake failed: %v", err)
		return
	}
	defer tlsConn.Close()

	buf := make([]byte, 4096)
	if _, err := tlsConn.Read(buf); err != nil && err != io.EOF {
		t.Errorf("fake upstream read failed: %v", err)
		return
	}
	io.WriteString(tlsConn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
}

func newTestDeps(t *testing.T, upstreamLeafPool *x509.CertPool, dial Dialer, snapshot *policy.Snapshot) *Deps {
	t.Helper()
	authority, err := ca.New()
	if err != nil {
		t.Fatalf("ca.New() error = %v", err)
	}
	return &Deps{
		CA:            authority,
		Policy:        policy.NewStore(snapshot),
		Sink:          trafficlog.NewMemorySink(),
		Logger:        zap.NewNop(),
		Dial:          dial,
		OutboundRoots: upstreamLeafPool,
	}
}

func TestRunConnect_AllowedRequestIsSpliced(t *testing.T) {
	upstreamCA, err := ca.New()
	if err != nil {
		t.Fatalf("ca.New() error = %v", err)
	}
	upstreamLeaf, err := upstreamCA.Mint("example.com")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	upstreamRoots := x509.NewCertPool()
	if !upstreamRoots.AppendCertsFromPEM(upstreamCA.RootPEM) {
		t.Fatal("failed to add upstream root to pool")
	}

	gatewayConn, clientConn := net.Pipe()
	upstreamServerConn, upstreamClientConn := net.Pipe()

	dial := func(addr string, timeout time.Duration) (net.Conn, error) {
		return upstreamClientConn, nil
	}

	snapshot := &policy.Snapshot{Mode: policy.Enforce, Rules: []policy.HostRule{
		{Host: "example.com"},
	}}
	deps := newTestDeps(t, upstreamRoots, dial, snapshot)

	go fakeUpstream(t, upstreamServerConn, upstreamLeaf)

	done := make(chan struct{})
	go func() {
		RunConnect(gatewayConn, deps)
		close(done)
	}()

	clientReader := bufio.NewReader(clientConn)

	if _, err := io.WriteString(clientConn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\n"); err != nil {
		t.Fatalf("failed to write CONNECT request: %v", err)
	}

	status, err := clientReader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed reading CONNECT response status line: %v", err)
	}
	if status != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("status line = %q, want 200 Connection Established", status)
	}
	// consume the blank line terminating the CONNECT response
	if _, err := clientReader.ReadString('\n'); err != nil {
		t.Fatalf("failed reading CONNECT response terminator: %v", err)
	}

	gatewayCAPool := x509.NewCertPool()
	gatewayCAPool.AddCert(mustParseLeafIssuer(t, deps.CA))

	tlsClient := tls.Client(bufferedConn{Conn: clientConn, r: clientReader}, &tls.Config{
		ServerName: "example.com",
		RootCAs:    gatewayCAPool,
	})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client TLS handshake with gateway failed: %v", err)
	}

	if _, err := io.WriteString(tlsClient, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"); err != nil {
		t.Fatalf("failed writing request over inbound TLS: %v", err)
	}

	respBuf := make([]byte, 4096)
	n, err := tlsClient.Read(respBuf)
	if err != nil && n == 0 {
		t.Fatalf("failed reading spliced response: %v", err)
	}
	resp := string(respBuf[:n])
	if resp != "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok" {
		t.Errorf("spliced response = %q, want the fake upstream's canned response", resp)
	}

	tlsClient.Close()
	<-done

	events := deps.Sink.(*trafficlog.MemorySink).All()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1 (first-request gate only; an allowed host gate records nothing)", len(events))
	}
	if events[0].Action != trafficlog.ALLOW {
		t.Errorf("events = %+v, want one ALLOW", events)
	}
}

func TestRunConnect_BlockedHostGetsForbidden(t *testing.T) {
	gatewayConn, clientConn := net.Pipe()

	snapshot := &policy.Snapshot{Mode: policy.Enforce, Rules: []policy.HostRule{
		{Host: "allowed.com"},
	}}
	deps := newTestDeps(t, nil, nil, snapshot)

	done := make(chan struct{})
	go func() {
		RunConnect(gatewayConn, deps)
		close(done)
	}()

	if _, err := io.WriteString(clientConn, "CONNECT blocked.com:443 HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatalf("failed to write CONNECT request: %v", err)
	}

	resp, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("failed reading response: %v", err)
	}
	want := "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\n\r\nHost not allowed"
	if string(resp) != want {
		t.Errorf("response = %q, want %q", resp, want)
	}

	<-done

	events := deps.Sink.(*trafficlog.MemorySink).All()
	if len(events) != 1 || events[0].Action != trafficlog.BLOCK {
		t.Fatalf("events = %+v, want one BLOCK event", events)
	}
}

// mustParseLeafIssuer returns the authority's own root certificate so a
// test client can build a trust pool for it, mirroring how an operator
// would load ca.pem.
func mustParseLeafIssuer(t *testing.T, authority *ca.Authority) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(authority.RootPEM)
	if block == nil {
		t.Fatal("failed to decode PEM block from root certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("failed to parse root certificate: %v", err)
	}
	return cert
}
