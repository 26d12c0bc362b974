// Package pipeline implements the per-connection state machine shared
// by both ingress variants: CONNECT-proxy and transparent SNI
// interception. Both variants converge on the same mint → inbound
// handshake → outbound handshake → first-request gate → splice
// continuation.
package pipeline

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/secureproxy/gateway/pkg/ca"
	"github.com/secureproxy/gateway/pkg/constants"
	gwerrors "github.com/secureproxy/gateway/pkg/errors"
	"github.com/secureproxy/gateway/pkg/policy"
	"github.com/secureproxy/gateway/pkg/timing"
	"github.com/secureproxy/gateway/pkg/tlsconfig"
	"github.com/secureproxy/gateway/pkg/trafficlog"
)

// firstRequestBufSize bounds the single read used to capture the first
// plaintext HTTP request after the outbound handshake completes.
const firstRequestBufSize = constants.FirstRequestBufSize

// dialTimeout bounds the upstream TCP dial. Not specified by name in
// the state machine, but every blocking step needs a ceiling.
const dialTimeout = constants.DialTimeout

// handshakeTimeout bounds both the inbound and outbound TLS handshakes.
const handshakeTimeout = constants.HandshakeTimeout

// Canned client-facing responses, bit-exact per the external interface
// contract.
const (
	respConnectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	respHostBlocked        = "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\n\r\nHost not allowed"
	respBadRequest         = "HTTP/1.1 400 Bad Request\r\n\r\n"
	respPathBlocked        = "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\nContent-Length: 24\r\nConnection: close\r\n\r\nBlocked by Secure Proxy"
)

func respBadGateway(host string) string {
	return fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\n\r\nFailed to connect to %s", host)
}

func respGatewayTimeout(host string) string {
	return fmt.Sprintf("HTTP/1.1 504 Gateway Timeout\r\n\r\nTimed out connecting to %s", host)
}

// dialFailureResponse picks the canned response for a failed upstream
// dial: 504 when the dial itself timed out, 502 for anything else
// (refused, unreachable, DNS failure).
func dialFailureResponse(host string, err error) string {
	if gwerrors.IsTimeoutError(err) {
		return respGatewayTimeout(host)
	}
	return respBadGateway(host)
}

// Dialer opens the upstream TCP connection for UpstreamConnected. It
// exists as a seam so tests can substitute an in-memory upstream
// instead of dialing the network.
type Dialer func(addr string, timeout time.Duration) (net.Conn, error)

func defaultDialer(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// Deps bundles the shared, immutable-per-connection collaborators every
// pipeline run needs: the CA, the policy store, the traffic sink, and a
// logger. None of these are mutated by connection code.
type Deps struct {
	CA     *ca.Authority
	Policy *policy.Store
	Sink   trafficlog.Sink
	Logger *zap.Logger
	// Dial defaults to dialing the network if left nil.
	Dial Dialer
	// OutboundRoots overrides the trust store used to verify the
	// upstream's certificate in OutboundHandshaking. Nil means the
	// platform's WebPKI roots, per spec.md §4.6 step 6; tests may
	// supply a pool containing a fake upstream's root.
	OutboundRoots *x509.CertPool
}

func (d *Deps) dial(addr string, timeout time.Duration) (net.Conn, error) {
	if d.Dial != nil {
		return d.Dial(addr, timeout)
	}
	return defaultDialer(addr, timeout)
}

// discovery is the outcome of the variant-specific "Accepted →
// Discovered" step: the destination host/port the client asked for.
type discovery struct {
	host string
	port int
}

// RunConnect drives the CONNECT-proxy variant of the state machine to
// completion on conn, which the caller hands off fully owned.
func RunConnect(conn net.Conn, deps *Deps) {
	defer conn.Close()

	connID := uuid.NewString()
	log := deps.Logger.With(zap.String("conn_id", connID), zap.String("variant", "connect"))

	reader := bufio.NewReader(conn)
	req, err := readConnect(reader)
	if err != nil {
		log.Warn("malformed CONNECT request", zap.Error(gwerrors.NewProtocolError("parse-connect", "malformed CONNECT request", err)))
		writeString(conn, respBadRequest)
		return
	}
	disc := discovery{host: req.Host, port: req.Port}
	log = log.With(zap.String("host", disc.host))

	snapshot := deps.Policy.Load()
	decision := policy.CheckHost(snapshot, disc.host)
	if !decision.Allowed {
		deps.Sink.Write(trafficlog.Event{
			Action: trafficlog.BLOCK,
			Host:   disc.host,
			Mode:   snapshot.Mode.String(),
			Reason: string(decision.Reason),
		})
		log.Info("host blocked at CONNECT gate", zap.String("reason", string(decision.Reason)))
		writeString(conn, respHostBlocked)
		return
	}

	timer := timing.NewTimer()
	timer.StartDial()
	upstream, err := deps.dial(fmt.Sprintf("%s:%d", disc.host, disc.port), dialTimeout)
	timer.EndDial()
	if err != nil {
		log.Warn("upstream dial failed", zap.Error(gwerrors.NewConnectionError(disc.host, disc.port, err)))
		writeString(conn, dialFailureResponse(disc.host, err))
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(conn, respConnectEstablished); err != nil {
		log.Warn("failed writing 200 Connection Established", zap.Error(err))
		return
	}

	// The client's ClientHello may already be sitting in reader's
	// buffer if it pipelined aggressively; wrap conn so continuation
	// code sees those bytes first.
	inbound := bufferedConn{Conn: conn, r: reader}

	runShared(inbound, upstream, disc, deps, snapshot, log, timer)
}

// RunSNI drives the transparent SNI-interception variant of the state
// machine to completion on conn.
func RunSNI(conn net.Conn, deps *Deps) {
	defer conn.Close()

	connID := uuid.NewString()
	log := deps.Logger.With(zap.String("conn_id", connID), zap.String("variant", "sni"))

	reader := bufio.NewReader(conn)
	peeked, err := peekClientHello(reader)
	if err != nil {
		log.Warn("failed to peek ClientHello", zap.Error(err))
		return
	}

	host, err := parseSNI(peeked)
	if err != nil {
		log.Warn("failed to parse SNI", zap.Error(gwerrors.NewProtocolError("parse-sni", "failed to parse ClientHello SNI", err)))
		return
	}
	disc := discovery{host: host, port: 443}
	log = log.With(zap.String("host", disc.host))

	snapshot := deps.Policy.Load()
	decision := policy.CheckHost(snapshot, disc.host)
	if !decision.Allowed {
		deps.Sink.Write(trafficlog.Event{
			Action: trafficlog.BLOCK,
			Host:   disc.host,
			Mode:   snapshot.Mode.String(),
			Reason: string(decision.Reason),
		})
		log.Info("host blocked at SNI gate", zap.String("reason", string(decision.Reason)))
		return
	}

	timer := timing.NewTimer()
	timer.StartDial()
	upstream, err := deps.dial(fmt.Sprintf("%s:443", disc.host), dialTimeout)
	timer.EndDial()
	if err != nil {
		log.Warn("upstream dial failed", zap.Error(gwerrors.NewConnectionError(disc.host, 443, err)))
		return
	}
	defer upstream.Close()

	inbound := bufferedConn{Conn: conn, r: reader}

	runShared(inbound, upstream, disc, deps, snapshot, log, timer)
}

// runShared implements the continuation both variants share: mint a
// leaf, complete both TLS handshakes, read and gate the first request,
// then splice.
func runShared(inbound net.Conn, upstream net.Conn, disc discovery, deps *Deps, snapshot *policy.Snapshot, log *zap.Logger, timer *timing.Timer) {
	leaf, err := deps.CA.Mint(disc.host)
	if err != nil {
		log.Warn("leaf mint failed", zap.Error(gwerrors.NewCertError("mint", disc.host, err)))
		return
	}

	timer.StartInboundHandshake()
	inboundTLS, err := handshakeInbound(inbound, leaf)
	timer.EndInboundHandshake()
	if err != nil {
		log.Warn("inbound TLS handshake failed", zap.Error(gwerrors.NewTLSError("handshake-inbound", disc.host, disc.port, err)))
		return
	}
	defer inboundTLS.Close()

	timer.StartOutboundHandshake()
	outboundTLS, err := handshakeOutbound(upstream, disc.host, deps.OutboundRoots)
	timer.EndOutboundHandshake()
	if err != nil {
		log.Warn("outbound TLS handshake failed", zap.Error(gwerrors.NewTLSError("handshake-outbound", disc.host, disc.port, err)))
		return
	}
	defer outboundTLS.Close()

	outState := outboundTLS.ConnectionState()
	log.Debug("outbound handshake complete",
		zap.String("tls_version", tlsconfig.GetVersionName(outState.Version)),
		zap.String("cipher_suite", tlsconfig.GetCipherSuiteName(outState.CipherSuite)),
		zap.Bool("deprecated_version", tlsconfig.IsVersionDeprecated(outState.Version)),
	)

	timer.StartFirstRequestRead()
	buf := make([]byte, firstRequestBufSize)
	n, err := inboundTLS.Read(buf)
	timer.EndFirstRequestRead()
	if err != nil && n == 0 {
		log.Warn("failed reading first request", zap.Error(gwerrors.NewIOError("reading first request", err)))
		return
	}
	request := buf[:n]

	method, path := parseRequestLine(request)

	decision := policy.CheckRequest(snapshot, disc.host, path)
	deps.Sink.Write(trafficlog.Event{
		Action: allowOrBlock(decision.Allowed),
		Host:   disc.host,
		Path:   path,
		Method: method,
		Mode:   snapshot.Mode.String(),
		Reason: string(decision.Reason),
	})

	if !decision.Allowed {
		log.Info("request blocked", zap.String("method", method), zap.String("path", path), zap.String("reason", string(decision.Reason)))
		writeString(inboundTLS, respPathBlocked)
		return
	}
	log.Info("request allowed", zap.String("method", method), zap.String("path", path))

	if _, err := outboundTLS.Write(request); err != nil {
		log.Warn("failed forwarding first request upstream", zap.Error(err))
		return
	}

	splice(inboundTLS, outboundTLS, log, timer)
}

func handshakeInbound(conn net.Conn, leaf *tls.Certificate) (*tls.Conn, error) {
	cfg := &tls.Config{Certificates: []tls.Certificate{*leaf}}
	tlsconfig.ApplyVersionProfile(cfg, tlsconfig.ProfileSecure)
	tlsconfig.ApplyCipherSuites(cfg, tlsconfig.ProfileSecure.Min)

	tlsConn := tls.Server(conn, cfg)
	ctx, cancel := deadlineContext(handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

func handshakeOutbound(conn net.Conn, host string, roots *x509.CertPool) (*tls.Conn, error) {
	cfg := &tls.Config{ServerName: host, RootCAs: roots}
	tlsconfig.ApplyVersionProfile(cfg, tlsconfig.ProfileSecure)
	tlsconfig.ApplyCipherSuites(cfg, tlsconfig.ProfileSecure.Min)

	tlsConn := tls.Client(conn, cfg)
	ctx, cancel := deadlineContext(handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// splice runs the two concurrent copy loops and returns as soon as
// either direction completes; the surviving direction is not drained.
func splice(inbound, outbound net.Conn, log *zap.Logger, timer *timing.Timer) {
	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(outbound, inbound)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(inbound, outbound)
		done <- struct{}{}
	}()

	<-done
	log.Info("connection spliced and closed", zap.String("phases", timer.Phases().String()))
}

func allowOrBlock(allowed bool) trafficlog.Action {
	if allowed {
		return trafficlog.ALLOW
	}
	return trafficlog.BLOCK
}

// parseRequestLine extracts method and request-target from the first
// line of buf. Fewer than two whitespace-separated tokens yields
// method "?" and path "/".
func parseRequestLine(buf []byte) (method, path string) {
	line := buf
	if idx := indexByte(buf, '\n'); idx >= 0 {
		line = buf[:idx]
	}
	line = []byte(strings.TrimRight(string(line), "\r\n"))

	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return "?", "/"
	}
	return fields[0], fields[1]
}

func indexByte(buf []byte, b byte) int {
	for i, c := range buf {
		if c == b {
			return i
		}
	}
	return -1
}

func writeString(w io.Writer, s string) {
	_, _ = io.WriteString(w, s)
}

func deadlineContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
