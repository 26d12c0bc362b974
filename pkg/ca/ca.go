// Package ca implements the gateway's private certificate authority:
// loading or generating the root keypair, and minting per-host leaf
// certificates used to terminate the inbound (client-facing) TLS side
// of an intercepted connection.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"time"

	gwerrors "github.com/secureproxy/gateway/pkg/errors"
)

// rootCommonName is the CA's Common Name, fixed per spec.
const rootCommonName = "Secure Proxy CA"

// rootValidity and leafValidity bound the lifetime of minted certificates.
const (
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 90 * 24 * time.Hour
)

// maxCacheEntries bounds the optional leaf cache so a burst of distinct
// hostnames cannot grow it without limit.
const maxCacheEntries = 4096

// Authority holds the root keypair and mints leaf certificates signed by
// it. The root material is immutable for the process lifetime; mint is
// safe for concurrent use from many connection goroutines at once.
type Authority struct {
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey

	// RootPEM is the PEM encoding of rootCert, handed out unchanged to
	// callers that need to persist or display it (persist in store.go
	// does this at startup; the gateway never re-derives it per request).
	RootPEM []byte

	cacheMu sync.RWMutex
	cache   map[string]*tls.Certificate
	order   []string // insertion order, for bounded eviction
}

// New generates a fresh self-signed root: BasicConstraints CA:TRUE,
// Common Name "Secure Proxy CA", ECDSA P-256.
func New() (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, gwerrors.NewCertError("root-keygen", "", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, gwerrors.NewCertError("root-serial", "", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: rootCommonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, gwerrors.NewCertError("root-sign", "", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, gwerrors.NewCertError("root-parse", "", err)
	}

	return fromParts(cert, key), nil
}

// fromLoaded builds an Authority from an already-parsed root certificate
// and key (used by load in store.go for persisted PEM material).
func fromLoaded(cert *x509.Certificate, key *ecdsa.PrivateKey) *Authority {
	return fromParts(cert, key)
}

func fromParts(cert *x509.Certificate, key *ecdsa.PrivateKey) *Authority {
	return &Authority{
		rootCert: cert,
		rootKey:  key,
		RootPEM:  pemEncode("CERTIFICATE", cert.Raw),
		cache:    make(map[string]*tls.Certificate),
	}
}

// Mint returns a leaf certificate for hostname, signed by the root.
// The leaf's SAN dNSName and CN both equal hostname exactly. Leaves
// minted through Mint may be served from an internal cache keyed by
// hostname; cached entries are never mutated after insertion, so a
// live connection's *tls.Certificate stays valid even if it is later
// evicted from the cache.
func (a *Authority) Mint(hostname string) (*tls.Certificate, error) {
	if cert, ok := a.cacheLookup(hostname); ok {
		return cert, nil
	}

	cert, err := a.generate(hostname)
	if err != nil {
		return nil, err
	}

	a.cacheStore(hostname, cert)
	return cert, nil
}

func (a *Authority) cacheLookup(hostname string) (*tls.Certificate, bool) {
	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()
	cert, ok := a.cache[hostname]
	return cert, ok
}

func (a *Authority) cacheStore(hostname string, cert *tls.Certificate) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()

	// Double-check: another goroutine may have minted and inserted the
	// same hostname while we were generating ours.
	if existing, ok := a.cache[hostname]; ok {
		_ = existing
		return
	}

	if len(a.cache) >= maxCacheEntries {
		oldest := a.order[0]
		delete(a.cache, oldest)
		a.order = a.order[1:]
	}

	a.cache[hostname] = cert
	a.order = append(a.order, hostname)
}

func (a *Authority) generate(hostname string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, gwerrors.NewCertError("leaf-keygen", hostname, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, gwerrors.NewCertError("leaf-serial", hostname, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: hostname,
		},
		NotBefore:   now,
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{hostname},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.rootCert, key.Public(), a.rootKey)
	if err != nil {
		return nil, gwerrors.NewCertError("leaf-sign", hostname, err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, gwerrors.NewCertError("leaf-parse", hostname, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}
