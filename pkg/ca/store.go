package ca

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	gwerrors "github.com/secureproxy/gateway/pkg/errors"
)

// File permissions for persisted CA material. The directory is created
// world-unreadable-to-others; the key file stricter still than the cert.
const (
	dirPerm  = 0o700
	certPerm = 0o644
	keyPerm  = 0o600
)

// LoadOrGenerate loads a root keypair from certPath/keyPath if both
// files exist, otherwise generates a fresh root and persists it to
// those paths, creating parent directories as needed.
func LoadOrGenerate(certPath, keyPath string) (*Authority, error) {
	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)

	if certExists && keyExists {
		return load(certPath, keyPath)
	}

	authority, err := New()
	if err != nil {
		return nil, err
	}
	if err := persist(authority, certPath, keyPath); err != nil {
		return nil, err
	}
	return authority, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func load(certPath, keyPath string) (*Authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, gwerrors.NewConfigError("ca-load-cert", "failed to read CA certificate", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, gwerrors.NewConfigError("ca-load-key", "failed to read CA private key", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, gwerrors.NewConfigError("ca-load-cert", "no PEM block found in CA certificate file", nil)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, gwerrors.NewConfigError("ca-load-cert", "failed to parse CA certificate", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, gwerrors.NewConfigError("ca-load-key", "no PEM block found in CA key file", nil)
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, gwerrors.NewConfigError("ca-load-key", "failed to parse CA private key", err)
	}
	key, ok := parsedKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, gwerrors.NewConfigError("ca-load-key", "CA private key is not an ECDSA key", nil)
	}

	return fromLoaded(cert, key), nil
}

func persist(authority *Authority, certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), dirPerm); err != nil {
		return gwerrors.NewConfigError("ca-persist", "failed to create CA certificate directory", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), dirPerm); err != nil {
		return gwerrors.NewConfigError("ca-persist", "failed to create CA key directory", err)
	}

	if err := os.WriteFile(certPath, authority.RootPEM, certPerm); err != nil {
		return gwerrors.NewConfigError("ca-persist", "failed to write CA certificate", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(authority.rootKey)
	if err != nil {
		return gwerrors.NewConfigError("ca-persist", "failed to marshal CA private key", err)
	}
	keyPEM := pemEncode("PRIVATE KEY", keyDER)
	if err := os.WriteFile(keyPath, keyPEM, keyPerm); err != nil {
		return gwerrors.NewConfigError("ca-persist", "failed to write CA private key", err)
	}

	return nil
}

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}
