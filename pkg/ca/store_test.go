package ca

import (
	"path/filepath"
	"testing"
)

func TestLoadOrGenerate_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certs", "ca.pem")
	keyPath := filepath.Join(dir, "keys", "ca.private.key")

	authority, err := LoadOrGenerate(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}
	if !fileExists(certPath) || !fileExists(keyPath) {
		t.Fatal("expected CA cert and key to be persisted to disk")
	}
	if authority.rootCert.Subject.CommonName != rootCommonName {
		t.Errorf("CommonName = %q, want %q", authority.rootCert.Subject.CommonName, rootCommonName)
	}
}

func TestLoadOrGenerate_LoadsExisting(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.private.key")

	first, err := LoadOrGenerate(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}

	second, err := LoadOrGenerate(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}

	if first.rootCert.SerialNumber.Cmp(second.rootCert.SerialNumber) != 0 {
		t.Error("expected second LoadOrGenerate to load the persisted root, not generate a new one")
	}
}
