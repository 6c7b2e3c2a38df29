package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pastepoint/internal/config"
)

func TestGenerateTLSConfigReturnsValidCert(t *testing.T) {
	validity := 2 * time.Hour
	tlsCfg, fingerprint, err := generateTLSConfig(validity, "example.com")
	if err != nil {
		t.Fatalf("generateTLSConfig: %v", err)
	}

	if fingerprint == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if len(fingerprint) != 64 { // SHA-256 hex = 32 bytes = 64 chars
		t.Errorf("fingerprint length: got %d, want 64", len(fingerprint))
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(tlsCfg.Certificates))
	}

	leaf := tlsCfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	if leaf.Subject.CommonName != "example.com" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "example.com")
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("cert not valid at current time: NotBefore=%v NotAfter=%v", leaf.NotBefore, leaf.NotAfter)
	}

	expectedAfter := now.Add(validity)
	if leaf.NotAfter.Before(expectedAfter.Add(-2 * time.Hour)) {
		t.Errorf("NotAfter too early: %v (expected near %v)", leaf.NotAfter, expectedAfter)
	}
}

func TestGenerateTLSConfigUniqueCerts(t *testing.T) {
	_, fp1, err := generateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generateTLSConfig: %v", err)
	}
	_, fp2, err := generateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generateTLSConfig: %v", err)
	}
	if fp1 == fp2 {
		t.Error("two calls should produce different certificates")
	}
}

func TestGenerateTLSConfigSelfSigned(t *testing.T) {
	tlsCfg, _, err := generateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generateTLSConfig: %v", err)
	}
	leaf := tlsCfg.Certificates[0].Leaf

	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("expected self-signed cert: issuer=%q subject=%q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}

	found := false
	for _, name := range leaf.DNSNames {
		if name == "localhost" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected localhost in DNS names, got %v", leaf.DNSNames)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName: "localhost",
		Roots:   pool,
	})
	if err != nil {
		t.Errorf("self-verification failed: %v", err)
	}
}

func TestLoadTLSConfigFallsBackToSelfSignedWithoutPaths(t *testing.T) {
	cfg := &config.Config{}
	tlsCfg, fingerprint, err := loadTLSConfig(cfg, time.Hour, "localhost")
	if err != nil {
		t.Fatalf("loadTLSConfig: %v", err)
	}
	if fingerprint == "" || len(tlsCfg.Certificates) != 1 {
		t.Fatal("expected a self-signed fallback certificate")
	}
}

func TestLoadTLSConfigUsesFilesWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	// Generate a real self-signed cert/key pair and write them to disk so
	// loadTLSConfig's tls.LoadX509KeyPair path has real PEM files to read.
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	writeSelfSignedPair(t, certPath, keyPath)

	cfg := &config.Config{CertFilePath: certPath, KeyFilePath: keyPath}
	tlsCfg, fingerprint, err := loadTLSConfig(cfg, time.Hour, "localhost")
	if err != nil {
		t.Fatalf("loadTLSConfig: %v", err)
	}
	if fingerprint == "" || len(tlsCfg.Certificates) != 1 {
		t.Fatal("expected the file-backed certificate to load")
	}
}

// writeSelfSignedPair writes a throwaway PEM cert/key pair for test fixtures.
func writeSelfSignedPair(t *testing.T, certPath, keyPath string) {
	t.Helper()
	tlsCfg, _, err := generateTLSConfig(time.Hour, "localhost")
	if err != nil {
		t.Fatalf("generateTLSConfig: %v", err)
	}
	cert := tlsCfg.Certificates[0]

	certPEM := pemEncode("CERTIFICATE", cert.Certificate[0])
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}

	keyBytes, err := marshalECPrivateKey(cert.PrivateKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pemEncode("EC PRIVATE KEY", keyBytes)
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
}

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func marshalECPrivateKey(key any) ([]byte, error) {
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", key)
	}
	return x509.MarshalECPrivateKey(ecKey)
}
