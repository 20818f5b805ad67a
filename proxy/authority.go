// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/rotor/lib/atomicfile"
	"github.com/bureau-foundation/rotor/lib/secret"
)

const (
	authorityLifetime = 10 * 365 * 24 * time.Hour
	leafLifetime      = 30 * 24 * time.Hour
	// leafRenewal re-mints a cached leaf this long before it expires.
	leafRenewal = 24 * time.Hour
)

// Authority is the local certificate authority that mints leaf
// certificates for intercepted hosts. The CA private key lives in an
// mlocked secret.Buffer as PKCS#8 DER and is parsed only when a leaf is
// minted. Safe for concurrent use.
type Authority struct {
	certificate *x509.Certificate
	certPEM     []byte
	key         *secret.Buffer

	mu     sync.Mutex
	leaves map[string]*tls.Certificate
	now    func() time.Time
}

// LoadOrCreateAuthority loads the CA from certPath and keyPath, or
// generates an ECDSA P-256 CA and writes both files (0600) when neither
// exists. One file without the other is an error.
func LoadOrCreateAuthority(certPath, keyPath string) (*Authority, error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		return parseAuthority(certPEM, keyPEM)
	case errors.Is(certErr, os.ErrNotExist) && errors.Is(keyErr, os.ErrNotExist):
		return createAuthority(certPath, keyPath)
	case certErr != nil && !errors.Is(certErr, os.ErrNotExist):
		return nil, fmt.Errorf("reading CA certificate: %w", certErr)
	case keyErr != nil && !errors.Is(keyErr, os.ErrNotExist):
		return nil, fmt.Errorf("reading CA key: %w", keyErr)
	default:
		return nil, fmt.Errorf("CA certificate %s and key %s must both exist or both be absent", certPath, keyPath)
	}
}

// NewAuthority generates an in-memory CA. Nothing is written to disk.
func NewAuthority() (*Authority, error) {
	certPEM, keyPEM, err := generateAuthority()
	if err != nil {
		return nil, err
	}
	return parseAuthority(certPEM, keyPEM)
}

func createAuthority(certPath, keyPath string) (*Authority, error) {
	certPEM, keyPEM, err := generateAuthority()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("creating CA directory: %w", err)
	}
	if err := atomicfile.Write(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing CA key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0700); err != nil {
		return nil, fmt.Errorf("creating CA directory: %w", err)
	}
	if err := atomicfile.Write(certPath, certPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing CA certificate: %w", err)
	}
	return parseAuthority(certPEM, keyPEM)
}

func generateAuthority() (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "rotor local CA", Organization: []string{"rotor"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(authorityLifetime),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("self-signing CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding CA key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func parseAuthority(certPEM, keyPEM []byte) (*Authority, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("CA certificate is not a PEM CERTIFICATE block")
	}
	certificate, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	if !certificate.IsCA {
		return nil, fmt.Errorf("CA certificate %q is not a CA", certificate.Subject.CommonName)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("CA key is not a PEM PRIVATE KEY block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}
	signer, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is %T, want an ECDSA key", parsed)
	}
	if !signer.PublicKey.Equal(certificate.PublicKey) {
		return nil, fmt.Errorf("CA key does not match CA certificate")
	}

	// NewFromBytes zeroes keyBlock.Bytes once copied.
	buffer, err := secret.NewFromBytes(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("protecting CA key: %w", err)
	}
	return &Authority{
		certificate: certificate,
		certPEM:     certPEM,
		key:         buffer,
		leaves:      make(map[string]*tls.Certificate),
		now:         time.Now,
	}, nil
}

// CertificatePEM returns the CA certificate, for NODE_EXTRA_CA_CERTS and
// test trust pools.
func (a *Authority) CertificatePEM() []byte {
	return a.certPEM
}

// CertPool returns a pool trusting only this CA.
func (a *Authority) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.certificate)
	return pool
}

// Leaf returns a certificate for host, minting and caching one when no
// unexpired leaf is cached.
func (a *Authority) Leaf(host string) (*tls.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if leaf, ok := a.leaves[host]; ok && now.Add(leafRenewal).Before(leaf.Leaf.NotAfter) {
		return leaf, nil
	}
	leaf, err := a.mint(host, now)
	if err != nil {
		return nil, err
	}
	a.leaves[host] = leaf
	return leaf, nil
}

func (a *Authority) mint(host string, now time.Time) (*tls.Certificate, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(a.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("loading CA key: %w", err)
	}
	signer := parsed.(*ecdsa.PrivateKey)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key for %s: %w", host, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.certificate, &leafKey.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("signing leaf for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing leaf for %s: %w", host, err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, a.certificate.Raw},
		PrivateKey:  leafKey,
		Leaf:        leaf,
	}, nil
}

// Close releases the protected CA key.
func (a *Authority) Close() error {
	return a.key.Close()
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generating certificate serial: %w", err)
	}
	return serial, nil
}
