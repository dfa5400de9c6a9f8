// Package ca mints the ephemeral per-hostname TLS certificates the SSL
// Server Pool presents to clients, signed by a proxy-local root the client
// must be configured to trust.
//
// No library in the example pack mints synthetic leaf certificates for an
// interception proxy (golang.org/x/crypto/acme/autocert solves the adjacent
// but different problem of obtaining real certificates from a public ACME
// CA); crypto/x509 is the correct tool for a self-signed root of trust, so
// this package is a deliberate stdlib-only component.
package ca

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
	"sync"
	"time"
)

// Authority mints leaf certificates on demand.
type Authority interface {
	// Certificate returns a tls.Certificate valid for hostname, minting and
	// caching one on first use.
	Certificate(hostname string) (*tls.Certificate, error)
	// RootPEM returns the root certificate in PEM form, for clients to
	// import into their trust store.
	RootPEM() []byte
}

// LocalAuthority is a self-signed root that mints short-lived ECDSA leaf
// certificates per hostname, caching them for reuse.
type LocalAuthority struct {
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	rootDER  []byte
	rootPEM  []byte

	leafTTL time.Duration

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

// Options configures a new LocalAuthority.
type Options struct {
	// Organization names the root certificate's O field; defaults to
	// "vanessa local CA" when empty.
	Organization string
	// LeafTTL is how long minted leaf certificates remain valid; defaults
	// to 7 days when zero.
	LeafTTL time.Duration
}

// NewLocalAuthority generates a fresh self-signed root and returns an
// Authority ready to mint leaves under it.
func NewLocalAuthority(opts Options) (*LocalAuthority, error) {
	org := opts.Organization
	if org == "" {
		org = "vanessa local CA"
	}
	leafTTL := opts.LeafTTL
	if leafTTL <= 0 {
		leafTTL = 7 * 24 * time.Hour
	}

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca: generating root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{org},
			CommonName:   org,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("ca: self-signing root: %w", err)
	}
	rootCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing root: %w", err)
	}

	return &LocalAuthority{
		rootCert: rootCert,
		rootKey:  rootKey,
		rootDER:  der,
		rootPEM:  encodePEM("CERTIFICATE", der),
		leafTTL:  leafTTL,
		cache:    make(map[string]*tls.Certificate),
	}, nil
}

// Certificate implements Authority.
func (a *LocalAuthority) Certificate(hostname string) (*tls.Certificate, error) {
	a.mu.Lock()
	if cert, ok := a.cache[hostname]; ok && leafStillValid(cert) {
		a.mu.Unlock()
		return cert, nil
	}
	a.mu.Unlock()

	cert, err := a.mint(hostname)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache[hostname] = cert
	a.mu.Unlock()
	return cert, nil
}

// RootPEM implements Authority.
func (a *LocalAuthority) RootPEM() []byte {
	return a.rootPEM
}

func (a *LocalAuthority) mint(hostname string) (*tls.Certificate, error) {
	if hostname == "" {
		return nil, errors.New("ca: empty hostname")
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca: generating leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    time.Now().Add(-5 * time.Minute),
		NotAfter:     time.Now().Add(a.leafTTL),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.rootCert, &leafKey.PublicKey, a.rootKey)
	if err != nil {
		return nil, fmt.Errorf("ca: minting leaf for %q: %w", hostname, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, a.rootDER},
		PrivateKey:  leafKey,
		Leaf:        nil,
	}, nil
}

func leafStillValid(cert *tls.Certificate) bool {
	if len(cert.Certificate) == 0 {
		return false
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return false
	}
	return time.Now().Add(time.Minute).Before(parsed.NotAfter)
}

func encodePEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("ca: generating serial: %w", err)
	}
	return serial, nil
}
