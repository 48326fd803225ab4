package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"software.sslmate.com/src/go-pkcs12"
)

const (
	// IdentityFileName is the PKCS#12 container holding the server identity.
	IdentityFileName = "identity.p12"
	// DefaultPassphrase protects identity.p12.
	DefaultPassphrase = "geekpaste"
	// DefaultSubject is used for both CN and O of generated certificates.
	DefaultSubject = "GeekPaste"
	// DefaultValidity is the lifetime of a freshly generated certificate.
	DefaultValidity = 365 * 24 * time.Hour
	// DefaultRefreshHorizon regenerates an identity this close to expiry.
	DefaultRefreshHorizon = 30 * 24 * time.Hour
)

var (
	// ErrInvalidIdentity indicates identity.p12 exists but does not hold a usable ECDSA identity.
	ErrInvalidIdentity = errors.New("certs: invalid identity container")
)

// Identity is the long-lived TLS identity of the transfer server.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	PKCS12      []byte
}

// TLSCertificate returns the identity as a tls.Certificate.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.Certificate.Raw},
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}

// PublicKeyBase64 returns the base64 SPKI encoding peers pin against.
func (id *Identity) PublicKeyBase64() string {
	return base64SPKI(id.Certificate.RawSubjectPublicKeyInfo)
}

// Fingerprint returns the grouped fingerprint of the identity public key.
func (id *Identity) Fingerprint() string {
	return FormatFingerprint(KeyFingerprint(id.Certificate.RawSubjectPublicKeyInfo))
}

func (id *Identity) usable(now time.Time, horizon time.Duration) bool {
	if id == nil || id.Certificate == nil {
		return false
	}
	return now.Add(horizon).Before(id.Certificate.NotAfter)
}

// Options configures an Authority.
type Options struct {
	Dir            string
	Passphrase     string
	Subject        string
	Validity       time.Duration
	RefreshHorizon time.Duration
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Passphrase == "" {
		o.Passphrase = DefaultPassphrase
	}
	if o.Subject == "" {
		o.Subject = DefaultSubject
	}
	if o.Validity <= 0 {
		o.Validity = DefaultValidity
	}
	if o.RefreshHorizon <= 0 {
		o.RefreshHorizon = DefaultRefreshHorizon
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Authority owns the server identity and issues guest certificates.
type Authority struct {
	opts Options

	mu      sync.RWMutex
	current *Identity

	group singleflight.Group
}

// NewAuthority creates an authority persisting its identity under opts.Dir.
func NewAuthority(opts Options) *Authority {
	return &Authority{opts: opts.withDefaults()}
}

// Path returns the location of the identity container.
func (a *Authority) Path() string {
	return filepath.Join(a.opts.Dir, IdentityFileName)
}

// Identity returns the current identity.
//
// A new identity is generated when none exists, when the stored one cannot be read, or when it
// expires within the refresh horizon. forceRefresh always generates a new one.
func (a *Authority) Identity(forceRefresh bool) (*Identity, error) {
	now := a.opts.Now()
	if !forceRefresh {
		a.mu.RLock()
		current := a.current
		a.mu.RUnlock()
		if current.usable(now, a.opts.RefreshHorizon) {
			return current, nil
		}
	}

	key := "load"
	if forceRefresh {
		key = "rotate"
	}
	value, err, _ := a.group.Do(key, func() (any, error) {
		return a.loadOrGenerate(forceRefresh)
	})
	if err != nil {
		return nil, err
	}
	return value.(*Identity), nil
}

// Rotate replaces the identity regardless of its remaining validity.
func (a *Authority) Rotate() (*Identity, error) {
	return a.Identity(true)
}

// GetCertificate adapts Identity to tls.Config.GetCertificate, so a rotated
// identity is picked up by new handshakes.
func (a *Authority) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	id, err := a.Identity(false)
	if err != nil {
		return nil, err
	}
	cert := id.TLSCertificate()
	return &cert, nil
}

func (a *Authority) loadOrGenerate(forceRefresh bool) (*Identity, error) {
	now := a.opts.Now()
	if !forceRefresh {
		stored, err := LoadIdentity(a.Path(), a.opts.Passphrase)
		if err == nil && stored.usable(now, a.opts.RefreshHorizon) {
			a.setCurrent(stored)
			return stored, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrInvalidIdentity) {
			return nil, err
		}
	}

	id, err := a.generate(now)
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(a.Path(), id); err != nil {
		return nil, err
	}
	a.setCurrent(id)
	return id, nil
}

func (a *Authority) setCurrent(id *Identity) {
	a.mu.Lock()
	a.current = id
	a.mu.Unlock()
}

func (a *Authority) generate(now time.Time) (*Identity, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   a.opts.Subject,
			Organization: []string{a.opts.Subject},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(a.opts.Validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create identity certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse identity certificate: %w", err)
	}

	container, err := pkcs12.Modern.Encode(privateKey, cert, nil, a.opts.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("encode identity container: %w", err)
	}

	return &Identity{Certificate: cert, PrivateKey: privateKey, PKCS12: container}, nil
}

// LoadIdentity reads and decrypts a PKCS#12 identity container.
func LoadIdentity(path, passphrase string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	key, cert, _, err := pkcs12.DecodeChain(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	privateKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected key type %T", ErrInvalidIdentity, key)
	}

	return &Identity{Certificate: cert, PrivateKey: privateKey, PKCS12: raw}, nil
}

// SaveIdentity writes the identity container with 0600 permissions.
func SaveIdentity(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}

	tempPath := path + ".part"
	if err := os.WriteFile(tempPath, id.PKCS12, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("finalize identity: %w", err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}
	return serial, nil
}
