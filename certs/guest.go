package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// GuestCertificate is a one-off certificate handed to a peer. It is never persisted.
type GuestCertificate struct {
	Certificate *x509.Certificate
	DER         []byte
	PKCS12      []byte
}

// IssueGuest creates a fresh key pair and a client certificate signed by the current identity.
// The PKCS#12 container is protected with the authority passphrase and carries the identity
// certificate as its chain.
func (a *Authority) IssueGuest(commonName string) (*GuestCertificate, error) {
	issuer, err := a.Identity(false)
	if err != nil {
		return nil, err
	}
	if commonName == "" {
		commonName = a.opts.Subject + " Guest"
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate guest key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := a.opts.Now()
	notAfter := now.Add(a.opts.Validity)
	if notAfter.After(issuer.Certificate.NotAfter) {
		notAfter = issuer.Certificate.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{a.opts.Subject},
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, issuer.Certificate, &privateKey.PublicKey, issuer.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create guest certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse guest certificate: %w", err)
	}

	container, err := pkcs12.Modern.Encode(privateKey, cert, []*x509.Certificate{issuer.Certificate}, a.opts.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("encode guest container: %w", err)
	}

	return &GuestCertificate{Certificate: cert, DER: der, PKCS12: container}, nil
}

// VerifyGuest checks that der was issued by the current identity.
func (a *Authority) VerifyGuest(der []byte) (*x509.Certificate, error) {
	issuer, err := a.Identity(false)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse guest certificate: %w", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(issuer.Certificate)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: a.opts.Now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return nil, fmt.Errorf("verify guest certificate: %w", err)
	}
	return cert, nil
}
