package download

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"time"

	"geekpaste/certs"
)

// NewPinnedClient returns an HTTPS client that accepts exactly one server key.
// The certificate chain and hostname are not checked; the leaf SPKI must equal pinnedSPKI.
func NewPinnedClient(pinnedSPKI []byte) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:            tls.VersionTLS12,
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: VerifyPinned(pinnedSPKI),
		},
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// VerifyPinned builds a tls.Config.VerifyPeerCertificate hook for pinnedSPKI.
func VerifyPinned(pinnedSPKI []byte) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	pinned := append([]byte(nil), pinnedSPKI...)
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: no certificate presented", ErrPinMismatch)
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("%w: parse leaf: %v", ErrPinMismatch, err)
		}
		spki, err := certs.MarshalPublicKey(leaf.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPinMismatch, err)
		}
		if !bytes.Equal(spki, pinned) {
			return fmt.Errorf("%w: got %s", ErrPinMismatch, certs.FormatFingerprint(certs.KeyFingerprint(spki)))
		}
		return nil
	}
}
