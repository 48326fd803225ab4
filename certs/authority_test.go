package certs

import (
	"bytes"
	"crypto/x509"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAuthority(t *testing.T) (*Authority, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewAuthority(Options{Dir: t.TempDir(), Now: clock.Now}), clock
}

func TestIdentityIsStableAcrossAuthorities(t *testing.T) {
	first, clock := newTestAuthority(t)
	id, err := first.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}

	if id.Certificate.Subject.CommonName != DefaultSubject || id.Certificate.Subject.Organization[0] != DefaultSubject {
		t.Fatalf("unexpected subject %v", id.Certificate.Subject)
	}
	if got := id.Certificate.NotAfter.Sub(clock.Now()); got != DefaultValidity {
		t.Fatalf("unexpected validity %v", got)
	}
	if _, err := os.Stat(first.Path()); err != nil {
		t.Fatalf("expected identity.p12 on disk: %v", err)
	}

	second := NewAuthority(Options{Dir: first.opts.Dir, Now: clock.Now})
	reloaded, err := second.Identity(false)
	if err != nil {
		t.Fatalf("reload Identity failed: %v", err)
	}
	if reloaded.PublicKeyBase64() != id.PublicKeyBase64() {
		t.Fatalf("expected persisted identity to be reused")
	}
}

func TestIdentityNotRegeneratedUnlessForced(t *testing.T) {
	a, _ := newTestAuthority(t)
	id, err := a.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	again, err := a.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if again.PublicKeyBase64() != id.PublicKeyBase64() {
		t.Fatalf("valid identity must not be regenerated")
	}

	rotated, err := a.Rotate()
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rotated.PublicKeyBase64() == id.PublicKeyBase64() {
		t.Fatalf("forced refresh must produce a new key")
	}
}

func TestIdentityRegeneratedWithinHorizon(t *testing.T) {
	a, clock := newTestAuthority(t)
	id, err := a.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}

	clock.Advance(DefaultValidity - DefaultRefreshHorizon - 24*time.Hour)
	same, err := a.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if same.PublicKeyBase64() != id.PublicKeyBase64() {
		t.Fatalf("identity outside the horizon must be kept")
	}

	clock.Advance(48 * time.Hour)
	renewed, err := a.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if renewed.PublicKeyBase64() == id.PublicKeyBase64() {
		t.Fatalf("identity inside the horizon must be regenerated")
	}
}

func TestIdentityReplacesCorruptContainer(t *testing.T) {
	a, _ := newTestAuthority(t)
	if err := os.WriteFile(a.Path(), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write corrupt identity: %v", err)
	}
	if _, err := LoadIdentity(a.Path(), DefaultPassphrase); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	if _, err := a.Identity(false); err != nil {
		t.Fatalf("expected corrupt identity to be replaced, got %v", err)
	}
}

func TestIdentityContainerUsesPassphrase(t *testing.T) {
	a, _ := newTestAuthority(t)
	id, err := a.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if _, _, _, err := pkcs12.DecodeChain(id.PKCS12, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
	if _, _, _, err := pkcs12.DecodeChain(id.PKCS12, DefaultPassphrase); err != nil {
		t.Fatalf("expected default passphrase to decode: %v", err)
	}
}

func TestGuestCertificateIsSignedByIdentity(t *testing.T) {
	a, _ := newTestAuthority(t)
	guest, err := a.IssueGuest("")
	if err != nil {
		t.Fatalf("IssueGuest failed: %v", err)
	}
	if !strings.HasSuffix(guest.Certificate.Subject.CommonName, "Guest") {
		t.Fatalf("unexpected guest subject %v", guest.Certificate.Subject)
	}

	if _, err := a.VerifyGuest(guest.DER); err != nil {
		t.Fatalf("VerifyGuest failed: %v", err)
	}

	_, leaf, chain, err := pkcs12.DecodeChain(guest.PKCS12, DefaultPassphrase)
	if err != nil {
		t.Fatalf("decode guest container: %v", err)
	}
	if !bytes.Equal(leaf.Raw, guest.DER) || len(chain) != 1 {
		t.Fatalf("unexpected guest container contents")
	}

	other, _ := newTestAuthority(t)
	if _, err := other.VerifyGuest(guest.DER); err == nil {
		t.Fatalf("expected foreign authority to reject guest certificate")
	}

	again, err := a.IssueGuest("")
	if err != nil {
		t.Fatalf("IssueGuest failed: %v", err)
	}
	if bytes.Equal(again.Certificate.RawSubjectPublicKeyInfo, guest.Certificate.RawSubjectPublicKeyInfo) {
		t.Fatalf("each guest certificate must use a fresh key")
	}
}

func TestPublicKeyBase64MatchesMarshalledLeafKey(t *testing.T) {
	a, _ := newTestAuthority(t)
	id, err := a.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}

	tlsCert, err := a.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	spki, err := MarshalPublicKey(leaf.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKey failed: %v", err)
	}

	pinned, err := DecodePublicKeyBase64(id.PublicKeyBase64())
	if err != nil {
		t.Fatalf("DecodePublicKeyBase64 failed: %v", err)
	}
	if !bytes.Equal(spki, pinned) {
		t.Fatalf("pinned key does not match served leaf key")
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("abcdef0123456789")
	if got != "ABCD EF01 2345 6789" {
		t.Fatalf("unexpected fingerprint %q", got)
	}
	if len(KeyFingerprint([]byte("key"))) != 32 {
		t.Fatalf("expected 16-byte hex fingerprint")
	}
}
