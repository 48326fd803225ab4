package session

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"geekpaste/certs"
	"geekpaste/protocol"
	"geekpaste/storage"
)

func (m *Manager) dispatch(sess *peerSession, payload protocol.Payload) {
	switch p := payload.(type) {
	case protocol.Text:
		m.applyText(sess, p.Content)
	case protocol.GetCert:
		if p.Certificate != nil {
			m.storePeerCertificate(sess, *p.Certificate)
		}
		m.replyCertificate(sess)
	case protocol.SetCert:
		m.storePeerCertificate(sess, p.Certificate)
	case protocol.Files:
		m.acceptFiles(sess, p.Manifest)
	default:
		m.reportError(fmt.Errorf("%w: %T from %s", protocol.ErrUnknownKind, payload, sess.address))
	}
}

func (m *Manager) applyText(sess *peerSession, text string) {
	if m.echo.isEcho(text) {
		return
	}
	m.echo.remember(text)
	if err := m.opts.Clipboard.WriteText(text); err != nil {
		m.reportError(fmt.Errorf("apply clipboard from %s: %w", sess.address, err))
		return
	}
	if m.opts.OnText != nil {
		m.opts.OnText(sess.address, text)
	}
}

// replyCertificate answers get_cert with a fresh guest certificate and our pinned key.
func (m *Manager) replyCertificate(sess *peerSession) {
	if m.opts.Authority == nil {
		m.reportError(fmt.Errorf("%w: certificate authority", ErrNotConfigured))
		return
	}
	identity, err := m.opts.Authority.Identity(false)
	if err != nil {
		m.reportError(fmt.Errorf("load identity: %w", err))
		return
	}
	guest, err := m.opts.Authority.IssueGuest("")
	if err != nil {
		m.reportError(fmt.Errorf("issue guest certificate for %s: %w", sess.address, err))
		return
	}

	reply := protocol.SetCert{Certificate: protocol.NewCertificate(guest.DER, guest.PKCS12, identity.PublicKeyBase64())}
	if err := m.send(m.ctx, sess, reply); err != nil {
		m.reportError(err)
	}
}

// storePeerCertificate pins the key the peer's transfer server will present.
func (m *Manager) storePeerCertificate(sess *peerSession, cert protocol.Certificate) {
	key, err := pinnedKeyFromCertificate(cert)
	if err != nil {
		m.reportError(fmt.Errorf("certificate from %s: %w", sess.address, err))
		return
	}
	sess.setPinned(key)

	if m.opts.Devices == nil || sess.inbound {
		return
	}
	if err := m.opts.Devices.SetDevicePinnedKey(sess.address, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.reportError(err)
	}
}

// pinnedKeyFromCertificate prefers the explicit public key and falls back to the DER leaf key.
func pinnedKeyFromCertificate(cert protocol.Certificate) (string, error) {
	if cert.PublicKey != "" {
		if _, err := certs.DecodePublicKeyBase64(cert.PublicKey); err != nil {
			return "", err
		}
		return cert.PublicKey, nil
	}
	der, _, err := cert.Bytes()
	if err != nil {
		return "", err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("parse certificate: %w", err)
	}
	spki, err := certs.MarshalPublicKey(leaf.PublicKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(spki), nil
}

func (m *Manager) acceptFiles(sess *peerSession, manifest protocol.Manifest) {
	if m.opts.OnFiles != nil {
		m.opts.OnFiles(sess.address, manifest)
	}
	if m.opts.Downloads == nil {
		m.reportError(fmt.Errorf("%w: downloader", ErrNotConfigured))
		return
	}

	key := sess.pinned()
	if key == "" && m.opts.Devices != nil && !sess.inbound {
		if device, err := m.opts.Devices.GetDevice(sess.address); err == nil {
			key = device.PinnedPublicKey
		}
	}
	if _, err := m.opts.Downloads.Enqueue(manifest, key); err != nil {
		m.reportError(fmt.Errorf("enqueue files from %s: %w", sess.address, err))
	}
}
