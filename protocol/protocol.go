package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	KindText    = "text"
	KindGetCert = "get_cert"
	KindSetCert = "set_cert"
	KindFiles   = "files"
)

var (
	// ErrUnknownKind indicates an envelope kind this build does not understand.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrMalformed indicates an envelope or payload that does not decode.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrInvalidManifest indicates a files manifest that breaks its invariants.
	ErrInvalidManifest = errors.New("protocol: invalid file manifest")
)

// Envelope is the JSON document carried over the control link.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload is one of Text, GetCert, SetCert or Files.
type Payload interface {
	Kind() string
	isPayload()
}

// Text is clipboard content.
type Text struct {
	Content string
}

// GetCert asks the peer for its certificate. Certificate optionally carries the requester's own.
type GetCert struct {
	Certificate *Certificate
}

// SetCert answers GetCert.
type SetCert struct {
	Certificate Certificate
}

// Files announces a set of files served by the sender's transfer server.
type Files struct {
	Manifest Manifest
}

func (Text) Kind() string    { return KindText }
func (GetCert) Kind() string { return KindGetCert }
func (SetCert) Kind() string { return KindSetCert }
func (Files) Kind() string   { return KindFiles }

func (Text) isPayload()    {}
func (GetCert) isPayload() {}
func (SetCert) isPayload() {}
func (Files) isPayload()   {}

// Certificate carries certificate material as base64 text.
//
// PublicKey is the base64 SPKI key the sender's transfer server presents; receivers pin it.
type Certificate struct {
	DER       string `json:"der"`
	PKCS12    string `json:"pkcs12"`
	PublicKey string `json:"publicKey,omitempty"`
}

// NewCertificate encodes raw certificate bytes.
func NewCertificate(der, pkcs12 []byte, publicKeyB64 string) Certificate {
	return Certificate{
		DER:       base64.StdEncoding.EncodeToString(der),
		PKCS12:    base64.StdEncoding.EncodeToString(pkcs12),
		PublicKey: publicKeyB64,
	}
}

// Bytes decodes the DER and PKCS#12 blobs.
func (c Certificate) Bytes() (der, pkcs12 []byte, err error) {
	der, err = base64.StdEncoding.DecodeString(c.DER)
	if err != nil {
		return nil, nil, fmt.Errorf("decode certificate der: %w", err)
	}
	pkcs12, err = base64.StdEncoding.DecodeString(c.PKCS12)
	if err != nil {
		return nil, nil, fmt.Errorf("decode certificate pkcs12: %w", err)
	}
	return der, pkcs12, nil
}

// FileEntry describes one offered file.
type FileEntry struct {
	EndpointID string `json:"endpointId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
}

// Manifest tells the receiver where to fetch a set of files.
type Manifest struct {
	Addresses          []string    `json:"addresses"`
	Port               int         `json:"port"`
	PinnedPublicKeyB64 string      `json:"pinnedPublicKeyB64"`
	Files              []FileEntry `json:"files"`
}

// Validate checks the manifest invariants.
func (m Manifest) Validate() error {
	if len(m.Files) == 0 {
		return fmt.Errorf("%w: no files", ErrInvalidManifest)
	}
	if len(m.Addresses) == 0 || m.Addresses[0] == "" {
		return fmt.Errorf("%w: no address", ErrInvalidManifest)
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidManifest, m.Port)
	}

	seen := make(map[string]struct{}, len(m.Files))
	for _, file := range m.Files {
		if file.EndpointID == "" {
			return fmt.Errorf("%w: empty endpoint id", ErrInvalidManifest)
		}
		if file.FileSize < 0 {
			return fmt.Errorf("%w: negative size for %q", ErrInvalidManifest, file.EndpointID)
		}
		if _, ok := seen[file.EndpointID]; ok {
			return fmt.Errorf("%w: duplicate endpoint id %q", ErrInvalidManifest, file.EndpointID)
		}
		seen[file.EndpointID] = struct{}{}
	}
	return nil
}

// BaseURL returns https://{first address}:{port}.
func (m Manifest) BaseURL() string {
	host := ""
	if len(m.Addresses) > 0 {
		host = m.Addresses[0]
	}
	return "https://" + net.JoinHostPort(host, strconv.Itoa(m.Port))
}

// ShareURL returns the download URL of one endpoint.
func (m Manifest) ShareURL(endpointID string) string {
	return m.BaseURL() + "/share/" + endpointID
}

// ProgressURL returns the progress report URL of the sending server.
func (m Manifest) ProgressURL() string {
	return m.BaseURL() + "/progress"
}

// Encode marshals a payload into its envelope.
func Encode(p Payload) ([]byte, error) {
	var body any
	switch msg := p.(type) {
	case Text:
		body = msg.Content
	case GetCert:
		if msg.Certificate != nil {
			body = msg.Certificate
		}
	case SetCert:
		body = msg.Certificate
	case Files:
		if err := msg.Manifest.Validate(); err != nil {
			return nil, err
		}
		body = msg.Manifest
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}

	envelope := Envelope{Kind: p.Kind()}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
		}
		envelope.Payload = raw
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope and its payload.
func Decode(data []byte) (Payload, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch envelope.Kind {
	case KindText:
		var content string
		if err := unmarshalPayload(envelope, &content); err != nil {
			return nil, err
		}
		return Text{Content: content}, nil
	case KindGetCert:
		if isEmpty(envelope.Payload) {
			return GetCert{}, nil
		}
		var cert Certificate
		if err := unmarshalPayload(envelope, &cert); err != nil {
			return nil, err
		}
		return GetCert{Certificate: &cert}, nil
	case KindSetCert:
		var cert Certificate
		if err := unmarshalPayload(envelope, &cert); err != nil {
			return nil, err
		}
		return SetCert{Certificate: cert}, nil
	case KindFiles:
		var manifest Manifest
		if err := unmarshalPayload(envelope, &manifest); err != nil {
			return nil, err
		}
		if err := manifest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return Files{Manifest: manifest}, nil
	case "":
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Kind)
	}
}

func unmarshalPayload(envelope Envelope, target any) error {
	if isEmpty(envelope.Payload) {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, envelope.Kind)
	}
	if err := json.Unmarshal(envelope.Payload, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, envelope.Kind, err)
	}
	return nil
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
