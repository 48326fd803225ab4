package netradio

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"geekpaste/session"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size.
	MaxFrameSize = 64 * 1024
	// DefaultIdleReadTimeout is how long the read loop waits for a new frame before checking for shutdown.
	DefaultIdleReadTimeout = 250 * time.Millisecond
	// DefaultFrameTimeout bounds reading the rest of a frame once it started, and every write.
	DefaultFrameTimeout = 10 * time.Second
	// DefaultDialTimeout bounds TCP dial plus hello exchange.
	DefaultDialTimeout = 5 * time.Second
	// DefaultCallTimeout bounds waiting for a response from the peer.
	DefaultCallTimeout = 10 * time.Second
)

const (
	opHello       = "hello"
	opBondRequest = "bond_request"
	opBondResult  = "bond_result"
	opDiscover    = "discover"
	opServices    = "services"
	opSubscribe   = "subscribe"
	opSubscribed  = "subscribed"
	opMTURequest  = "mtu_request"
	opMTUResponse = "mtu_response"
	opWrite       = "write"
	opWriteAck    = "write_ack"
	opNotify      = "notify"
	opDisconnect  = "disconnect"
)

var (
	// ErrFrameTooLarge indicates a frame payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("netradio: frame exceeds max size")
	// ErrValueTooLong indicates a write longer than the negotiated MTU allows.
	ErrValueTooLong = errors.New("netradio: value exceeds mtu")
	// ErrRejected indicates the peer refused a request.
	ErrRejected = errors.New("netradio: request rejected by peer")
	// ErrNotSubscribed indicates a notification before the central subscribed.
	ErrNotSubscribed = errors.New("netradio: characteristic not subscribed")
	// ErrLinkClosed indicates the link is gone.
	ErrLinkClosed = errors.New("netradio: link closed")
	// ErrUnexpectedFrame indicates a frame that does not fit the exchange in progress.
	ErrUnexpectedFrame = errors.New("netradio: unexpected frame")

	errIdle = errors.New("netradio: idle")
)

// radioFrame is the single message type exchanged over a radio connection.
type radioFrame struct {
	Op             string          `json:"op"`
	ID             uint64          `json:"id,omitempty"`
	DeviceID       string          `json:"deviceId,omitempty"`
	Name           string          `json:"name,omitempty"`
	Port           int             `json:"port,omitempty"`
	Bonded         bool            `json:"bonded,omitempty"`
	OK             bool            `json:"ok,omitempty"`
	Error          string          `json:"error,omitempty"`
	Service        string          `json:"service,omitempty"`
	Characteristic string          `json:"characteristic,omitempty"`
	Services       []serviceRecord `json:"services,omitempty"`
	MTU            int             `json:"mtu,omitempty"`
	Value          []byte          `json:"value,omitempty"`
}

type serviceRecord struct {
	UUID            string   `json:"uuid"`
	Characteristics []string `json:"characteristics"`
}

func isResponse(op string) bool {
	switch op {
	case opServices, opSubscribed, opWriteAck:
		return true
	default:
		return false
	}
}

func toRecords(services []session.Service) []serviceRecord {
	out := make([]serviceRecord, 0, len(services))
	for _, svc := range services {
		out = append(out, serviceRecord{UUID: svc.UUID, Characteristics: append([]string(nil), svc.Characteristics...)})
	}
	return out
}

func fromRecords(records []serviceRecord) []session.Service {
	out := make([]session.Service, 0, len(records))
	for _, rec := range records {
		out = append(out, session.Service{UUID: rec.UUID, Characteristics: append([]string(nil), rec.Characteristics...)})
	}
	return out
}

// writeFrame writes one length-prefixed JSON frame.
func writeFrame(w io.Writer, frame radioFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal radio frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readFrame waits up to idle for the first byte of a frame, then up to complete for the rest.
// It returns errIdle when no frame started within idle.
func readFrame(conn net.Conn, idle, complete time.Duration) (radioFrame, error) {
	header := make([]byte, 4)

	if err := setReadDeadline(conn, idle); err != nil {
		return radioFrame{}, err
	}
	if _, err := io.ReadFull(conn, header[:1]); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return radioFrame{}, errIdle
		}
		return radioFrame{}, fmt.Errorf("read frame length: %w", err)
	}

	if err := setReadDeadline(conn, complete); err != nil {
		return radioFrame{}, err
	}
	if _, err := io.ReadFull(conn, header[1:]); err != nil {
		return radioFrame{}, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return radioFrame{}, ErrFrameTooLarge
	}
	payload := make([]byte, int(length))
	if _, err := io.ReadFull(conn, payload); err != nil {
		return radioFrame{}, fmt.Errorf("read frame payload: %w", err)
	}

	var frame radioFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return radioFrame{}, fmt.Errorf("decode radio frame: %w", err)
	}
	if frame.Op == "" {
		return radioFrame{}, fmt.Errorf("%w: missing op", ErrUnexpectedFrame)
	}
	return frame, nil
}

// setReadDeadline leaves the current deadline alone when timeout is not positive.
func setReadDeadline(conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	return nil
}
