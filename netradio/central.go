package netradio

import (
	"context"
	"fmt"
	"net"
	"sync"

	"geekpaste/session"
)

// CentralLink is the dialing side of a radio connection. It writes to the peer's
// characteristic and receives its notifications.
type CentralLink struct {
	*linkConn

	bondMu sync.Mutex
	bonded bool
}

var _ session.Link = (*CentralLink)(nil)

func newCentralLink(raw net.Conn, address string, hello radioFrame, t timeouts) *CentralLink {
	link := &CentralLink{
		linkConn: newLinkConn(raw, address, hello.DeviceID, t),
		bonded:   hello.Bonded,
	}
	go link.readLoop(link.handle)
	return link
}

// Bonded reports whether the peripheral already trusts us.
func (l *CentralLink) Bonded() bool {
	l.bondMu.Lock()
	defer l.bondMu.Unlock()
	return l.bonded
}

// CreateBond asks the peripheral to pair. The outcome arrives as an EventBondState.
func (l *CentralLink) CreateBond() error {
	return l.send(radioFrame{Op: opBondRequest})
}

// DiscoverServices lists the peripheral's services.
func (l *CentralLink) DiscoverServices(ctx context.Context) ([]session.Service, error) {
	resp, err := l.call(ctx, radioFrame{Op: opDiscover})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if resp.Op != opServices {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedFrame, resp.Op)
	}
	return fromRecords(resp.Services), nil
}

// Subscribe enables notifications on characteristic.
func (l *CentralLink) Subscribe(service, characteristic string) error {
	resp, err := l.call(context.Background(), radioFrame{Op: opSubscribe, Service: service, Characteristic: characteristic})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("%w: subscribe %s: %s", ErrRejected, characteristic, resp.Error)
	}
	return nil
}

// RequestMTU starts MTU negotiation. The result arrives as an EventMTUChanged.
func (l *CentralLink) RequestMTU(mtu int) error {
	return l.send(radioFrame{Op: opMTURequest, MTU: mtu})
}

// Write performs a write with response.
func (l *CentralLink) Write(ctx context.Context, service, characteristic string, value []byte) error {
	if err := l.checkValue(value); err != nil {
		return err
	}
	resp, err := l.call(ctx, radioFrame{Op: opWrite, Service: service, Characteristic: characteristic, Value: value})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%w: write: %s", ErrRejected, resp.Error)
	}
	return nil
}

func (l *CentralLink) handle(frame radioFrame) {
	switch frame.Op {
	case opBondResult:
		l.bondMu.Lock()
		l.bonded = frame.OK
		l.bondMu.Unlock()
		l.emit(session.LinkEvent{Kind: session.EventBondState, Bonded: frame.OK})
	case opMTUResponse:
		l.setMTU(frame.MTU)
		l.emit(session.LinkEvent{Kind: session.EventMTUChanged, MTU: frame.MTU})
	case opNotify:
		l.emit(session.LinkEvent{
			Kind:           session.EventNotification,
			Service:        frame.Service,
			Characteristic: frame.Characteristic,
			Value:          frame.Value,
		})
	}
}
