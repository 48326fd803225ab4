package netradio

import (
	"context"
	"fmt"
	"net"
	"sync"

	"geekpaste/session"
)

// PeripheralLink is the accepting side of a radio connection. It serves the local
// services, receives the central's writes and sends notifications back.
type PeripheralLink struct {
	*linkConn

	listener *Listener
	name     string

	subMu      sync.Mutex
	subscribed map[string]bool
	delivered  bool
}

var _ session.Link = (*PeripheralLink)(nil)

func newPeripheralLink(raw net.Conn, address string, hello radioFrame, listener *Listener) *PeripheralLink {
	link := &PeripheralLink{
		linkConn:   newLinkConn(raw, address, hello.DeviceID, listener.radio.timeouts()),
		listener:   listener,
		name:       hello.Name,
		subscribed: make(map[string]bool),
	}
	go link.readLoop(link.handle)
	return link
}

// RemoteName returns the device name the central announced.
func (l *PeripheralLink) RemoteName() string {
	return l.name
}

// Bonded is always true: the central only gets here after pairing or reconnecting.
func (l *PeripheralLink) Bonded() bool { return true }

// CreateBond is a no-op; bonding is driven by the central.
func (l *PeripheralLink) CreateBond() error { return nil }

// DiscoverServices returns the local services.
func (l *PeripheralLink) DiscoverServices(context.Context) ([]session.Service, error) {
	return l.listener.radio.opts.Services, nil
}

// Subscribe is a no-op; the central subscribes to us.
func (l *PeripheralLink) Subscribe(string, string) error { return nil }

// RequestMTU is a no-op; the central negotiates.
func (l *PeripheralLink) RequestMTU(int) error { return nil }

// Write sends a notification on a characteristic the central subscribed to.
func (l *PeripheralLink) Write(_ context.Context, service, characteristic string, value []byte) error {
	if !l.isSubscribed(service, characteristic) {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, characteristic)
	}
	if err := l.checkValue(value); err != nil {
		return err
	}
	return l.send(radioFrame{Op: opNotify, Service: service, Characteristic: characteristic, Value: value})
}

func (l *PeripheralLink) isSubscribed(service, characteristic string) bool {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	return l.subscribed[service+"/"+characteristic]
}

func (l *PeripheralLink) hasCharacteristic(service, characteristic string) bool {
	for _, svc := range l.listener.radio.opts.Services {
		if svc.UUID == service && svc.HasCharacteristic(characteristic) {
			return true
		}
	}
	return false
}

func (l *PeripheralLink) handle(frame radioFrame) {
	switch frame.Op {
	case opBondRequest:
		l.listener.spawn(func() {
			ok := l.listener.approve(l.remoteID, l.name)
			_ = l.send(radioFrame{Op: opBondResult, OK: ok})
		})
	case opDiscover:
		_ = l.send(radioFrame{Op: opServices, ID: frame.ID, Services: toRecords(l.listener.radio.opts.Services)})
	case opSubscribe:
		if !l.hasCharacteristic(frame.Service, frame.Characteristic) {
			_ = l.send(radioFrame{Op: opSubscribed, ID: frame.ID, Error: "unknown characteristic"})
			return
		}
		l.subMu.Lock()
		l.subscribed[frame.Service+"/"+frame.Characteristic] = true
		first := !l.delivered
		l.delivered = true
		l.subMu.Unlock()

		_ = l.send(radioFrame{Op: opSubscribed, ID: frame.ID, OK: true})
		if first {
			l.listener.deliver(l)
		}
	case opMTURequest:
		mtu := min(frame.MTU, l.listener.radio.opts.MaxMTU)
		if mtu < session.DefaultMTU {
			mtu = session.DefaultMTU
		}
		l.setMTU(mtu)
		_ = l.send(radioFrame{Op: opMTUResponse, MTU: mtu})
		l.emit(session.LinkEvent{Kind: session.EventMTUChanged, MTU: mtu})
	case opWrite:
		ack := radioFrame{Op: opWriteAck, ID: frame.ID}
		switch {
		case !l.isSubscribed(frame.Service, frame.Characteristic):
			ack.Error = ErrNotSubscribed.Error()
		case l.checkValue(frame.Value) != nil:
			ack.Error = ErrValueTooLong.Error()
		default:
			ack.OK = true
			l.emit(session.LinkEvent{
				Kind:           session.EventNotification,
				Service:        frame.Service,
				Characteristic: frame.Characteristic,
				Value:          frame.Value,
			})
		}
		_ = l.send(ack)
	}
}
