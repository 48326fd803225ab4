package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"geekpaste/protocol"
	"geekpaste/storage"
)

// peerSession is the state of one remote device.
type peerSession struct {
	address string
	inbound bool

	mu          sync.Mutex
	link        Link
	state       State
	payloadSize int
	pinnedKey   string

	writeMu sync.Mutex

	bondResult chan bool
	done       chan struct{}
	closeOnce  sync.Once
}

func newPeerSession(address string, inbound bool) *peerSession {
	return &peerSession{
		address:     address,
		inbound:     inbound,
		state:       StateDisconnected,
		payloadSize: PayloadSizeForMTU(DefaultMTU),
		bondResult:  make(chan bool, 1),
		done:        make(chan struct{}),
	}
}

func (s *peerSession) attach(link Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link = link
}

func (s *peerSession) currentLink() Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *peerSession) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState reports whether the state changed. A closed session only accepts StateDisconnected.
func (s *peerSession) setState(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() && state != StateDisconnected {
		return false
	}
	if s.state == state {
		return false
	}
	s.state = state
	return true
}

func (s *peerSession) currentPayloadSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloadSize
}

func (s *peerSession) setPayloadSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloadSize = size
}

func (s *peerSession) pinned() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinnedKey
}

func (s *peerSession) setPinned(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinnedKey = key
}

func (s *peerSession) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Address:     s.address,
		State:       s.state,
		PayloadSize: s.payloadSize,
		PinnedKey:   s.pinnedKey,
		Inbound:     s.inbound,
	}
}

func (s *peerSession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// close marks the session done. It returns the link and whether this call closed it.
func (s *peerSession) close() (Link, bool) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.done)
	})
	return s.currentLink(), first
}

// establish runs bonding, service discovery, subscription and MTU negotiation.
func (m *Manager) establish(ctx context.Context, sess *peerSession, link Link) error {
	bonded := link.Bonded()
	if !bonded && m.opts.Devices != nil {
		if known, err := m.opts.Devices.IsBonded(sess.address); err == nil && known {
			bonded = true
		}
	}

	if !bonded {
		m.setState(sess, StateBonding)
		if err := m.awaitBond(ctx, sess, link); err != nil {
			m.setState(sess, StateBondFailed)
			return err
		}
	}

	m.setState(sess, StateServiceDiscovery)
	services, err := link.DiscoverServices(ctx)
	if err != nil {
		return fmt.Errorf("discover services on %s: %w", sess.address, err)
	}
	if !m.hasExpectedCharacteristic(services) {
		return fmt.Errorf("%w on %s", ErrServiceNotFound, sess.address)
	}
	if err := link.Subscribe(m.opts.ServiceUUID, m.opts.CharacteristicUUID); err != nil {
		return fmt.Errorf("subscribe on %s: %w", sess.address, err)
	}

	m.setState(sess, StateConnected)
	m.rememberDevice(sess.address)

	if err := link.RequestMTU(MaxMTU); err != nil {
		m.reportError(fmt.Errorf("request mtu on %s: %w", sess.address, err))
	}

	if m.opts.RequestCertificateOnConnect {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.RequestCertificate(m.ctx, sess.address); err != nil {
				m.reportError(fmt.Errorf("request certificate from %s: %w", sess.address, err))
			}
		}()
	}
	return nil
}

func (m *Manager) awaitBond(ctx context.Context, sess *peerSession, link Link) error {
	if err := link.CreateBond(); err != nil {
		return fmt.Errorf("%w: %w", ErrBondFailed, err)
	}

	timer := time.NewTimer(m.opts.BondTimeout)
	defer timer.Stop()
	select {
	case accepted := <-sess.bondResult:
		if !accepted {
			return fmt.Errorf("%w: rejected by %s", ErrBondFailed, sess.address)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: timed out waiting for %s", ErrBondFailed, sess.address)
	case <-sess.done:
		return fmt.Errorf("%w: link to %s closed", ErrBondFailed, sess.address)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) hasExpectedCharacteristic(services []Service) bool {
	for _, svc := range services {
		if svc.UUID == m.opts.ServiceUUID && svc.HasCharacteristic(m.opts.CharacteristicUUID) {
			return true
		}
	}
	return false
}

func (m *Manager) rememberDevice(address string) {
	if m.opts.Devices == nil {
		return
	}
	now := m.opts.Now().UnixMilli()
	if err := m.opts.Devices.UpsertDevice(storage.Device{Address: address, Name: address, LastSeenAt: &now}); err != nil {
		m.reportError(err)
		return
	}
	if err := m.opts.Devices.SetDeviceBonded(address, true); err != nil {
		m.reportError(err)
	}
}

// eventLoop drains link events for one session until it ends.
func (m *Manager) eventLoop(sess *peerSession, link Link) {
	defer m.wg.Done()

	events := link.Events()
	for {
		select {
		case <-sess.done:
			return
		case ev, ok := <-events:
			if !ok {
				m.finish(sess, nil)
				return
			}
			switch ev.Kind {
			case EventBondState:
				select {
				case sess.bondResult <- ev.Bonded:
				default:
				}
			case EventMTUChanged:
				sess.setPayloadSize(PayloadSizeForMTU(ev.MTU))
			case EventNotification:
				m.handleNotification(sess, ev)
			case EventDisconnected:
				m.finish(sess, ev.Err)
				return
			}
		}
	}
}

func (m *Manager) handleNotification(sess *peerSession, ev LinkEvent) {
	if ev.Service != m.opts.ServiceUUID || ev.Characteristic != m.opts.CharacteristicUUID {
		return
	}
	msg, complete, err := m.frames.Decode(sess.address, ev.Value)
	if err != nil {
		m.reportError(fmt.Errorf("reassemble from %s: %w", sess.address, err))
		return
	}
	if !complete {
		return
	}

	payload, err := protocol.Decode(msg)
	if err != nil {
		m.reportError(fmt.Errorf("decode message from %s: %w", sess.address, err))
		return
	}
	m.dispatch(sess, payload)
}
