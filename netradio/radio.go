// Package netradio emulates a bonded, MTU-limited GATT link over TCP so the session
// manager can run between ordinary hosts. Devices are found over mDNS.
package netradio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"geekpaste/discovery"
	"geekpaste/session"
)

// Options configures a Radio. DeviceID is required.
type Options struct {
	DeviceID   string
	DeviceName string
	MaxMTU     int
	Services   []session.Service

	DialTimeout     time.Duration
	IdleReadTimeout time.Duration
	FrameTimeout    time.Duration
	CallTimeout     time.Duration

	// Discovery configures Scan. SelfDeviceID defaults to DeviceID.
	Discovery discovery.Config

	// ApproveBond decides bond requests from centrals. Nil approves everything.
	ApproveBond func(deviceID, name string) bool
}

func (o Options) withDefaults() Options {
	if o.DeviceName == "" {
		o.DeviceName = o.DeviceID
	}
	if o.MaxMTU <= 0 || o.MaxMTU > session.MaxMTU {
		o.MaxMTU = session.MaxMTU
	}
	if len(o.Services) == 0 {
		o.Services = []session.Service{{
			UUID:            session.DefaultServiceUUID,
			Characteristics: []string{session.DefaultCharacteristicUUID},
		}}
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.IdleReadTimeout <= 0 {
		o.IdleReadTimeout = DefaultIdleReadTimeout
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = DefaultFrameTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Discovery.SelfDeviceID == "" {
		o.Discovery.SelfDeviceID = o.DeviceID
	}
	return o
}

// Radio dials peers and accepts their connections.
type Radio struct {
	opts Options

	mu   sync.Mutex
	port int
}

var _ session.Radio = (*Radio)(nil)

// New creates a radio.
func New(options Options) (*Radio, error) {
	if options.DeviceID == "" {
		return nil, errors.New("device ID is required")
	}
	return &Radio{opts: options.withDefaults()}, nil
}

func (r *Radio) timeouts() timeouts {
	return timeouts{idle: r.opts.IdleReadTimeout, frame: r.opts.FrameTimeout, call: r.opts.CallTimeout}
}

func (r *Radio) listenPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

// Scan browses mDNS for one window and reports every radio found.
func (r *Radio) Scan(ctx context.Context, found func(session.Advertisement)) error {
	return discovery.Browse(ctx, r.opts.Discovery, func(peer discovery.DiscoveredPeer) {
		address := peer.Address()
		if address == "" {
			return
		}
		found(session.Advertisement{Address: address, Name: peer.DeviceName, DeviceID: peer.DeviceID})
	})
}

// Connect dials the radio at address ("host:port") and exchanges hellos.
func (r *Radio) Connect(ctx context.Context, address string) (session.Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
	defer cancel()

	var dialer net.Dialer
	raw, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	hello, err := r.exchangeHello(raw, true)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("hello with %s: %w", address, err)
	}
	return newCentralLink(raw, address, hello, r.timeouts()), nil
}

// exchangeHello sends our hello first when dialing and second when accepting.
func (r *Radio) exchangeHello(raw net.Conn, dialing bool) (radioFrame, error) {
	if err := raw.SetDeadline(time.Now().Add(r.opts.DialTimeout)); err != nil {
		return radioFrame{}, fmt.Errorf("set hello deadline: %w", err)
	}
	ours := radioFrame{Op: opHello, DeviceID: r.opts.DeviceID, Name: r.opts.DeviceName, Port: r.listenPort()}

	if dialing {
		if err := writeFrame(raw, ours); err != nil {
			return radioFrame{}, err
		}
	}
	theirs, err := readFrame(raw, 0, 0)
	if err != nil {
		return radioFrame{}, err
	}
	if theirs.Op != opHello || theirs.DeviceID == "" {
		return radioFrame{}, fmt.Errorf("%w: expected hello, got %q", ErrUnexpectedFrame, theirs.Op)
	}
	if !dialing {
		return theirs, nil
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		return radioFrame{}, fmt.Errorf("clear hello deadline: %w", err)
	}
	return theirs, nil
}

// Listener accepts radio connections from centrals.
type Listener struct {
	radio    *Radio
	listener net.Listener

	links chan session.Link
	errs  chan error

	mu     sync.Mutex
	bonds  map[string]bool
	active map[*PeripheralLink]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts accepting on address. An empty address picks an ephemeral port.
// The listening port is announced in hellos so peers can connect back.
func (r *Radio) Listen(address string) (*Listener, error) {
	if address == "" {
		address = ":0"
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		r.mu.Lock()
		r.port = tcpAddr.Port
		r.mu.Unlock()
	}

	l := &Listener{
		radio:    r,
		listener: ln,
		links:    make(chan session.Link, 16),
		errs:     make(chan error, 16),
		bonds:    make(map[string]bool),
		active:   make(map[*PeripheralLink]struct{}),
		closed:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the listening TCP port.
func (l *Listener) Port() int {
	if tcpAddr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Links delivers inbound links once the central has subscribed.
func (l *Listener) Links() <-chan session.Link {
	return l.links
}

// Errors returns asynchronous accept and handshake errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and closes every inbound link.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		close(l.closed)
		active := make([]*PeripheralLink, 0, len(l.active))
		for link := range l.active {
			active = append(active, link)
		}
		l.mu.Unlock()

		closeErr = l.listener.Close()
		for _, link := range active {
			_ = link.Close()
		}
		l.wg.Wait()
		close(l.links)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// spawn runs fn on a tracked goroutine unless the listener is closing.
func (l *Listener) spawn(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isClosed() {
		return false
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
	return true
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.isClosed() {
				return
			}
			l.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}
		if !l.spawn(func() { l.handleInbound(conn) }) {
			_ = conn.Close()
			return
		}
	}
}

func (l *Listener) handleInbound(conn net.Conn) {
	hello, err := l.radio.exchangeHello(conn, false)
	if err != nil {
		l.reportError(fmt.Errorf("hello from %s: %w", conn.RemoteAddr(), err))
		_ = conn.Close()
		return
	}

	l.mu.Lock()
	bonded := l.bonds[hello.DeviceID]
	l.mu.Unlock()

	reply := radioFrame{Op: opHello, DeviceID: l.radio.opts.DeviceID, Name: l.radio.opts.DeviceName, Port: l.Port(), Bonded: bonded}
	if err := writeFrame(conn, reply); err != nil {
		l.reportError(fmt.Errorf("hello to %s: %w", conn.RemoteAddr(), err))
		_ = conn.Close()
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		l.reportError(fmt.Errorf("clear hello deadline: %w", err))
		_ = conn.Close()
		return
	}

	link := newPeripheralLink(conn, remoteRadioAddress(conn.RemoteAddr(), hello.Port), hello, l)

	l.mu.Lock()
	if l.isClosed() {
		l.mu.Unlock()
		_ = link.Close()
		return
	}
	l.active[link] = struct{}{}
	l.mu.Unlock()

	<-link.readDone
	l.mu.Lock()
	delete(l.active, link)
	l.mu.Unlock()
}

// approve records the bond when the hook (or its default) accepts it.
func (l *Listener) approve(deviceID, name string) bool {
	ok := true
	if l.radio.opts.ApproveBond != nil {
		ok = l.radio.opts.ApproveBond(deviceID, name)
	}
	if ok {
		l.mu.Lock()
		l.bonds[deviceID] = true
		l.mu.Unlock()
	}
	return ok
}

// Forget drops the bond for deviceID; its next connection has to pair again.
func (l *Listener) Forget(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bonds, deviceID)
}

func (l *Listener) deliver(link *PeripheralLink) {
	ok := l.spawn(func() {
		select {
		case l.links <- link:
		case <-l.closed:
			_ = link.Close()
		}
	})
	if !ok {
		_ = link.Close()
	}
}

func (l *Listener) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case l.errs <- err:
	default:
	}
}

// remoteRadioAddress is the address the central's own radio listens on, when it announced one.
func remoteRadioAddress(remote net.Addr, port int) string {
	if port <= 0 {
		return remote.String()
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return remote.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
