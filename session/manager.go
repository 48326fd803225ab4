package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"geekpaste/certs"
	"geekpaste/codec"
	"geekpaste/download"
	"geekpaste/protocol"
	"geekpaste/storage"
)

const (
	DefaultWriteAttempts   = 3
	DefaultWriteRetryDelay = 100 * time.Millisecond
	DefaultBondTimeout     = 30 * time.Second
	DefaultEchoWindow      = 2 * time.Second
)

var (
	// ErrNotConnected indicates no connected session exists for an address.
	ErrNotConnected = errors.New("session: peer not connected")
	// ErrConnectInProgress indicates a connect attempt for the address is already running.
	ErrConnectInProgress = errors.New("session: connection already in progress")
	// ErrBondFailed indicates the peer rejected bonding or never answered.
	ErrBondFailed = errors.New("session: bonding failed")
	// ErrServiceNotFound indicates the expected service or characteristic is missing.
	ErrServiceNotFound = errors.New("session: service or characteristic not found")
	// ErrWriteFailed indicates a fragment write failed after every retry.
	ErrWriteFailed = errors.New("session: write failed")
	// ErrStopped indicates the manager was stopped.
	ErrStopped = errors.New("session: manager stopped")
	// ErrNotConfigured indicates an operation whose collaborator was not supplied.
	ErrNotConfigured = errors.New("session: collaborator not configured")
)

// DeviceStore remembers devices the manager has bonded with.
type DeviceStore interface {
	GetDevice(address string) (*storage.Device, error)
	ListDevices() ([]storage.Device, error)
	UpsertDevice(device storage.Device) error
	IsBonded(address string) (bool, error)
	SetDeviceBonded(address string, bonded bool) error
	SetDevicePinnedKey(address, publicKeyB64 string) error
	RemoveDevice(address string) error
}

// FileSharer exposes local files on the transfer server.
type FileSharer interface {
	ShareFiles(paths []string) (protocol.Manifest, error)
	Unshare(manifest protocol.Manifest)
}

// Downloader fetches files announced by a peer.
type Downloader interface {
	Enqueue(manifest protocol.Manifest, pinnedKeyB64 string) ([]download.Task, error)
}

// Options configures a Manager. Radio is required.
type Options struct {
	Radio     Radio
	Clipboard Clipboard
	Authority *certs.Authority
	Devices   DeviceStore
	Sharer    FileSharer
	Downloads Downloader

	ServiceUUID                 string
	CharacteristicUUID          string
	WriteAttempts               int
	WriteRetryDelay             time.Duration
	FragmentPacing              time.Duration
	BondTimeout                 time.Duration
	EchoWindow                  time.Duration
	RequestCertificateOnConnect bool
	Now                         func() time.Time

	OnStateChange func(address string, state State)
	OnText        func(address, text string)
	OnFiles       func(address string, manifest protocol.Manifest)
}

func (o Options) withDefaults() Options {
	if o.Clipboard == nil {
		o.Clipboard = NewMemoryClipboard(nil)
	}
	if o.ServiceUUID == "" {
		o.ServiceUUID = DefaultServiceUUID
	}
	if o.CharacteristicUUID == "" {
		o.CharacteristicUUID = DefaultCharacteristicUUID
	}
	if o.WriteAttempts <= 0 {
		o.WriteAttempts = DefaultWriteAttempts
	}
	if o.WriteRetryDelay < 0 {
		o.WriteRetryDelay = 0
	} else if o.WriteRetryDelay == 0 {
		o.WriteRetryDelay = DefaultWriteRetryDelay
	}
	if o.FragmentPacing < 0 {
		o.FragmentPacing = 0
	} else if o.FragmentPacing == 0 {
		o.FragmentPacing = codec.DefaultPacing
	}
	if o.BondTimeout <= 0 {
		o.BondTimeout = DefaultBondTimeout
	}
	if o.EchoWindow <= 0 {
		o.EchoWindow = DefaultEchoWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Info is a snapshot of one session.
type Info struct {
	Address     string
	State       State
	PayloadSize int
	PinnedKey   string
	Inbound     bool
}

// Manager owns every peer session: connection setup, fragment I/O and message dispatch.
type Manager struct {
	opts   Options
	echo   *echoGuard
	frames *codec.Reassembler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*peerSession
	stopped  bool

	wg   sync.WaitGroup
	errs chan error
}

// NewManager validates options and creates a manager.
func NewManager(options Options) (*Manager, error) {
	if options.Radio == nil {
		return nil, errors.New("radio is required")
	}
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		echo:     newEchoGuard(opts.EchoWindow, opts.Now),
		frames:   codec.NewReassembler(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*peerSession),
		errs:     make(chan error, 64),
	}, nil
}

// Errors returns asynchronous link, protocol and dispatch errors.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Start reconnects to bonded devices in the background.
func (m *Manager) Start() error {
	if m.opts.Devices == nil {
		return nil
	}
	devices, err := m.opts.Devices.ListDevices()
	if err != nil {
		return fmt.Errorf("list saved devices: %w", err)
	}
	for _, device := range devices {
		if !device.Bonded {
			continue
		}
		address := device.Address
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.Connect(m.ctx, address); err != nil && !errors.Is(err, ErrStopped) {
				m.reportError(fmt.Errorf("reconnect %s: %w", address, err))
			}
		}()
	}
	return nil
}

// Stop disconnects every session and waits for background work.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sessions := make([]*peerSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	m.cancel()
	for _, sess := range sessions {
		m.finish(sess, nil)
	}
	m.wg.Wait()
}

// Scan reports nearby devices until ctx is done.
func (m *Manager) Scan(ctx context.Context, found func(Advertisement)) error {
	return m.opts.Radio.Scan(ctx, found)
}

// Connect opens a session to address and runs it up to StateConnected.
// Connecting to an already connected address is a no-op.
func (m *Manager) Connect(ctx context.Context, address string) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if existing, ok := m.sessions[address]; ok {
		m.mu.Unlock()
		if existing.currentState() == StateConnected {
			return nil
		}
		return ErrConnectInProgress
	}
	sess := newPeerSession(address, false)
	m.sessions[address] = sess
	m.mu.Unlock()

	m.setState(sess, StateConnecting)

	link, err := m.opts.Radio.Connect(ctx, address)
	if err != nil {
		m.finish(sess, nil)
		return fmt.Errorf("connect %s: %w", address, err)
	}
	sess.attach(link)
	m.wg.Add(1)
	go m.eventLoop(sess, link)

	if err := m.establish(ctx, sess, link); err != nil {
		m.finish(sess, nil)
		return err
	}
	return nil
}

// Adopt takes over a link a peer opened to us and already subscribed on.
func (m *Manager) Adopt(link Link) error {
	sess := newPeerSession(link.Address(), true)
	sess.attach(link)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = link.Close()
		return ErrStopped
	}
	previous := m.sessions[sess.address]
	m.sessions[sess.address] = sess
	m.mu.Unlock()

	if previous != nil {
		m.finish(previous, nil)
	}
	m.wg.Add(1)
	go m.eventLoop(sess, link)
	m.setState(sess, StateConnected)
	return nil
}

// Disconnect closes the session for address. Unknown addresses are a no-op.
func (m *Manager) Disconnect(address string) error {
	m.mu.Lock()
	sess, ok := m.sessions[address]
	m.mu.Unlock()
	if ok {
		m.finish(sess, nil)
	}
	return nil
}

// Remove disconnects address and forgets its bond.
func (m *Manager) Remove(address string) error {
	if err := m.Disconnect(address); err != nil {
		return err
	}
	if m.opts.Devices == nil {
		return nil
	}
	if err := m.opts.Devices.RemoveDevice(address); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove device %s: %w", address, err)
	}
	return nil
}

// Sessions returns a snapshot of every session ordered by address.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// State returns the state of address; unknown addresses are disconnected.
func (m *Manager) State(address string) State {
	m.mu.Lock()
	sess, ok := m.sessions[address]
	m.mu.Unlock()
	if !ok {
		return StateDisconnected
	}
	return sess.currentState()
}

// SendText sends clipboard text to one peer.
func (m *Manager) SendText(ctx context.Context, address, text string) error {
	sess, err := m.connected(address)
	if err != nil {
		return err
	}
	m.echo.remember(text)
	return m.send(ctx, sess, protocol.Text{Content: text})
}

// BroadcastText sends a local clipboard change to every connected peer.
// Text that just arrived from a peer is not sent back.
func (m *Manager) BroadcastText(ctx context.Context, text string) error {
	if m.echo.isEcho(text) {
		return nil
	}
	m.echo.remember(text)

	var errs []error
	for _, sess := range m.connectedSessions() {
		if err := m.send(ctx, sess, protocol.Text{Content: text}); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", sess.address, err))
		}
	}
	return errors.Join(errs...)
}

// RequestCertificate asks a peer for its certificate, offering ours.
func (m *Manager) RequestCertificate(ctx context.Context, address string) error {
	sess, err := m.connected(address)
	if err != nil {
		return err
	}
	request := protocol.GetCert{}
	if m.opts.Authority != nil {
		identity, err := m.opts.Authority.Identity(false)
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		cert := protocol.NewCertificate(identity.Certificate.Raw, nil, identity.PublicKeyBase64())
		request.Certificate = &cert
	}
	return m.send(ctx, sess, request)
}

// ShareFiles exposes paths on the transfer server and sends the manifest to a peer.
// The endpoints are withdrawn again when the manifest cannot be delivered.
func (m *Manager) ShareFiles(ctx context.Context, address string, paths []string) (protocol.Manifest, error) {
	if m.opts.Sharer == nil {
		return protocol.Manifest{}, fmt.Errorf("%w: file sharer", ErrNotConfigured)
	}
	sess, err := m.connected(address)
	if err != nil {
		return protocol.Manifest{}, err
	}
	manifest, err := m.opts.Sharer.ShareFiles(paths)
	if err != nil {
		return protocol.Manifest{}, fmt.Errorf("share files: %w", err)
	}
	if err := m.send(ctx, sess, protocol.Files{Manifest: manifest}); err != nil {
		m.opts.Sharer.Unshare(manifest)
		return protocol.Manifest{}, err
	}
	return manifest, nil
}

func (m *Manager) connected(address string) (*peerSession, error) {
	m.mu.Lock()
	sess, ok := m.sessions[address]
	m.mu.Unlock()
	if !ok || sess.currentState() != StateConnected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, address)
	}
	return sess, nil
}

func (m *Manager) connectedSessions() []*peerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peerSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.currentState() == StateConnected {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

// send encodes payload and writes its fragments. Writes to one peer never interleave.
func (m *Manager) send(ctx context.Context, sess *peerSession, payload protocol.Payload) error {
	data, err := protocol.Encode(payload)
	if err != nil {
		return err
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	link := sess.currentLink()
	if link == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, sess.address)
	}
	write := func(ctx context.Context, frame []byte) error {
		return m.writeWithRetry(ctx, link, frame)
	}
	if err := codec.Send(ctx, data, sess.currentPayloadSize(), m.opts.FragmentPacing, write); err != nil {
		return fmt.Errorf("send %s to %s: %w", payload.Kind(), sess.address, err)
	}
	return nil
}

func (m *Manager) writeWithRetry(ctx context.Context, link Link, frame []byte) error {
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if m.opts.WriteAttempts > 1 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.WriteRetryDelay), uint64(m.opts.WriteAttempts-1))
	}

	err := backoff.Retry(func() error {
		return link.Write(ctx, m.opts.ServiceUUID, m.opts.CharacteristicUUID, frame)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (m *Manager) setState(sess *peerSession, state State) {
	if !sess.setState(state) {
		return
	}
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(sess.address, state)
	}
}

// finish tears a session down exactly once and reports it disconnected.
func (m *Manager) finish(sess *peerSession, cause error) {
	link, first := sess.close()
	if !first {
		return
	}
	if link != nil {
		_ = link.Close()
	}

	m.mu.Lock()
	if m.sessions[sess.address] == sess {
		delete(m.sessions, sess.address)
		m.frames.Clear(sess.address)
	}
	m.mu.Unlock()

	m.setState(sess, StateDisconnected)
	if cause != nil {
		m.reportError(fmt.Errorf("link %s: %w", sess.address, cause))
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errs <- err:
	default:
	}
}
