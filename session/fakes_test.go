package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"geekpaste/download"
	"geekpaste/protocol"
)

var errTransientWrite = errors.New("transient write failure")

type fakeLink struct {
	address string
	events  chan LinkEvent

	mu           sync.Mutex
	bonded       bool
	bondReply    *bool
	services     []Service
	subscribeErr error
	failWrites   int
	writeCalls   int
	writes       [][]byte
	maxMTU       int
	peer         *fakeLink
	closed       bool
}

func newFakeLink(address string) *fakeLink {
	return &fakeLink{
		address: address,
		events:  make(chan LinkEvent, 1024),
		services: []Service{{
			UUID:            DefaultServiceUUID,
			Characteristics: []string{DefaultCharacteristicUUID},
		}},
		maxMTU: DefaultMTU,
	}
}

func (l *fakeLink) Address() string           { return l.address }
func (l *fakeLink) Events() <-chan LinkEvent { return l.events }

func (l *fakeLink) Bonded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bonded
}

func (l *fakeLink) CreateBond() error {
	l.mu.Lock()
	reply := l.bondReply
	l.mu.Unlock()
	if reply != nil {
		l.emit(LinkEvent{Kind: EventBondState, Bonded: *reply})
	}
	return nil
}

func (l *fakeLink) DiscoverServices(context.Context) ([]Service, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Service(nil), l.services...), nil
}

func (l *fakeLink) Subscribe(string, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeErr
}

func (l *fakeLink) RequestMTU(mtu int) error {
	l.mu.Lock()
	negotiated := min(mtu, l.maxMTU)
	l.mu.Unlock()
	l.emit(LinkEvent{Kind: EventMTUChanged, MTU: negotiated})
	return nil
}

func (l *fakeLink) Write(_ context.Context, service, characteristic string, value []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("link closed")
	}
	l.writeCalls++
	if l.failWrites > 0 {
		l.failWrites--
		l.mu.Unlock()
		return errTransientWrite
	}
	l.writes = append(l.writes, append([]byte(nil), value...))
	peer := l.peer
	l.mu.Unlock()

	if peer != nil {
		peer.emit(LinkEvent{Kind: EventNotification, Service: service, Characteristic: characteristic, Value: value})
	}
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.events)
	return nil
}

// emit never blocks so a session calling Write from its event loop cannot deadlock the fake.
func (l *fakeLink) emit(ev LinkEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
	}
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

type fakeRadio struct {
	mu    sync.Mutex
	links map[string]*fakeLink
	ads   []Advertisement
}

func newFakeRadio(links ...*fakeLink) *fakeRadio {
	r := &fakeRadio{links: make(map[string]*fakeLink)}
	for _, link := range links {
		r.links[link.address] = link
	}
	return r
}

func (r *fakeRadio) Scan(_ context.Context, found func(Advertisement)) error {
	r.mu.Lock()
	ads := append([]Advertisement(nil), r.ads...)
	r.mu.Unlock()
	for _, ad := range ads {
		found(ad)
	}
	return nil
}

func (r *fakeRadio) Connect(_ context.Context, address string) (Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.links[address]
	if !ok {
		return nil, fmt.Errorf("no device at %s", address)
	}
	return link, nil
}

// pairLinks returns the central link (to "peer-b") and the peripheral link (from "peer-a").
func pairLinks() (*fakeLink, *fakeLink) {
	central := newFakeLink("peer-b")
	central.bonded = true
	peripheral := newFakeLink("peer-a")
	central.peer = peripheral
	peripheral.peer = central
	return central, peripheral
}

type stateRecorder struct {
	mu     sync.Mutex
	states map[string][]State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{states: make(map[string][]State)}
}

func (r *stateRecorder) record(address string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[address] = append(r.states[address], state)
}

func (r *stateRecorder) get(address string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states[address]...)
}

type enqueueCall struct {
	manifest protocol.Manifest
	key      string
}

type fakeDownloader struct {
	mu    sync.Mutex
	calls []enqueueCall
}

func (d *fakeDownloader) Enqueue(manifest protocol.Manifest, key string) ([]download.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, enqueueCall{manifest: manifest, key: key})
	return nil, nil
}

func (d *fakeDownloader) snapshot() []enqueueCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]enqueueCall(nil), d.calls...)
}

type fakeSharer struct {
	mu        sync.Mutex
	manifest  protocol.Manifest
	unshared  int
	sharedFor [][]string
}

func (s *fakeSharer) ShareFiles(paths []string) (protocol.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sharedFor = append(s.sharedFor, paths)
	return s.manifest, nil
}

func (s *fakeSharer) Unshare(protocol.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unshared++
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.FragmentPacing == 0 {
		opts.FragmentPacing = -1
	}
	if opts.WriteRetryDelay == 0 {
		opts.WriteRetryDelay = time.Millisecond
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func boolPtr(v bool) *bool {
	return &v
}
