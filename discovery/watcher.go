package discovery

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

const (
	// PeerAppeared is emitted the first time a radio shows up.
	PeerAppeared EventType = "appeared"
	// PeerChanged is emitted when a known radio re-advertises different metadata.
	PeerChanged EventType = "changed"
	// PeerLost is emitted once a radio has been missing for MissedScans windows in a row.
	PeerLost EventType = "lost"
)

// EventType identifies a change to the set of nearby radios.
type EventType string

// Event carries one change to the set of nearby radios.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

type trackedPeer struct {
	peer   DiscoveredPeer
	misses int
}

// Watcher keeps a live view of nearby radios by browsing periodically and on demand.
type Watcher struct {
	cfg    Config
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]*trackedPeer

	events   chan Event
	requests chan chan error

	stateMu sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher validates config and prepares a watcher. Call Start to begin browsing.
func NewWatcher(config Config) (*Watcher, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}
	browse, err := cfg.resolveBrowse()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:      cfg,
		browse:   browse,
		peers:    make(map[string]*trackedPeer),
		events:   make(chan Event, 128),
		requests: make(chan chan error),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the browse loop. Calling it again is a no-op.
func (w *Watcher) Start() error {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.stopped {
		return ErrWatcherStopped
	}
	if w.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.started = true
	w.cancel = cancel
	go w.loop(ctx)
	return nil
}

// Stop ends browsing and closes Events.
func (w *Watcher) Stop() {
	w.stateMu.Lock()
	if w.stopped {
		w.stateMu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	if w.cancel != nil {
		w.cancel()
	}
	w.stateMu.Unlock()

	if started {
		<-w.done
	}
	close(w.events)
}

// Events delivers changes. Events are dropped when the buffer is full.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Refresh runs a browse window now and waits for it to finish.
func (w *Watcher) Refresh(ctx context.Context) error {
	w.stateMu.Lock()
	started, stopped := w.started, w.stopped
	w.stateMu.Unlock()
	switch {
	case stopped:
		return ErrWatcherStopped
	case !started:
		return ErrWatcherNotStarted
	}

	result := make(chan error, 1)
	select {
	case w.requests <- result:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrWatcherStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrWatcherStopped
	}
}

// Peer looks up a nearby radio by device id.
func (w *Watcher) Peer(deviceID string) (DiscoveredPeer, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	tracked, ok := w.peers[deviceID]
	if !ok {
		return DiscoveredPeer{}, false
	}
	return tracked.peer, true
}

// Peers returns the nearby radios ordered by name, then device id.
func (w *Watcher) Peers() []DiscoveredPeer {
	w.mu.RLock()
	out := make([]DiscoveredPeer, 0, len(w.peers))
	for _, tracked := range w.peers {
		out = append(out, tracked.peer)
	}
	w.mu.RUnlock()

	slices.SortFunc(out, func(a, b DiscoveredPeer) int {
		return cmp.Or(cmp.Compare(a.DeviceName, b.DeviceName), cmp.Compare(a.DeviceID, b.DeviceID))
	})
	return out
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	_ = w.scan(ctx)
	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.scan(ctx)
		case result := <-w.requests:
			result <- w.scan(ctx)
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	var mu sync.Mutex
	seen := make(map[string]DiscoveredPeer)
	err := collect(ctx, w.cfg, w.browse, func(peer DiscoveredPeer) {
		mu.Lock()
		seen[peer.DeviceID] = peer
		mu.Unlock()
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	w.merge(seen)
	return nil
}

// merge folds one window's results into the live view.
func (w *Watcher) merge(seen map[string]DiscoveredPeer) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, peer := range seen {
		tracked, known := w.peers[id]
		switch {
		case !known:
			w.peers[id] = &trackedPeer{peer: peer}
			w.emit(Event{Type: PeerAppeared, Peer: peer})
		case !tracked.peer.sameAdvertisement(peer):
			tracked.peer, tracked.misses = peer, 0
			w.emit(Event{Type: PeerChanged, Peer: peer})
		default:
			tracked.peer.LastSeen, tracked.misses = peer.LastSeen, 0
		}
	}

	for id, tracked := range w.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		tracked.misses++
		if tracked.misses >= w.cfg.MissedScans {
			delete(w.peers, id)
			w.emit(Event{Type: PeerLost, Peer: tracked.peer})
		}
	}
}

func (w *Watcher) emit(event Event) {
	select {
	case w.events <- event:
	default:
	}
}
