package transfer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of an endpoint as reported by the downloading peer.
type Status string

const (
	StatusNotStarted  Status = "not_started"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

var (
	// ErrEndpointNotFound indicates an unknown endpoint id.
	ErrEndpointNotFound = errors.New("transfer: endpoint not found")
	// ErrInvalidEndpoint indicates an empty id or nil source.
	ErrInvalidEndpoint = errors.New("transfer: invalid endpoint")
)

// Endpoint is a snapshot of one registered source.
type Endpoint struct {
	ID              string
	Source          Source
	Status          Status
	DownloadedBytes int64
	UpdatedAt       time.Time
}

type endpointEntry struct {
	Endpoint
	seq uint64
}

// Registry maps opaque endpoint ids to sources and tracks their delivery progress.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]*endpointEntry
	seq       uint64

	removeWhenDelivered bool
	onChange            func(Endpoint)
}

// NewRegistry creates an empty registry. onChange may be nil.
func NewRegistry(removeWhenDelivered bool, onChange func(Endpoint)) *Registry {
	return &Registry{
		endpoints:           make(map[string]*endpointEntry),
		removeWhenDelivered: removeWhenDelivered,
		onChange:            onChange,
	}
}

// Register adds source under a new random id.
func (r *Registry) Register(source Source) (string, error) {
	id := uuid.NewString()
	if err := r.RegisterWithID(id, source); err != nil {
		return "", err
	}
	return id, nil
}

// RegisterWithID adds or replaces the endpoint id.
func (r *Registry) RegisterWithID(id string, source Source) error {
	if id == "" || source == nil {
		return ErrInvalidEndpoint
	}

	r.mu.Lock()
	r.seq++
	entry := &endpointEntry{
		Endpoint: Endpoint{
			ID:        id,
			Source:    source,
			Status:    StatusNotStarted,
			UpdatedAt: time.Now(),
		},
		seq: r.seq,
	}
	r.endpoints[id] = entry
	snapshot := entry.Endpoint
	r.mu.Unlock()

	r.notify(snapshot)
	return nil
}

// Remove deletes an endpoint. It reports whether the endpoint existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.endpoints[id]
	delete(r.endpoints, id)
	r.mu.Unlock()
	return ok
}

// Get returns a snapshot of one endpoint.
func (r *Registry) Get(id string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	return entry.Endpoint, true
}

// List returns snapshots in registration order.
func (r *Registry) List() []Endpoint {
	r.mu.Lock()
	entries := make([]*endpointEntry, 0, len(r.endpoints))
	for _, entry := range r.endpoints {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Endpoint, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Endpoint)
	}
	return out
}

// Reset moves an endpoint back to not_started with no progress.
func (r *Registry) Reset(id string) error {
	return r.update(id, func(ep *Endpoint) bool {
		ep.Status = StatusNotStarted
		ep.DownloadedBytes = 0
		return true
	})
}

// UpdateProgress records bytes the peer reports as downloaded and derives the status.
//
// Bytes are clamped to the source size. Reaching the size of a non-empty source completes the
// endpoint; a completed endpoint never moves back.
func (r *Registry) UpdateProgress(id string, downloaded int64) (Endpoint, error) {
	var snapshot Endpoint
	err := r.update(id, func(ep *Endpoint) bool {
		if ep.Status == StatusCompleted {
			snapshot = *ep
			return false
		}

		size := ep.Source.Size()
		if downloaded < 0 {
			downloaded = 0
		}
		if downloaded > size {
			downloaded = size
		}
		before := *ep
		ep.DownloadedBytes = downloaded

		switch {
		case size > 0 && downloaded >= size:
			ep.Status = StatusCompleted
		case downloaded > 0 && ep.Status == StatusNotStarted:
			ep.Status = StatusDownloading
		}
		snapshot = *ep
		return before.DownloadedBytes != ep.DownloadedBytes || before.Status != ep.Status
	})
	return snapshot, err
}

// markStarted flips a not_started endpoint to downloading.
func (r *Registry) markStarted(id string) {
	_ = r.update(id, func(ep *Endpoint) bool {
		if ep.Status != StatusNotStarted {
			return false
		}
		ep.Status = StatusDownloading
		return true
	})
}

// fail reports the endpoint as failed and removes it.
func (r *Registry) fail(id string) {
	r.mu.Lock()
	entry, ok := r.endpoints[id]
	if ok {
		delete(r.endpoints, id)
	}
	var snapshot Endpoint
	if ok {
		snapshot = entry.Endpoint
		snapshot.Status = StatusFailed
		snapshot.UpdatedAt = time.Now()
	}
	r.mu.Unlock()

	if ok {
		r.notify(snapshot)
	}
}

// update applies fn under the lock; fn reports whether it changed anything.
func (r *Registry) update(id string, fn func(*Endpoint) bool) error {
	r.mu.Lock()
	entry, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return ErrEndpointNotFound
	}
	changed := fn(&entry.Endpoint)
	if changed {
		entry.UpdatedAt = time.Now()
	}
	snapshot := entry.Endpoint
	delivered := changed && snapshot.Status == StatusCompleted && r.removeWhenDelivered
	if delivered {
		delete(r.endpoints, id)
	}
	r.mu.Unlock()

	if changed {
		r.notify(snapshot)
	}
	return nil
}

func (r *Registry) notify(ep Endpoint) {
	if r.onChange != nil {
		r.onChange(ep)
	}
}
