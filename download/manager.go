package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"geekpaste/certs"
	"geekpaste/config"
	"geekpaste/protocol"
)

const (
	// DefaultProgressInterval is the minimum spacing of intermediate progress reports.
	DefaultProgressInterval = 500 * time.Millisecond

	readBufferSize   = 32 << 10
	interruptedError = "interrupted"
)

// Options configures a Manager.
type Options struct {
	// DownloadDir is the preferred destination; FallbackDir is used when it cannot be written.
	DownloadDir      string
	FallbackDir      string
	PartialDir       string
	ProgressInterval time.Duration
	Store            TaskStore
	OnUpdate         func(Task)
	NewClient        func(pinnedSPKI []byte) *http.Client
}

func (o Options) withDefaults() Options {
	if o.FallbackDir == "" {
		if dir, err := config.DefaultDownloadsDir(); err == nil {
			o.FallbackDir = dir
		}
	}
	if o.PartialDir == "" {
		o.PartialDir = filepath.Join(os.TempDir(), "geekpaste-partial")
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.NewClient == nil {
		o.NewClient = NewPinnedClient
	}
	return o
}

type taskState struct {
	task      Task
	pinned    []byte
	seq       uint64
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// Manager runs resumable, certificate-pinned downloads of shared files.
type Manager struct {
	opts Options

	ctx  context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*taskState
	seq    uint64
	closed bool

	errs chan error
	wg   sync.WaitGroup
}

// NewManager creates a download manager.
func NewManager(options Options) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		opts:  options.withDefaults(),
		ctx:   ctx,
		stop:  stop,
		tasks: make(map[string]*taskState),
		errs:  make(chan error, 32),
	}
}

// Errors returns asynchronous download and persistence errors.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Restore loads persisted tasks. Tasks that were active when the process stopped come back as failed.
func (m *Manager) Restore() error {
	if m.opts.Store == nil {
		return nil
	}
	records, err := m.opts.Store.ListDownloadTasks()
	if err != nil {
		return fmt.Errorf("restore download tasks: %w", err)
	}

	restored := make([]Task, 0, len(records))
	m.mu.Lock()
	for _, rec := range records {
		if _, exists := m.tasks[rec.TaskID]; exists {
			continue
		}
		task := taskFromRecord(rec)
		if task.Active() {
			task.Status = StatusFailed
			task.Error = interruptedError
			restored = append(restored, task)
		}
		m.seq++
		m.tasks[task.ID] = &taskState{task: task, seq: m.seq}
	}
	m.mu.Unlock()

	for _, task := range restored {
		m.persist(task)
	}
	return nil
}

// Enqueue starts one task per manifest file that is not already tracked.
// pinnedKeyB64 overrides the manifest key when non-empty.
func (m *Manager) Enqueue(manifest protocol.Manifest, pinnedKeyB64 string) ([]Task, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	keyB64 := pinnedKeyB64
	if keyB64 == "" {
		keyB64 = manifest.PinnedPublicKeyB64
	}
	pinned, err := certs.DecodePublicKeyBase64(keyB64)
	if err != nil {
		return nil, fmt.Errorf("pinned key: %w", err)
	}

	now := time.Now()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	added := make([]*taskState, 0, len(manifest.Files))
	for _, file := range manifest.Files {
		if _, exists := m.tasks[file.EndpointID]; exists {
			continue
		}
		m.seq++
		st := &taskState{
			task: Task{
				ID:          file.EndpointID,
				FileName:    file.FileName,
				FileSize:    file.FileSize,
				SourceURL:   manifest.ShareURL(file.EndpointID),
				ProgressURL: manifest.ProgressURL(),
				PinnedKey:   keyB64,
				Status:      StatusPending,
				TempPath:    m.tempPath(file.EndpointID),
				CreatedAt:   now,
				UpdatedAt:   now,
			},
			pinned: pinned,
			seq:    m.seq,
		}
		m.tasks[st.task.ID] = st
		added = append(added, st)
	}
	m.mu.Unlock()

	out := make([]Task, 0, len(added))
	for _, st := range added {
		task, ok := m.snapshotIfTracked(st)
		if !ok {
			continue
		}
		m.persist(task)
		m.notify(task)
		out = append(out, task)
	}

	// OnUpdate may have cancelled or removed a task while the lock was released.
	var cancelled []*taskState
	m.mu.Lock()
	for _, st := range added {
		switch {
		case m.closed || m.tasks[st.task.ID] != st:
		case st.cancelled.Load():
			cancelled = append(cancelled, st)
		default:
			m.startLocked(st)
		}
	}
	m.mu.Unlock()
	for _, st := range cancelled {
		m.update(st, func(t *Task) {
			t.Status = StatusCancelled
		})
	}
	return out, nil
}

// Get returns a snapshot of one task.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return st.task, true
}

// List returns every task in enqueue order.
func (m *Manager) List() []Task {
	m.mu.Lock()
	states := make([]*taskState, 0, len(m.tasks))
	for _, st := range m.tasks {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].seq < states[j].seq })
	out := make([]Task, 0, len(states))
	for _, st := range states {
		out = append(out, st.task)
	}
	m.mu.Unlock()
	return out
}

// Cancel stops an active task and keeps its temp file for a later Retry.
// Cancelling an inactive task is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if !st.task.Active() {
		m.mu.Unlock()
		return nil
	}
	st.cancelled.Store(true)
	cancel := st.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Retry restarts a failed or cancelled task, resuming from its temp file.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if st.task.Status != StatusFailed && st.task.Status != StatusCancelled {
		m.mu.Unlock()
		return ErrNotRetryable
	}
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if st.pinned == nil {
		pinned, err := certs.DecodePublicKeyBase64(st.task.PinnedKey)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("pinned key: %w", err)
		}
		st.pinned = pinned
	}
	st.task.Status = StatusPending
	st.task.Error = ""
	st.task.UpdatedAt = time.Now()
	snapshot := st.task
	m.mu.Unlock()

	m.persist(snapshot)
	m.notify(snapshot)

	m.mu.Lock()
	m.startLocked(st)
	m.mu.Unlock()
	return nil
}

// Remove cancels a task, deletes its temp file and forgets it. Removing an unknown id is a no-op.
// It must not be called from OnUpdate.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.tasks, id)
	st.cancelled.Store(true)
	cancel, done := st.cancel, st.done
	tempPath := st.task.TempPath
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if tempPath != "" {
		if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove temp file: %w", err)
		}
	}
	if m.opts.Store != nil {
		return m.opts.Store.DeleteDownloadTask(id)
	}
	return nil
}

// ClearFinished forgets completed tasks and returns how many were cleared.
func (m *Manager) ClearFinished() int {
	m.mu.Lock()
	cleared := make([]string, 0)
	for id, st := range m.tasks {
		if st.task.Status == StatusCompleted {
			delete(m.tasks, id)
			cleared = append(cleared, id)
		}
	}
	m.mu.Unlock()

	if m.opts.Store != nil {
		for _, id := range cleared {
			if err := m.opts.Store.DeleteDownloadTask(id); err != nil {
				m.reportError(err)
			}
		}
	}
	return len(cleared)
}

// Wait blocks until every task active at call time has stopped, or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	dones := make([]chan struct{}, 0, len(m.tasks))
	for _, st := range m.tasks {
		if st.task.Active() && st.done != nil {
			dones = append(dones, st.done)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, done := range dones {
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// Close interrupts running tasks and waits for them. Interrupted tasks end up failed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
}

func (m *Manager) tempPath(id string) string {
	return filepath.Join(m.opts.PartialDir, sanitizeFileName(id)+".part")
}

func (m *Manager) startLocked(st *taskState) {
	if st.task.Status != StatusPending {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	st.cancel = cancel
	st.cancelled.Store(false)
	st.done = make(chan struct{})

	m.wg.Add(1)
	go m.run(ctx, cancel, st, st.done)
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, st *taskState, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)
	defer cancel()

	err := m.download(ctx, st)
	switch {
	case err == nil:
	case st.cancelled.Load():
		m.update(st, func(t *Task) {
			t.Status = StatusCancelled
			t.Error = ""
		})
	case m.ctx.Err() != nil:
		m.update(st, func(t *Task) {
			t.Status = StatusFailed
			t.Error = interruptedError
		})
	default:
		m.update(st, func(t *Task) {
			t.Status = StatusFailed
			t.Error = err.Error()
		})
		m.reportError(fmt.Errorf("download %s: %w", st.task.ID, err))
	}
}

func (m *Manager) download(ctx context.Context, st *taskState) error {
	task := m.update(st, func(t *Task) {
		t.Status = StatusDownloading
		t.Error = ""
	})

	if err := os.MkdirAll(filepath.Dir(task.TempPath), 0o755); err != nil {
		return fmt.Errorf("create partial dir: %w", err)
	}
	offset, err := fileSize(task.TempPath)
	if err != nil {
		return fmt.Errorf("stat temp file: %w", err)
	}
	if offset > task.FileSize {
		if err := os.Remove(task.TempPath); err != nil {
			return fmt.Errorf("discard oversized temp file: %w", err)
		}
		offset = 0
	}

	client := m.opts.NewClient(st.pinned)
	defer client.CloseIdleConnections()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", task.SourceURL, err)
	}
	defer resp.Body.Close()

	flags := 0
	switch resp.StatusCode {
	case http.StatusOK:
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		offset = 0
	case http.StatusPartialContent:
		start, err := contentRangeStart(resp.Header.Get("Content-Range"))
		if err != nil || start != offset {
			return fmt.Errorf("%w: content range %q does not resume at %d", ErrUnexpectedStatus, resp.Header.Get("Content-Range"), offset)
		}
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	case http.StatusRequestedRangeNotSatisfiable:
		// A temp file that already holds every byte only needs to be moved.
		if offset == 0 || offset != task.FileSize {
			return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	reporter := newProgressReporter(client, task.ProgressURL, task.ID, m.opts.ProgressInterval, m.reportError)
	downloaded := offset
	m.setProgress(st, downloaded, false)

	if flags != 0 {
		f, err := os.OpenFile(task.TempPath, flags, 0o600)
		if err != nil {
			reporter.stop()
			return fmt.Errorf("open temp file: %w", err)
		}
		downloaded, err = m.stream(st, resp.Body, f, offset, reporter)
		closeErr := f.Close()
		if err != nil {
			reporter.stop()
			return err
		}
		if closeErr != nil {
			reporter.stop()
			return fmt.Errorf("close temp file: %w", closeErr)
		}
	}
	if downloaded != task.FileSize {
		reporter.stop()
		return fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, downloaded, task.FileSize)
	}
	reporter.finish(downloaded)

	dest, err := placeFile(task.TempPath, sanitizeFileName(task.FileName), []string{m.opts.DownloadDir, m.opts.FallbackDir})
	if err != nil {
		return fmt.Errorf("save %s: %w", task.FileName, err)
	}

	m.update(st, func(t *Task) {
		t.Status = StatusCompleted
		t.DownloadedBytes = downloaded
		t.SavedLocation = dest
	})
	return nil
}

// stream copies body into f, checking the cancel flag between reads.
func (m *Manager) stream(st *taskState, body io.Reader, f *os.File, offset int64, reporter *progressReporter) (int64, error) {
	buf := make([]byte, readBufferSize)
	downloaded := offset
	for {
		if st.cancelled.Load() {
			return downloaded, context.Canceled
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return downloaded, fmt.Errorf("write temp file: %w", err)
			}
			downloaded += int64(n)
			m.setProgress(st, downloaded, reporter.report(downloaded))
		}
		if errors.Is(readErr, io.EOF) {
			return downloaded, nil
		}
		if readErr != nil {
			return downloaded, fmt.Errorf("read body: %w", readErr)
		}
	}
}

func (m *Manager) setProgress(st *taskState, downloaded int64, publish bool) {
	m.mu.Lock()
	st.task.DownloadedBytes = downloaded
	st.task.UpdatedAt = time.Now()
	snapshot := st.task
	m.mu.Unlock()

	if publish {
		m.persist(snapshot)
		m.notify(snapshot)
	}
}

func (m *Manager) update(st *taskState, fn func(*Task)) Task {
	m.mu.Lock()
	fn(&st.task)
	st.task.UpdatedAt = time.Now()
	snapshot := st.task
	m.mu.Unlock()

	m.persist(snapshot)
	m.notify(snapshot)
	return snapshot
}

func (m *Manager) snapshotIfTracked(st *taskState) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return st.task, m.tasks[st.task.ID] == st
}

func (m *Manager) persist(task Task) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.SaveDownloadTask(task.record()); err != nil {
		m.reportError(err)
	}
}

func (m *Manager) notify(task Task) {
	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(task)
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

// contentRangeStart parses the first byte position of "bytes start-end/size".
func contentRangeStart(value string) (int64, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid content range %q", value)
	}
	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, fmt.Errorf("invalid content range %q", value)
	}
	return strconv.ParseInt(strings.TrimSpace(first), 10, 64)
}
