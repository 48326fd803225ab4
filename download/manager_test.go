package download

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"geekpaste/certs"
	"geekpaste/protocol"
	"geekpaste/storage"
	"geekpaste/transfer"
)

type fixture struct {
	server *transfer.Server
	ts     *httptest.Server
	pinned string
	host   string
	port   int

	mu     sync.Mutex
	hits   int
	ranges []string
}

// newFixture serves a transfer.Server over TLS with its own identity.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	authority := certs.NewAuthority(certs.Options{Dir: t.TempDir()})
	identity, err := authority.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}

	f := &fixture{
		server: transfer.NewServer(authority, transfer.Options{}),
		pinned: identity.PublicKeyBase64(),
	}
	f.ts = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits++
		if strings.HasPrefix(r.URL.Path, "/share/") {
			f.ranges = append(f.ranges, r.Header.Get("Range"))
		}
		f.mu.Unlock()
		f.server.Handler().ServeHTTP(w, r)
	}))
	f.ts.TLS = &tls.Config{Certificates: []tls.Certificate{identity.TLSCertificate()}}
	f.ts.StartTLS()
	t.Cleanup(f.ts.Close)

	f.host, f.port = hostPort(t, f.ts.URL)
	return f
}

func (f *fixture) manifest(files ...protocol.FileEntry) protocol.Manifest {
	return protocol.Manifest{
		Addresses:          []string{f.host},
		Port:               f.port,
		PinnedPublicKeyB64: f.pinned,
		Files:              files,
	}
}

func (f *fixture) requestRanges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ranges...)
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portText, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.DownloadDir == "" {
		opts.DownloadDir = filepath.Join(t.TempDir(), "downloads")
	}
	if opts.FallbackDir == "" {
		opts.FallbackDir = filepath.Join(t.TempDir(), "fallback")
	}
	if opts.PartialDir == "" {
		opts.PartialDir = filepath.Join(t.TempDir(), "partial")
	}
	m := NewManager(opts)
	t.Cleanup(m.Close)
	return m
}

func waitAll(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func sampleData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestDownloadManifestScenario(t *testing.T) {
	f := newFixture(t)
	data := sampleData(500000)
	if err := f.server.RegisterWithID("abc", transfer.NewBytesSource("mem:abc", "a.txt", data)); err != nil {
		t.Fatalf("RegisterWithID failed: %v", err)
	}

	var mu sync.Mutex
	var statuses []Status
	m := newTestManager(t, Options{OnUpdate: func(task Task) {
		mu.Lock()
		defer mu.Unlock()
		if len(statuses) == 0 || statuses[len(statuses)-1] != task.Status {
			statuses = append(statuses, task.Status)
		}
	}})

	tasks, err := m.Enqueue(f.manifest(protocol.FileEntry{EndpointID: "abc", FileName: "a.txt", FileSize: 500000}), "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	wantURL := "https://" + net.JoinHostPort(f.host, strconv.Itoa(f.port)) + "/share/abc"
	if len(tasks) != 1 || tasks[0].SourceURL != wantURL {
		t.Fatalf("unexpected tasks %+v (want url %s)", tasks, wantURL)
	}
	waitAll(t, m)

	task, ok := m.Get("abc")
	if !ok || task.Status != StatusCompleted {
		t.Fatalf("expected completed task, got %+v", task)
	}
	if task.DownloadedBytes != 500000 || filepath.Base(task.SavedLocation) != "a.txt" {
		t.Fatalf("unexpected completed task %+v", task)
	}
	got, err := os.ReadFile(task.SavedLocation)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("saved content differs")
	}
	if _, err := os.Stat(task.TempPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file should be gone after move, stat err=%v", err)
	}

	ep, ok := f.server.Registry().Get("abc")
	if !ok || ep.Status != transfer.StatusCompleted || ep.DownloadedBytes != 500000 {
		t.Fatalf("final progress report not applied: %+v", ep)
	}

	mu.Lock()
	want := []Status{StatusPending, StatusDownloading, StatusCompleted}
	if len(statuses) != len(want) {
		mu.Unlock()
		t.Fatalf("unexpected status sequence %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			mu.Unlock()
			t.Fatalf("status %d: got %s want %s", i, statuses[i], want[i])
		}
	}
	mu.Unlock()

	again, err := m.Enqueue(f.manifest(protocol.FileEntry{EndpointID: "abc", FileName: "a.txt", FileSize: 500000}), "")
	if err != nil || len(again) != 0 {
		t.Fatalf("tracked file must not be enqueued twice: %+v %v", again, err)
	}
	if err := m.Retry("abc"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
	if n := m.ClearFinished(); n != 1 {
		t.Fatalf("expected one cleared task, got %d", n)
	}
	if _, ok := m.Get("abc"); ok {
		t.Fatalf("cleared task still listed")
	}
}

func TestDownloadResumesFromTempFile(t *testing.T) {
	f := newFixture(t)
	data := sampleData(4096)
	if err := f.server.RegisterWithID("res", transfer.NewBytesSource("mem:res", "resume.bin", data)); err != nil {
		t.Fatalf("RegisterWithID failed: %v", err)
	}

	m := newTestManager(t, Options{})
	if err := os.MkdirAll(m.opts.PartialDir, 0o755); err != nil {
		t.Fatalf("mkdir partial: %v", err)
	}
	if err := os.WriteFile(m.tempPath("res"), data[:1000], 0o600); err != nil {
		t.Fatalf("seed temp file: %v", err)
	}

	if _, err := m.Enqueue(f.manifest(protocol.FileEntry{EndpointID: "res", FileName: "resume.bin", FileSize: 4096}), ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitAll(t, m)

	task, _ := m.Get("res")
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %+v", task)
	}
	if ranges := f.requestRanges(); len(ranges) != 1 || ranges[0] != "bytes=1000-" {
		t.Fatalf("expected a single resumed request, got %q", ranges)
	}
	got, err := os.ReadFile(task.SavedLocation)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("resumed content differs (err=%v)", err)
	}
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	data := sampleData(2048)
	var gotRange atomic.Value
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			return
		}
		gotRange.Store(r.Header.Get("Range"))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}))
	t.Cleanup(ts.Close)

	spki, err := certs.MarshalPublicKey(ts.Certificate().PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKey failed: %v", err)
	}
	host, port := hostPort(t, ts.URL)

	m := newTestManager(t, Options{})
	if err := os.MkdirAll(m.opts.PartialDir, 0o755); err != nil {
		t.Fatalf("mkdir partial: %v", err)
	}
	if err := os.WriteFile(m.tempPath("x"), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("seed temp file: %v", err)
	}

	manifest := protocol.Manifest{
		Addresses: []string{host},
		Port:      port,
		Files:     []protocol.FileEntry{{EndpointID: "x", FileName: "x.bin", FileSize: int64(len(data))}},
	}
	if _, err := m.Enqueue(manifest, base64.StdEncoding.EncodeToString(spki)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitAll(t, m)

	task, _ := m.Get("x")
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %+v", task)
	}
	if r, _ := gotRange.Load().(string); r != "bytes=7-" {
		t.Fatalf("expected resume attempt, got range %q", r)
	}
	got, err := os.ReadFile(task.SavedLocation)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("full response must replace temp content (err=%v)", err)
	}
}

func TestDownloadRejectsPinMismatch(t *testing.T) {
	f := newFixture(t)
	if err := f.server.RegisterWithID("abc", transfer.NewBytesSource("mem:abc", "a.txt", sampleData(10))); err != nil {
		t.Fatalf("RegisterWithID failed: %v", err)
	}

	other := certs.NewAuthority(certs.Options{Dir: t.TempDir()})
	otherID, err := other.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}

	m := newTestManager(t, Options{})
	if _, err := m.Enqueue(f.manifest(protocol.FileEntry{EndpointID: "abc", FileName: "a.txt", FileSize: 10}), otherID.PublicKeyBase64()); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitAll(t, m)

	task, _ := m.Get("abc")
	if task.Status != StatusFailed || !strings.Contains(task.Error, "does not match pin") {
		t.Fatalf("expected pin failure, got %+v", task)
	}
	f.mu.Lock()
	hits := f.hits
	f.mu.Unlock()
	if hits != 0 {
		t.Fatalf("handler must not be reached on pin mismatch, got %d hits", hits)
	}
	select {
	case err := <-m.Errors():
		if !errors.Is(err, ErrPinMismatch) {
			t.Fatalf("expected ErrPinMismatch, got %v", err)
		}
	default:
		t.Fatalf("expected a reported error")
	}
}

func TestVerifyPinned(t *testing.T) {
	authority := certs.NewAuthority(certs.Options{Dir: t.TempDir()})
	identity, err := authority.Identity(false)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	spki, err := certs.DecodePublicKeyBase64(identity.PublicKeyBase64())
	if err != nil {
		t.Fatalf("DecodePublicKeyBase64 failed: %v", err)
	}
	raw := [][]byte{identity.Certificate.Raw}

	if err := VerifyPinned(spki)(raw, nil); err != nil {
		t.Fatalf("matching key rejected: %v", err)
	}
	tampered := append([]byte(nil), spki...)
	tampered[len(tampered)-1] ^= 0xff
	if err := VerifyPinned(tampered)(raw, nil); !errors.Is(err, ErrPinMismatch) {
		t.Fatalf("expected ErrPinMismatch, got %v", err)
	}
	if err := VerifyPinned(spki)(nil, nil); !errors.Is(err, ErrPinMismatch) {
		t.Fatalf("expected ErrPinMismatch for empty chain, got %v", err)
	}
}

func TestDownloadNameCollisionAndFallback(t *testing.T) {
	f := newFixture(t)
	data := sampleData(64)
	for _, id := range []string{"one", "two"} {
		if err := f.server.RegisterWithID(id, transfer.NewBytesSource("mem:"+id, "a.txt", data)); err != nil {
			t.Fatalf("RegisterWithID failed: %v", err)
		}
	}

	downloadDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(downloadDir, "a.txt"), []byte("existing"), 0o644); err != nil {
		t.Fatalf("seed existing file: %v", err)
	}
	m := newTestManager(t, Options{DownloadDir: downloadDir})
	if _, err := m.Enqueue(f.manifest(protocol.FileEntry{EndpointID: "one", FileName: "a.txt", FileSize: 64}), ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitAll(t, m)
	if task, _ := m.Get("one"); task.SavedLocation != filepath.Join(downloadDir, "a (1).txt") {
		t.Fatalf("expected suffixed name, got %+v", task)
	}

	blocked := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocked, nil, 0o644); err != nil {
		t.Fatalf("seed blocking file: %v", err)
	}
	fallback := t.TempDir()
	m2 := newTestManager(t, Options{DownloadDir: blocked, FallbackDir: fallback})
	if _, err := m2.Enqueue(f.manifest(protocol.FileEntry{EndpointID: "two", FileName: "a.txt", FileSize: 64}), ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitAll(t, m2)
	if task, _ := m2.Get("two"); task.Status != StatusCompleted || task.SavedLocation != filepath.Join(fallback, "a.txt") {
		t.Fatalf("expected fallback destination, got %+v", task)
	}
}

func TestCancelKeepsTempFileAndRetryResumes(t *testing.T) {
	data := sampleData(200000)
	half := len(data) / 2

	var stalling atomic.Bool
	stalling.Store(true)
	var mu sync.Mutex
	var ranges []string
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			return
		}
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		if stalling.Load() {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data[:half])
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		http.ServeContent(w, r, "big.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(ts.Close)

	spki, err := certs.MarshalPublicKey(ts.Certificate().PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKey failed: %v", err)
	}
	host, port := hostPort(t, ts.URL)
	manifest := protocol.Manifest{
		Addresses:          []string{host},
		Port:               port,
		PinnedPublicKeyB64: base64.StdEncoding.EncodeToString(spki),
		Files:              []protocol.FileEntry{{EndpointID: "big", FileName: "big.bin", FileSize: int64(len(data))}},
	}

	m := newTestManager(t, Options{})
	if _, err := m.Enqueue(manifest, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		task, _ := m.Get("big")
		if task.DownloadedBytes >= int64(half) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("download never reached half way: %+v", task)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Cancel("big"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitAll(t, m)

	task, _ := m.Get("big")
	if task.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %+v", task)
	}
	info, err := os.Stat(task.TempPath)
	if err != nil || info.Size() != int64(half) {
		t.Fatalf("cancelled task must keep its temp file (err=%v)", err)
	}

	stalling.Store(false)
	if err := m.Retry("big"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	waitAll(t, m)

	task, _ = m.Get("big")
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed after retry, got %+v", task)
	}
	mu.Lock()
	last := ranges[len(ranges)-1]
	mu.Unlock()
	if last != "bytes="+strconv.Itoa(half)+"-" {
		t.Fatalf("retry must resume from temp file, got range %q", last)
	}
	got, err := os.ReadFile(task.SavedLocation)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("retried content differs (err=%v)", err)
	}

	if err := m.Remove("big"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := m.Remove("big"); err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	if err := m.Cancel("big"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRestoreMarksActiveTasksFailed(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	seed := []storage.DownloadTask{
		{TaskID: "a", FileName: "a.txt", FileSize: 1, SourceURL: "https://127.0.0.1:1/share/a", Status: storage.TaskStatusDownloading},
		{TaskID: "b", FileName: "b.txt", FileSize: 1, SourceURL: "https://127.0.0.1:1/share/b", Status: storage.TaskStatusCompleted, SavedLocation: "/tmp/b.txt"},
	}
	for _, task := range seed {
		if err := store.SaveDownloadTask(task); err != nil {
			t.Fatalf("SaveDownloadTask failed: %v", err)
		}
	}

	m := newTestManager(t, Options{Store: store})
	if err := m.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("expected two restored tasks, got %+v", list)
	}
	if a, _ := m.Get("a"); a.Status != StatusFailed || a.Error != interruptedError {
		t.Fatalf("active task must come back failed, got %+v", a)
	}
	if b, _ := m.Get("b"); b.Status != StatusCompleted || b.SavedLocation != "/tmp/b.txt" {
		t.Fatalf("unexpected restored task %+v", b)
	}

	persisted, err := store.GetDownloadTask("a")
	if err != nil || persisted.Status != storage.TaskStatusFailed {
		t.Fatalf("restored failure not persisted: %+v %v", persisted, err)
	}

	if err := m.Remove("b"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.GetDownloadTask("b"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected removed task to be deleted, got %v", err)
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	m := newTestManager(t, Options{})
	manifest := protocol.Manifest{
		Addresses: []string{"127.0.0.1"},
		Port:      443,
		Files:     []protocol.FileEntry{{EndpointID: "a", FileName: "a", FileSize: 1}},
	}
	if _, err := m.Enqueue(manifest, "not base64!"); err == nil {
		t.Fatalf("expected invalid pinned key error")
	}
	manifest.Files = nil
	if _, err := m.Enqueue(manifest, ""); !errors.Is(err, protocol.ErrInvalidManifest) {
		t.Fatalf("expected ErrInvalidManifest, got %v", err)
	}
}

func TestEnqueueHonoursCancelAndRemoveFromOnUpdate(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b"} {
		if err := f.server.RegisterWithID(id, transfer.NewBytesSource("mem:"+id, id+".txt", sampleData(1000))); err != nil {
			t.Fatalf("RegisterWithID failed: %v", err)
		}
	}
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var m *Manager
	var once sync.Once
	m = newTestManager(t, Options{Store: store, OnUpdate: func(task Task) {
		if task.ID != "a" || task.Status != StatusPending {
			return
		}
		once.Do(func() {
			if err := m.Cancel("a"); err != nil {
				t.Errorf("Cancel failed: %v", err)
			}
			if err := m.Remove("b"); err != nil {
				t.Errorf("Remove failed: %v", err)
			}
		})
	}})

	tasks, err := m.Enqueue(f.manifest(
		protocol.FileEntry{EndpointID: "a", FileName: "a.txt", FileSize: 1000},
		protocol.FileEntry{EndpointID: "b", FileName: "b.txt", FileSize: 1000},
	), "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitAll(t, m)

	if len(tasks) != 1 || tasks[0].ID != "a" {
		t.Fatalf("removed task must not be returned, got %+v", tasks)
	}
	if a, _ := m.Get("a"); a.Status != StatusCancelled {
		t.Fatalf("expected cancelled task, got %+v", a)
	}
	if _, ok := m.Get("b"); ok {
		t.Fatalf("removed task still listed")
	}
	if ranges := f.requestRanges(); len(ranges) != 0 {
		t.Fatalf("no download should start, got requests %v", ranges)
	}

	persisted, err := store.GetDownloadTask("a")
	if err != nil || persisted.Status != storage.TaskStatusCancelled {
		t.Fatalf("cancelled status not persisted: %+v %v", persisted, err)
	}
	if _, err := store.GetDownloadTask("b"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("removed task must not be saved again, got %v", err)
	}
	if err := m.Retry("a"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	waitAll(t, m)
	if a, _ := m.Get("a"); a.Status != StatusCompleted {
		t.Fatalf("expected completed after retry, got %+v", a)
	}
}

type closeCountingTransport struct {
	*http.Transport
	closes *atomic.Int32
}

func (c closeCountingTransport) CloseIdleConnections() {
	c.closes.Add(1)
	c.Transport.CloseIdleConnections()
}

func TestDownloadClosesIdleConnections(t *testing.T) {
	f := newFixture(t)
	if err := f.server.RegisterWithID("abc", transfer.NewBytesSource("mem:abc", "a.txt", sampleData(4096))); err != nil {
		t.Fatalf("RegisterWithID failed: %v", err)
	}

	var clients, closes atomic.Int32
	m := newTestManager(t, Options{NewClient: func(pinned []byte) *http.Client {
		clients.Add(1)
		base := NewPinnedClient(pinned)
		return &http.Client{Transport: closeCountingTransport{Transport: base.Transport.(*http.Transport), closes: &closes}}
	}})
	if _, err := m.Enqueue(f.manifest(protocol.FileEntry{EndpointID: "abc", FileName: "a.txt", FileSize: 4096}), ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitAll(t, m)

	if task, _ := m.Get("abc"); task.Status != StatusCompleted {
		t.Fatalf("expected completed task, got %+v", task)
	}
	if clients.Load() != 1 || closes.Load() != 1 {
		t.Fatalf("expected the one client to be closed once, got clients=%d closes=%d", clients.Load(), closes.Load())
	}
}
