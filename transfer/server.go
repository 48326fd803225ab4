package transfer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"geekpaste/certs"
)

const (
	// DefaultListenAddr binds an ephemeral port on every interface.
	DefaultListenAddr = ":0"
	// maxProgressBodyBytes bounds POST /progress bodies.
	maxProgressBodyBytes = 64 << 10
)

var (
	// ErrNotStarted indicates the server has no listener yet.
	ErrNotStarted = errors.New("transfer: server not started")
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("transfer: server already started")
)

// Options configures a Server.
type Options struct {
	ListenAddr          string
	RemoveWhenDelivered bool
	OnChange            func(Endpoint)
	ErrorLog            *log.Logger
	ReadHeaderTimeout   time.Duration
	IdleTimeout         time.Duration

	// AdvertiseAddresses overrides the addresses written into manifests.
	AdvertiseAddresses []string
}

func (o Options) withDefaults() Options {
	if o.ListenAddr == "" {
		o.ListenAddr = DefaultListenAddr
	}
	if o.ReadHeaderTimeout <= 0 {
		o.ReadHeaderTimeout = 15 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	return o
}

// Server is the HTTPS endpoint peers download shared files from.
type Server struct {
	opts      Options
	authority *certs.Authority
	registry  *Registry
	mux       *http.ServeMux

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server

	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a server that takes its TLS identity from authority.
func NewServer(authority *certs.Authority, options Options) *Server {
	opts := options.withDefaults()
	s := &Server{
		opts:      opts,
		authority: authority,
		registry:  NewRegistry(opts.RemoveWhenDelivered, opts.OnChange),
		mux:       http.NewServeMux(),
		errs:      make(chan error, 16),
		closed:    make(chan struct{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("POST /progress", s.handleProgress)
	s.mux.HandleFunc("GET /share/{id}", s.handleShare)
}

// Handler returns the HTTP surface without TLS, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Registry exposes the endpoint registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Register adds a source under a new endpoint id.
func (s *Server) Register(source Source) (string, error) {
	return s.registry.Register(source)
}

// RegisterWithID adds or replaces a source under id.
func (s *Server) RegisterWithID(id string, source Source) error {
	return s.registry.RegisterWithID(id, source)
}

// Remove drops an endpoint. Removing an unknown id is a no-op.
func (s *Server) Remove(id string) {
	s.registry.Remove(id)
}

// List returns all endpoints in registration order.
func (s *Server) List() []Endpoint {
	return s.registry.List()
}

// Errors returns asynchronous serve errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Start listens on the configured address and serves TLS until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.authority.Identity(false); err != nil {
		return fmt.Errorf("load transfer identity: %w", err)
	}

	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	raw, err := lc.Listen(ctx, "tcp", s.opts.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %q: %w", s.opts.ListenAddr, err)
	}
	tlsConfig := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.authority.GetCertificate,
	}
	s.listener = tls.NewListener(raw, tlsConfig)
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
		ErrorLog:          s.opts.ErrorLog,
	}
	listener, httpServer := s.listener, s.httpServer
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.reportError(fmt.Errorf("serve transfer endpoints: %w", err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.closed:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0, ErrNotStarted
	}
	addr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("transfer: unexpected listener address %T", s.listener.Addr())
	}
	return addr.Port, nil
}

// PublicKeyBase64 returns the SPKI key peers must pin.
func (s *Server) PublicKeyBase64() (string, error) {
	id, err := s.authority.Identity(false)
	if err != nil {
		return "", err
	}
	return id.PublicKeyBase64(), nil
}

// Close shuts the HTTP server down. Calling Close on a server that never started is a no-op.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		httpServer := s.httpServer
		s.mu.Unlock()
		if httpServer != nil {
			closeErr = httpServer.Close()
		}
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

type progressReport struct {
	Endpoint        string `json:"endpoint"`
	DownloadedBytes int64  `json:"downloadedBytes"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxProgressBodyBytes)

	var report progressReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeText(w, http.StatusBadRequest, "invalid progress report")
		return
	}

	if _, err := s.registry.UpdateProgress(report.Endpoint, report.DownloadedBytes); err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			writeText(w, http.StatusNotFound, "unknown endpoint")
			return
		}
		writeText(w, http.StatusInternalServerError, "progress update failed")
		return
	}
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	endpoint, ok := s.registry.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	source := endpoint.Source
	size := source.Size()
	etag := ETag(source)
	modTime, hasModTime := source.ModTime()

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("ETag", etag)
	if hasModTime {
		header.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" && etagListMatches(inm, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if ifRange := r.Header.Get("If-Range"); rangeHeader != "" && ifRange != "" && !ifRangeMatches(ifRange, etag, modTime, hasModTime) {
		rangeHeader = ""
	}

	span := byteRange{start: 0, length: size}
	partial := false
	if rangeHeader != "" {
		parsed, err := parseRange(rangeHeader, size)
		switch {
		case errors.Is(err, errRangeUnsatisfiable):
			header.Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
			writeText(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
			return
		case err == nil:
			span = parsed
			partial = true
		}
	}

	if r.Method != http.MethodHead {
		s.registry.markStarted(id)
	}

	f, err := source.Open()
	if err != nil {
		s.failEndpoint(id, fmt.Errorf("open endpoint %s: %w", id, err))
		writeText(w, http.StatusInternalServerError, "source unavailable")
		return
	}
	defer f.Close()

	if span.start > 0 {
		if _, err := f.Seek(span.start, io.SeekStart); err != nil {
			s.failEndpoint(id, fmt.Errorf("seek endpoint %s: %w", id, err))
			writeText(w, http.StatusInternalServerError, "source unavailable")
			return
		}
	}

	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": source.Name()}))
	header.Set("Content-Length", strconv.FormatInt(span.length, 10))
	status := http.StatusOK
	if partial {
		header.Set("Content-Range", span.contentRange(size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	src := &trackedReader{r: f}
	if _, err := io.CopyN(w, src, span.length); err != nil {
		if src.err != nil {
			s.failEndpoint(id, fmt.Errorf("read endpoint %s: %w", id, src.err))
			panic(http.ErrAbortHandler)
		}
	}
}

func (s *Server) failEndpoint(id string, err error) {
	s.registry.fail(id)
	s.reportError(err)
}

// trackedReader remembers read failures so they can be told apart from client write failures.
type trackedReader struct {
	r   io.Reader
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	if errors.Is(err, io.EOF) && n == 0 {
		t.err = io.ErrUnexpectedEOF
	}
	return n, err
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
