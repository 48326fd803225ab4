package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Source is something the transfer server can stream.
type Source interface {
	// Identity is a stable description of where the bytes come from (a path or a handle).
	Identity() string
	Name() string
	Size() int64
	// ModTime reports the modification time when the source knows it.
	ModTime() (time.Time, bool)
	Open() (io.ReadSeekCloser, error)
}

// FileSource serves a local file.
type FileSource struct {
	path    string
	name    string
	size    int64
	modTime time.Time
}

// NewFileSource stats path and captures its name, size and mtime.
func NewFileSource(path string) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("share %q: %w", path, errors.New("is a directory"))
	}
	return &FileSource{
		path:    abs,
		name:    info.Name(),
		size:    info.Size(),
		modTime: info.ModTime(),
	}, nil
}

func (s *FileSource) Identity() string           { return s.path }
func (s *FileSource) Name() string               { return s.name }
func (s *FileSource) Size() int64                { return s.size }
func (s *FileSource) ModTime() (time.Time, bool) { return s.modTime, true }

// Open opens the file for reading.
func (s *FileSource) Open() (io.ReadSeekCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", s.path, err)
	}
	return f, nil
}

// ContentSource serves an opaque handle, such as a platform content URI, through OpenFunc.
type ContentSource struct {
	Handle   string
	FileName string
	FileSize int64
	Modified time.Time
	OpenFunc func() (io.ReadSeekCloser, error)
}

func (s *ContentSource) Identity() string { return s.Handle }
func (s *ContentSource) Name() string     { return s.FileName }
func (s *ContentSource) Size() int64      { return s.FileSize }

func (s *ContentSource) ModTime() (time.Time, bool) {
	return s.Modified, !s.Modified.IsZero()
}

// Open calls OpenFunc.
func (s *ContentSource) Open() (io.ReadSeekCloser, error) {
	if s.OpenFunc == nil {
		return nil, fmt.Errorf("open %q: no opener", s.Handle)
	}
	return s.OpenFunc()
}

// NewBytesSource serves an in-memory buffer.
func NewBytesSource(handle, name string, data []byte) *ContentSource {
	return &ContentSource{
		Handle:   handle,
		FileName: name,
		FileSize: int64(len(data)),
		OpenFunc: func() (io.ReadSeekCloser, error) {
			return nopCloser{bytes.NewReader(data)}, nil
		},
	}
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }
