package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/rzbill/mev/internal/event"
)

// File appends one JSON document per event to a file.
type File struct {
	path string

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// NewFile opens path for appending, creating parent directories.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("file sink: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "file sink: create directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "file sink: open %s", path)
	}
	return &File{path: path, f: f, w: bufio.NewWriterSize(f, 64<<10)}, nil
}

func (s *File) Name() string { return "file://" + s.path }

// Execute writes the batch and flushes the buffer once.
func (s *File) Execute(_ context.Context, _ string, events []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	enc := json.NewEncoder(s.w)
	for i := range events {
		if err := enc.Encode(events[i]); err != nil {
			return errors.Wrap(err, "file sink: encode")
		}
	}
	return errors.Wrap(s.w.Flush(), "file sink: flush")
}

// Close flushes, syncs and closes the file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return errors.Wrap(err, "file sink: flush")
	}
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return errors.Wrap(err, "file sink: sync")
	}
	return s.f.Close()
}
