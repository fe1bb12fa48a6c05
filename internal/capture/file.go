package capture

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mojo333/udp-repeater/internal/logger"
)

// ErrExists is returned by Start when the target file exists and overwrite
// was not requested.
var ErrExists = errors.New("capture file already exists")

// ErrActive is returned by Start while a capture is already running.
var ErrActive = errors.New("file capture already active")

// FileSink appends raw datagrams to a file with no framing. It is safe for
// concurrent use; Write is a no-op while inactive.
type FileSink struct {
	log *logger.Logger

	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	writes int64
	bytes  int64
}

// NewFileSink returns an inactive sink.
func NewFileSink(log *logger.Logger) *FileSink {
	if log == nil {
		log = logger.Discard()
	}
	return &FileSink{log: log}
}

// Start opens path for writing, truncating it. An existing file is refused
// with ErrExists unless overwrite is set, and a running capture with
// ErrActive.
func (f *FileSink) Start(path string, overwrite bool) error {
	if path == "" {
		return errors.New("capture file path is empty")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.w != nil {
		return fmt.Errorf("%s: %w", f.path, ErrActive)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
		return fmt.Errorf("opening capture file: %w", err)
	}

	f.path = path
	f.file = file
	f.w = bufio.NewWriterSize(file, 64*1024)
	f.writes, f.bytes = 0, 0
	f.log.Info("File capture started: %s", path)
	return nil
}

// Write appends p. The first write error is logged, the file is closed and
// the sink stays inactive until the next Start.
func (f *FileSink) Write(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.w == nil {
		return
	}
	if _, err := f.w.Write(p); err != nil {
		f.log.Error("Writing capture file %s: %v; file capture disabled", f.path, err)
		f.closeLocked()
		return
	}
	f.writes++
	f.bytes += int64(len(p))
}

// Stop flushes and closes the file. Stopping an inactive sink is harmless.
func (f *FileSink) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.w == nil {
		return nil
	}
	path, writes, bytes := f.path, f.writes, f.bytes
	err := f.closeLocked()
	f.log.Info("File capture stopped: %s (%d datagrams, %d bytes)", path, writes, bytes)
	return err
}

// Active reports whether datagrams are currently being written.
func (f *FileSink) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w != nil
}

// Path returns the file being written, or "" while inactive.
func (f *FileSink) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.w == nil {
		return ""
	}
	return f.path
}

func (f *FileSink) closeLocked() error {
	if f.file == nil {
		return nil
	}
	flushErr := f.w.Flush()
	closeErr := f.file.Close()
	f.file, f.w = nil, nil
	if flushErr != nil {
		return fmt.Errorf("flushing capture file: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing capture file: %w", closeErr)
	}
	return nil
}
