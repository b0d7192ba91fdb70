package aggregator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
)

const (
	readChunk = 32 * 1024
	// maxLine bounds a line without a newline; longer content is emitted as it is.
	maxLine = 64 * 1024
)

// follower reads one append-only log file from the beginning and keeps reading as it grows.
type follower struct {
	source string
	path   string
	poll   time.Duration
	emit   func(lib.LogLine)
	logger *slog.Logger

	file    *os.File
	offset  int64
	partial []byte
	buf     []byte
}

func newFollower(source Source, poll time.Duration, emit func(lib.LogLine), logger *slog.Logger) *follower {
	return &follower{
		source: source.Name,
		path:   filepath.Clean(source.Path),
		poll:   poll,
		emit:   emit,
		logger: logger.With("source", source.Name),
		buf:    make([]byte, readChunk),
	}
}

// run follows the file until ctx is done. It does not stop when the file stops growing.
func (f *follower) run(ctx context.Context) error {
	defer f.close()

	var events chan fsnotify.Event
	var errs chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.logger.Warn("file notifications unavailable, polling", "error", err)
	} else {
		defer watcher.Close()
		// The directory is watched so creation and replacement of the file are seen too.
		if err := watcher.Add(filepath.Dir(f.path)); err != nil {
			f.logger.Warn("cannot watch log directory, polling", "dir", filepath.Dir(f.path), "error", err)
		} else {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	for {
		f.readAvailable()

		select {
		case <-ctx.Done():
			f.readAvailable()
			f.flushPartial()
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			f.logger.Debug("watcher error", "error", err)
		case <-ticker.C:
		}
	}
}

// readAvailable reads everything currently in the file and emits complete lines.
func (f *follower) readAvailable() {
	if !f.ensureOpen() {
		return
	}

	info, err := f.file.Stat()
	if err != nil {
		f.logger.Debug("stat log file", "error", err)
		return
	}
	if info.Size() < f.offset {
		f.logger.Info("log file truncated, reading from start", "path", f.path)
		f.rewind()
	}

	for {
		n, err := f.file.Read(f.buf)
		if n > 0 {
			f.offset += int64(n)
			f.consume(f.buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.logger.Debug("read log file", "error", err)
			}
			return
		}
	}
}

// ensureOpen opens the file, reopening it when the path now names a different file.
func (f *follower) ensureOpen() bool {
	current, err := os.Stat(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.logger.Debug("stat log path", "error", err)
		}
		return f.file != nil
	}

	if f.file != nil {
		opened, err := f.file.Stat()
		if err == nil && os.SameFile(opened, current) {
			return true
		}
		f.logger.Info("log file replaced, reopening", "path", f.path)
		f.close()
	}

	file, err := os.Open(f.path)
	if err != nil {
		f.logger.Debug("open log file", "error", err)
		return false
	}
	f.file = file
	f.offset = 0
	f.partial = nil
	return true
}

func (f *follower) rewind() {
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		f.logger.Debug("seek log file", "error", err)
	}
	f.offset = 0
	f.partial = nil
}

func (f *follower) consume(data []byte) {
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			f.partial = append(f.partial, data...)
			if len(f.partial) >= maxLine {
				f.flushPartial()
			}
			return
		}
		f.partial = append(f.partial, data[:i]...)
		f.emitLine()
		data = data[i+1:]
	}
}

// flushPartial emits a trailing line that has no newline yet.
func (f *follower) flushPartial() {
	if len(f.partial) == 0 {
		return
	}
	f.emitLine()
}

func (f *follower) emitLine() {
	text := string(bytes.TrimSuffix(f.partial, []byte{'\r'}))
	f.partial = f.partial[:0]
	f.emit(lib.LogLine{Source: f.source, Text: text, Time: time.Now()})
}

func (f *follower) close() {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
}
