package persistence

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	logFileName  = "database.log"
	tempFileName = "compact.tmp"
)

// Log represents an append-only log for durability
type Log struct {
	dir      string
	file     *os.File
	writer   *bufio.Writer
	mutex    sync.Mutex
	currSize int64
	logger   *slog.Logger

	// now is replaced in tests
	now func() time.Time
}

// NewLog opens or creates the log in dir
func NewLog(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &Log{
		dir:    dir,
		logger: logger.With("component", "log"),
		now:    time.Now,
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	l.logger.Debug("log opened", "path", l.path(), "bytes", l.currSize)
	return l, nil
}

func (l *Log) path() string {
	return filepath.Join(l.dir, logFileName)
}

func (l *Log) open() error {
	file, err := os.OpenFile(l.path(), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to get log file info: %w", err)
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	l.currSize = info.Size()
	return nil
}

// Append adds a new entry to the log and flushes it to the file
func (l *Log) Append(operation LogOperation, key string, value []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.file == nil {
		return os.ErrClosed
	}

	data, err := encodeEntry(&LogEntry{
		Timestamp: l.now().UnixNano(),
		Operation: operation,
		Key:       key,
		Value:     value,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize log entry: %w", err)
	}

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to log buffer: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log to disk: %w", err)
	}

	l.currSize += int64(len(data))
	return nil
}

// Size returns the current log size in bytes
func (l *Log) Size() int64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.currSize
}

// Compact rewrites the log so it holds one set record per live key. The
// snapshot function is called with the log locked and must yield every
// live entry. The new log replaces the old one by rename, so a crash
// leaves either the old or the new file in place.
func (l *Log) Compact(snapshot func(yield func(key string, value []byte) bool)) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	_, err := l.rewrite(snapshot, false)
	return err
}

// Salvage is Compact for a log that failed recovery. The damaged file is
// kept beside the new one as database.log.damaged-<unixnano>, and its path
// is returned.
func (l *Log) Salvage(snapshot func(yield func(key string, value []byte) bool)) (string, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.rewrite(snapshot, true)
}

func (l *Log) rewrite(snapshot func(yield func(key string, value []byte) bool), keepOld bool) (string, error) {
	if l.file == nil {
		return "", os.ErrClosed
	}

	tempPath := filepath.Join(l.dir, tempFileName)
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary log file: %w", err)
	}
	abort := func(err error) error {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}

	w := bufio.NewWriter(tempFile)
	ts := l.now().UnixNano()
	records := 0
	var writeErr error
	snapshot(func(key string, value []byte) bool {
		var data []byte
		data, writeErr = encodeEntry(&LogEntry{
			Timestamp: ts,
			Operation: OperationSet,
			Key:       key,
			Value:     value,
		})
		if writeErr == nil {
			_, writeErr = w.Write(data)
			records++
		}
		return writeErr == nil
	})
	if writeErr != nil {
		return "", abort(fmt.Errorf("failed to write compacted log: %w", writeErr))
	}
	if err := w.Flush(); err != nil {
		return "", abort(fmt.Errorf("failed to flush compacted log: %w", err))
	}
	if err := tempFile.Sync(); err != nil {
		return "", abort(fmt.Errorf("failed to sync compacted log: %w", err))
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to close temporary log file: %w", err)
	}

	if err := l.writer.Flush(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to flush log: %w", err)
	}
	if err := l.file.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to close log file: %w", err)
	}
	l.file = nil

	before := l.currSize
	var kept string
	if keepOld {
		kept = fmt.Sprintf("%s.damaged-%d", l.path(), l.now().UnixNano())
		if err := os.Rename(l.path(), kept); err != nil {
			os.Remove(tempPath)
			if oerr := l.open(); oerr != nil {
				return "", fmt.Errorf("failed to keep damaged log: %v; reopen: %w", err, oerr)
			}
			return "", fmt.Errorf("failed to keep damaged log: %w", err)
		}
	}
	if err := os.Rename(tempPath, l.path()); err != nil {
		// Keep appending to the old log.
		if keepOld {
			os.Rename(kept, l.path())
		}
		if oerr := l.open(); oerr != nil {
			return "", fmt.Errorf("failed to replace log file: %v; reopen: %w", err, oerr)
		}
		return "", fmt.Errorf("failed to replace log file: %w", err)
	}
	if err := l.open(); err != nil {
		return "", fmt.Errorf("failed to reopen log file: %w", err)
	}

	l.logger.Info("log compacted", "records", records, "before", before, "after", l.currSize, "kept", kept)
	return kept, nil
}

// Close flushes and closes the log file. Closing twice is a no-op.
func (l *Log) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.file == nil {
		return nil
	}

	err := l.writer.Flush()
	if err != nil {
		return fmt.Errorf("failed to flush log on close: %w", err)
	}

	err = l.file.Close()
	l.file = nil
	return err
}
