package persistence

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Recovery handles the database recovery from the log
type Recovery struct {
	logDir string
	logger *slog.Logger

	skipped   int
	truncated bool
}

// NewRecovery creates a new recovery instance
func NewRecovery(logDir string, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		logDir: logDir,
		logger: logger.With("component", "recovery"),
	}
}

// RecoverEntries reads the log and returns all valid entries. A corrupted
// region is skipped by scanning forward to the next record that decodes
// with a valid checksum, so a damaged length field does not hide the
// records after it. Trailing bytes holding no valid record are treated as
// a truncated write. A missing log yields no entries.
func (r *Recovery) RecoverEntries() ([]*LogEntry, error) {
	r.skipped, r.truncated = 0, false
	logPath := filepath.Join(r.logDir, logFileName)

	data, err := os.ReadFile(logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log file for recovery: %w", err)
	}

	var entries []*LogEntry
	offset := 0
	for {
		entry, n, err := decodeEntry(data[offset:])
		switch {
		case err == nil:
			entries = append(entries, entry)
			offset += n
			continue
		case err == io.EOF:
			r.logger.Debug("recovery finished", "entries", len(entries), "skipped", r.skipped)
			return entries, nil
		case err == io.ErrUnexpectedEOF, errors.Is(err, ErrCorruptRecord):
		default:
			return nil, fmt.Errorf("failed to read log at offset %d: %w", offset, err)
		}

		next, ok := resync(data, offset+1)
		if !ok {
			r.truncated = true
			r.logger.Warn("log ends with an incomplete entry", "offset", offset, "bytes", len(data)-offset, "err", err)
			return entries, nil
		}
		r.skipped++
		r.logger.Warn("skipping corrupted entry", "offset", offset, "bytes", next-offset, "err", err)
		offset = next
	}
}

// resync returns the first offset at or after from where a valid record
// starts.
func resync(data []byte, from int) (int, bool) {
	for i := from; i < len(data); i++ {
		if _, _, err := decodeEntry(data[i:]); err == nil {
			return i, true
		}
	}
	return 0, false
}

// Damaged reports whether the last RecoverEntries call skipped a corrupted
// region or stopped at an incomplete one.
func (r *Recovery) Damaged() bool {
	return r.skipped > 0 || r.truncated
}
