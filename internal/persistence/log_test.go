package persistence

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := NewLog(dir, discard)
	qt.Assert(t, qt.IsNil(err))
	t.Cleanup(func() { l.Close() })

	var tick int64
	l.now = func() time.Time {
		tick++
		return time.Unix(0, tick)
	}
	return l, dir
}

func recoverAll(t *testing.T, dir string) ([]*LogEntry, *Recovery) {
	t.Helper()
	r := NewRecovery(dir, discard)
	entries, err := r.RecoverEntries()
	qt.Assert(t, qt.IsNil(err))
	return entries, r
}

var ignoreChecksum = cmpopts.IgnoreFields(LogEntry{}, "Checksum")

func TestAppendAndRecover(t *testing.T) {
	l, dir := newTestLog(t)
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "a", []byte("1"))))
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "b", []byte("two"))))
	qt.Assert(t, qt.IsNil(l.Append(OperationDelete, "a", nil)))
	qt.Assert(t, qt.IsNil(l.Close()))

	entries, r := recoverAll(t, dir)
	want := []*LogEntry{
		{Timestamp: 1, Operation: OperationSet, Key: "a", Value: []byte("1")},
		{Timestamp: 2, Operation: OperationSet, Key: "b", Value: []byte("two")},
		{Timestamp: 3, Operation: OperationDelete, Key: "a"},
	}
	if diff := cmp.Diff(want, entries, ignoreChecksum); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	qt.Assert(t, qt.IsFalse(r.Damaged()))
}

func TestSizeTracksAppends(t *testing.T) {
	l, dir := newTestLog(t)
	qt.Assert(t, qt.Equals(l.Size(), int64(0)))
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "key", []byte("value"))))
	// 11 header + 3 key + 4 length + 5 value + 4 checksum
	qt.Assert(t, qt.Equals(l.Size(), int64(27)))

	info, err := os.Stat(filepath.Join(dir, logFileName))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(info.Size(), l.Size()))
}

func TestRecoverMissingLog(t *testing.T) {
	entries, r := recoverAll(t, t.TempDir())
	qt.Assert(t, qt.HasLen(entries, 0))
	qt.Assert(t, qt.IsFalse(r.Damaged()))
}

func TestRecoverSkipsCorruptedEntry(t *testing.T) {
	l, dir := newTestLog(t)
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "a", []byte("aaaa"))))
	first := l.Size()
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "b", []byte("bbbb"))))
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "c", []byte("cccc"))))
	qt.Assert(t, qt.IsNil(l.Close()))

	// Flip the first value byte of the second record.
	path := filepath.Join(dir, logFileName)
	data, err := os.ReadFile(path)
	qt.Assert(t, qt.IsNil(err))
	data[first+headerSize+1+4] ^= 0xff
	qt.Assert(t, qt.IsNil(os.WriteFile(path, data, 0o644)))

	entries, r := recoverAll(t, dir)
	qt.Assert(t, qt.HasLen(entries, 2))
	qt.Assert(t, qt.Equals(entries[0].Key, "a"))
	qt.Assert(t, qt.Equals(entries[1].Key, "c"))
	qt.Assert(t, qt.IsTrue(r.Damaged()))
}

func TestRecoverStopsAtTruncatedTail(t *testing.T) {
	l, dir := newTestLog(t)
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "a", []byte("1"))))
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "b", []byte("2"))))
	qt.Assert(t, qt.IsNil(l.Close()))

	path := filepath.Join(dir, logFileName)
	info, err := os.Stat(path)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(os.Truncate(path, info.Size()-3)))

	entries, r := recoverAll(t, dir)
	qt.Assert(t, qt.HasLen(entries, 1))
	qt.Assert(t, qt.Equals(entries[0].Key, "a"))
	qt.Assert(t, qt.IsTrue(r.Damaged()))
}

func TestRecoverSkipsCorruptedLength(t *testing.T) {
	l, dir := newTestLog(t)
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "a", []byte("1"))))
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "b", []byte("2"))))
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "c", []byte("3"))))
	qt.Assert(t, qt.IsNil(l.Close()))

	// Point the first record's value length far past the end of the file.
	path := filepath.Join(dir, logFileName)
	data, err := os.ReadFile(path)
	qt.Assert(t, qt.IsNil(err))
	binary.LittleEndian.PutUint32(data[headerSize+1:], 1<<20)
	qt.Assert(t, qt.IsNil(os.WriteFile(path, data, 0o644)))

	entries, r := recoverAll(t, dir)
	qt.Assert(t, qt.HasLen(entries, 2))
	qt.Assert(t, qt.Equals(entries[0].Key, "b"))
	qt.Assert(t, qt.Equals(entries[1].Key, "c"))
	qt.Assert(t, qt.IsTrue(r.Damaged()))
}

func TestDecodeEntryLengthPastEnd(t *testing.T) {
	data, err := encodeEntry(&LogEntry{Timestamp: 1, Operation: OperationSet, Key: "key", Value: []byte("value")})
	qt.Assert(t, qt.IsNil(err))

	_, _, err = decodeEntry(data[:len(data)-1])
	qt.Assert(t, qt.ErrorIs(err, ErrCorruptRecord))
	_, _, err = decodeEntry(data[:headerSize-1])
	qt.Assert(t, qt.Equals(err, io.ErrUnexpectedEOF))
	_, _, err = decodeEntry(nil)
	qt.Assert(t, qt.Equals(err, io.EOF))

	e, n, err := decodeEntry(data)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(n, len(data)))
	qt.Assert(t, qt.Equals(string(e.Value), "value"))
}

func TestSalvageKeepsDamagedLog(t *testing.T) {
	l, dir := newTestLog(t)
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "a", []byte("1"))))
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "b", []byte("2"))))
	original, err := os.ReadFile(filepath.Join(dir, logFileName))
	qt.Assert(t, qt.IsNil(err))

	kept, err := l.Salvage(func(yield func(string, []byte) bool) {
		yield("b", []byte("2"))
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Matches(filepath.Base(kept), `database\.log\.damaged-[0-9]+`))

	saved, err := os.ReadFile(kept)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(saved, original))

	qt.Assert(t, qt.IsNil(l.Close()))
	entries, _ := recoverAll(t, dir)
	qt.Assert(t, qt.HasLen(entries, 1))
	qt.Assert(t, qt.Equals(entries[0].Key, "b"))
}

func TestAppendRejectsLongKey(t *testing.T) {
	l, _ := newTestLog(t)
	err := l.Append(OperationSet, strings.Repeat("k", 1<<16), []byte("v"))
	qt.Assert(t, qt.ErrorIs(err, ErrKeyTooLong))
	qt.Assert(t, qt.Equals(l.Size(), int64(0)))
}

func TestAppendAfterClose(t *testing.T) {
	l, _ := newTestLog(t)
	qt.Assert(t, qt.IsNil(l.Close()))
	qt.Assert(t, qt.IsNil(l.Close()))
	qt.Assert(t, qt.ErrorIs(l.Append(OperationSet, "a", nil), os.ErrClosed))
}

func TestCompact(t *testing.T) {
	l, dir := newTestLog(t)
	for i := 0; i < 10; i++ {
		qt.Assert(t, qt.IsNil(l.Append(OperationSet, "counter", []byte{byte(i)})))
	}
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "gone", []byte("x"))))
	qt.Assert(t, qt.IsNil(l.Append(OperationDelete, "gone", nil)))
	before := l.Size()

	live := map[string][]byte{"counter": {9}}
	err := l.Compact(func(yield func(string, []byte) bool) {
		for k, v := range live {
			if !yield(k, v) {
				return
			}
		}
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(l.Size() < before))

	// Appends after compaction land in the new file.
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "after", []byte("y"))))
	qt.Assert(t, qt.IsNil(l.Close()))

	entries, _ := recoverAll(t, dir)
	got := make(map[string][]byte)
	for _, e := range entries {
		qt.Assert(t, qt.Equals(e.Operation, OperationSet))
		got[e.Key] = e.Value
	}
	qt.Assert(t, qt.DeepEquals(got, map[string][]byte{
		"counter": {9},
		"after":   []byte("y"),
	}))

	_, err = os.Stat(filepath.Join(dir, tempFileName))
	qt.Assert(t, qt.ErrorIs(err, os.ErrNotExist))
}

func TestCompactAbortsOnEncodeError(t *testing.T) {
	l, dir := newTestLog(t)
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "keep", []byte("me"))))
	size := l.Size()

	err := l.Compact(func(yield func(string, []byte) bool) {
		yield(strings.Repeat("k", 1<<16), nil)
	})
	qt.Assert(t, qt.ErrorIs(err, ErrKeyTooLong))
	qt.Assert(t, qt.Equals(l.Size(), size))

	// The original log is untouched and still open.
	qt.Assert(t, qt.IsNil(l.Append(OperationSet, "more", []byte("x"))))
	qt.Assert(t, qt.IsNil(l.Close()))
	entries, _ := recoverAll(t, dir)
	qt.Assert(t, qt.HasLen(entries, 2))
}

func TestOperationString(t *testing.T) {
	qt.Assert(t, qt.Equals(OperationSet.String(), "set"))
	qt.Assert(t, qt.Equals(OperationDelete.String(), "delete"))
	qt.Assert(t, qt.Equals(LogOperation(9).String(), "op(9)"))
}
