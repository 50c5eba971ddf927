package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// LogOperation represents the type of operation in a log entry
type LogOperation byte

const (
	OperationSet LogOperation = iota + 1
	OperationDelete
)

func (op LogOperation) String() string {
	switch op {
	case OperationSet:
		return "set"
	case OperationDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

// LogEntry represents a single entry in the append-only log
type LogEntry struct {
	Timestamp int64
	Operation LogOperation
	Key       string
	Value     []byte
	Checksum  uint32
}

// Record layout, all integers little-endian:
//
//	timestamp(8) op(1) keyLen(2) key valueLen(4) value crc32(4)
const headerSize = 8 + 1 + 2

var (
	ErrKeyTooLong    = errors.New("key is too long")
	ErrCorruptRecord = errors.New("corrupt log record")
)

// checksum covers timestamp, operation, key and value
func checksum(e *LogEntry) uint32 {
	h := crc32.NewIEEE()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(e.Timestamp))
	h.Write(buf[:])
	h.Write([]byte{byte(e.Operation)})
	h.Write([]byte(e.Key))
	h.Write(e.Value)
	return h.Sum32()
}

// encodeEntry serializes e, filling in its checksum
func encodeEntry(e *LogEntry) ([]byte, error) {
	if len(e.Key) > math.MaxUint16 {
		return nil, ErrKeyTooLong
	}
	if uint64(len(e.Value)) > math.MaxUint32 {
		return nil, fmt.Errorf("value of %d bytes is too long", len(e.Value))
	}
	e.Checksum = checksum(e)

	data := make([]byte, 0, headerSize+len(e.Key)+4+len(e.Value)+4)
	data = binary.LittleEndian.AppendUint64(data, uint64(e.Timestamp))
	data = append(data, byte(e.Operation))
	data = binary.LittleEndian.AppendUint16(data, uint16(len(e.Key)))
	data = append(data, e.Key...)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(e.Value)))
	data = append(data, e.Value...)
	data = binary.LittleEndian.AppendUint32(data, e.Checksum)
	return data, nil
}

// decodeEntry decodes the record at the start of data and returns it with
// its encoded length. It returns io.EOF for empty data and
// io.ErrUnexpectedEOF when data ends inside the fixed-size header. A
// length field that runs past the end of data, or a checksum that does
// not match, is reported as ErrCorruptRecord.
func decodeEntry(data []byte) (*LogEntry, int, error) {
	if len(data) == 0 {
		return nil, 0, io.EOF
	}
	if len(data) < headerSize {
		return nil, 0, io.ErrUnexpectedEOF
	}
	e := &LogEntry{
		Timestamp: int64(binary.LittleEndian.Uint64(data[0:8])),
		Operation: LogOperation(data[8]),
	}
	n := headerSize

	keyLen := int(binary.LittleEndian.Uint16(data[9:11]))
	if keyLen+4 > len(data)-n {
		return nil, 0, fmt.Errorf("%w: key length %d runs past end of log", ErrCorruptRecord, keyLen)
	}
	e.Key = string(data[n : n+keyLen])
	n += keyLen

	valueLen := uint64(binary.LittleEndian.Uint32(data[n : n+4]))
	n += 4
	if valueLen+4 > uint64(len(data)-n) {
		return nil, 0, fmt.Errorf("%w: value length %d runs past end of log", ErrCorruptRecord, valueLen)
	}
	if valueLen > 0 {
		e.Value = bytes.Clone(data[n : n+int(valueLen)])
		n += int(valueLen)
	}

	e.Checksum = binary.LittleEndian.Uint32(data[n : n+4])
	n += 4

	if got := checksum(e); got != e.Checksum {
		return nil, 0, fmt.Errorf("%w: checksum stored %#x, computed %#x", ErrCorruptRecord, e.Checksum, got)
	}
	return e, n, nil
}
