package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// OpType represents the type of WAL operation
type OpType byte

const (
	// OpInsert represents a document insertion
	OpInsert OpType = 1

	// OpDelete represents a document deletion (tombstone)
	OpDelete OpType = 2

	// OpCommit represents a transaction commit marker
	OpCommit OpType = 3

	// OpCheckpoint represents a checkpoint marker
	OpCheckpoint OpType = 4
)

const (
	// EntryHeaderSize is the fixed size of the entry header.
	// Layout: LSN(8) + TxnID(8) + OpType(1) + Reserved(7) + DocumentID(8) +
	// CrateLen(4) + ValLen(4) + Timestamp(8)
	EntryHeaderSize = 48
)

// Entry represents a single WAL entry. Unlike the teacher's generic KV
// log, every entry here names the crate and document a page-level
// mutation applies to (spec.md's "write-ahead record sink" external
// collaborator is keyed by crate+document, not an arbitrary byte key).
type Entry struct {
	LSN        uint64    // Log Sequence Number (monotonically increasing)
	TxnID      uint64    // Transaction ID
	OpType     OpType    // Operation type
	DocumentID uint64    // Document this entry mutates
	CrateName  string    // Crate the document belongs to
	Value      []byte    // Encoded document payload (OpInsert only)
	Timestamp  time.Time // Entry timestamp
}

// Encode serializes the entry to bytes with CRC32 checksum.
// Format: [Header(48)] [CrateName] [Value] [CRC32(4)]
func (e *Entry) Encode() []byte {
	crateBytes := []byte(e.CrateName)
	crateLen := len(crateBytes)
	valLen := len(e.Value)
	totalSize := EntryHeaderSize + crateLen + valLen + 4

	buf := make([]byte, totalSize)

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.TxnID)
	buf[16] = byte(e.OpType)
	// bytes 17-23 reserved
	binary.LittleEndian.PutUint64(buf[24:32], e.DocumentID)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(crateLen))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(valLen))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(e.Timestamp.Unix()))

	offset := EntryHeaderSize
	copy(buf[offset:], crateBytes)
	offset += crateLen
	copy(buf[offset:], e.Value)
	offset += valLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// DecodeEntry deserializes a WAL entry from bytes
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}

	dataLen := len(data)
	storedCRC := binary.LittleEndian.Uint32(data[dataLen-4:])
	computedCRC := crc32.ChecksumIEEE(data[:dataLen-4])
	if storedCRC != computedCRC {
		return nil, ErrCorrupted
	}

	entry := &Entry{
		LSN:        binary.LittleEndian.Uint64(data[0:8]),
		TxnID:      binary.LittleEndian.Uint64(data[8:16]),
		OpType:     OpType(data[16]),
		DocumentID: binary.LittleEndian.Uint64(data[24:32]),
	}

	crateLen := binary.LittleEndian.Uint32(data[32:36])
	valLen := binary.LittleEndian.Uint32(data[36:40])
	timestamp := binary.LittleEndian.Uint64(data[40:48])
	entry.Timestamp = time.Unix(int64(timestamp), 0)

	expectedSize := EntryHeaderSize + int(crateLen) + int(valLen) + 4
	if len(data) < expectedSize {
		return nil, ErrTruncated
	}

	offset := EntryHeaderSize
	if crateLen > 0 {
		entry.CrateName = string(data[offset : offset+int(crateLen)])
		offset += int(crateLen)
	}
	if valLen > 0 {
		entry.Value = make([]byte, valLen)
		copy(entry.Value, data[offset:offset+int(valLen)])
	}

	return entry, nil
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.CrateName) + len(e.Value) + 4
}

// String returns a human-readable representation of the entry
func (e *Entry) String() string {
	opName := "UNKNOWN"
	switch e.OpType {
	case OpInsert:
		opName = "INSERT"
	case OpDelete:
		opName = "DELETE"
	case OpCommit:
		opName = "COMMIT"
	case OpCheckpoint:
		opName = "CHECKPOINT"
	}
	return fmt.Sprintf("WAL[LSN=%d TxnID=%d Op=%s Crate=%s DocID=%d ValLen=%d]",
		e.LSN, e.TxnID, opName, e.CrateName, e.DocumentID, len(e.Value))
}
