// ABOUTME: RecordSink — the write-ahead collaborator the façade depends on by interface
// ABOUTME: pkg/wal.WAL is the one concrete implementation wired up by default

package crushdb

import (
	"sync/atomic"
	"time"

	"github.com/crushdb/crushdb-core/pkg/wal"
)

// RecordSink is the write-ahead logging seam the façade depends on.
// spec.md's storage engine does not provide cross-index atomic updates;
// every call here is an auto-committing single-operation transaction —
// an Insert/Delete entry immediately followed by a Commit entry sharing
// its transaction id, so crash recovery never has to guess whether a
// partially-applied façade operation should replay.
type RecordSink interface {
	LogInsert(crateName string, documentID uint64, payload []byte) error
	LogDelete(crateName string, documentID uint64) error
	Close() error
}

// walSink adapts pkg/wal.WAL to RecordSink. The façade only ever calls
// through the interface; this is the one real implementation, in the
// way pkg/wal/recovery.go's ReplayFunc is the one real consumer of
// recorded entries.
type walSink struct {
	w      *wal.WAL
	nextTx func() uint64
}

var sinkTxnCounter uint64

// NewWALSink adapts an opened *wal.WAL into a RecordSink, assigning each
// Insert/Delete call its own auto-committing transaction id.
func NewWALSink(w *wal.WAL) RecordSink {
	return &walSink{w: w, nextTx: func() uint64 { return atomic.AddUint64(&sinkTxnCounter, 1) }}
}

func (s *walSink) LogInsert(crateName string, documentID uint64, payload []byte) error {
	txn := s.nextTx()
	if err := s.w.Write(wal.Entry{
		LSN:        s.w.NextLSN(),
		TxnID:      txn,
		OpType:     wal.OpInsert,
		CrateName:  crateName,
		DocumentID: documentID,
		Value:      payload,
		Timestamp:  time.Now(),
	}); err != nil {
		return err
	}
	return s.w.Write(wal.Entry{
		LSN:       s.w.NextLSN(),
		TxnID:     txn,
		OpType:    wal.OpCommit,
		Timestamp: time.Now(),
	})
}

func (s *walSink) LogDelete(crateName string, documentID uint64) error {
	txn := s.nextTx()
	if err := s.w.Write(wal.Entry{
		LSN:        s.w.NextLSN(),
		TxnID:      txn,
		OpType:     wal.OpDelete,
		CrateName:  crateName,
		DocumentID: documentID,
		Timestamp:  time.Now(),
	}); err != nil {
		return err
	}
	return s.w.Write(wal.Entry{
		LSN:       s.w.NextLSN(),
		TxnID:     txn,
		OpType:    wal.OpCommit,
		Timestamp: time.Now(),
	})
}

func (s *walSink) Close() error {
	return s.w.Close()
}

// noopSink discards every record. Used when wal_enabled=false in
// crushdb.conf (spec.md §6: durability is opt-out, not mandatory).
type noopSink struct{}

func (noopSink) LogInsert(string, uint64, []byte) error { return nil }
func (noopSink) LogDelete(string, uint64) error         { return nil }
func (noopSink) Close() error                           { return nil }
