// ABOUTME: CustodyLedger is the instrumented facade collaborators call
// ABOUTME: through: every mutation is timed, logged, metered, and
// ABOUTME: optionally journaled and checkpointed to the storage engine
package ledger

import (
	"time"

	"github.com/nainya/bpcustody/internal/logger"
	"github.com/nainya/bpcustody/internal/metrics"
	"github.com/nainya/bpcustody/internal/server"
	"github.com/nainya/bpcustody/pkg/rangetree"
	"github.com/nainya/bpcustody/pkg/storage"
	"github.com/nainya/bpcustody/pkg/wal"
)

// checkpointPrefix namespaces custody-range keys within the shared KV
// store's key space, in case a future caller points Snapshot at a
// store holding other data.
const checkpointPrefix uint32 = 1

// CustodyLedger wraps a range-coalescing tree with logging, metrics,
// and optional durability (an append-only journal plus a checkpoint
// store for warm starts).
type CustodyLedger struct {
	tree    *rangetree.Tree
	log     *logger.Logger
	metrics *metrics.Metrics

	journal      *wal.WAL
	txnSeq       uint64
	checkpointer *wal.Checkpointer

	store *storage.KV
}

// New creates a ledger with room for capacity live ranges. log and m
// must not be nil; callers that don't want either should pass
// logger.GetGlobalLogger() and metrics.NewMetrics().
func New(capacity uint64, log *logger.Logger, m *metrics.Metrics) (*CustodyLedger, error) {
	tree, err := rangetree.Create(capacity)
	if err != nil {
		return nil, err
	}
	l := &CustodyLedger{
		tree:    tree,
		log:     log.LedgerLogger("init"),
		metrics: m,
	}
	l.reportStats()
	return l, nil
}

// AttachJournal opens (or creates) an append-only journal at path and
// wires it to the ledger so every future AcceptCustody/ReleaseCustody
// call is recorded before it returns. Existing entries are not
// replayed here — call Replay explicitly once the tree has been
// warm-loaded from a checkpoint, so recovery replays in
// checkpoint-then-tail order rather than re-applying the whole log.
func (l *CustodyLedger) AttachJournal(path string) error {
	w := &wal.WAL{Path: path}
	if err := w.Open(); err != nil {
		return err
	}
	l.journal = w
	return nil
}

// CloseJournal flushes and closes the attached journal, if any.
func (l *CustodyLedger) CloseJournal() error {
	l.StopPeriodicCheckpoints()
	if l.journal == nil {
		return nil
	}
	if err := l.journal.Fsync(); err != nil {
		return err
	}
	return l.journal.Close()
}

// StartPeriodicCheckpoints starts a background loop that snapshots the
// tree to the attached checkpoint store on the given interval, then
// truncates the journal tail now covered by that snapshot. Requires
// both AttachJournal and AttachCheckpointStore to have succeeded.
func (l *CustodyLedger) StartPeriodicCheckpoints(interval time.Duration) {
	if l.journal == nil || l.store == nil {
		return
	}
	c := wal.NewCheckpointer(l.journal, func() error {
		return l.Snapshot()
	})
	c.SetInterval(interval)
	c.Start()
	l.checkpointer = c
}

// StopPeriodicCheckpoints stops the background checkpoint loop, if
// one was started.
func (l *CustodyLedger) StopPeriodicCheckpoints() {
	if l.checkpointer == nil {
		return
	}
	l.checkpointer.Stop()
	l.checkpointer = nil
}

// Replay rebuilds the in-memory tree from the attached journal,
// reapplying every committed INSERT/DELETE since the last checkpoint.
// Call this before serving any traffic, immediately after a Restore
// from the checkpoint store (or on its own, if no checkpoint exists).
func (l *CustodyLedger) Replay() error {
	if l.journal == nil {
		return nil
	}
	rec := wal.NewRecovery(l.journal)
	return rec.Recover(func(op wal.OpType, key, value []byte) error {
		v, offset := decodeRangeKey(key, value)
		switch op {
		case wal.OpInsert:
			for d := uint32(0); ; d++ {
				if err := l.tree.Insert(v + d); err != nil && err != rangetree.ErrInsertDuplicate {
					return err
				}
				if d == offset {
					break
				}
			}
		case wal.OpDelete:
			for d := uint32(0); ; d++ {
				if err := l.tree.Delete(v + d); err != nil && err != rangetree.ErrValueNotFound {
					return err
				}
				if d == offset {
					break
				}
			}
		}
		return nil
	})
}

// appendJournal writes the op entry followed by its own commit marker:
// the ledger has no multi-statement transactions, so every accept or
// release is a one-entry transaction that commits immediately.
func (l *CustodyLedger) appendJournal(op wal.OpType, r rangetree.Range) error {
	if l.journal == nil {
		return nil
	}
	// The entry's LSN doubles as its transaction ID: LSNs keep rising
	// across a reopen of the journal, so IDs never repeat those written
	// by an earlier session.
	lsn := l.journal.NextLSN()
	l.txnSeq = lsn
	txnID := l.txnSeq
	entry := wal.Entry{
		LSN:       lsn,
		TxnID:     txnID,
		OpType:    op,
		Key:       encodeRangeValue(r.Value),
		Value:     encodeRangeValue(r.Offset),
		Timestamp: time.Now(),
	}
	if err := l.journal.Write(entry); err != nil {
		return err
	}
	commit := wal.Entry{
		LSN:       l.journal.NextLSN(),
		TxnID:     txnID,
		OpType:    wal.OpCommit,
		Timestamp: time.Now(),
	}
	if err := l.journal.Write(commit); err != nil {
		return err
	}
	l.metrics.RecordJournalAppend()
	return nil
}

func encodeRangeValue(v uint32) []byte {
	return storage.EncodeValues([]storage.Value{storage.NewUint64Value(uint64(v))})
}

func decodeRangeKey(key, val []byte) (value, offset uint32) {
	kv, err := storage.DecodeValues(key)
	if err != nil || len(kv) == 0 {
		return 0, 0
	}
	ov, err := storage.DecodeValues(val)
	if err != nil || len(ov) == 0 {
		return uint32(kv[0].U64), 0
	}
	return uint32(kv[0].U64), uint32(ov[0].U64)
}

// AcceptCustody records that v is now held by this node, merging it
// into an adjoining range where possible. A duplicate accept of an
// already-held value is reported as an error, not silently ignored.
func (l *CustodyLedger) AcceptCustody(v uint32) error {
	op := "accept_custody"
	return server.OperationInterceptor(l.metrics, l.log, op, func() (int, error) {
		if err := l.tree.Insert(v); err != nil {
			return 0, err
		}
		if err := l.appendJournal(wal.OpInsert, rangetree.Range{Value: v, Offset: 0}); err != nil {
			return 1, err
		}
		l.reportStats()
		return 1, nil
	})
}

// ReleaseCustody records that v is no longer held by this node,
// shrinking or splitting the covering range as needed.
func (l *CustodyLedger) ReleaseCustody(v uint32) error {
	op := "release_custody"
	return server.OperationInterceptor(l.metrics, l.log, op, func() (int, error) {
		if err := l.tree.Delete(v); err != nil {
			return 0, err
		}
		if err := l.appendJournal(wal.OpDelete, rangetree.Range{Value: v, Offset: 0}); err != nil {
			return 1, err
		}
		l.reportStats()
		return 1, nil
	})
}

// Contains reports whether v is currently held.
func (l *CustodyLedger) Contains(v uint32) bool {
	return l.tree.Contains(v)
}

// Find returns the range covering v.
func (l *CustodyLedger) Find(v uint32) (rangetree.Range, error) {
	return l.tree.Find(v)
}

// Drain empties the ledger, calling fn with every held range in
// ascending order (e.g. to build a DACS-style acknowledgment summary
// before a custody transfer). Each range it visits is released.
func (l *CustodyLedger) Drain(fn func(rangetree.Range) bool) error {
	start := time.Now()
	count := 0
	err := l.tree.Drain(func(r rangetree.Range) bool {
		count++
		if jerr := l.appendJournal(wal.OpDelete, r); jerr != nil {
			l.log.Error("journal append failed during drain").Err(jerr).Send()
		}
		return fn(r)
	})
	l.metrics.RecordDrain(count, time.Since(start))
	l.log.LogLedgerOperation("drain", time.Since(start), count, err)
	l.reportStats()
	return err
}

// Stats summarizes the tree's current occupancy.
type Stats struct {
	LiveRanges uint32
	FreeNodes  uint32
	Capacity   uint32
}

// Stats returns the ledger's current occupancy.
func (l *CustodyLedger) Stats() Stats {
	size, capacity := l.tree.Size(), l.tree.Capacity()
	return Stats{LiveRanges: size, FreeNodes: capacity - size, Capacity: capacity}
}

func (l *CustodyLedger) reportStats() {
	s := l.Stats()
	l.metrics.UpdateTreeStats(s.LiveRanges, s.FreeNodes, s.Capacity)
}

// AttachCheckpointStore opens (or creates) a B+Tree-backed KV file at
// path to use for Snapshot/Restore.
func (l *CustodyLedger) AttachCheckpointStore(path string) error {
	db := &storage.KV{Path: path}
	if err := db.Open(); err != nil {
		return err
	}
	l.store = db
	return nil
}

// CloseCheckpointStore closes the attached checkpoint store, if any.
func (l *CustodyLedger) CloseCheckpointStore() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

// Snapshot writes every live range to the attached checkpoint store,
// keyed by range start, so a restart can warm-load ranges without
// replaying the whole journal. It does not drain the tree.
func (l *CustodyLedger) Snapshot() error {
	if l.store == nil {
		return nil
	}
	start := time.Now()
	count := 0
	tx := l.store.Begin()
	// Drop ranges written by earlier snapshots, so the store ends up
	// holding exactly the live set written below.
	var stale [][]byte
	tx.Scan(storage.EncodeKey(checkpointPrefix, nil), func(key, _ []byte) bool {
		if storage.ExtractPrefix(key) != checkpointPrefix {
			return false
		}
		stale = append(stale, append([]byte(nil), key...))
		return true
	})
	for _, key := range stale {
		tx.Del(key)
	}
	// Stateless walk (pop=false) so the live tree is untouched.
	h, err := l.tree.First()
	if err != nil {
		return err
	}
	for !h.Done() {
		var r rangetree.Range
		r, h, err = l.tree.Next(h, false, false)
		if err != nil {
			return err
		}
		key := storage.EncodeKey(checkpointPrefix, []storage.Value{storage.NewUint64Value(uint64(r.Value))})
		val := encodeRangeValue(r.Offset)
		tx.Set(key, val)
		count++
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.metrics.RecordJournalCheckpoint()
	l.log.LogLedgerOperation("snapshot", time.Since(start), count, nil)
	return nil
}

// Restore reloads every range from the attached checkpoint store into
// the tree, in ascending key order. The tree should be empty before
// calling this; ranges already present are reported as
// rangetree.ErrInsertDuplicate.
func (l *CustodyLedger) Restore() error {
	if l.store == nil {
		return nil
	}
	start := time.Now()
	count := 0
	var walkErr error
	prefixKey := storage.EncodeKey(checkpointPrefix, nil)
	l.store.Scan(prefixKey, func(key, val []byte) bool {
		if storage.ExtractPrefix(key) != checkpointPrefix {
			return false
		}
		kv, err := storage.ExtractValues(key)
		if err != nil || len(kv) == 0 {
			walkErr = err
			return false
		}
		ov, err := storage.DecodeValues(val)
		if err != nil || len(ov) == 0 {
			walkErr = err
			return false
		}
		value, offset := uint32(kv[0].U64), uint32(ov[0].U64)
		for d := uint32(0); ; d++ {
			if err := l.tree.Insert(value + d); err != nil {
				walkErr = err
				return false
			}
			if d == offset {
				break
			}
		}
		count++
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	l.reportStats()
	l.log.LogLedgerOperation("restore", time.Since(start), count, nil)
	return nil
}
