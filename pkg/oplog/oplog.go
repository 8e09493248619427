// Package oplog implements the operation log: the durable record of every
// operation a client has ever started, plus the stream of update events
// each operation has produced. Canonical entries live in the key/value
// store (key prefix 0x03); update events are additionally journaled to an
// append-only segment log so a crashed client can rebuild in-flight
// notifier state without replaying every state machine from scratch.
package oplog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/fedclient/pkg/appendlog"
	"github.com/fluxorio/fedclient/pkg/store"
)

// ErrDuplicateOperation is returned when AddEntry is called twice for the
// same operation id.
var ErrDuplicateOperation = errors.New("oplog: operation already exists")

// Entry is the canonical record of one client-initiated operation.
type Entry struct {
	OperationID OperationID `json:"operation_id"`
	Kind        string      `json:"kind"` // e.g. "deposit", "withdraw", module-defined
	Metadata    []byte      `json:"metadata"`
	CreatedAt   time.Time   `json:"created_at"`
	Outcome     *string     `json:"outcome,omitempty"`
}

// OperationID re-exports store.OperationID so callers only need to import
// one package for the common case.
type OperationID = store.OperationID

// UpdateEvent is one entry in an operation's update stream, journaled in
// commit order so the notifier can replay events a subscriber missed
// while disconnected.
type UpdateEvent struct {
	OperationID OperationID `json:"operation_id"`
	Seq         uint64      `json:"seq"`
	Body        []byte      `json:"body"`
	At          time.Time   `json:"at"`
}

// Log is the operation log. One Log is shared by every module instance in
// a client.
type Log struct {
	journal appendlog.Store

	mu      sync.Mutex
	seqNext uint64
	byOp    map[OperationID][]UpdateEvent
}

// Open creates a Log backed by an append-only journal rooted at dir, and
// replays it to rebuild the in-memory per-operation event index.
func Open(dir string) (*Log, error) {
	journal, err := appendlog.NewFSStore(appendlog.DefaultFSStoreConfig(dir))
	if err != nil {
		return nil, err
	}
	l := &Log{
		journal: journal,
		byOp:    make(map[OperationID][]UpdateEvent),
	}
	if err := l.replay(); err != nil {
		_ = journal.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) replay() error {
	const batch = 256
	from := appendlog.Offset(0)
	for {
		recs, err := l.journal.Read(from, batch)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			var ev UpdateEvent
			if err := json.Unmarshal(rec.Data, &ev); err != nil {
				continue // tolerate a torn write at the tail of the log
			}
			l.byOp[ev.OperationID] = append(l.byOp[ev.OperationID], ev)
			if ev.Seq >= l.seqNext {
				l.seqNext = ev.Seq + 1
			}
			from = rec.Offset + 1
		}
	}
}

// Close flushes and closes the underlying journal.
func (l *Log) Close() error {
	return l.journal.Close()
}

// AddEntry records a new operation in the given transaction. Returns
// ErrDuplicateOperation if the operation id is already present.
func AddEntry(ctx context.Context, tx *store.Tx, opID OperationID, kind string, metadata []byte) error {
	key := store.OperationLogKey(opID)
	if _, err := tx.Get(ctx, key); err == nil {
		return ErrDuplicateOperation
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	entry := Entry{
		OperationID: opID,
		Kind:        kind,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return tx.Put(ctx, key, data)
}

// GetEntry reads an operation's canonical record.
func GetEntry(ctx context.Context, tx *store.Tx, opID OperationID) (*Entry, error) {
	data, err := tx.Get(ctx, store.OperationLogKey(opID))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// SetOutcome records the terminal human-readable outcome of an operation
// (e.g. "success", "timeout: federation unreachable").
func SetOutcome(ctx context.Context, tx *store.Tx, opID OperationID, outcome string) error {
	entry, err := GetEntry(ctx, tx, opID)
	if err != nil {
		return err
	}
	entry.Outcome = &outcome
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return tx.Put(ctx, store.OperationLogKey(opID), data)
}

// ListEntries returns up to limit operation log entries in
// reverse-chronological order (most recently created first), per spec
// §4.6's "paginated reverse-chronological scan." cursor, if non-zero,
// names the operation id of the last entry the caller already saw; the
// scan resumes just after it. limit <= 0 means unbounded. Entries with an
// identical CreatedAt (possible with coarse clock resolution) are ordered
// by descending operation id for a stable total order.
func ListEntries(ctx context.Context, tx *store.Tx, cursor OperationID, limit int) ([]Entry, error) {
	raw, err := tx.Prefixed(ctx, store.OperationLogPrefix())
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, v := range raw {
		var entry Entry
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return bytes.Compare(entries[i].OperationID[:], entries[j].OperationID[:]) > 0
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	var zero OperationID
	if cursor != zero {
		for i, e := range entries {
			if e.OperationID == cursor {
				entries = entries[i+1:]
				break
			}
		}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// AppendUpdate durably journals an update event for opID and returns it
// with its assigned sequence number. Concurrency-safe: callers from
// multiple state machine workers may call this without external locking.
func (l *Log) AppendUpdate(opID OperationID, body []byte) (UpdateEvent, error) {
	l.mu.Lock()
	seq := l.seqNext
	l.seqNext++
	l.mu.Unlock()

	ev := UpdateEvent{OperationID: opID, Seq: seq, Body: body, At: time.Now().UTC()}
	data, err := json.Marshal(ev)
	if err != nil {
		return UpdateEvent{}, err
	}
	if _, err := l.journal.Append(data); err != nil {
		return UpdateEvent{}, err
	}

	l.mu.Lock()
	l.byOp[opID] = append(l.byOp[opID], ev)
	l.mu.Unlock()
	return ev, nil
}

// UpdatesSince returns every update event recorded for opID with
// Seq >= after, in order. Used to let a reconnecting subscriber catch up.
func (l *Log) UpdatesSince(opID OperationID, after uint64) []UpdateEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.byOp[opID]
	out := make([]UpdateEvent, 0, len(all))
	for _, ev := range all {
		if ev.Seq >= after {
			out = append(out, ev)
		}
	}
	return out
}
