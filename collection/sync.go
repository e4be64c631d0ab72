package collection

import (
	"context"
	log "log/slog"

	"github.com/sharedcode/opticoll"
	"github.com/sharedcode/opticoll/txn"
)

// WriteRecord is one entry a SyncSource appends to the batch currently open on a
// SyncHandle via Write.
type WriteRecord[T any] struct {
	Type     opticoll.ChangeType
	Value    T
	Metadata map[string]any
}

// SyncSource is the external collaborator that feeds server-confirmed state into a
// Collection, per spec §4.9/§6. Sync is invoked once, on its own goroutine, when the
// collection starts syncing; a source that streams updates for the collection's
// lifetime is expected to block on its own event source and drive h.Begin/Write/
// Commit/MarkReady as batches arrive, returning only when ctx is done or the stream
// ends permanently.
type SyncSource[T any] interface {
	Sync(ctx context.Context, h *SyncHandle[T]) error
}

// MetadataSyncSource is the optional capability a SyncSource may additionally
// implement to contribute a per-sync metadata map attached to every produced mutation,
// mirroring the "optional interface" convention of checking via a type assertion rather
// than widening the required SyncSource contract.
type MetadataSyncSource interface {
	GetSyncMetadata() map[string]any
}

// syncWrite pairs a WriteRecord with its derived key, computed once at Write time so
// later batch application never has to re-derive it.
type syncWrite[T any] struct {
	key opticoll.Key
	rec WriteRecord[T]
}

// syncBatch is one begin/write*/commit group from the sync source.
type syncBatch[T any] struct {
	writes []syncWrite[T]
}

func (b *syncBatch[T]) keys() []opticoll.Key {
	keys := make([]opticoll.Key, len(b.writes))
	for i, w := range b.writes {
		keys[i] = w.key
	}
	return keys
}

// SyncHandle is the begin/write/commit/markReady collaborator a SyncSource drives.
type SyncHandle[T any] struct {
	c     *Collection[T]
	batch *syncBatch[T]
}

// Begin opens a new pending sync batch. Write calls before the first Begin, or after a
// Commit and before the next Begin, are rejected.
func (h *SyncHandle[T]) Begin() {
	h.c.mu.Lock()
	h.c.inSyncWrite = true
	h.c.mu.Unlock()
	h.batch = &syncBatch[T]{}
}

// Write appends one record to the currently open batch. key is derived by GetKey; for
// deletes the source is expected to supply a value carrying only the fields GetKey
// reads.
func (h *SyncHandle[T]) Write(w WriteRecord[T]) {
	if h.batch == nil {
		log.Warn("collection: sync Write called with no open batch", "collection", h.c.id)
		return
	}
	key := h.c.getKey(w.Value)
	h.batch.writes = append(h.batch.writes, syncWrite[T]{key: key, rec: w})
}

// Commit seals the open batch and applies it to synced immediately, unless one of its
// keys is touched by a non-terminal transaction (§4.9, invariant 5), in which case the
// whole batch is dropped rather than queued. A batch observed concurrently with an
// in-flight optimistic write necessarily reflects server state that predates that
// write, so replaying it once the write settles would revert the user's own change;
// the sync source is expected to redeliver current state in a later, independent batch
// once it has observed the write, and that later batch is what actually lands.
func (h *SyncHandle[T]) Commit() error {
	batch := h.batch
	h.batch = nil
	if batch == nil {
		return opticoll.New(opticoll.Unknown, h.c.id, "collection %q: Commit called with no open batch", h.c.id)
	}

	h.c.mu.Lock()
	h.c.inSyncWrite = false
	h.c.mu.Unlock()

	for _, k := range batch.keys() {
		if txn.HasPendingMutation(h.c.id, k) {
			log.Debug("collection: dropping sync batch overlapping a pending transaction", "collection", h.c.id, "key", k.Format())
			return nil
		}
	}

	h.c.applyBatch(batch)
	h.c.markReady()
	return nil
}

// MarkReady signals first-sync completion, unblocking StateWhenReady.
func (h *SyncHandle[T]) MarkReady() {
	h.c.markReady()
}

// applyBatch writes one sealed batch into synced and, for exactly the keys it touches,
// collapses any lingering optimistic overlay entry. By the time applyBatch runs, Commit
// has already confirmed no non-terminal transaction holds any of these keys, so the
// overlay entries remaining for them (if any) belong only to already-terminal
// transactions whose writes this batch now supersedes or reconfirms — exactly the
// "overlay entries dropped atomically with the matching synced update" behavior
// described in §2's data flow.
func (c *Collection[T]) applyBatch(b *syncBatch[T]) {
	keys := b.keys()
	c.withChangeTracking(keys, func() {
		for _, w := range b.writes {
			switch w.rec.Type {
			case opticoll.Delete:
				delete(c.synced, w.key)
				delete(c.syncedMetadata, w.key)
			default:
				c.synced[w.key] = w.rec.Value
				if w.rec.Metadata != nil {
					c.syncedMetadata[w.key] = w.rec.Metadata
				}
			}
			delete(c.optimisticUpserts, w.key)
			delete(c.optimisticDeletes, w.key)
		}
	})
}
