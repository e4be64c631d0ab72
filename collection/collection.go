package collection

import (
	"context"
	"encoding/json"
	log "log/slog"
	"reflect"
	"sync"

	"github.com/sharedcode/opticoll"
	"github.com/sharedcode/opticoll/compare"
	"github.com/sharedcode/opticoll/deferred"
	"github.com/sharedcode/opticoll/index"
	"github.com/sharedcode/opticoll/query"
	"github.com/sharedcode/opticoll/subscribe"
	"github.com/sharedcode/opticoll/txn"
)

// Collection is the synced-baseline + optimistic-overlay store described in §3/§4.8. It
// implements txn.CollectionHandle so the transaction manager can stage and revert
// overlay writes without importing this package.
type Collection[T any] struct {
	id       string
	getKeyFn func(T) opticoll.Key
	sync     SyncSource[T]
	schema   Schema[T]
	onInsert Handler
	onUpdate Handler
	onDelete Handler
	cmpOpts  compare.Options

	mu                sync.Mutex
	synced            map[opticoll.Key]T
	syncedMetadata    map[opticoll.Key]map[string]any
	optimisticUpserts map[opticoll.Key]T
	optimisticDeletes map[opticoll.Key]struct{}
	indexes           []index.Index[opticoll.Key]
	inSyncWrite       bool
	disposed          bool

	ready     *deferred.Deferred[struct{}]
	startOnce sync.Once

	registry *subscribe.Registry[T]
}

// derivedEntry is one key's presence/value in the derived view at a point in time.
type derivedEntry[T any] struct {
	present bool
	value   T
}

// MutateOptions controls one mutator call. Optimistic defaults to true per §4.8; set it
// explicitly to false to stage the mutation into the active transaction without
// touching the overlay (the UI then only observes the change once sync confirms it).
type MutateOptions struct {
	Optimistic *bool
	Metadata   map[string]any
}

func (o MutateOptions) optimistic() bool { return o.Optimistic == nil || *o.Optimistic }

// SubscribeOptions configures SubscribeChanges.
type SubscribeOptions struct {
	IncludeInitialState bool
	Where               query.Expr
}

// New validates cfg, registers the collection with the transaction manager, and starts
// syncing immediately if cfg.StartSync is set (otherwise sync starts lazily on the
// first StateWhenReady wait or mutator call).
func New[T any](cfg Config[T]) (*Collection[T], error) {
	if err := cfg.validateAndApplyDefaults(); err != nil {
		return nil, err
	}
	onErr := cfg.OnSubscriberError
	if onErr == nil {
		onErr = defaultSubscriberErrorSink(cfg.ID)
	}

	c := &Collection[T]{
		id:                cfg.ID,
		getKeyFn:          cfg.GetKey,
		sync:              cfg.Sync,
		schema:            cfg.Schema,
		onInsert:          cfg.OnInsert,
		onUpdate:          cfg.OnUpdate,
		onDelete:          cfg.OnDelete,
		cmpOpts:           cfg.CompareOptions,
		synced:            make(map[opticoll.Key]T),
		syncedMetadata:    make(map[opticoll.Key]map[string]any),
		optimisticUpserts: make(map[opticoll.Key]T),
		optimisticDeletes: make(map[opticoll.Key]struct{}),
		ready:             deferred.New[struct{}](),
		registry:          subscribe.NewRegistry[T](onErr),
	}
	txn.RegisterCollection(c.id, c)
	if cfg.StartSync {
		c.ensureSyncStarted(context.Background())
	}
	return c, nil
}

// ID returns the collection's stable identifier.
func (c *Collection[T]) ID() string { return c.id }

func (c *Collection[T]) getKey(v T) opticoll.Key { return c.getKeyFn(v) }

// AddIndex builds a field index over path and backfills it from the current derived
// view, so queries issued after AddIndex see every existing record.
func (c *Collection[T]) AddIndex(path []string) {
	ix := index.NewFieldIndex[opticoll.Key](path, c.cmpOpts)
	c.mu.Lock()
	for k, v := range c.derivedSnapshotLocked() {
		ix.Add(k, c.toMap(v))
	}
	c.indexes = append(c.indexes, ix)
	c.mu.Unlock()
}

func (c *Collection[T]) toMap(v T) map[string]any {
	var asAny any = v
	if m, ok := asAny.(map[string]any); ok {
		return m
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// derivedLocked resolves one key's entry in the derived view per invariant 1:
// optimisticDeletes hides it; otherwise optimisticUpserts wins over synced. Caller must
// hold c.mu.
func (c *Collection[T]) derivedLocked(k opticoll.Key) derivedEntry[T] {
	if _, deleted := c.optimisticDeletes[k]; deleted {
		return derivedEntry[T]{}
	}
	if v, ok := c.optimisticUpserts[k]; ok {
		return derivedEntry[T]{present: true, value: v}
	}
	if v, ok := c.synced[k]; ok {
		return derivedEntry[T]{present: true, value: v}
	}
	return derivedEntry[T]{}
}

// derivedSnapshotLocked returns every key currently visible in the derived view. Caller
// must hold c.mu.
func (c *Collection[T]) derivedSnapshotLocked() map[opticoll.Key]T {
	out := make(map[opticoll.Key]T, len(c.synced)+len(c.optimisticUpserts))
	for k, v := range c.synced {
		out[k] = v
	}
	for k, v := range c.optimisticUpserts {
		out[k] = v
	}
	for k := range c.optimisticDeletes {
		delete(out, k)
	}
	return out
}

// DerivedValue returns key's current derived-view value, if present.
func (c *Collection[T]) DerivedValue(key opticoll.Key) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.derivedLocked(key)
	return e.value, e.present
}

func (c *Collection[T]) indexSlice() []index.Index[opticoll.Key] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]index.Index[opticoll.Key](nil), c.indexes...)
}

// withChangeTracking runs mutate (expected to touch only entries for the given keys in
// synced/optimisticUpserts/optimisticDeletes) under c.mu, then — for every key whose
// derived value actually changed — synchronously updates every index before releasing
// the lock, and finally dispatches the resulting transitions to subscribers. No-op
// writes (derived value identical before and after) are coalesced out entirely: no
// index update, no transition, no subscriber ever sees them, per §4.8's change-emission
// rule and invariant 1.
func (c *Collection[T]) withChangeTracking(keys []opticoll.Key, mutate func()) {
	c.mu.Lock()

	seen := make(map[opticoll.Key]bool, len(keys))
	var order []opticoll.Key
	before := make(map[opticoll.Key]derivedEntry[T], len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		order = append(order, k)
		before[k] = c.derivedLocked(k)
	}

	mutate()

	var transitions []subscribe.Transition[T]
	for _, k := range order {
		b := before[k]
		a := c.derivedLocked(k)
		if b.present == a.present && (!a.present || valuesEqual(b.value, a.value)) {
			continue
		}

		var beforeMap, afterMap map[string]any
		if b.present {
			beforeMap = c.toMap(b.value)
		}
		if a.present {
			afterMap = c.toMap(a.value)
		}
		for _, ix := range c.indexes {
			switch {
			case !b.present && a.present:
				ix.Add(k, afterMap)
			case b.present && !a.present:
				ix.Remove(k, beforeMap)
			default:
				ix.Update(k, beforeMap, afterMap)
			}
		}

		transitions = append(transitions, subscribe.Transition[T]{
			Key: k, BeforePresent: b.present, BeforeValue: b.value, BeforeMap: beforeMap,
			AfterPresent: a.present, AfterValue: a.value, AfterMap: afterMap,
		})
	}

	c.mu.Unlock()

	c.registry.Dispatch(transitions)
}

func valuesEqual(a, b any) bool { return reflect.DeepEqual(a, b) }

// ApplyOverlay implements txn.CollectionHandle: it stages muts into the overlay
// (skipping any mutation whose Optimistic flag is false) and runs the resulting change
// tracking/index/emission pipeline.
func (c *Collection[T]) ApplyOverlay(muts []txn.Mutation) {
	keys := make([]opticoll.Key, len(muts))
	for i, m := range muts {
		keys[i] = m.Key
	}
	c.withChangeTracking(keys, func() {
		for _, m := range muts {
			if !m.Optimistic {
				continue
			}
			if m.Type == opticoll.Delete {
				delete(c.optimisticUpserts, m.Key)
				c.optimisticDeletes[m.Key] = struct{}{}
				continue
			}
			delete(c.optimisticDeletes, m.Key)
			c.optimisticUpserts[m.Key] = m.Value.(T)
		}
	})
}

// RevertOverlay implements txn.CollectionHandle: it deletes the overlay entries for
// every key a rolled-back transaction staged, so each such key falls back to synced.
// The cross-transaction cascade rolls back the other transactions still in pending state
// that share these keys; an overlay value written for one of these keys by a persisting
// or completed transaction is deleted as well, not restored.
func (c *Collection[T]) RevertOverlay(muts []txn.Mutation) {
	keys := make([]opticoll.Key, len(muts))
	for i, m := range muts {
		keys[i] = m.Key
	}
	c.withChangeTracking(keys, func() {
		for _, m := range muts {
			delete(c.optimisticUpserts, m.Key)
			delete(c.optimisticDeletes, m.Key)
		}
	})
}

// Touch implements txn.CollectionHandle. Sync batches are resolved synchronously at
// Commit time (applied, or dropped if they raced a pending transaction) rather than
// queued for later replay, so there is nothing left to retry once a transaction reaches
// a terminal state; Touch is a no-op kept only to satisfy the interface.
func (c *Collection[T]) Touch() {}

func (c *Collection[T]) ensureSyncStarted(ctx context.Context) {
	c.startOnce.Do(func() {
		go func() {
			h := &SyncHandle[T]{c: c}
			if err := c.sync.Sync(ctx, h); err != nil {
				log.Warn("collection: sync source exited", "collection", c.id, "error", err)
			}
		}()
	})
}

func (c *Collection[T]) markReady() {
	if c.ready.IsPending() {
		c.ready.Resolve(struct{}{})
	}
}

// StateWhenReady blocks until the collection has become ready (its sync source's first
// commit, or an explicit MarkReady), or ctx is done. It also triggers lazy sync start.
func (c *Collection[T]) StateWhenReady(ctx context.Context) error {
	c.ensureSyncStarted(ctx)
	_, err := c.ready.Wait(ctx)
	return err
}

// Dispose tears the collection down: unregisters it from the transaction manager and
// rejects an unresolved readiness wait with a cancellation error, per §5.
func (c *Collection[T]) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	txn.UnregisterCollection(c.id)
	if c.ready.IsPending() {
		c.ready.Reject(opticoll.New(opticoll.Cancelled, c.id, "collection %q: disposed", c.id))
	}
}

func defaultSubscriberErrorSink(id string) func(error) {
	return func(err error) {
		log.Warn("collection: subscriber error", "collection", id, "error", err)
	}
}
