package collection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/opticoll"
	"github.com/sharedcode/opticoll/compare"
	"github.com/sharedcode/opticoll/query"
	"github.com/sharedcode/opticoll/txn"
)

type rec struct {
	ID     int64  `json:"id"`
	V      string `json:"v,omitempty"`
	Status string `json:"status,omitempty"`
}

func getKeyRec(r rec) opticoll.Key { return opticoll.IntKey(r.ID) }

// controlledSync hands its SyncHandle to the test over a channel instead of driving it
// itself, so tests can script begin/write/commit/markReady deterministically.
type controlledSync[T any] struct {
	handleCh chan *SyncHandle[T]
}

func newControlledSync[T any]() *controlledSync[T] {
	return &controlledSync[T]{handleCh: make(chan *SyncHandle[T], 1)}
}

func (s *controlledSync[T]) Sync(ctx context.Context, h *SyncHandle[T]) error {
	s.handleCh <- h
	<-ctx.Done()
	return ctx.Err()
}

type collector[T any] struct {
	mu        sync.Mutex
	emissions [][]opticoll.ChangeMessage[T]
}

func (c *collector[T]) record(msgs []opticoll.ChangeMessage[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emissions = append(c.emissions, msgs)
}

func (c *collector[T]) snapshot() [][]opticoll.ChangeMessage[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]opticoll.ChangeMessage[T](nil), c.emissions...)
}

func TestS1_OptimisticInsertHappyPath(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "s1", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	col := &collector[rec]{}
	unsub, err := c.SubscribeChanges(col.record, SubscribeOptions{})
	require.NoError(t, err)
	defer unsub()

	tx := txn.Create(txn.Config{MutationFn: func(ctx context.Context, tx *txn.Transaction) error { return nil }})
	require.NoError(t, tx.Mutate(context.Background(), func() {
		require.NoError(t, c.Insert(context.Background(), []rec{{ID: 1, V: "a"}}, MutateOptions{}))
	}))
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, txn.StateCompleted, tx.State())

	h := <-src.handleCh
	h.Begin()
	h.Write(WriteRecord[rec]{Type: opticoll.Insert, Value: rec{ID: 1, V: "a"}})
	require.NoError(t, h.Commit())

	emissions := col.snapshot()
	require.Len(t, emissions, 1, "sync confirming an identical value must not emit again")
	require.Len(t, emissions[0], 1)
	assert.Equal(t, opticoll.Insert, emissions[0][0].Type)
	assert.Equal(t, rec{ID: 1, V: "a"}, emissions[0][0].Value)

	v, ok := c.DerivedValue(opticoll.IntKey(1))
	require.True(t, ok)
	assert.Equal(t, "a", v.V)
}

func TestS2_FailedMutationRollsBack(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "s2", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	col := &collector[rec]{}
	unsub, err := c.SubscribeChanges(col.record, SubscribeOptions{})
	require.NoError(t, err)
	defer unsub()

	boom := errors.New("boom")
	tx := txn.Create(txn.Config{MutationFn: func(ctx context.Context, tx *txn.Transaction) error { return boom }})
	require.NoError(t, tx.Mutate(context.Background(), func() {
		require.NoError(t, c.Insert(context.Background(), []rec{{ID: 1, V: "a"}}, MutateOptions{}))
	}))
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, txn.StateFailed, tx.State())

	emissions := col.snapshot()
	require.Len(t, emissions, 2)
	assert.Equal(t, opticoll.Insert, emissions[0][0].Type)
	assert.Equal(t, opticoll.Delete, emissions[1][0].Type)
	assert.Equal(t, rec{ID: 1, V: "a"}, emissions[1][0].Value)

	_, ok := c.DerivedValue(opticoll.IntKey(1))
	assert.False(t, ok)
}

func TestS4_CrossTransactionRollbackCascade(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "s4", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	go func() { _ = c.StateWhenReady(t.Context()) }()
	h := <-src.handleCh
	h.Begin()
	h.Write(WriteRecord[rec]{Type: opticoll.Insert, Value: rec{ID: 7, V: "orig"}})
	require.NoError(t, h.Commit())

	col := &collector[rec]{}
	unsub, err := c.SubscribeChanges(col.record, SubscribeOptions{})
	require.NoError(t, err)
	defer unsub()

	t1 := txn.Create(txn.Config{MutationFn: func(ctx context.Context, tx *txn.Transaction) error { return errors.New("t1 failed") }})
	t2 := txn.Create(txn.Config{})

	require.NoError(t, t1.Mutate(context.Background(), func() {
		require.NoError(t, c.Update(context.Background(), []opticoll.Key{opticoll.IntKey(7)}, MutateOptions{}, func(d *rec) { d.V = "x" }))
	}))
	require.NoError(t, t2.Mutate(context.Background(), func() {
		require.NoError(t, c.Update(context.Background(), []opticoll.Key{opticoll.IntKey(7)}, MutateOptions{}, func(d *rec) { d.V = "y" }))
	}))

	require.NoError(t, t1.Commit(context.Background()))
	assert.Equal(t, txn.StateFailed, t1.State())
	assert.Equal(t, txn.StateFailed, t2.State())

	v, ok := c.DerivedValue(opticoll.IntKey(7))
	require.True(t, ok)
	assert.Equal(t, "orig", v.V, "key must fall back to synced value once both transactions roll back")
}

func TestS5_FilteredSubscriptionTransitions(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "s5", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	go func() { _ = c.StateWhenReady(t.Context()) }()
	h := <-src.handleCh
	h.Begin()
	h.Write(WriteRecord[rec]{Type: opticoll.Insert, Value: rec{ID: 1, Status: "inactive"}})
	h.Write(WriteRecord[rec]{Type: opticoll.Insert, Value: rec{ID: 2, Status: "active"}})
	require.NoError(t, h.Commit())

	where := query.Eq(query.Field("status"), query.Lit(compare.String("active")))

	col := &collector[rec]{}
	unsub, err := c.SubscribeChanges(col.record, SubscribeOptions{IncludeInitialState: true, Where: where})
	require.NoError(t, err)
	defer unsub()

	initial := col.snapshot()
	require.Len(t, initial, 1)
	assert.Equal(t, opticoll.Insert, initial[0][0].Type)
	assert.Equal(t, opticoll.IntKey(2), initial[0][0].Key)

	tx := txn.Create(txn.Config{})
	require.NoError(t, tx.Mutate(context.Background(), func() {
		require.NoError(t, c.Update(context.Background(), []opticoll.Key{opticoll.IntKey(1)}, MutateOptions{}, func(d *rec) { d.Status = "active" }))
	}))
	require.NoError(t, tx.Commit(context.Background()))

	tx2 := txn.Create(txn.Config{})
	require.NoError(t, tx2.Mutate(context.Background(), func() {
		require.NoError(t, c.Update(context.Background(), []opticoll.Key{opticoll.IntKey(2)}, MutateOptions{}, func(d *rec) { d.Status = "inactive" }))
	}))
	require.NoError(t, tx2.Commit(context.Background()))

	tx3 := txn.Create(txn.Config{})
	require.NoError(t, tx3.Mutate(context.Background(), func() {
		require.NoError(t, c.Update(context.Background(), []opticoll.Key{opticoll.IntKey(2)}, MutateOptions{}, func(d *rec) { d.Status = "inactive" }))
	}))
	require.NoError(t, tx3.Commit(context.Background()))

	emissions := col.snapshot()
	require.Len(t, emissions, 3, "the third update is a true no-op and must not emit")
	assert.Equal(t, opticoll.Insert, emissions[1][0].Type)
	assert.Equal(t, opticoll.IntKey(1), emissions[1][0].Key)
	assert.Equal(t, opticoll.Delete, emissions[2][0].Type)
	assert.Equal(t, opticoll.IntKey(2), emissions[2][0].Key)
	assert.Equal(t, "active", emissions[2][0].Value.Status, "delete delivers the value that dropped out of the filter")
}

func TestS3_DeferredSyncUnderOptimisticWrite(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "s3", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	go func() { _ = c.StateWhenReady(t.Context()) }()
	h := <-src.handleCh
	h.Begin()
	h.Write(WriteRecord[rec]{Type: opticoll.Insert, Value: rec{ID: 1, V: "a"}})
	require.NoError(t, h.Commit())

	col := &collector[rec]{}
	unsub, err := c.SubscribeChanges(col.record, SubscribeOptions{})
	require.NoError(t, err)
	defer unsub()

	resolve := make(chan error, 1)
	tx := txn.Create(txn.Config{MutationFn: func(ctx context.Context, tx *txn.Transaction) error {
		return <-resolve
	}})
	require.NoError(t, tx.Mutate(context.Background(), func() {
		require.NoError(t, c.Update(context.Background(), []opticoll.Key{opticoll.IntKey(1)}, MutateOptions{}, func(d *rec) { d.V = "b" }))
	}))
	assert.Len(t, col.snapshot(), 1, "the optimistic update itself emits synchronously")

	commitDone := make(chan error, 1)
	go func() { commitDone <- tx.Commit(context.Background()) }()

	// Sync delivers a conflicting value while the update is still pending: the derived
	// view must keep showing "b" and nothing may be emitted for it.
	h.Begin()
	h.Write(WriteRecord[rec]{Type: opticoll.Update, Value: rec{ID: 1, V: "c"}})
	require.NoError(t, h.Commit())

	v, ok := c.DerivedValue(opticoll.IntKey(1))
	require.True(t, ok)
	assert.Equal(t, "b", v.V, "derived view must not see a sync value that raced a pending transaction")
	assert.Len(t, col.snapshot(), 1, "a sync delivery overlapping a pending transaction must not emit")

	resolve <- nil
	require.NoError(t, <-commitDone)
	assert.Equal(t, txn.StateCompleted, tx.State())
	assert.Len(t, col.snapshot(), 1, "resolving the mutation itself changes nothing observable")

	// A later sync delivery confirming the same value the overlay already shows must
	// coalesce to a no-op.
	h.Begin()
	h.Write(WriteRecord[rec]{Type: opticoll.Update, Value: rec{ID: 1, V: "b"}})
	require.NoError(t, h.Commit())
	assert.Len(t, col.snapshot(), 1, "value equals current derived, so no additional emission")

	// Finally, a genuinely new sync value must surface as a visible update.
	h.Begin()
	h.Write(WriteRecord[rec]{Type: opticoll.Update, Value: rec{ID: 1, V: "c"}})
	require.NoError(t, h.Commit())

	emissions := col.snapshot()
	require.Len(t, emissions, 2)
	require.Len(t, emissions[1], 1)
	last := emissions[1][0]
	assert.Equal(t, opticoll.Update, last.Type)
	assert.Equal(t, "c", last.Value.V)
	assert.Equal(t, "b", last.PreviousValue.V)
}

func TestOptimisticFalseSkipsOverlayUntilSyncConfirms(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "opt", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	optimistic := false
	tx := txn.Create(txn.Config{MutationFn: func(ctx context.Context, tx *txn.Transaction) error { return nil }})
	require.NoError(t, tx.Mutate(context.Background(), func() {
		require.NoError(t, c.Insert(context.Background(), []rec{{ID: 9, V: "z"}}, MutateOptions{Optimistic: &optimistic}))
	}))
	require.NoError(t, tx.Commit(context.Background()))

	_, ok := c.DerivedValue(opticoll.IntKey(9))
	assert.False(t, ok, "a non-optimistic insert must stay invisible until sync confirms it")

	h := <-src.handleCh
	h.Begin()
	h.Write(WriteRecord[rec]{Type: opticoll.Insert, Value: rec{ID: 9, V: "z"}})
	require.NoError(t, h.Commit())

	v, ok := c.DerivedValue(opticoll.IntKey(9))
	require.True(t, ok)
	assert.Equal(t, "z", v.V)
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "dup", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	tx := txn.Create(txn.Config{AutoCommit: true})
	require.NoError(t, tx.Mutate(context.Background(), func() {
		require.NoError(t, c.Insert(context.Background(), []rec{{ID: 1}}, MutateOptions{}))
	}))

	tx2 := txn.Create(txn.Config{AutoCommit: true})
	err = tx2.Mutate(context.Background(), func() {
		err := c.Insert(context.Background(), []rec{{ID: 1}}, MutateOptions{})
		var e opticoll.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, opticoll.DuplicateKey, e.Code)
	})
	require.NoError(t, err)
}

func TestUpdateMissingKeyRejected(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "missing", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	err = c.Update(context.Background(), []opticoll.Key{opticoll.IntKey(42)}, MutateOptions{}, func(d *rec) { d.V = "x" })
	var e opticoll.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, opticoll.KeyNotFound, e.Code)
}

func TestUpdateChangingKeyRejected(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "keychange", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	tx := txn.Create(txn.Config{AutoCommit: true})
	require.NoError(t, tx.Mutate(context.Background(), func() {
		require.NoError(t, c.Insert(context.Background(), []rec{{ID: 1, V: "a"}}, MutateOptions{}))
	}))

	tx2 := txn.Create(txn.Config{AutoCommit: true})
	err = tx2.Mutate(context.Background(), func() {
		err := c.Update(context.Background(), []opticoll.Key{opticoll.IntKey(1)}, MutateOptions{}, func(d *rec) { d.ID = 2 })
		var e opticoll.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, opticoll.KeyUpdateNotAllowed, e.Code)
	})
	require.NoError(t, err)
}

func TestMissingHandlerErrorOutsideTransaction(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "nohandler", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	err = c.Insert(context.Background(), []rec{{ID: 1}}, MutateOptions{})
	var e opticoll.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, opticoll.MissingHandler, e.Code)
}

func TestAddIndexBackfillsAndPowersIndexAssistedSubscription(t *testing.T) {
	txn.ResetForTest()
	t.Cleanup(txn.ResetForTest)

	src := newControlledSync[rec]()
	c, err := New(Config[rec]{ID: "indexed", GetKey: getKeyRec, Sync: src})
	require.NoError(t, err)

	go func() { _ = c.StateWhenReady(t.Context()) }()
	h := <-src.handleCh
	h.Begin()
	h.Write(WriteRecord[rec]{Type: opticoll.Insert, Value: rec{ID: 1, Status: "active"}})
	h.Write(WriteRecord[rec]{Type: opticoll.Insert, Value: rec{ID: 2, Status: "inactive"}})
	require.NoError(t, h.Commit())

	c.AddIndex([]string{"status"})

	where := query.Eq(query.Field("status"), query.Lit(compare.String("active")))
	col := &collector[rec]{}
	unsub, err := c.SubscribeChanges(col.record, SubscribeOptions{IncludeInitialState: true, Where: where})
	require.NoError(t, err)
	defer unsub()

	initial := col.snapshot()
	require.Len(t, initial, 1)
	require.Len(t, initial[0], 1)
	assert.Equal(t, opticoll.IntKey(1), initial[0][0].Key)
}
