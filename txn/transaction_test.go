package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/opticoll"
)

type fakeCollection struct {
	applied  []Mutation
	reverted []Mutation
	touched  int
}

func (f *fakeCollection) ApplyOverlay(muts []Mutation)  { f.applied = append(f.applied, muts...) }
func (f *fakeCollection) RevertOverlay(muts []Mutation) { f.reverted = append(f.reverted, muts...) }
func (f *fakeCollection) Touch()                        { f.touched++ }

func setup(t *testing.T, id string, fc *fakeCollection) {
	t.Helper()
	ResetForTest()
	RegisterCollection(id, fc)
	t.Cleanup(ResetForTest)
}

func TestMutateRequiresPending(t *testing.T) {
	fc := &fakeCollection{}
	setup(t, "c", fc)

	tx := Create(Config{})
	require.NoError(t, tx.Commit(context.Background()))
	err := tx.Mutate(context.Background(), func() {})
	assert.Error(t, err)
}

func TestMutateStacksActiveTransaction(t *testing.T) {
	fc := &fakeCollection{}
	setup(t, "c", fc)

	tx := Create(Config{})
	var sawActive *Transaction
	require.NoError(t, tx.Mutate(context.Background(), func() {
		sawActive = GetActive()
	}))
	assert.Same(t, tx, sawActive)
	assert.Nil(t, GetActive(), "stack must be popped after Mutate returns")
}

func TestMutatePopsStackOnPanic(t *testing.T) {
	fc := &fakeCollection{}
	setup(t, "c", fc)

	tx := Create(Config{})
	func() {
		defer func() { recover() }()
		_ = tx.Mutate(context.Background(), func() {
			panic("boom")
		})
	}()
	assert.Nil(t, GetActive(), "stack must be popped even when the callback panics")
}

func TestCommitWithNoMutationsCompletesImmediately(t *testing.T) {
	fc := &fakeCollection{}
	setup(t, "c", fc)

	tx := Create(Config{})
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, StateCompleted, tx.State())
	v, err := tx.IsPersisted().Wait(context.Background())
	require.NoError(t, err)
	_ = v
}

func TestCommitSuccessAppliesAndTouches(t *testing.T) {
	fc := &fakeCollection{}
	setup(t, "c", fc)

	tx := Create(Config{
		MutationFn: func(ctx context.Context, tx *Transaction) error { return nil },
	})
	require.NoError(t, tx.Mutate(context.Background(), func() {
		GetActive().ApplyMutations([]Mutation{{Collection: "c", Key: opticoll.IntKey(1), Type: opticoll.Insert, Value: "a"}})
	}))
	require.NoError(t, tx.Commit(context.Background()))

	assert.Equal(t, StateCompleted, tx.State())
	assert.Len(t, fc.applied, 1)
	assert.Equal(t, 1, fc.touched)
	_, err := tx.IsPersisted().Wait(context.Background())
	assert.NoError(t, err)
}

func TestCommitFailureRollsBackAndReverts(t *testing.T) {
	fc := &fakeCollection{}
	setup(t, "c", fc)

	boom := errors.New("boom")
	tx := Create(Config{
		MutationFn: func(ctx context.Context, tx *Transaction) error { return boom },
	})
	require.NoError(t, tx.Mutate(context.Background(), func() {
		GetActive().ApplyMutations([]Mutation{{Collection: "c", Key: opticoll.IntKey(1), Type: opticoll.Insert, Value: "a"}})
	}))
	require.NoError(t, tx.Commit(context.Background()))

	assert.Equal(t, StateFailed, tx.State())
	assert.Len(t, fc.reverted, 1)
	_, err := tx.IsPersisted().Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestApplyMutationsIsIdempotentByKeyAndPreservesOrder(t *testing.T) {
	fc := &fakeCollection{}
	setup(t, "c", fc)

	tx := Create(Config{})
	k1 := opticoll.IntKey(1)
	k2 := opticoll.IntKey(2)
	tx.ApplyMutations([]Mutation{
		{Collection: "c", Key: k1, Type: opticoll.Insert, Value: "a"},
		{Collection: "c", Key: k2, Type: opticoll.Insert, Value: "b"},
	})
	tx.ApplyMutations([]Mutation{
		{Collection: "c", Key: k1, Type: opticoll.Insert, Value: "a"},
	})

	muts := tx.snapshotMutations()
	require.Len(t, muts, 2, "repeated identical mutation must collapse, not append")
	assert.Equal(t, k1, muts[0].Key, "first occurrence position is preserved")
	assert.Equal(t, k2, muts[1].Key)
}

func TestCrossTransactionRollbackCascade(t *testing.T) {
	fc := &fakeCollection{}
	setup(t, "c", fc)

	k := opticoll.IntKey(7)
	t1 := Create(Config{MutationFn: func(ctx context.Context, tx *Transaction) error { return errors.New("t1 failed") }})
	t2 := Create(Config{})

	require.NoError(t, t1.Mutate(context.Background(), func() {
		GetActive().ApplyMutations([]Mutation{{Collection: "c", Key: k, Type: opticoll.Update, Value: "x"}})
	}))
	require.NoError(t, t2.Mutate(context.Background(), func() {
		GetActive().ApplyMutations([]Mutation{{Collection: "c", Key: k, Type: opticoll.Update, Value: "y"}})
	}))

	require.NoError(t, t1.Commit(context.Background()))

	assert.Equal(t, StateFailed, t1.State())
	assert.Equal(t, StateFailed, t2.State(), "overlapping pending transaction must also fail")
	_, err := t2.IsPersisted().Wait(context.Background())
	assert.Error(t, err)
}

func TestCompareCreatedAtOrdersNewestFirst(t *testing.T) {
	fc := &fakeCollection{}
	setup(t, "c", fc)

	t1 := Create(Config{})
	t2 := Create(Config{})
	assert.Equal(t, -1, t2.CompareCreatedAt(t1), "t2 has a later-or-equal createdAt and a higher sequence number")
	assert.Equal(t, 1, t1.CompareCreatedAt(t2))
}

func TestNewOptimisticActionWiresVariables(t *testing.T) {
	fc := &fakeCollection{}
	setup(t, "c", fc)

	var gotVars int
	action := NewOptimisticAction(OptimisticActionConfig[int]{
		AutoCommit: true,
		OnMutate: func(v int) {
			gotVars = v
			GetActive().ApplyMutations([]Mutation{{Collection: "c", Key: opticoll.IntKey(int64(v)), Type: opticoll.Insert, Value: v}})
		},
		MutationFn: func(ctx context.Context, tx *Transaction, v int) error { return nil },
	})

	tx, err := action(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, gotVars)
	assert.Equal(t, StateCompleted, tx.State())
}
