package collection

import (
	"context"
	"reflect"

	"github.com/sharedcode/opticoll"
	"github.com/sharedcode/opticoll/txn"
)

// Insert validates and stages one or more new records. Each value's key must not
// already exist in the derived view.
func (c *Collection[T]) Insert(ctx context.Context, values []T, opts MutateOptions) error {
	c.ensureSyncStarted(ctx)

	muts := make([]txn.Mutation, 0, len(values))
	for _, v := range values {
		if c.schema != nil {
			validated, issues := c.schema.Validate(v)
			if len(issues) > 0 {
				return opticoll.New(opticoll.SchemaValidation, issues, "collection %q: insert: schema validation failed", c.id)
			}
			v = validated
		}
		key := c.getKey(v)
		if _, exists := c.DerivedValue(key); exists {
			return opticoll.New(opticoll.DuplicateKey, key, "collection %q: insert: key %s already exists", c.id, key.Format())
		}
		muts = append(muts, txn.Mutation{
			Collection: c.id, Key: key, Type: opticoll.Insert, Value: v,
			Optimistic: opts.optimistic(), Metadata: opts.Metadata,
		})
	}
	return c.stageMutations(ctx, muts, c.onInsert, "insert")
}

// Mutator receives a mutable copy of a record's current derived value (the "draft") and
// edits it in place. It must not change the value GetKey reads from the draft.
type Mutator[T any] func(draft *T)

// Update applies mutate to each key's current derived value and stages the diff.
// Changing the record's key inside mutate is rejected with KeyUpdateNotAllowed. A key
// whose post-mutate snapshot is unchanged from its original produces no mutation at all.
func (c *Collection[T]) Update(ctx context.Context, keys []opticoll.Key, opts MutateOptions, mutate Mutator[T]) error {
	c.ensureSyncStarted(ctx)

	muts := make([]txn.Mutation, 0, len(keys))
	for _, key := range keys {
		original, ok := c.DerivedValue(key)
		if !ok {
			return opticoll.New(opticoll.KeyNotFound, key, "collection %q: update: key %s not found", c.id, key.Format())
		}
		draft := original
		mutate(&draft)

		if newKey := c.getKey(draft); newKey != key {
			return opticoll.New(opticoll.KeyUpdateNotAllowed, key, "collection %q: update: mutator changed the key of %s", c.id, key.Format())
		}
		if c.schema != nil {
			validated, issues := c.schema.Validate(draft)
			if len(issues) > 0 {
				return opticoll.New(opticoll.SchemaValidation, issues, "collection %q: update: schema validation failed", c.id)
			}
			draft = validated
		}
		if reflect.DeepEqual(c.toMap(original), c.toMap(draft)) {
			continue
		}
		muts = append(muts, txn.Mutation{
			Collection: c.id, Key: key, Type: opticoll.Update, Value: draft,
			Optimistic: opts.optimistic(), Metadata: opts.Metadata,
		})
	}
	if len(muts) == 0 {
		return nil
	}
	return c.stageMutations(ctx, muts, c.onUpdate, "update")
}

// Delete stages removal of each key. Deleting a key absent from the derived view
// raises KeyNotFound.
func (c *Collection[T]) Delete(ctx context.Context, keys []opticoll.Key, opts MutateOptions) error {
	c.ensureSyncStarted(ctx)

	muts := make([]txn.Mutation, 0, len(keys))
	for _, key := range keys {
		current, ok := c.DerivedValue(key)
		if !ok {
			return opticoll.New(opticoll.KeyNotFound, key, "collection %q: delete: key %s not found", c.id, key.Format())
		}
		muts = append(muts, txn.Mutation{
			Collection: c.id, Key: key, Type: opticoll.Delete, Value: current,
			Optimistic: opts.optimistic(), Metadata: opts.Metadata,
		})
	}
	return c.stageMutations(ctx, muts, c.onDelete, "delete")
}

// stageMutations looks up the active transaction and stages muts on it; with no active
// transaction it synthesizes one that auto-commits through handler, which must be
// configured (§4.8's "matching handler, which must exist"). re-entrancy from within a
// sync Write/Commit window is rejected per §5.
func (c *Collection[T]) stageMutations(ctx context.Context, muts []txn.Mutation, handler Handler, op string) error {
	c.mu.Lock()
	inSync := c.inSyncWrite
	c.mu.Unlock()
	if inSync {
		return opticoll.New(opticoll.Unknown, c.id, "collection %q: %s: mutators may not run inside a sync write callback", c.id, op)
	}

	if tx := txn.GetActive(); tx != nil {
		tx.ApplyMutations(muts)
		return nil
	}

	if handler == nil {
		return opticoll.New(opticoll.MissingHandler, c.id, "collection %q: %s: no active transaction and no handler configured", c.id, op)
	}
	tx := txn.Create(txn.Config{AutoCommit: true, MutationFn: func(ctx context.Context, t *txn.Transaction) error {
		return handler(ctx, t)
	}})
	return tx.Mutate(ctx, func() {
		tx.ApplyMutations(muts)
	})
}
