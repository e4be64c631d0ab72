package txn

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/sharedcode/opticoll"
	"github.com/sharedcode/opticoll/deferred"
)

// State is where a Transaction sits in its lifecycle.
type State int

const (
	StatePending State = iota
	StatePersisting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePersisting:
		return "persisting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Mutation is one key-level write staged by a Collection mutator against the active
// transaction's overlay.
type Mutation struct {
	Collection string
	Key        opticoll.Key
	Type       opticoll.ChangeType
	Value      any
	// Optimistic mirrors the mutator's opts.optimistic: when false, ApplyOverlay must
	// not write the key into the overlay (the transaction still tracks the mutation for
	// ordering/rollback purposes, but the UI only observes it once sync confirms it).
	Optimistic bool
	Metadata   map[string]any
}

type mutationKey struct {
	collection string
	key        opticoll.Key
}

// CollectionHandle is how a Collection registers itself with the transaction manager.
// ApplyOverlay stages mutations into the collection's optimistic overlay synchronously
// (invoked while the owning transaction's Mutate callback runs); RevertOverlay undoes
// exactly those mutations on rollback; Touch is the "touch-collection" notification
// fired after every terminal transition, for a collection that needs to react to a
// transaction it holds mutations for settling.
type CollectionHandle interface {
	ApplyOverlay(mutations []Mutation)
	RevertOverlay(mutations []Mutation)
	Touch()
}

// MutationFn performs the durable write for a transaction's staged mutations.
type MutationFn func(ctx context.Context, tx *Transaction) error

// Config configures a new Transaction.
type Config struct {
	// AutoCommit commits immediately when Mutate's callback returns, rather than
	// requiring an explicit Commit call.
	AutoCommit bool
	MutationFn MutationFn
}

// Transaction is a single optimistic write unit.
type Transaction struct {
	mu             sync.Mutex
	id             opticoll.UUID
	createdAt      time.Time
	sequenceNumber int64
	state          State
	autoCommit     bool
	mutationFn     MutationFn
	mutations      []Mutation
	mutIndex       map[mutationKey]int
	isPersisted    *deferred.Deferred[struct{}]
	err            error
}

var (
	stateMu        sync.Mutex
	registry       []*Transaction
	activeStack    []*Transaction
	nextSeq        int64
	collectionsMu  sync.Mutex
	collections    = map[string]CollectionHandle{}
)

// ResetForTest clears all process-wide transaction and collection-registration state.
// Every test that exercises txn must call this in setup or teardown, for a fresh
// in-memory registry per test.
func ResetForTest() {
	stateMu.Lock()
	registry = nil
	activeStack = nil
	nextSeq = 0
	stateMu.Unlock()

	collectionsMu.Lock()
	collections = map[string]CollectionHandle{}
	collectionsMu.Unlock()
}

// RegisterCollection makes a collection reachable for overlay application and touch
// notifications by its id. Collection construction calls this.
func RegisterCollection(id string, h CollectionHandle) {
	collectionsMu.Lock()
	defer collectionsMu.Unlock()
	collections[id] = h
}

// UnregisterCollection removes a collection's registration.
func UnregisterCollection(id string) {
	collectionsMu.Lock()
	defer collectionsMu.Unlock()
	delete(collections, id)
}

func lookupCollection(id string) CollectionHandle {
	collectionsMu.Lock()
	defer collectionsMu.Unlock()
	return collections[id]
}

// Create registers a new pending Transaction.
func Create(cfg Config) *Transaction {
	stateMu.Lock()
	nextSeq++
	seq := nextSeq
	stateMu.Unlock()

	tx := &Transaction{
		id:             opticoll.NewUUID(),
		createdAt:      opticoll.Now(),
		sequenceNumber: seq,
		state:          StatePending,
		autoCommit:     cfg.AutoCommit,
		mutationFn:     cfg.MutationFn,
		mutIndex:       make(map[mutationKey]int),
		isPersisted:    deferred.New[struct{}](),
	}

	stateMu.Lock()
	registry = append(registry, tx)
	stateMu.Unlock()

	log.Debug("txn: created", "id", tx.id.String(), "autoCommit", tx.autoCommit)
	return tx
}

// GetActive returns the transaction currently on top of the active stack, or nil.
func GetActive() *Transaction {
	stateMu.Lock()
	defer stateMu.Unlock()
	if len(activeStack) == 0 {
		return nil
	}
	return activeStack[len(activeStack)-1]
}

// ID, CreatedAt, SequenceNumber, State, and IsPersisted expose the transaction's
// identity and lifecycle to callers outside the package.
func (tx *Transaction) ID() opticoll.UUID { return tx.id }
func (tx *Transaction) CreatedAt() time.Time {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.createdAt
}
func (tx *Transaction) SequenceNumber() int64 { return tx.sequenceNumber }
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}
func (tx *Transaction) IsPersisted() *deferred.Deferred[struct{}] { return tx.isPersisted }

// Mutations returns a snapshot of the mutations staged on tx so far, in staging order.
// A MutationFn reads this to learn what it must durably persist: per MutationFn's
// contract, nothing staged here is considered accepted until the function returns
// without error.
func (tx *Transaction) Mutations() []Mutation {
	return tx.snapshotMutations()
}

// Err returns the error a failed MutationFn reported, or nil if tx has not failed.
func (tx *Transaction) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// CompareCreatedAt orders transactions by createdAt descending, tiebroken by
// sequenceNumber descending: newer transactions sort first.
func (tx *Transaction) CompareCreatedAt(other *Transaction) int {
	a, b := tx.CreatedAt(), other.CreatedAt()
	if a.After(b) {
		return -1
	}
	if a.Before(b) {
		return 1
	}
	switch {
	case tx.sequenceNumber > other.sequenceNumber:
		return -1
	case tx.sequenceNumber < other.sequenceNumber:
		return 1
	default:
		return 0
	}
}

// Mutate requires pending state. It pushes tx onto the active stack, runs callback
// synchronously (callback is expected to invoke Collection mutators, each of which
// locates tx via GetActive and stages writes through ApplyMutations), then pops tx.
// The stack is popped even if callback panics; Go re-raises the panic once the
// deferred pop runs, so no explicit recover/re-panic bookkeeping is needed here. If
// AutoCommit is set, Commit runs once the callback returns normally.
func (tx *Transaction) Mutate(ctx context.Context, callback func()) error {
	tx.mu.Lock()
	if tx.state != StatePending {
		state := tx.state
		tx.mu.Unlock()
		return opticoll.New(opticoll.Unknown, tx.id, "txn: Mutate requires pending state, got %s", state)
	}
	tx.mu.Unlock()

	stateMu.Lock()
	activeStack = append(activeStack, tx)
	stateMu.Unlock()
	defer func() {
		stateMu.Lock()
		activeStack = activeStack[:len(activeStack)-1]
		stateMu.Unlock()
	}()

	callback()

	if tx.autoCommit {
		return tx.Commit(ctx)
	}
	return nil
}

// ApplyMutations merges incoming mutations into tx's staged list: a mutation replaces
// any existing entry for the same (collection, key) in place, preserving the position
// of that key's first occurrence, and otherwise appends. It then stages the same
// mutations into every referenced collection's overlay in one batch, so a transaction's
// writes become visible to subscribers atomically.
func (tx *Transaction) ApplyMutations(muts []Mutation) {
	tx.mu.Lock()
	for _, m := range muts {
		k := mutationKey{collection: m.Collection, key: m.Key}
		if idx, ok := tx.mutIndex[k]; ok {
			tx.mutations[idx] = m
		} else {
			tx.mutIndex[k] = len(tx.mutations)
			tx.mutations = append(tx.mutations, m)
		}
	}
	tx.mu.Unlock()

	byCollection := map[string][]Mutation{}
	var order []string
	for _, m := range muts {
		if _, seen := byCollection[m.Collection]; !seen {
			order = append(order, m.Collection)
		}
		byCollection[m.Collection] = append(byCollection[m.Collection], m)
	}
	for _, cid := range order {
		if h := lookupCollection(cid); h != nil {
			h.ApplyOverlay(byCollection[cid])
		}
	}
}

func (tx *Transaction) snapshotMutations() []Mutation {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]Mutation(nil), tx.mutations...)
}

// Commit requires pending state. It transitions to persisting; with no staged
// mutations it completes immediately. Otherwise it invokes the configured MutationFn
// and waits: success completes the transaction, resolves IsPersisted, and notifies
// every referenced collection (touchCollection); failure captures the error and rolls
// back.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.state != StatePending {
		state := tx.state
		tx.mu.Unlock()
		return opticoll.New(opticoll.Unknown, tx.id, "txn: Commit requires pending state, got %s", state)
	}
	tx.state = StatePersisting
	fn := tx.mutationFn
	tx.mu.Unlock()

	muts := tx.snapshotMutations()
	if len(muts) == 0 {
		tx.finishCompleted()
		return nil
	}

	var err error
	if fn != nil {
		err = fn(ctx, tx)
	}
	if err != nil {
		log.Warn("txn: mutationFn failed, rolling back", "id", tx.id.String(), "error", err)
		tx.mu.Lock()
		tx.err = err
		tx.mu.Unlock()
		return tx.Rollback(false)
	}
	tx.finishCompleted()
	return nil
}

func (tx *Transaction) finishCompleted() {
	tx.mu.Lock()
	tx.state = StateCompleted
	tx.mu.Unlock()
	removeFromRegistry(tx)
	tx.isPersisted.Resolve(struct{}{})
	tx.touchCollections()
	log.Debug("txn: completed", "id", tx.id.String())
}

// Rollback transitions tx to failed, rejects IsPersisted with the captured (or a
// cancellation) error, reverts exactly the overlay entries tx staged, and — unless
// secondary is true — recursively rolls back every other pending transaction whose
// mutations overlap tx's keys, per the cross-transaction cascade. Already-terminal
// transactions are left alone; calling Rollback on a completed transaction is an error.
func (tx *Transaction) Rollback(secondary bool) error {
	tx.mu.Lock()
	switch tx.state {
	case StateCompleted:
		tx.mu.Unlock()
		return opticoll.New(opticoll.Unknown, tx.id, "txn: cannot roll back a completed transaction")
	case StateFailed:
		tx.mu.Unlock()
		return nil
	}
	tx.state = StateFailed
	err := tx.err
	if err == nil {
		err = opticoll.New(opticoll.Cancelled, tx.id, "txn: transaction rolled back")
	}
	tx.err = err
	tx.mu.Unlock()

	muts := tx.snapshotMutations()
	removeFromRegistry(tx)
	tx.revertOverlay(muts)
	tx.isPersisted.Reject(err)
	log.Debug("txn: rolled back", "id", tx.id.String(), "secondary", secondary)

	if !secondary {
		for _, other := range overlappingPending(tx, muts) {
			other.mu.Lock()
			other.err = fmt.Errorf("txn: rolled back because transaction %s failed: %w", tx.id.String(), err)
			other.mu.Unlock()
			_ = other.Rollback(true)
		}
	}
	tx.touchCollections()
	return nil
}

func (tx *Transaction) revertOverlay(muts []Mutation) {
	byCollection := map[string][]Mutation{}
	var order []string
	for _, m := range muts {
		if _, seen := byCollection[m.Collection]; !seen {
			order = append(order, m.Collection)
		}
		byCollection[m.Collection] = append(byCollection[m.Collection], m)
	}
	for _, cid := range order {
		if h := lookupCollection(cid); h != nil {
			h.RevertOverlay(byCollection[cid])
		}
	}
}

func (tx *Transaction) touchCollections() {
	muts := tx.snapshotMutations()
	seen := map[string]bool{}
	for _, m := range muts {
		if seen[m.Collection] {
			continue
		}
		seen[m.Collection] = true
		if h := lookupCollection(m.Collection); h != nil {
			h.Touch()
		}
	}
}

func removeFromRegistry(tx *Transaction) {
	stateMu.Lock()
	defer stateMu.Unlock()
	for i, t := range registry {
		if t == tx {
			registry = append(registry[:i], registry[i+1:]...)
			return
		}
	}
}

// HasPendingMutation reports whether any non-terminal transaction currently registered
// (registry only ever holds pending/persisting transactions; terminal ones are removed
// in finishCompleted/Rollback) has staged a mutation for (collection, key). Sync intake
// uses this to decide whether a synced batch must be dropped, per invariant 5: synced
// state for a key must not change while that key is touched by a non-terminal
// transaction.
func HasPendingMutation(collection string, key opticoll.Key) bool {
	stateMu.Lock()
	candidates := append([]*Transaction(nil), registry...)
	stateMu.Unlock()

	for _, t := range candidates {
		for _, m := range t.snapshotMutations() {
			if m.Collection == collection && m.Key == key {
				return true
			}
		}
	}
	return false
}

// overlappingPending returns every other pending transaction that shares at least one
// (collection, key) pair with muts.
func overlappingPending(self *Transaction, muts []Mutation) []*Transaction {
	keys := map[mutationKey]bool{}
	for _, m := range muts {
		keys[mutationKey{collection: m.Collection, key: m.Key}] = true
	}

	stateMu.Lock()
	candidates := append([]*Transaction(nil), registry...)
	stateMu.Unlock()

	var out []*Transaction
	for _, t := range candidates {
		if t == self {
			continue
		}
		if t.State() != StatePending {
			continue
		}
		for _, m := range t.snapshotMutations() {
			if keys[mutationKey{collection: m.Collection, key: m.Key}] {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
