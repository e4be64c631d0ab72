// Command opticoll runs a short scripted demonstration of the engine: an in-memory
// Contact collection backed by a hand-rolled SyncSource, a few optimistic mutations
// driven through transactions, a filtered subscription, and a simulated flaky commit
// retried with opticoll.Retry.
package main

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/sharedcode/opticoll"
	"github.com/sharedcode/opticoll/collection"
	"github.com/sharedcode/opticoll/compare"
	"github.com/sharedcode/opticoll/query"
	"github.com/sharedcode/opticoll/txn"
)

// Contact is the demo's record type.
type Contact struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// memorySync is a SyncSource backed by an in-process map, standing in for a websocket
// or long-poll feed from a server. confirm lets main drive it like a server pushing
// confirmations.
type memorySync struct {
	mu      sync.Mutex
	handle  *collection.SyncHandle[Contact]
	started chan struct{}
	once    sync.Once
}

func newMemorySync() *memorySync {
	return &memorySync{started: make(chan struct{})}
}

func (s *memorySync) Sync(ctx context.Context, h *collection.SyncHandle[Contact]) error {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	s.once.Do(func() { close(s.started) })
	h.MarkReady()
	<-ctx.Done()
	return ctx.Err()
}

// confirm waits for Sync to be running, then begins/writes/commits a single-record batch
// as if the server had just acknowledged it.
func (s *memorySync) confirm(rec Contact) error {
	<-s.started
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	h.Begin()
	h.Write(collection.WriteRecord[Contact]{Type: opticoll.Insert, Value: rec})
	return h.Commit()
}

// postMutations stands in for the network call a real handler would make: it reads
// back what the transaction staged and logs it as if POSTing to a server. A production
// handler would serialize tx.Mutations() and return a non-nil error (triggering
// rollback) if the request failed.
func postMutations(ctx context.Context, tx *txn.Transaction) error {
	for _, m := range tx.Mutations() {
		log.Info("posting staged mutation", "collection", m.Collection, "key", m.Key.Format(), "type", m.Type)
	}
	return nil
}

func main() {
	opticoll.ConfigureLogging()
	ctx := context.Background()

	collator, err := compare.NewLocaleCollator("en")
	if err != nil {
		panic(err)
	}
	cmpOpts := compare.DefaultOptions()
	cmpOpts.StringSort = compare.StringLocale
	cmpOpts.Collator = collator

	syncSrc := newMemorySync()
	contacts, err := collection.New(collection.Config[Contact]{
		ID:             "contacts",
		GetKey:         func(c Contact) opticoll.Key { return opticoll.IntKey(c.ID) },
		Sync:           syncSrc,
		OnInsert:       postMutations,
		OnUpdate:       postMutations,
		CompareOptions: cmpOpts,
	})
	if err != nil {
		panic(err)
	}
	contacts.AddIndex([]string{"status"})
	contacts.AddIndex([]string{"name"})

	unsub, err := contacts.SubscribeChanges(func(msgs []opticoll.ChangeMessage[Contact]) {
		for _, m := range msgs {
			fmt.Printf("[all] %s %s -> %+v\n", m.Type, m.Key.Format(), m.Value)
		}
	}, collection.SubscribeOptions{})
	if err != nil {
		panic(err)
	}
	defer unsub()

	activeFilter := query.Eq(query.Field("status"), query.Lit(compare.String("active")))
	unsubActive, err := contacts.SubscribeChanges(func(msgs []opticoll.ChangeMessage[Contact]) {
		for _, m := range msgs {
			fmt.Printf("[active-only] %s %s\n", m.Type, m.Key.Format())
		}
	}, collection.SubscribeOptions{Where: activeFilter})
	if err != nil {
		panic(err)
	}
	defer unsubActive()

	fmt.Println("--- inserting Alice optimistically ---")
	tx := txn.Create(txn.Config{MutationFn: func(ctx context.Context, tx *txn.Transaction) error { return nil }})
	if err := tx.Mutate(ctx, func() {
		if err := contacts.Insert(ctx, []Contact{{ID: 1, Name: "Alice", Status: "active"}}, collection.MutateOptions{}); err != nil {
			panic(err)
		}
	}); err != nil {
		panic(err)
	}
	if err := tx.Commit(ctx); err != nil {
		panic(err)
	}

	fmt.Println("--- server confirms Alice ---")
	if err := syncSrc.confirm(Contact{ID: 1, Name: "Alice", Status: "active"}); err != nil {
		panic(err)
	}

	fmt.Println("--- updating Alice's status with a flaky commit, retried ---")
	attempt := 0
	updateTx := txn.Create(txn.Config{MutationFn: func(ctx context.Context, tx *txn.Transaction) error {
		return opticoll.Retry(ctx, func(ctx context.Context) error {
			attempt++
			if attempt < 3 {
				return errors.New("simulated transient commit failure")
			}
			return nil
		}, nil)
	}})
	if err := updateTx.Mutate(ctx, func() {
		err := contacts.Update(ctx, []opticoll.Key{opticoll.IntKey(1)}, collection.MutateOptions{}, func(c *Contact) {
			c.Status = "inactive"
		})
		if err != nil {
			panic(err)
		}
	}); err != nil {
		panic(err)
	}
	if err := updateTx.Commit(ctx); err != nil {
		log.Error("update commit failed", "error", err)
	}

	v, ok := contacts.DerivedValue(opticoll.IntKey(1))
	fmt.Printf("--- final derived value for key 1: present=%v value=%+v ---\n", ok, v)

	contacts.Dispose()
}
