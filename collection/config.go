package collection

import (
	"context"

	"github.com/sharedcode/opticoll"
	"github.com/sharedcode/opticoll/compare"
	"github.com/sharedcode/opticoll/txn"
)

// Issue is one field-level rejection a Schema's Validate reports, modeling the
// "Standard Schema" capability's {issues} result per spec §6.
type Issue struct {
	Path    []string
	Message string
}

// Schema validates (and may default-fill) a record on insert/update. It is the engine's
// stand-in for an external schema library: Collection never depends on a particular
// validation package, only on this narrow capability, the same way storeoptions.go
// leaves cache tuning to a caller-supplied StoreCacheConfig rather than a concrete
// implementation.
type Schema[T any] interface {
	Validate(input T) (value T, issues []Issue)
}

// Handler performs the durable write for a collection's implicit (no active
// transaction) mutators. It has the same shape as txn.MutationFn because a direct
// mutator call synthesizes an auto-committing transaction around exactly one handler.
type Handler func(ctx context.Context, tx *txn.Transaction) error

// Config configures a new Collection. GetKey and Sync are required; validateAndApplyDefaults
// applies the remaining defaults the same way storeoptions.go's ConfigureStore fills in
// a StoreOptions from a handful of required inputs.
type Config[T any] struct {
	// ID is a stable identifier used to register the collection with the transaction
	// manager and to scope Mutation.Collection. Auto-generated if empty.
	ID string
	// GetKey extracts a record's key. Keys are stable: an update may not change it.
	GetKey func(T) opticoll.Key
	// Sync is the collaborator that feeds server-confirmed state into the collection.
	Sync SyncSource[T]
	// Schema optionally validates and defaults inserted/updated values.
	Schema Schema[T]
	// StartSync starts the sync source immediately on New rather than lazily on first
	// readiness wait or mutation.
	StartSync bool
	// OnInsert, OnUpdate, OnDelete back the implicit (no active transaction) mutators.
	OnInsert Handler
	OnUpdate Handler
	OnDelete Handler
	// CompareOptions orders index keys and is shared by every field index the
	// collection builds. Defaults to compare.DefaultOptions().
	CompareOptions compare.Options
	// OnSubscriberError receives errors and panics raised by subscriber callbacks.
	// Defaults to logging a warning; per spec §7 a subscriber error must never be
	// silently swallowed.
	OnSubscriberError func(error)
}

func (cfg *Config[T]) validateAndApplyDefaults() error {
	if cfg.GetKey == nil {
		return opticoll.New(opticoll.CollectionRequiresConfig, cfg.ID, "collection: GetKey is required")
	}
	if cfg.Sync == nil {
		return opticoll.New(opticoll.CollectionRequiresConfig, cfg.ID, "collection: Sync is required")
	}
	if cfg.ID == "" {
		cfg.ID = opticoll.NewUUID().String()
	}
	if cfg.CompareOptions == (compare.Options{}) {
		cfg.CompareOptions = compare.DefaultOptions()
	}
	return nil
}
