package txn

import "context"

// OptimisticActionConfig configures NewOptimisticAction. MutationFn performs the
// durable write for the variables a particular invocation was called with; OnMutate
// runs inside the transaction's Mutate callback and is expected to call Collection
// mutators, which locate the active transaction via GetActive.
type OptimisticActionConfig[Variables any] struct {
	AutoCommit bool
	MutationFn func(ctx context.Context, tx *Transaction, variables Variables) error
	OnMutate   func(variables Variables)
}

// NewOptimisticAction adapts a narrow (mutationFn, onMutate) capability into a
// callable that creates and drives a Transaction for one invocation's variables,
// mirroring a thin wrapper that narrows a broader capability down to a single call
// surface.
func NewOptimisticAction[Variables any](cfg OptimisticActionConfig[Variables]) func(ctx context.Context, variables Variables) (*Transaction, error) {
	return func(ctx context.Context, variables Variables) (*Transaction, error) {
		tx := Create(Config{
			AutoCommit: cfg.AutoCommit,
			MutationFn: func(ctx context.Context, t *Transaction) error {
				if cfg.MutationFn == nil {
					return nil
				}
				return cfg.MutationFn(ctx, t, variables)
			},
		})
		err := tx.Mutate(ctx, func() {
			if cfg.OnMutate != nil {
				cfg.OnMutate(variables)
			}
		})
		return tx, err
	}
}
