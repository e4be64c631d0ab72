package collection

import (
	"fmt"

	"github.com/sharedcode/opticoll"
	"github.com/sharedcode/opticoll/query"
	"github.com/sharedcode/opticoll/subscribe"
)

// SubscribeChanges registers cb for this collection's change batches. With opts.Where
// set, cb only observes the four-transition filtered view per §4.10; with
// IncludeInitialState, cb is immediately sent a synthetic insert batch for every
// currently-matching key before returning. The returned unsubscribe function is
// idempotent.
func (c *Collection[T]) SubscribeChanges(cb func([]opticoll.ChangeMessage[T]), opts SubscribeOptions) (func(), error) {
	matcher := subscribe.Matcher(subscribe.AlwaysMatch{})
	var evaluator *query.RowEvaluator
	if opts.Where != nil {
		ev, err := query.CompileRowEvaluator(opts.Where)
		if err != nil {
			return nil, fmt.Errorf("collection %q: compiling subscription filter: %w", c.id, err)
		}
		evaluator = ev
		matcher = ev
	}

	sub := c.registry.Subscribe(matcher, cb)

	if opts.IncludeInitialState {
		transitions, err := c.initialTransitions(opts.Where, evaluator)
		if err != nil {
			return nil, err
		}
		c.registry.DeliverOne(sub, transitions)
	}

	return sub.Unsubscribe, nil
}

// initialTransitions builds a synthetic was-absent transition for every key the filter
// currently matches, index-assisted when possible: an index-provable candidate set is
// always post-filtered through evaluator, since OptimizationResult.CanOptimize for a
// partially-optimized "and" only guarantees the returned keys are a superset of the
// true answer (see query.OptimizationResult).
func (c *Collection[T]) initialTransitions(where query.Expr, evaluator *query.RowEvaluator) ([]subscribe.Transition[T], error) {
	c.mu.Lock()
	derived := c.derivedSnapshotLocked()
	c.mu.Unlock()

	candidates := derived
	if where != nil {
		res := query.Optimize[opticoll.Key](where, c.indexSlice())
		if res.CanOptimize {
			candidates = make(map[opticoll.Key]T, len(res.MatchingKeys))
			for k := range res.MatchingKeys {
				if v, ok := derived[k]; ok {
					candidates[k] = v
				}
			}
		}
	}

	var transitions []subscribe.Transition[T]
	for k, v := range candidates {
		m := c.toMap(v)
		if evaluator != nil {
			ok, err := evaluator.Matches(m)
			if err != nil {
				return nil, fmt.Errorf("collection %q: evaluating initial-state filter for key %s: %w", c.id, k.Format(), err)
			}
			if !ok {
				continue
			}
		}
		transitions = append(transitions, subscribe.Transition[T]{
			Key: k, BeforePresent: false, AfterPresent: true, AfterValue: v, AfterMap: m,
		})
	}
	return transitions, nil
}
