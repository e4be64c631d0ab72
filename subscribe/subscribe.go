package subscribe

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sharedcode/opticoll"
)

// Matcher decides whether record (a map[string]any snapshot of a derived record, per
// index.ExtractPath's expected shape) satisfies a subscription's filter. A nil filter is
// represented by AlwaysMatch, not a nil Matcher.
type Matcher interface {
	Matches(record map[string]any) (bool, error)
}

// AlwaysMatch is the Matcher for an unfiltered subscription.
type AlwaysMatch struct{}

func (AlwaysMatch) Matches(map[string]any) (bool, error) { return true, nil }

// Transition describes one key's derived-view change across a single mutation/sync
// application, the unit Dispatch evaluates a subscriber's filter against on both sides.
type Transition[T any] struct {
	Key           opticoll.Key
	BeforePresent bool
	BeforeValue   T
	BeforeMap     map[string]any
	AfterPresent  bool
	AfterValue    T
	AfterMap      map[string]any
	Metadata      map[string]any
}

// Subscription is a live registration returned by Registry.Subscribe. Unsubscribe is
// idempotent and safe to call from within the subscriber's own callback.
type Subscription[T any] struct {
	id      uint64
	matcher Matcher
	cb      func([]opticoll.ChangeMessage[T])
	closed  atomic.Bool
}

// Unsubscribe stops further delivery to this subscription.
func (s *Subscription[T]) Unsubscribe() { s.closed.Store(true) }

// buildMessages evaluates the four-transition rule (§4.8/§4.10) for every Transition
// against this subscription's filter:
//
//	was-out, now-in  -> insert (value = after)
//	was-in,  now-out -> delete (value = before, previousValue = before)
//	was-in,  now-in  -> update (value = after, previousValue = before)
//	was-out, now-out -> nothing
func (s *Subscription[T]) buildMessages(transitions []Transition[T]) ([]opticoll.ChangeMessage[T], error) {
	var out []opticoll.ChangeMessage[T]
	for _, t := range transitions {
		wasIn, afterIn := false, false
		var err error
		if t.BeforePresent {
			wasIn, err = s.matcher.Matches(t.BeforeMap)
			if err != nil {
				return nil, fmt.Errorf("subscribe: evaluating filter on previous value of key %s: %w", t.Key.Format(), err)
			}
		}
		if t.AfterPresent {
			afterIn, err = s.matcher.Matches(t.AfterMap)
			if err != nil {
				return nil, fmt.Errorf("subscribe: evaluating filter on new value of key %s: %w", t.Key.Format(), err)
			}
		}

		switch {
		case !wasIn && afterIn:
			out = append(out, opticoll.ChangeMessage[T]{Key: t.Key, Type: opticoll.Insert, Value: t.AfterValue, Metadata: t.Metadata})
		case wasIn && !afterIn:
			out = append(out, opticoll.ChangeMessage[T]{Key: t.Key, Type: opticoll.Delete, Value: t.BeforeValue, PreviousValue: t.BeforeValue, HasPrevious: true, Metadata: t.Metadata})
		case wasIn && afterIn:
			out = append(out, opticoll.ChangeMessage[T]{Key: t.Key, Type: opticoll.Update, Value: t.AfterValue, PreviousValue: t.BeforeValue, HasPrevious: true, Metadata: t.Metadata})
		}
	}
	return out, nil
}

// Registry owns a collection's live subscriptions and fans a batch of transitions out
// to each. A stable slice plus an atomic closed flag per subscription (rather than
// removing entries mid-dispatch) is the re-entrancy-safe structure design note §9
// calls for.
type Registry[T any] struct {
	mu      sync.Mutex
	subs    []*Subscription[T]
	nextID  uint64
	onError func(error)
}

// NewRegistry builds a Registry. onError receives every subscriber callback error or
// panic and a Matcher evaluation error; it must not be nil (callers needing the
// default logging behavior get it from Collection's Config, not here).
func NewRegistry[T any](onError func(error)) *Registry[T] {
	return &Registry[T]{onError: onError}
}

// Subscribe registers cb under matcher and returns the live Subscription.
func (r *Registry[T]) Subscribe(matcher Matcher, cb func([]opticoll.ChangeMessage[T])) *Subscription[T] {
	if matcher == nil {
		matcher = AlwaysMatch{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription[T]{id: r.nextID, matcher: matcher, cb: cb}
	r.subs = append(r.subs, sub)
	return sub
}

// Dispatch evaluates and delivers transitions to every live subscription, synchronously
// and in registration order, on the calling goroutine. Subscribers are never invoked
// concurrently with themselves or each other (§5's single-threaded cooperative model);
// a panicking subscriber is isolated by deliver's recover and does not stop delivery to
// the rest.
func (r *Registry[T]) Dispatch(transitions []Transition[T]) {
	if len(transitions) == 0 {
		return
	}
	r.mu.Lock()
	live := make([]*Subscription[T], 0, len(r.subs))
	for _, s := range r.subs {
		if !s.closed.Load() {
			live = append(live, s)
		}
	}
	r.subs = live
	snapshot := append([]*Subscription[T](nil), live...)
	r.mu.Unlock()

	for _, sub := range snapshot {
		r.deliver(sub, transitions)
	}
}

// DeliverOne evaluates transitions against a single subscription and delivers the
// result, used for an includeInitialState seed emission to a newly registered
// subscriber without waiting on the rest of the fan-out machinery.
func (r *Registry[T]) DeliverOne(sub *Subscription[T], transitions []Transition[T]) {
	r.deliver(sub, transitions)
}

func (r *Registry[T]) deliver(sub *Subscription[T], transitions []Transition[T]) {
	if sub.closed.Load() {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.onError(fmt.Errorf("subscribe: subscriber panicked: %v", rec))
		}
	}()

	msgs, err := sub.buildMessages(transitions)
	if err != nil {
		r.onError(err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	sub.cb(msgs)
}
