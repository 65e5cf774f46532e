package subscription

import (
	"sort"
	"sync"

	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Handle identifies a subscription for the lifetime of a run.
type Handle = schema.SubscriptionID

// Registry tracks the active subscriptions of a run.
//
// Add and Remove only stage a change. Staged changes become visible to List,
// Lookup and IsActive once Commit runs, which the synchronizer does at a
// slice boundary.
type Registry struct {
	mu sync.Mutex

	next    Handle
	active  map[Handle]schema.Subscription
	byKey   map[schema.SubscriptionKey]Handle
	adds    []schema.Subscription
	removes []Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[Handle]schema.Subscription),
		byKey:  make(map[schema.SubscriptionKey]Handle),
	}
}

// Add stages a subscription and returns its handle.
func (r *Registry) Add(sub schema.Subscription) (Handle, error) {
	if sub.Symbol == 0 {
		return 0, errors.Wrap(exception.ErrInvalidArgument, "subscription symbol is empty")
	}
	if sub.Resolution == schema.ResolutionUnknown {
		return 0, errors.Wrap(exception.ErrInvalidArgument, "subscription resolution is unknown").With("symbol", sub.Symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := sub.Key()
	if h, ok := r.byKey[key]; ok && !r.removing(h) {
		return 0, errors.Wrap(exception.ErrDuplicateSubscription, key.String()).With("handle", h)
	}
	for _, pending := range r.adds {
		if pending.Key() == key {
			return 0, errors.Wrap(exception.ErrDuplicateSubscription, key.String()).With("handle", pending.ID)
		}
	}

	r.next++
	sub.ID = r.next
	if sub.Kind == schema.DataUnknown {
		sub.Kind = schema.DataBar
	}
	r.adds = append(r.adds, sub)
	return sub.ID, nil
}

// Remove stages the removal of a subscription. Removing a subscription that
// is still pending cancels the add.
func (r *Registry) Remove(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, pending := range r.adds {
		if pending.ID == h {
			r.adds = append(r.adds[:i], r.adds[i+1:]...)
			return nil
		}
	}
	if _, ok := r.active[h]; !ok || r.removing(h) {
		return errors.Wrap(exception.ErrUnknownSubscription, "remove").With("handle", h)
	}
	r.removes = append(r.removes, h)
	return nil
}

// Commit applies staged changes and returns what changed, removals first.
func (r *Registry) Commit() (added, removed []schema.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.removes {
		sub, ok := r.active[h]
		if !ok {
			continue
		}
		delete(r.active, h)
		delete(r.byKey, sub.Key())
		removed = append(removed, sub)
	}
	for _, sub := range r.adds {
		r.active[sub.ID] = sub
		r.byKey[sub.Key()] = sub.ID
		added = append(added, sub)
	}
	r.adds = r.adds[:0]
	r.removes = r.removes[:0]
	return added, removed
}

// Pending reports whether staged changes wait for the next Commit.
func (r *Registry) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.adds) > 0 || len(r.removes) > 0
}

// List returns the committed subscriptions ordered by handle.
func (r *Registry) List() []schema.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]schema.Subscription, 0, len(r.active))
	for _, sub := range r.active {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns a committed subscription.
func (r *Registry) Lookup(h Handle) (schema.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.active[h]
	return sub, ok
}

// IsActive reports whether any committed subscription covers the symbol.
func (r *Registry) IsActive(symbol schema.SymbolID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.byKey {
		if key.Symbol == symbol {
			return true
		}
	}
	return false
}

// ForSymbol returns the committed subscription of a symbol with the finest
// resolution.
func (r *Registry) ForSymbol(symbol schema.SymbolID) (schema.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best  schema.Subscription
		found bool
	)
	for _, sub := range r.active {
		if sub.Symbol != symbol {
			continue
		}
		if !found || sub.Resolution < best.Resolution || (sub.Resolution == best.Resolution && sub.ID < best.ID) {
			best, found = sub, true
		}
	}
	return best, found
}

// Len returns the number of committed subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Registry) removing(h Handle) bool {
	for _, pending := range r.removes {
		if pending == h {
			return true
		}
	}
	return false
}
