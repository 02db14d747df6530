// Package ledger provides a keyed container with a lazily cached sorted view.
package ledger

import (
	"slices"
)

// Ledger maps keys to values with O(1) upsert and removal. Sorted views are
// computed on demand and cached per direction until the next mutation.
//
// A Ledger is not safe for concurrent use.
type Ledger[K comparable, V any] struct {
	items map[K]V
	keyOf func(V) K
	less  func(a, b V) bool

	// cache[0] is descending, cache[1] ascending; nil means invalid.
	cache [2][]V
}

// New returns an empty ledger. keyOf derives a value's key for BulkLoad and
// less defines ascending order.
func New[K comparable, V any](keyOf func(V) K, less func(a, b V) bool) *Ledger[K, V] {
	return &Ledger[K, V]{
		items: make(map[K]V),
		keyOf: keyOf,
		less:  less,
	}
}

func (l *Ledger[K, V]) Upsert(key K, value V) {
	l.items[key] = value
	l.invalidate()
}

// Remove deletes key and reports whether it was present. Removing an absent
// key leaves the cache intact.
func (l *Ledger[K, V]) Remove(key K) bool {
	if _, ok := l.items[key]; !ok {
		return false
	}
	delete(l.items, key)
	l.invalidate()
	return true
}

func (l *Ledger[K, V]) Get(key K) (V, bool) {
	v, ok := l.items[key]
	return v, ok
}

func (l *Ledger[K, V]) Len() int {
	return len(l.items)
}

func (l *Ledger[K, V]) Clear() {
	l.items = make(map[K]V)
	l.invalidate()
}

// Elements returns the values in the requested order. The returned slice is
// a copy and may be retained by the caller.
func (l *Ledger[K, V]) Elements(ascending bool) []V {
	return slices.Clone(l.sorted(ascending))
}

// BulkLoad replaces the contents with values that are already sorted in the
// given direction, priming that direction's cache without a sort.
func (l *Ledger[K, V]) BulkLoad(sorted []V, ascending bool) {
	l.items = make(map[K]V, len(sorted))
	for _, v := range sorted {
		l.items[l.keyOf(v)] = v
	}
	l.invalidate()
	if len(l.items) == len(sorted) {
		l.cache[dir(ascending)] = slices.Clone(sorted)
	}
}

// Truncate keeps the first n values in the given order and removes the rest.
func (l *Ledger[K, V]) Truncate(n int, ascending bool) int {
	if n < 0 {
		n = 0
	}
	if len(l.items) <= n {
		return 0
	}
	ordered := l.sorted(ascending)
	for _, v := range ordered[n:] {
		delete(l.items, l.keyOf(v))
	}
	removed := len(ordered) - n
	kept := slices.Clone(ordered[:n])
	l.invalidate()
	l.cache[dir(ascending)] = kept
	return removed
}

// Equal compares the full key to value mapping using eq for values.
func (l *Ledger[K, V]) Equal(other *Ledger[K, V], eq func(a, b V) bool) bool {
	if other == nil || len(l.items) != len(other.items) {
		return false
	}
	for k, v := range l.items {
		ov, ok := other.items[k]
		if !ok || !eq(v, ov) {
			return false
		}
	}
	return true
}

func (l *Ledger[K, V]) sorted(ascending bool) []V {
	d := dir(ascending)
	if l.cache[d] != nil {
		return l.cache[d]
	}
	// Reverse the other direction when it is warm.
	if other := l.cache[1-d]; other != nil {
		out := slices.Clone(other)
		slices.Reverse(out)
		l.cache[d] = out
		return out
	}
	out := make([]V, 0, len(l.items))
	for _, v := range l.items {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b V) int {
		switch {
		case l.less(a, b):
			return -1
		case l.less(b, a):
			return 1
		default:
			return 0
		}
	})
	if !ascending {
		slices.Reverse(out)
	}
	l.cache[d] = out
	return out
}

func (l *Ledger[K, V]) invalidate() {
	l.cache[0] = nil
	l.cache[1] = nil
}

func dir(ascending bool) int {
	if ascending {
		return 1
	}
	return 0
}
