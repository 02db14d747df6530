package ledger

import (
	"testing"
)

type entry struct {
	key   string
	price int
}

func newTestLedger() *Ledger[string, entry] {
	return New(
		func(e entry) string { return e.key },
		func(a, b entry) bool { return a.price < b.price },
	)
}

func prices(es []entry) []int {
	out := make([]int, len(es))
	for i, e := range es {
		out[i] = e.price
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestUpsertAndElements(t *testing.T) {
	l := newTestLedger()
	l.Upsert("b", entry{"b", 20})
	l.Upsert("a", entry{"a", 10})
	l.Upsert("c", entry{"c", 30})

	if got := prices(l.Elements(true)); !equalInts(got, []int{10, 20, 30}) {
		t.Errorf("ascending = %v", got)
	}
	if got := prices(l.Elements(false)); !equalInts(got, []int{30, 20, 10}) {
		t.Errorf("descending = %v", got)
	}

	l.Upsert("a", entry{"a", 40})
	if got := prices(l.Elements(true)); !equalInts(got, []int{20, 30, 40}) {
		t.Errorf("after update ascending = %v", got)
	}
	if l.Len() != 3 {
		t.Errorf("Len = %d, want 3", l.Len())
	}
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	l := newTestLedger()
	l.Upsert("a", entry{"a", 10})
	_ = l.Elements(true)

	if l.Remove("missing") {
		t.Fatal("Remove of absent key reported true")
	}
	if l.cache[1] == nil {
		t.Error("cache invalidated by no-op removal")
	}
	if !l.Remove("a") {
		t.Fatal("Remove of present key reported false")
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
}

func TestElementsReturnsCopy(t *testing.T) {
	l := newTestLedger()
	l.Upsert("a", entry{"a", 10})
	got := l.Elements(true)
	got[0].price = 99
	if p := l.Elements(true)[0].price; p != 10 {
		t.Errorf("cached view mutated through returned slice: %d", p)
	}
}

func TestBulkLoadPrimesCache(t *testing.T) {
	l := newTestLedger()
	l.Upsert("z", entry{"z", 1})
	l.BulkLoad([]entry{{"c", 30}, {"b", 20}, {"a", 10}}, false)

	if l.cache[0] == nil {
		t.Fatal("descending cache not primed by BulkLoad")
	}
	if _, ok := l.Get("z"); ok {
		t.Error("BulkLoad kept prior contents")
	}
	if got := prices(l.Elements(true)); !equalInts(got, []int{10, 20, 30}) {
		t.Errorf("ascending after bulk load = %v", got)
	}
}

func TestTruncate(t *testing.T) {
	l := newTestLedger()
	for i, k := range []string{"a", "b", "c", "d", "e"} {
		l.Upsert(k, entry{k, (i + 1) * 10})
	}

	removed := l.Truncate(3, false)
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if got := prices(l.Elements(false)); !equalInts(got, []int{50, 40, 30}) {
		t.Errorf("descending after truncate = %v", got)
	}
	if _, ok := l.Get("a"); ok {
		t.Error("lowest entry survived descending truncate")
	}
	if l.Truncate(10, true) != 0 {
		t.Error("truncate above length removed entries")
	}
}

func TestEqual(t *testing.T) {
	eq := func(a, b entry) bool { return a == b }
	a := newTestLedger()
	b := newTestLedger()
	a.Upsert("x", entry{"x", 1})
	b.Upsert("x", entry{"x", 1})
	if !a.Equal(b, eq) {
		t.Error("identical ledgers not equal")
	}
	b.Upsert("x", entry{"x", 2})
	if a.Equal(b, eq) {
		t.Error("ledgers with different values reported equal")
	}
	if a.Equal(nil, eq) {
		t.Error("ledger equal to nil")
	}
}
