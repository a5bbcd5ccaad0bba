package codec

import (
	"sort"
	"testing"
)

func TestRecordKeyOrderingMatchesIDOrdering(t *testing.T) {
	ids := []string{"charlie", "alpha", "bravo", "delta", "a", "aa"}
	keys := make([][]byte, len(ids))
	for i, id := range ids {
		keys[i] = RecordKey("db", "coll", id)
	}
	sort.Slice(keys, func(i, j int) bool { return Compare(keys[i], keys[j]) < 0 })

	sortedIDs := append([]string(nil), ids...)
	sort.Strings(sortedIDs)

	for i, id := range sortedIDs {
		got := RecordKey("db", "coll", id)
		if Compare(got, keys[i]) != 0 {
			t.Fatalf("position %d: sorted key order doesn't match sorted id order", i)
		}
	}
}

func TestRecordKeyDistinguishesCollections(t *testing.T) {
	k1 := RecordKey("db", "users", "1")
	k2 := RecordKey("db", "orders", "1")
	if Compare(k1, k2) == 0 {
		t.Fatalf("keys from different collections must not collide")
	}
	if HasPrefix(k1, ScanPrefix("db", "orders")) {
		t.Fatalf("users key must not match orders prefix")
	}
	if !HasPrefix(k1, ScanPrefix("db", "users")) {
		t.Fatalf("users key must match its own collection prefix")
	}
}

func TestRecordKeyNoBoundaryAmbiguity(t *testing.T) {
	// "db"+"ab" and "dba"+"b" must not produce the same key despite the
	// concatenated characters matching, because lengths are prefixed.
	k1 := RecordKey("db", "ab", "x")
	k2 := RecordKey("dba", "b", "x")
	if Compare(k1, k2) == 0 {
		t.Fatalf("length-prefixing should prevent boundary collisions")
	}
}

func TestScanPrefixBoundsCollection(t *testing.T) {
	prefix := ScanPrefix("db", "users")
	inCollection := RecordKey("db", "users", "1")
	outOfCollection := RecordKey("db", "users2", "1")
	if !HasPrefix(inCollection, prefix) {
		t.Fatalf("expected key to match its own collection's prefix")
	}
	if HasPrefix(outOfCollection, prefix) {
		t.Fatalf("key from a differently-named collection must not match")
	}
}
