package query

import "testing"

func TestMatchesExactValue(t *testing.T) {
	doc := map[string]interface{}{"name": "Alice", "age": int64(30)}
	ok, err := Matches(doc, Filter{"name": "Alice"})
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = Matches(doc, Filter{"name": "Bob"})
	if err != nil || ok {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}
}

func TestMatchesMissingFieldFails(t *testing.T) {
	doc := map[string]interface{}{"name": "Alice"}
	ok, err := Matches(doc, Filter{"age": map[string]interface{}{"$gte": int64(18)}})
	if err != nil || ok {
		t.Fatalf("expected no match on missing field, got ok=%v err=%v", ok, err)
	}
}

func TestMatchesComparisonOperators(t *testing.T) {
	doc := map[string]interface{}{"age": int64(30)}
	cases := []struct {
		op     string
		value  interface{}
		expect bool
	}{
		{"$gte", int64(30), true},
		{"$gte", int64(31), false},
		{"$gt", int64(29), true},
		{"$gt", int64(30), false},
		{"$lte", int64(30), true},
		{"$lt", int64(31), true},
	}
	for _, c := range cases {
		ok, err := Matches(doc, Filter{"age": map[string]interface{}{c.op: c.value}})
		if err != nil {
			t.Fatalf("%s: unexpected error %v", c.op, err)
		}
		if ok != c.expect {
			t.Fatalf("%s %v: expected %v, got %v", c.op, c.value, c.expect, ok)
		}
	}
}

func TestMatchesStringRange(t *testing.T) {
	doc := map[string]interface{}{"_id": "user0000000050"}
	ok, err := Matches(doc, Filter{"_id": map[string]interface{}{"$gte": "user0000000050"}})
	if err != nil || !ok {
		t.Fatalf("expected string range match, got ok=%v err=%v", ok, err)
	}
	ok, err = Matches(doc, Filter{"_id": map[string]interface{}{"$gte": "user0000000051"}})
	if err != nil || ok {
		t.Fatalf("expected string range non-match, got ok=%v err=%v", ok, err)
	}
}

func TestMatchesInOperatorHeterogeneous(t *testing.T) {
	doc := map[string]interface{}{"age": int64(30)}
	ok, err := Matches(doc, Filter{"age": map[string]interface{}{
		"$in": []interface{}{"x", float64(30), true},
	}})
	if err != nil || !ok {
		t.Fatalf("expected heterogeneous $in to match numerically, got ok=%v err=%v", ok, err)
	}
}

func TestMatchesUnknownOperatorFails(t *testing.T) {
	doc := map[string]interface{}{"age": int64(30)}
	_, err := Matches(doc, Filter{"age": map[string]interface{}{"$regex": "x"}})
	if err == nil {
		t.Fatalf("expected error for unknown operator")
	}
}

func TestMatchesMultipleFieldsAND(t *testing.T) {
	doc := map[string]interface{}{"name": "Alice", "age": int64(30)}
	ok, err := Matches(doc, Filter{
		"name": "Alice",
		"age":  map[string]interface{}{"$gte": int64(18)},
	})
	if err != nil || !ok {
		t.Fatalf("expected AND match, got ok=%v err=%v", ok, err)
	}

	ok, err = Matches(doc, Filter{
		"name": "Alice",
		"age":  map[string]interface{}{"$gte": int64(40)},
	})
	if err != nil || ok {
		t.Fatalf("expected AND to fail on one unmet constraint, got ok=%v err=%v", ok, err)
	}
}

func TestRangeStartExtractsIDBound(t *testing.T) {
	start, ok := RangeStart(Filter{"_id": map[string]interface{}{"$gte": "user0000000050"}})
	if !ok || start != "user0000000050" {
		t.Fatalf("expected range start user0000000050, got %q ok=%v", start, ok)
	}

	_, ok = RangeStart(Filter{"name": "Alice"})
	if ok {
		t.Fatalf("expected no range start without an _id constraint")
	}
}
