package codec

import (
	"bytes"
	"math"
	"testing"
)

// TestPackUnpackRoundTrip exercises the property spec.md §8 requires of the
// codec: unpack(pack(x)) == x for every value in the type set.
func TestPackUnpackRoundTrip(t *testing.T) {
	values := []*Value{
		Null(),
		Bool(true),
		Bool(false),
		Int(0),
		Int(-12345),
		Int(math.MaxInt64),
		Float(0),
		Float(-3.25),
		Float(math.Inf(1)),
		String(""),
		String("hello, world"),
		Bytes(nil),
		Bytes([]byte{0, 1, 2, 255}),
		List(),
		List(Int(1), String("two"), List(Bool(true))),
	}

	doc := NewDoc()
	doc.Set("n", Int(7))
	doc.Set("s", String("nested"))
	values = append(values, Map(doc))

	for _, v := range values {
		packed := Pack(v)
		got, err := Unpack(packed)
		if err != nil {
			t.Fatalf("Unpack(%v) failed: %v", v, err)
		}
		if !valuesEqual(v, got) {
			t.Fatalf("round trip mismatch: got %#v, want %#v", got, v)
		}
	}
}

func TestPackDocUnpackDoc(t *testing.T) {
	d := NewDoc()
	d.Set("_id", String("abc"))
	d.Set("count", Int(5))
	packed := PackDoc(d)
	got, err := UnpackDoc(packed)
	if err != nil {
		t.Fatalf("UnpackDoc failed: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("expected 2 fields, got %d", got.Len())
	}
	idVal, _ := got.Get("_id")
	if idVal.Str != "abc" {
		t.Fatalf("expected _id=abc, got %q", idVal.Str)
	}
}

func TestUnpackDocRejectsNonMap(t *testing.T) {
	packed := Pack(Int(5))
	if _, err := UnpackDoc(packed); err == nil {
		t.Fatalf("expected error unpacking a non-map top-level value as a doc")
	}
}

func TestUnpackTruncatedPayload(t *testing.T) {
	full := Pack(String("hello"))
	for i := 0; i < len(full); i++ {
		if _, err := Unpack(full[:i]); err == nil {
			t.Fatalf("expected error for truncated payload of length %d", i)
		}
	}
}

func TestUnpackUnknownTag(t *testing.T) {
	if _, err := Unpack([]byte{0xFF}); err == nil {
		t.Fatalf("expected error for unknown type tag")
	}
}

func valuesEqual(a, b *Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeNull:
		return true
	case TypeBool:
		return a.Bool == b.Bool
	case TypeInt:
		return a.Int == b.Int
	case TypeFloat:
		return a.Flt == b.Flt || (math.IsInf(a.Flt, 1) && math.IsInf(b.Flt, 1))
	case TypeString:
		return a.Str == b.Str
	case TypeBytes:
		return bytes.Equal(a.Bin, b.Bin)
	case TypeList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !valuesEqual(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		if a.Map.Len() != b.Map.Len() {
			return false
		}
		for _, k := range a.Map.Keys() {
			av, _ := a.Map.Get(k)
			bv, ok := b.Map.Get(k)
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
