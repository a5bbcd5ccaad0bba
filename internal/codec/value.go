// Package codec implements nexadb's self-describing value encoding: the
// dynamic type system documents and wire payloads are built from, and the
// byte-level codecs used to pack and unpack it.
package codec

// Type tags the dynamic type of a Value. Tag bytes are part of the wire
// format (see Pack/Unpack) and must never be renumbered once shipped.
type Type byte

const (
	TypeNull Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeBytes
	TypeList
	TypeMap
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged dynamic value: null, bool, int64, float64, string,
// bytes, or a recursive list/map built from more Values.
//
// Map holds string-keyed children in Order to keep round-tripping
// (including re-packing) deterministic; Go map iteration order is not
// stable enough for the codec's own tests, let alone a wire trace.
type Value struct {
	Type Type
	Bool bool
	Int  int64
	Flt  float64
	Str  string
	Bin  []byte
	List []*Value
	Map  *Doc
}

// Doc is an ordered string-keyed map of Values, used both for top-level
// documents and for nested TypeMap values.
type Doc struct {
	keys   []string
	fields map[string]*Value
}

func NewDoc() *Doc {
	return &Doc{fields: make(map[string]*Value)}
}

func (d *Doc) Set(key string, v *Value) {
	if _, exists := d.fields[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.fields[key] = v
}

func (d *Doc) Get(key string) (*Value, bool) {
	v, ok := d.fields[key]
	return v, ok
}

func (d *Doc) Delete(key string) {
	if _, ok := d.fields[key]; !ok {
		return
	}
	delete(d.fields, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

func (d *Doc) Keys() []string { return d.keys }
func (d *Doc) Len() int       { return len(d.fields) }

// Clone deep-copies the document.
func (d *Doc) Clone() *Doc {
	c := NewDoc()
	for _, k := range d.keys {
		c.Set(k, d.fields[k].Clone())
	}
	return c
}

func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := &Value{Type: v.Type, Bool: v.Bool, Int: v.Int, Flt: v.Flt, Str: v.Str}
	if v.Bin != nil {
		c.Bin = append([]byte(nil), v.Bin...)
	}
	if v.List != nil {
		c.List = make([]*Value, len(v.List))
		for i, e := range v.List {
			c.List[i] = e.Clone()
		}
	}
	if v.Map != nil {
		c.Map = v.Map.Clone()
	}
	return c
}

// Constructors mirroring the type set in spec.md §3.

func Null() *Value          { return &Value{Type: TypeNull} }
func Bool(b bool) *Value    { return &Value{Type: TypeBool, Bool: b} }
func Int(i int64) *Value    { return &Value{Type: TypeInt, Int: i} }
func Float(f float64) *Value { return &Value{Type: TypeFloat, Flt: f} }
func String(s string) *Value { return &Value{Type: TypeString, Str: s} }
func Bytes(b []byte) *Value  { return &Value{Type: TypeBytes, Bin: b} }
func List(items ...*Value) *Value { return &Value{Type: TypeList, List: items} }
func Map(d *Doc) *Value      { return &Value{Type: TypeMap, Map: d} }

// FromGo converts a plain Go value (as produced by the wire-payload decode
// path or handed in by a Go caller embedding the engine) into a Value. It
// mirrors document.NewValue's type switch in the teacher but over the
// smaller, spec-defined type set.
func FromGo(data interface{}) *Value {
	switch x := data.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case float32:
		return Float(float64(x))
	case float64:
		return Float(x)
	case string:
		return String(x)
	case []byte:
		return Bytes(x)
	case []interface{}:
		items := make([]*Value, len(x))
		for i, e := range x {
			items[i] = FromGo(e)
		}
		return List(items...)
	case []*Value:
		return List(x...)
	case map[string]interface{}:
		d := NewDoc()
		for _, k := range sortedKeys(x) {
			d.Set(k, FromGo(x[k]))
		}
		return Map(d)
	case *Doc:
		return Map(x)
	case *Value:
		return x
	default:
		return Null()
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion order isn't recoverable from a bare Go map; sort for a
	// deterministic (if arbitrary) field order rather than flapping
	// between runs.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// ToGo converts a Value back to a plain Go value tree (interface{}, map,
// slice) for callers that don't want to hold onto codec types.
func (v *Value) ToGo() interface{} {
	if v == nil {
		return nil
	}
	switch v.Type {
	case TypeNull:
		return nil
	case TypeBool:
		return v.Bool
	case TypeInt:
		return v.Int
	case TypeFloat:
		return v.Flt
	case TypeString:
		return v.Str
	case TypeBytes:
		return v.Bin
	case TypeList:
		out := make([]interface{}, len(v.List))
		for i, e := range v.List {
			out[i] = e.ToGo()
		}
		return out
	case TypeMap:
		out := make(map[string]interface{}, v.Map.Len())
		for _, k := range v.Map.Keys() {
			fv, _ := v.Map.Get(k)
			out[k] = fv.ToGo()
		}
		return out
	default:
		return nil
	}
}

// DocFromMap builds a Doc from a plain map, preserving FromGo's
// deterministic key ordering.
func DocFromMap(m map[string]interface{}) *Doc {
	mv := FromGo(m)
	return mv.Map
}
