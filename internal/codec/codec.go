package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrMalformedPayload is returned for truncated input or an unknown type
// tag. The codec never silently coerces a value to another type.
var ErrMalformedPayload = errors.New("codec: malformed payload")

// Pack encodes a Value to nexadb's self-describing byte stream.
//
// Format, modeled on the teacher's BSON element layout
// (pkg/document/bson.go) but generalized to the spec's 8-tag type set
// and flattened to a single recursive element rather than a
// document-of-numbered-keys for lists:
//
//	element := tag:u8 payload
//	null    :=
//	bool    := b:u8                       (0 or 1)
//	int     := v:i64 (little-endian)
//	float   := v:f64 (little-endian)
//	string  := len:u32 bytes
//	bytes   := len:u32 bytes
//	list    := count:u32 element...
//	map     := count:u32 (keylen:u32 key element)...
func Pack(v *Value) []byte {
	buf := new(bytes.Buffer)
	writeValue(buf, v)
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, v *Value) {
	if v == nil {
		v = Null()
	}
	buf.WriteByte(byte(v.Type))
	switch v.Type {
	case TypeNull:
	case TypeBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TypeInt:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.Int))
		buf.Write(tmp[:])
	case TypeFloat:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.Flt))
		buf.Write(tmp[:])
	case TypeString:
		writeBytes(buf, []byte(v.Str))
	case TypeBytes:
		writeBytes(buf, v.Bin)
	case TypeList:
		writeU32(buf, uint32(len(v.List)))
		for _, item := range v.List {
			writeValue(buf, item)
		}
	case TypeMap:
		keys := v.Map.Keys()
		writeU32(buf, uint32(len(keys)))
		for _, k := range keys {
			writeBytes(buf, []byte(k))
			fv, _ := v.Map.Get(k)
			writeValue(buf, fv)
		}
	default:
		// Unknown Value.Type constructed by hand: encode as null rather
		// than emit an unparseable tag byte.
		buf.Bytes()[buf.Len()-1] = byte(TypeNull)
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeU32(buf *bytes.Buffer, n uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], n)
	buf.Write(tmp[:])
}

// Unpack decodes a single value from the front of data and returns it;
// any trailing bytes are not returned (there should be none for
// top-level payloads; PackDoc/UnpackDoc callers pass exactly one
// value's worth).
func Unpack(data []byte) (*Value, error) {
	r := bytes.NewReader(data)
	v, err := readValue(r)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func readValue(r *bytes.Reader) (*Value, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrMalformedPayload
	}
	switch Type(tagByte) {
	case TypeNull:
		return Null(), nil
	case TypeBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, ErrMalformedPayload
		}
		return Bool(b != 0), nil
	case TypeInt:
		var tmp [8]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, ErrMalformedPayload
		}
		return Int(int64(binary.LittleEndian.Uint64(tmp[:]))), nil
	case TypeFloat:
		var tmp [8]byte
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return nil, ErrMalformedPayload
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(tmp[:]))), nil
	case TypeString:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return String(string(b)), nil
	case TypeBytes:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return Bytes(b), nil
	case TypeList:
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		items := make([]*Value, 0, n)
		for i := uint32(0); i < n; i++ {
			item, err := readValue(r)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return List(items...), nil
	case TypeMap:
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		d := NewDoc()
		for i := uint32(0); i < n; i++ {
			keyBytes, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			fv, err := readValue(r)
			if err != nil {
				return nil, err
			}
			d.Set(string(keyBytes), fv)
		}
		return Map(d), nil
	default:
		return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedPayload, tagByte)
	}
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrMalformedPayload
	}
	return b, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, ErrMalformedPayload
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

// PackDoc/UnpackDoc are the entry points request/response payloads use:
// the payload is always a single top-level map.

func PackDoc(d *Doc) []byte {
	return Pack(Map(d))
}

func UnpackDoc(data []byte) (*Doc, error) {
	v, err := Unpack(data)
	if err != nil {
		return nil, err
	}
	if v.Type != TypeMap {
		return nil, fmt.Errorf("%w: top-level payload is not a map", ErrMalformedPayload)
	}
	return v.Map, nil
}
