package uow

import (
	"fmt"
	"sort"
	"time"

	"github.com/sharedcode/uow/encoding"
)

// Field value type tags. Decoding restores the exact Go type that was encoded.
const (
	tagNil uint8 = iota
	tagInt
	tagInt8
	tagInt16
	tagInt32
	tagInt64
	tagUint
	tagUint8
	tagUint16
	tagUint32
	tagUint64
	tagFloat32
	tagFloat64
	tagString
	tagBool
	tagBytes
	tagTime
	tagRef
	tagRefs
)

type wireRef struct {
	C string `msgpack:"c"`
	K string `msgpack:"k"`
}

type wireField struct {
	N    int       `msgpack:"n"`
	T    uint8     `msgpack:"t"`
	I    int64     `msgpack:"i,omitempty"`
	U    uint64    `msgpack:"u,omitempty"`
	F    float64   `msgpack:"f,omitempty"`
	S    string    `msgpack:"s,omitempty"`
	B    []byte    `msgpack:"b,omitempty"`
	Refs []wireRef `msgpack:"r,omitempty"`
}

type wireObject struct {
	Class   string      `msgpack:"c"`
	Key     string      `msgpack:"k"`
	Version int64       `msgpack:"v"`
	Loaded  uint64      `msgpack:"l"`
	Fields  []wireField `msgpack:"f"`
}

func encodeField(n int, v any) (wireField, error) {
	w := wireField{N: n}
	switch tv := v.(type) {
	case nil:
		w.T = tagNil
	case int:
		w.T, w.I = tagInt, int64(tv)
	case int8:
		w.T, w.I = tagInt8, int64(tv)
	case int16:
		w.T, w.I = tagInt16, int64(tv)
	case int32:
		w.T, w.I = tagInt32, int64(tv)
	case int64:
		w.T, w.I = tagInt64, tv
	case uint:
		w.T, w.U = tagUint, uint64(tv)
	case uint8:
		w.T, w.U = tagUint8, uint64(tv)
	case uint16:
		w.T, w.U = tagUint16, uint64(tv)
	case uint32:
		w.T, w.U = tagUint32, uint64(tv)
	case uint64:
		w.T, w.U = tagUint64, tv
	case float32:
		w.T, w.F = tagFloat32, float64(tv)
	case float64:
		w.T, w.F = tagFloat64, tv
	case string:
		w.T, w.S = tagString, tv
	case bool:
		w.T = tagBool
		if tv {
			w.I = 1
		}
	case []byte:
		w.T, w.B = tagBytes, tv
	case time.Time:
		w.T, w.I, w.S = tagTime, tv.UnixNano(), tv.Location().String()
	case Identity:
		w.T, w.Refs = tagRef, []wireRef{{C: tv.Class, K: tv.Key}}
	case []Identity:
		w.T = tagRefs
		w.Refs = make([]wireRef, len(tv))
		for i := range tv {
			w.Refs[i] = wireRef{C: tv[i].Class, K: tv[i].Key}
		}
	default:
		return w, fmt.Errorf("field %d: unsupported value type %T", n, v)
	}
	return w, nil
}

func decodeField(w wireField) (any, error) {
	switch w.T {
	case tagNil:
		return nil, nil
	case tagInt:
		return int(w.I), nil
	case tagInt8:
		return int8(w.I), nil
	case tagInt16:
		return int16(w.I), nil
	case tagInt32:
		return int32(w.I), nil
	case tagInt64:
		return w.I, nil
	case tagUint:
		return uint(w.U), nil
	case tagUint8:
		return uint8(w.U), nil
	case tagUint16:
		return uint16(w.U), nil
	case tagUint32:
		return uint32(w.U), nil
	case tagUint64:
		return w.U, nil
	case tagFloat32:
		return float32(w.F), nil
	case tagFloat64:
		return w.F, nil
	case tagString:
		return w.S, nil
	case tagBool:
		return w.I == 1, nil
	case tagBytes:
		if w.B == nil {
			return []byte{}, nil
		}
		return w.B, nil
	case tagTime:
		t := time.Unix(0, w.I)
		if loc, err := time.LoadLocation(w.S); err == nil {
			t = t.In(loc)
		}
		return t, nil
	case tagRef:
		if len(w.Refs) != 1 {
			return nil, fmt.Errorf("field %d: malformed reference", w.N)
		}
		return Identity{Class: w.Refs[0].C, Key: w.Refs[0].K}, nil
	case tagRefs:
		ids := make([]Identity, len(w.Refs))
		for i, r := range w.Refs {
			ids[i] = Identity{Class: r.C, Key: r.K}
		}
		return ids, nil
	}
	return nil, fmt.Errorf("field %d: unknown type tag %d", w.N, w.T)
}

func encodeObject(id Identity, version int64, loaded FieldSet, fields map[int]any) ([]byte, error) {
	o := wireObject{
		Class:   id.Class,
		Key:     id.Key,
		Version: version,
		Loaded:  uint64(loaded),
		Fields:  make([]wireField, 0, len(fields)),
	}
	nums := make([]int, 0, len(fields))
	for n := range fields {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for _, n := range nums {
		w, err := encodeField(n, fields[n])
		if err != nil {
			return nil, err
		}
		o.Fields = append(o.Fields, w)
	}
	return encoding.BinaryMarshaler.Marshal(&o)
}

func decodeObject(ba []byte) (*wireObject, map[int]any, error) {
	var o wireObject
	if err := encoding.BinaryMarshaler.Unmarshal(ba, &o); err != nil {
		return nil, nil, err
	}
	fields := make(map[int]any, len(o.Fields))
	for _, w := range o.Fields {
		v, err := decodeField(w)
		if err != nil {
			return nil, nil, err
		}
		fields[w.N] = v
	}
	return &o, fields, nil
}

// MarshalSnapshot encodes a snapshot, preserving the Go type of every field value.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return encodeObject(s.ID, s.Version, s.Loaded, s.Fields)
}

func UnmarshalSnapshot(ba []byte) (*Snapshot, error) {
	o, fields, err := decodeObject(ba)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:      Identity{Class: o.Class, Key: o.Key},
		Version: o.Version,
		Loaded:  FieldSet(o.Loaded),
		Fields:  fields,
	}, nil
}

// MarshalRecord encodes a stored record, preserving the Go type of every field value.
func MarshalRecord(r *Record) ([]byte, error) {
	var loaded FieldSet
	for n := range r.Fields {
		loaded = loaded.With(n)
	}
	return encodeObject(r.ID, r.Version, loaded, r.Fields)
}

func UnmarshalRecord(ba []byte) (*Record, error) {
	o, fields, err := decodeObject(ba)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:      Identity{Class: o.Class, Key: o.Key},
		Version: o.Version,
		Fields:  fields,
	}, nil
}
