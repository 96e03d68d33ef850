package encoding

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string
	Count int64
	Tags  []string
}

func TestMarshalersRoundTrip(t *testing.T) {
	for name, m := range map[string]Marshaler{"json": DefaultMarshaler, "msgpack": BinaryMarshaler} {
		in := sample{Name: "foo", Count: 3, Tags: []string{"a", "b"}}
		ba, err := m.Marshal(in)
		if err != nil {
			t.Fatalf("%s: Marshal failed, err: %v", name, err)
		}
		var out sample
		if err := m.Unmarshal(ba, &out); err != nil {
			t.Fatalf("%s: Unmarshal failed, err: %v", name, err)
		}
		if out.Name != in.Name || out.Count != in.Count || len(out.Tags) != 2 {
			t.Errorf("%s: got %+v, want %+v", name, out, in)
		}
	}
}

func TestByteArrayPassThrough(t *testing.T) {
	raw := []byte{1, 2, 3}
	ba, err := Marshal(BinaryMarshaler, raw)
	if err != nil || !bytes.Equal(ba, raw) {
		t.Fatalf("expected pass-through of byte array, got %v, err: %v", ba, err)
	}
	var out []byte
	if err := Unmarshal(BinaryMarshaler, raw, &out); err != nil || !bytes.Equal(out, raw) {
		t.Fatalf("expected pass-through on unmarshal, got %v, err: %v", out, err)
	}
}
