package uow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotKeepsFieldTypes(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 30, 0, 42, time.UTC)
	s := &Snapshot{
		ID:      Identity{Class: "Person", Key: "7"},
		Version: 3,
		Loaded:  AllFields(9),
		Fields: map[int]any{
			0: "joe",
			1: int32(-7),
			2: uint16(9),
			3: float32(1.5),
			4: true,
			5: []byte{1, 2},
			6: at,
			7: Identity{Class: "Person", Key: "8"},
			8: []Identity{{Class: "Order", Key: "a"}, {Class: "Order", Key: "b"}},
		},
	}
	ba, err := MarshalSnapshot(s)
	require.NoError(t, err)
	got, err := UnmarshalSnapshot(ba)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	require.Equal(t, s.Version, got.Version)
	require.Equal(t, s.Loaded, got.Loaded)
	require.IsType(t, int32(0), got.Fields[1])
	require.IsType(t, uint16(0), got.Fields[2])
	require.True(t, at.Equal(got.Fields[6].(time.Time)))
	delete(got.Fields, 6)
	delete(s.Fields, 6)
	require.Equal(t, s.Fields, got.Fields)
}

func TestRecordWithNilField(t *testing.T) {
	r := &Record{ID: Identity{Class: "Order", Key: "1"}, Version: 1, Fields: map[int]any{0: "x", 1: nil}}
	ba, err := MarshalRecord(r)
	require.NoError(t, err)
	got, err := UnmarshalRecord(ba)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestUnsupportedFieldType(t *testing.T) {
	_, err := MarshalSnapshot(&Snapshot{Fields: map[int]any{0: struct{}{}}})
	require.Error(t, err)
	_, err = UnmarshalSnapshot([]byte{0xc1})
	require.Error(t, err)
}
