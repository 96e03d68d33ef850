package uow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stub struct {
	Persistent
	class  string
	fields map[int]any
}

func (s *stub) ClassName() string { return s.class }
func (s *stub) FieldValue(n int) any { return s.fields[n] }
func (s *stub) SetFieldValue(n int, v any) { s.fields[n] = v }

func newStub(class string) Persistable { return &stub{class: class, fields: map[int]any{}} }

func testClasses(t *testing.T) *MetaData {
	md, err := NewMetaData(
		&ClassMeta{Name: "Shape", Abstract: true, Fields: []FieldMeta{{Name: "code"}}},
		&ClassMeta{
			Name:       "Circle",
			Super:      "Shape",
			New:        func() Persistable { return newStub("Circle") },
			Fields:     []FieldMeta{{Name: "code"}, {Name: "radius"}, {Name: "owner", Kind: Reference, Target: "Shape"}},
			PrimaryKey: []int{0},
			UniqueKeys: []UniqueKeyMeta{{Name: "radius", Fields: []int{1}}},
		},
		&ClassMeta{Name: "Ring", Super: "Circle", New: func() Persistable { return newStub("Ring") }},
	)
	require.NoError(t, err)
	return md
}

func TestClassHierarchy(t *testing.T) {
	md := testClasses(t)
	require.Equal(t, "Shape", md.RootClass("Ring"))
	require.True(t, md.IsSubclass("Ring", "Shape"))
	require.False(t, md.IsSubclass("Shape", "Circle"))
	require.Equal(t, []string{"Circle", "Ring"}, md.ConcreteSubclasses("Shape"))
	require.True(t, md.HasSubclasses("Circle"))
	require.False(t, md.HasSubclasses("Ring"))

	_, err := md.Class("Square")
	require.True(t, IsFatal(err))
	require.True(t, IsFatal(md.Register(&ClassMeta{Name: "NoFactory"})))
}

func TestIdentityAndUniqueKeys(t *testing.T) {
	md := testClasses(t)
	c, err := md.Class("Circle")
	require.NoError(t, err)
	obj := newStub("Circle")
	obj.SetFieldValue(0, "c1")

	id, ok := c.IdentityOf(obj)
	require.True(t, ok)
	require.Equal(t, NewApplicationIdentity("Circle", "c1"), id)
	require.Equal(t, "Circle:c1", id.String())
	require.Empty(t, c.UniqueKeysOf(obj), "keys with unset fields are skipped")

	obj.SetFieldValue(1, 2.5)
	require.Equal(t, []UniqueKey{{Class: "Circle", Name: "radius", Value: "2.5"}}, c.UniqueKeysOf(obj))

	require.Equal(t, FieldSet(0b011), c.DefaultFetchFields())
	require.Equal(t, 2, c.FieldNumber("owner"))
	require.Equal(t, -1, c.FieldNumber("missing"))

	shape, err := md.Class("Shape")
	require.NoError(t, err)
	_, ok = shape.IdentityOf(obj)
	require.False(t, ok)
	require.NotEqual(t, NewSurrogateIdentity("Shape"), NewSurrogateIdentity("Shape"))
}

func TestFieldSet(t *testing.T) {
	fs := FieldSet(0).With(0).With(5).With(63)
	require.Equal(t, []int{0, 5, 63}, fs.Fields())
	require.Equal(t, 3, fs.Len())
	require.False(t, fs.Without(5).Has(5))
	require.False(t, fs.Has(-1))
	require.Equal(t, ^FieldSet(0), AllFields(MaxFields))
}
