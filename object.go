package uow

import (
	"math/bits"
	"reflect"
)

// MaxFields is the maximum number of managed fields per class.
const MaxFields = 64

// FieldSet is a bitmap of field numbers.
type FieldSet uint64

// AllFields returns the set of the first n fields.
func AllFields(n int) FieldSet {
	if n >= MaxFields {
		return ^FieldSet(0)
	}
	return FieldSet(1)<<uint(n) - 1
}

func (f FieldSet) Has(field int) bool {
	return field >= 0 && field < MaxFields && f&(1<<uint(field)) != 0
}

func (f FieldSet) With(field int) FieldSet {
	return f | 1<<uint(field)
}

func (f FieldSet) Without(field int) FieldSet {
	return f &^ (1 << uint(field))
}

func (f FieldSet) Len() int {
	return bits.OnesCount64(uint64(f))
}

// Fields lists the field numbers in ascending order.
func (f FieldSet) Fields() []int {
	r := make([]int, 0, f.Len())
	for v := uint64(f); v != 0; v &= v - 1 {
		r = append(r, bits.TrailingZeros64(v))
	}
	return r
}

// StateManager is the managing handle bound to a persistable object.
type StateManager interface {
	ID() Identity
	State() State
	// LoadField makes sure the field is loaded, fetching the object's fields from a snapshot or the store.
	LoadField(field int) error
	// MakeDirty records a caller mutation of the field.
	MakeDirty(field int) error
}

// DetachedState is kept on a detached object so that it can be attached later.
type DetachedState struct {
	ID      Identity
	Version int64
	Loaded  FieldSet
	Dirty   FieldSet
}

// Persistable is implemented by domain types by embedding Persistent.
//
//	type Person struct {
//		uow.Persistent
//		name string
//	}
//
// Getters call LoadField before returning a field and setters call MakeDirty after assigning it.
// Reference fields are exposed through FieldValue as Persistable or []Persistable values.
type Persistable interface {
	ClassName() string
	// FieldValue returns the raw value of the field without loading it.
	FieldValue(field int) any
	SetFieldValue(field int, value any)
	persistent() *Persistent
}

// Persistent carries the persistence bookkeeping of a domain object.
type Persistent struct {
	manager  StateManager
	detached *DetachedState
}

func (p *Persistent) persistent() *Persistent {
	return p
}

// LoadField loads field if the object is managed and the field is not loaded yet.
func (p *Persistent) LoadField(field int) error {
	if p.manager == nil {
		return nil
	}
	return p.manager.LoadField(field)
}

// MakeDirty marks field as modified. On a detached object the field is remembered for attach.
func (p *Persistent) MakeDirty(field int) error {
	if p.manager != nil {
		return p.manager.MakeDirty(field)
	}
	if p.detached != nil {
		p.detached.Dirty = p.detached.Dirty.With(field)
		p.detached.Loaded = p.detached.Loaded.With(field)
	}
	return nil
}

// ObjectState returns the lifecycle state of the object.
func (p *Persistent) ObjectState() State {
	if p.manager != nil {
		return p.manager.State()
	}
	if p.detached != nil {
		return Detached
	}
	return Transient
}

// ObjectID returns the identity of a managed or detached object, zero for a transient one.
func (p *Persistent) ObjectID() Identity {
	if p.manager != nil {
		return p.manager.ID()
	}
	if p.detached != nil {
		return p.detached.ID
	}
	return Identity{}
}

// ManagerOf returns the handle bound to obj, nil if obj is not managed.
func ManagerOf(obj Persistable) StateManager {
	return obj.persistent().manager
}

// Bind binds obj to its managing handle and clears any detached state.
func Bind(obj Persistable, m StateManager) {
	p := obj.persistent()
	p.manager = m
	p.detached = nil
}

// Unbind disconnects obj from its handle.
func Unbind(obj Persistable) {
	obj.persistent().manager = nil
}

func DetachedStateOf(obj Persistable) *DetachedState {
	return obj.persistent().detached
}

// SetDetachedState unbinds obj and marks it detached with ds (nil makes it transient).
func SetDetachedState(obj Persistable, ds *DetachedState) {
	p := obj.persistent()
	p.manager = nil
	p.detached = ds
}

// AsPersistable converts a reference field value, treating typed nil pointers as absent.
func AsPersistable(v any) (Persistable, bool) {
	if v == nil {
		return nil, false
	}
	pc, ok := v.(Persistable)
	if !ok {
		return nil, false
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, false
	}
	return pc, true
}

// AsPersistableSlice converts a reference collection field value.
func AsPersistableSlice(v any) []Persistable {
	switch tv := v.(type) {
	case nil:
		return nil
	case []Persistable:
		return tv
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil
	}
	r := make([]Persistable, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		if pc, ok := AsPersistable(rv.Index(i).Interface()); ok {
			r = append(r, pc)
		}
	}
	return r
}
