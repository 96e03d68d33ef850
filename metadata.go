package uow

import (
	"fmt"
	"sort"
	"sync"
)

type FieldKind int

const (
	// Basic is a value field (numbers, strings, bool, bytes, time).
	Basic FieldKind = iota
	// Reference is a single-valued relation to another persistable.
	Reference
	// ReferenceSlice is a collection relation.
	ReferenceSlice
)

// FieldMeta describes one managed field.
type FieldMeta struct {
	Name string
	Kind FieldKind
	// Target is the class of the related object for reference fields.
	Target         string
	CascadePersist bool
	CascadeDelete  bool
	CascadeAttach  bool
	CascadeDetach  bool
	// MappedBy names the field on Target holding the other side of a bidirectional relation.
	MappedBy string
	// DefaultFetch includes the field in the default fetch plan.
	DefaultFetch bool
}

func (f FieldMeta) IsRelation() bool {
	return f.Kind == Reference || f.Kind == ReferenceSlice
}

type UniqueKeyMeta struct {
	Name   string
	Fields []int
}

// ClassMeta describes a persistable class.
type ClassMeta struct {
	Name     string
	Super    string
	Abstract bool
	// New returns a fresh, unmanaged instance.
	New    func() Persistable
	Fields []FieldMeta
	// PrimaryKey lists the fields making up the application identity. Empty means surrogate identity.
	PrimaryKey []int
	UniqueKeys []UniqueKeyMeta
	// Cacheable allows snapshots of the class in the shared (L2) cache.
	Cacheable bool
}

// FieldNumber returns the number of the field with the given name, -1 when absent.
func (c *ClassMeta) FieldNumber(name string) int {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// AllFields returns the set of every field of the class.
func (c *ClassMeta) AllFields() FieldSet {
	return AllFields(len(c.Fields))
}

// DefaultFetchFields returns the fields loaded when an object of the class is fetched.
func (c *ClassMeta) DefaultFetchFields() FieldSet {
	var fs FieldSet
	for i := range c.Fields {
		if c.Fields[i].DefaultFetch || c.Fields[i].Kind == Basic {
			fs = fs.With(i)
		}
	}
	return fs
}

// IdentityOf derives the identity of obj from its primary key fields.
// ok is false for classes with surrogate identity.
func (c *ClassMeta) IdentityOf(obj Persistable) (Identity, bool) {
	if len(c.PrimaryKey) == 0 {
		return Identity{}, false
	}
	pk := make([]any, len(c.PrimaryKey))
	for i, f := range c.PrimaryKey {
		pk[i] = obj.FieldValue(f)
	}
	return NewApplicationIdentity(c.Name, pk...), true
}

// UniqueKeysOf returns the values of the declared unique keys of obj.
func (c *ClassMeta) UniqueKeysOf(obj Persistable) []UniqueKey {
	return c.uniqueKeys(obj.FieldValue)
}

// UniqueKeysOfFields returns the declared unique keys of a stored field map.
// Keys whose fields are missing from the map are skipped.
func (c *ClassMeta) UniqueKeysOfFields(fields map[int]any) []UniqueKey {
	return c.uniqueKeys(func(f int) any {
		return fields[f]
	})
}

func (c *ClassMeta) uniqueKeys(value func(field int) any) []UniqueKey {
	if len(c.UniqueKeys) == 0 {
		return nil
	}
	r := make([]UniqueKey, 0, len(c.UniqueKeys))
	for _, uk := range c.UniqueKeys {
		vals := make([]any, len(uk.Fields))
		missing := false
		for i, f := range uk.Fields {
			vals[i] = value(f)
			if vals[i] == nil {
				missing = true
			}
		}
		if missing {
			continue
		}
		r = append(r, UniqueKey{Class: c.Name, Name: uk.Name, Value: NewApplicationIdentity("", vals...).Key})
	}
	return r
}

// MetaData is the registry of class metadata. It is safe for concurrent use.
type MetaData struct {
	lock    sync.RWMutex
	classes map[string]*ClassMeta
}

func NewMetaData(classes ...*ClassMeta) (*MetaData, error) {
	md := &MetaData{classes: make(map[string]*ClassMeta, len(classes))}
	for _, c := range classes {
		if err := md.Register(c); err != nil {
			return nil, err
		}
	}
	return md, nil
}

// Register adds class metadata.
func (md *MetaData) Register(c *ClassMeta) error {
	if c == nil || c.Name == "" {
		return FatalError(fmt.Errorf("class metadata requires a name"))
	}
	if len(c.Fields) > MaxFields {
		return FatalError(fmt.Errorf("class %s has %d fields, maximum is %d", c.Name, len(c.Fields), MaxFields))
	}
	if !c.Abstract && c.New == nil {
		return FatalError(fmt.Errorf("class %s requires a factory", c.Name))
	}
	md.lock.Lock()
	defer md.lock.Unlock()
	md.classes[c.Name] = c
	return nil
}

// Class returns the metadata of name. Missing metadata is fatal.
func (md *MetaData) Class(name string) (*ClassMeta, error) {
	md.lock.RLock()
	defer md.lock.RUnlock()
	if c, ok := md.classes[name]; ok {
		return c, nil
	}
	return nil, FatalError(fmt.Errorf("no metadata for class %q", name))
}

// RootClass returns the top-most superclass of name.
func (md *MetaData) RootClass(name string) string {
	md.lock.RLock()
	defer md.lock.RUnlock()
	for i := 0; i < len(md.classes); i++ {
		c, ok := md.classes[name]
		if !ok || c.Super == "" {
			break
		}
		name = c.Super
	}
	return name
}

// IsSubclass reports whether class is sub (or equal to) super.
func (md *MetaData) IsSubclass(class, super string) bool {
	md.lock.RLock()
	defer md.lock.RUnlock()
	for i := 0; i <= len(md.classes); i++ {
		if class == super {
			return true
		}
		c, ok := md.classes[class]
		if !ok || c.Super == "" {
			return false
		}
		class = c.Super
	}
	return false
}

// ConcreteSubclasses lists the non-abstract classes strictly below name, sorted by name.
func (md *MetaData) ConcreteSubclasses(name string) []string {
	md.lock.RLock()
	var candidates []string
	for n, c := range md.classes {
		if n != name && !c.Abstract {
			candidates = append(candidates, n)
		}
	}
	md.lock.RUnlock()
	r := candidates[:0]
	for _, n := range candidates {
		if md.IsSubclass(n, name) {
			r = append(r, n)
		}
	}
	sort.Strings(r)
	return r
}

// HasSubclasses reports whether name admits subclasses.
func (md *MetaData) HasSubclasses(name string) bool {
	md.lock.RLock()
	defer md.lock.RUnlock()
	for _, c := range md.classes {
		if c.Super == name {
			return true
		}
	}
	return false
}
