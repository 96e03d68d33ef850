// Package store holds helpers shared by the record store implementations under it.
package store

import (
	"fmt"

	"github.com/sharedcode/uow"
)

// RecordKey is the storage key of id: records of a class hierarchy share the key space of its root class.
func RecordKey(md *uow.MetaData, id uow.Identity) string {
	return md.RootClass(id.Class) + "/" + id.Key
}

// UniqueIndexKey is the storage key of a unique key entry.
func UniqueIndexKey(k uow.UniqueKey) string {
	return k.String()
}

// Visible reports whether a stored record of concrete class stored answers a lookup for requested.
func Visible(md *uow.MetaData, stored, requested string) bool {
	return md.IsSubclass(stored, requested)
}

// Apply computes the record resulting from op over current (nil when absent). It validates the
// version carried by op and returns a *uow.ConflictError on mismatch. A nil result means deleted.
func Apply(current *uow.Record, op uow.WriteOp) (*uow.Record, error) {
	switch op.Kind {
	case uow.Insert:
		if current != nil {
			return nil, uow.Error{
				Code:     uow.UserMisuse,
				Err:      fmt.Errorf("object with identity %s already exists", op.ID),
				UserData: op.ID,
			}
		}
		return &uow.Record{ID: op.ID, Version: 1, Fields: uow.CopyFields(op.Fields)}, nil
	case uow.Update, uow.Remove:
		if current == nil {
			return nil, &uow.ConflictError{ID: op.ID, Expected: op.Version}
		}
		if current.Version != op.Version {
			return nil, &uow.ConflictError{ID: op.ID, Expected: op.Version, Actual: current.Version}
		}
		if op.Kind == uow.Remove {
			return nil, nil
		}
		fields := uow.CopyFields(current.Fields)
		if fields == nil {
			fields = make(map[int]any, len(op.Fields))
		}
		for n, v := range op.Fields {
			fields[n] = v
		}
		return &uow.Record{ID: current.ID, Version: current.Version + 1, Fields: fields}, nil
	}
	return nil, fmt.Errorf("unknown write kind %d", op.Kind)
}

// UniqueKeys lists the unique keys of rec according to its class metadata.
func UniqueKeys(md *uow.MetaData, rec *uow.Record) []uow.UniqueKey {
	if rec == nil {
		return nil
	}
	c, err := md.Class(rec.ID.Class)
	if err != nil {
		return nil
	}
	return c.UniqueKeysOfFields(rec.Fields)
}
