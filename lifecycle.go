package uow

import "fmt"

// State is the lifecycle state of a managed object. Transitions are only made through
// the transition methods below, each returning the resulting state.
type State int

const (
	Transient State = iota
	// New is persistent but not yet committed. It stays New after an intermediate flush.
	New
	Clean
	Dirty
	// Hollow is persistent with no fields loaded.
	Hollow
	Deleted
	// NewDeleted is an object made persistent and deleted in the same transaction.
	NewDeleted
	Detached
	// Nontransactional is persistent, backed by a snapshot that was not confirmed by the
	// store in this unit of work (L2 hits in optimistic transactions or outside a transaction).
	Nontransactional
)

var stateNames = [...]string{
	Transient:        "transient",
	New:              "persistent-new",
	Clean:            "persistent-clean",
	Dirty:            "persistent-dirty",
	Hollow:           "hollow",
	Deleted:          "persistent-deleted",
	NewDeleted:       "persistent-new-deleted",
	Detached:         "detached",
	Nontransactional: "persistent-nontransactional",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) IsPersistent() bool {
	switch s {
	case New, Clean, Dirty, Hollow, Deleted, NewDeleted, Nontransactional:
		return true
	}
	return false
}

// IsTransactional reports whether the object participates in the current transaction.
func (s State) IsTransactional() bool {
	switch s {
	case New, Clean, Dirty, Deleted, NewDeleted:
		return true
	}
	return false
}

// IsDirty reports whether the state carries pending writes.
func (s State) IsDirty() bool {
	switch s {
	case New, Dirty, Deleted, NewDeleted:
		return true
	}
	return false
}

func (s State) IsNew() bool {
	return s == New || s == NewDeleted
}

func (s State) IsDeleted() bool {
	return s == Deleted || s == NewDeleted
}

func (s State) illegal(op string) (State, error) {
	return s, Error{
		Code:     UserMisuse,
		Err:      fmt.Errorf("illegal lifecycle transition %q from state %s", op, s),
		UserData: s,
	}
}

// Persist is the transition for an explicit or cascaded persist.
func (s State) Persist() (State, error) {
	switch s {
	case Transient:
		return New, nil
	case New, Clean, Dirty, Hollow, Nontransactional:
		return s, nil
	}
	return s.illegal("persist")
}

func (s State) Delete() (State, error) {
	switch s {
	case New:
		return NewDeleted, nil
	case Clean, Dirty, Hollow, Nontransactional:
		return Deleted, nil
	case Deleted, NewDeleted:
		return s, nil
	}
	return s.illegal("delete")
}

// Write is the transition for a field mutation. transactional is false outside of an active transaction.
func (s State) Write(transactional bool) (State, error) {
	switch s {
	case Clean, Hollow:
		return Dirty, nil
	case Nontransactional:
		if transactional {
			return Dirty, nil
		}
		return s, nil
	case New, Dirty, Transient, Detached:
		return s, nil
	}
	return s.illegal("write")
}

// Load is the transition after fields were read from the store (transactional)
// or from a shared snapshot (not transactional).
func (s State) Load(transactional bool) (State, error) {
	switch s {
	case Hollow, Nontransactional:
		if transactional {
			return Clean, nil
		}
		return Nontransactional, nil
	case Transient, Detached:
		return s.illegal("load")
	}
	return s, nil
}

// Flush is the transition after the pending write of the object was accepted by the store.
func (s State) Flush() (State, error) {
	switch s {
	case Dirty:
		return Clean, nil
	case New, Deleted, NewDeleted, Clean, Hollow, Nontransactional:
		return s, nil
	}
	return s.illegal("flush")
}

// Commit is the transition at successful commit. retainValues keeps loaded fields (Clean)
// instead of clearing them (Hollow).
func (s State) Commit(retainValues bool) (State, error) {
	switch s {
	case New, Clean, Dirty:
		if retainValues {
			return Clean, nil
		}
		return Hollow, nil
	case Deleted, NewDeleted:
		return Transient, nil
	case Hollow, Nontransactional:
		return s, nil
	}
	return s.illegal("commit")
}

func (s State) Rollback() (State, error) {
	switch s {
	case New, NewDeleted:
		return Transient, nil
	case Clean, Dirty, Deleted:
		return Hollow, nil
	case Hollow, Nontransactional:
		return s, nil
	}
	return s.illegal("rollback")
}

func (s State) Detach() (State, error) {
	switch s {
	case New, Clean, Dirty, Hollow, Nontransactional, Detached:
		return Detached, nil
	}
	return s.illegal("detach")
}

// Attach is the transition of a detached object becoming managed again.
func (s State) Attach(dirty bool) (State, error) {
	if s != Detached {
		return s.illegal("attach")
	}
	if dirty {
		return Dirty, nil
	}
	return Clean, nil
}

// Evict releases loaded fields of non-dirty objects. Dirty objects are left untouched.
func (s State) Evict() (State, error) {
	switch s {
	case Clean, Hollow, Nontransactional:
		return Hollow, nil
	case New, Dirty, Deleted, NewDeleted:
		return s, nil
	}
	return s.illegal("evict")
}

// Refresh discards unflushed changes of a dirty object.
func (s State) Refresh() (State, error) {
	switch s {
	case Dirty:
		return Clean, nil
	case New, Clean, Hollow, Deleted, NewDeleted, Nontransactional:
		return s, nil
	}
	return s.illegal("refresh")
}

// Demote is the transition of an object persisted by reachability that is no longer reachable at commit.
func (s State) Demote() (State, error) {
	switch s {
	case New, NewDeleted:
		return Transient, nil
	}
	return s.illegal("demote")
}
