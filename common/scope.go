package common

import "github.com/sharedcode/uow"

// operationScope holds the bookkeeping of one public operation and of every operation it
// recursively invokes (persist cascading into attach cascading into persist, ...).
// It is reference counted: nested operations share the scope of the outermost one and the
// scope is discarded when the outermost operation releases it.
type operationScope struct {
	refs int
	// Objects already visited by cascading persist and delete.
	persisted map[uow.Persistable]struct{}
	deleted   map[uow.Persistable]struct{}
	// attached is the attach merge table: identity to the single managed copy of this operation.
	attached map[uow.Identity]*stateManager
	// detached maps identities to the copies made by detach, so cycles resolve to one copy.
	detached map[uow.Identity]uow.Persistable
}

func (ec *ExecutionContext) acquireScope() *operationScope {
	if ec.scope == nil {
		ec.scope = &operationScope{
			persisted: make(map[uow.Persistable]struct{}),
			deleted:   make(map[uow.Persistable]struct{}),
			attached:  make(map[uow.Identity]*stateManager),
			detached:  make(map[uow.Identity]uow.Persistable),
		}
	}
	ec.scope.refs++
	return ec.scope
}

func (ec *ExecutionContext) releaseScope() {
	if ec.scope == nil {
		return
	}
	ec.scope.refs--
	if ec.scope.refs <= 0 {
		ec.scope = nil
	}
}

// visit marks obj in set and reports whether it was not visited before.
func visit(set map[uow.Persistable]struct{}, obj uow.Persistable) bool {
	if _, ok := set[obj]; ok {
		return false
	}
	set[obj] = struct{}{}
	return true
}
