package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/uow"
)

// reachability tracks the identities needed to check, at commit, that objects made persistent in
// the transaction are still reachable from a root.
type reachability struct {
	// persisted holds the objects made persistent in the transaction, explicitly or by cascade.
	persisted map[uow.Identity]struct{}
	// roots are the objects the caller persisted explicitly.
	roots    map[uow.Identity]struct{}
	enlisted map[uow.Identity]struct{}
	deleted  map[uow.Identity]struct{}
}

func newReachability() *reachability {
	r := &reachability{}
	r.clear()
	return r
}

func (r *reachability) recordPersist(id uow.Identity, explicit bool) {
	r.persisted[id] = struct{}{}
	if explicit {
		r.roots[id] = struct{}{}
	}
}

func (r *reachability) recordRoot(id uow.Identity) {
	r.roots[id] = struct{}{}
}

func (r *reachability) recordEnlist(id uow.Identity) {
	r.enlisted[id] = struct{}{}
}

func (r *reachability) recordDelete(id uow.Identity) {
	r.deleted[id] = struct{}{}
	delete(r.roots, id)
}

func (r *reachability) clear() {
	r.persisted = make(map[uow.Identity]struct{})
	r.roots = make(map[uow.Identity]struct{})
	r.enlisted = make(map[uow.Identity]struct{})
	r.deleted = make(map[uow.Identity]struct{})
}

// checkReachability demotes the objects persisted by cascade during the transaction that can no
// longer be reached from an explicitly persisted object or from an object that was already
// persistent. Demoted objects already inserted by an intermediate flush are removed from the store.
func (ec *ExecutionContext) checkReachability(ctx context.Context) error {
	r := ec.reach
	if !ec.opts.ReachabilityAtCommit || len(r.persisted) == 0 {
		return nil
	}
	reached := make(map[uow.Identity]struct{})
	var stack []*stateManager
	push := func(sm *stateManager) {
		if sm == nil || sm.obj == nil || sm.state.IsDeleted() {
			return
		}
		if _, ok := reached[sm.id]; ok {
			return
		}
		reached[sm.id] = struct{}{}
		stack = append(stack, sm)
	}
	for id := range r.roots {
		push(ec.registry.lookup(id))
	}
	for id := range r.enlisted {
		if _, ok := r.persisted[id]; !ok {
			push(ec.registry.lookup(id))
		}
	}
	for len(stack) > 0 {
		sm := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for f, meta := range sm.class.Fields {
			if !meta.IsRelation() || !sm.loaded.Has(f) {
				continue
			}
			for _, ref := range refsOf(sm, f) {
				push(ec.handleOf(ref))
			}
		}
	}

	for id := range r.persisted {
		if _, ok := reached[id]; ok {
			continue
		}
		sm := ec.registry.lookup(id)
		if sm == nil || !sm.state.IsNew() {
			continue
		}
		if err := ec.demote(ctx, sm); err != nil {
			return err
		}
	}
	return nil
}

func (ec *ExecutionContext) demote(ctx context.Context, sm *stateManager) error {
	log.Debug(fmt.Sprintf("%s is no longer reachable, making it transient", sm.id))
	if _, err := sm.state.Demote(); err != nil {
		return err
	}
	if sm.flushed && !sm.removed {
		if _, err := ec.conn.Write(ctx, uow.WriteOp{Kind: uow.Remove, ID: sm.id, Version: sm.version}); err != nil {
			return fmt.Errorf("failed to remove unreachable %s, details: %w", sm.id, err)
		}
		ec.metrics.Written(uow.Remove.String())
	}
	ec.forget(sm)
	sm.makeTransient()
	return nil
}
