package common

import (
	"cmp"
	"context"
	"fmt"
	log "log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/uow"
)

// L2 failures never fail the unit of work: reads degrade to a miss and writes to no caching.

func (ec *ExecutionContext) l2Readable(class *uow.ClassMeta) bool {
	return ec.l2 != nil && class.Cacheable && ec.opts.L2RetrieveMode == uow.CacheUse
}

// markForL2 schedules the L2 entry of sm to be refreshed (or evicted) at commit.
func (ec *ExecutionContext) markForL2(sm *stateManager) {
	if ec.l2 == nil || !ec.inTransaction() {
		return
	}
	if sm.class.Cacheable || sm.state.IsDeleted() {
		ec.l2Pending[sm.id] = sm
	}
}

func (ec *ExecutionContext) l2Get(ctx context.Context, class *uow.ClassMeta, id uow.Identity) *uow.Snapshot {
	if !ec.l2Readable(class) {
		return nil
	}
	s, err := ec.l2.Get(ctx, id)
	if err != nil {
		log.Warn(fmt.Sprintf("L2 get of %s failed, treating it as a miss, details: %v", id, err))
		s = nil
	}
	ec.metrics.L2Lookup(s != nil)
	return s
}

// l2GetAll returns the snapshots of ids aligned by position, nil for misses and non cacheable classes.
func (ec *ExecutionContext) l2GetAll(ctx context.Context, ids []uow.Identity) []*uow.Snapshot {
	r := make([]*uow.Snapshot, len(ids))
	if ec.l2 == nil || ec.opts.L2RetrieveMode != uow.CacheUse {
		return r
	}
	var query []uow.Identity
	var at []int
	for i, id := range ids {
		if class, err := ec.md.Class(id.Class); err == nil && class.Cacheable {
			query = append(query, id)
			at = append(at, i)
		}
	}
	if len(query) == 0 {
		return r
	}
	ss, err := ec.l2.GetAll(ctx, query)
	if err != nil {
		log.Warn(fmt.Sprintf("L2 get of %d objects failed, treating them as misses, details: %v", len(query), err))
		return r
	}
	for j, i := range at {
		if j < len(ss) {
			r[i] = ss[j]
		}
		ec.metrics.L2Lookup(r[i] != nil)
	}
	return r
}

func (ec *ExecutionContext) l2GetUnique(ctx context.Context, class *uow.ClassMeta, key uow.UniqueKey) (uow.Identity, bool) {
	if !ec.l2Readable(class) {
		return uow.Identity{}, false
	}
	id, ok, err := ec.l2.GetUnique(ctx, key)
	if err != nil {
		log.Warn(fmt.Sprintf("L2 get of unique key %s failed, treating it as a miss, details: %v", key, err))
		return uow.Identity{}, false
	}
	return id, ok
}

func (ec *ExecutionContext) l2EvictUnique(ctx context.Context, key uow.UniqueKey) {
	if ec.l2 == nil {
		return
	}
	if err := ec.l2.EvictUnique(ctx, key); err != nil {
		log.Warn(fmt.Sprintf("L2 evict of unique key %s failed, details: %v", key, err))
	}
}

func (ec *ExecutionContext) l2Evict(ctx context.Context, ids []uow.Identity) {
	if ec.l2 == nil || len(ids) == 0 {
		return
	}
	if err := ec.l2.EvictAll(ctx, ids); err != nil {
		log.Warn(fmt.Sprintf("L2 evict of %d objects failed, details: %v", len(ids), err))
		return
	}
	ec.metrics.AddL2Evictions(len(ids))
}

// populateL2 writes the snapshots of the objects the committing transaction changed or read from
// the store, and evicts those it deleted. It runs after the final flush, before the store commit;
// the identities written are remembered so a failing commit can evict them again.
func (ec *ExecutionContext) populateL2(ctx context.Context) {
	if ec.l2 == nil || len(ec.l2Pending) == 0 {
		return
	}
	var evict []uow.Identity
	var staleUniques []uow.UniqueKey
	var candidates []*stateManager
	for id, sm := range ec.l2Pending {
		switch {
		case sm.obj == nil || sm.state.IsDeleted():
			evict = append(evict, id)
			staleUniques = append(staleUniques, sm.storedUniques...)
		case !sm.class.Cacheable:
		case ec.opts.L2StoreMode != uow.CacheUse:
			evict = append(evict, id)
		default:
			candidates = append(candidates, sm)
		}
	}
	slices.SortFunc(candidates, func(a, b *stateManager) int {
		return compareIdentity(a.id, b.id)
	})

	ids := make([]uow.Identity, len(candidates))
	for i, sm := range candidates {
		ids[i] = sm.id
	}
	prior := make([]*uow.Snapshot, len(candidates))
	if len(ids) > 0 {
		if ss, err := ec.l2.GetAll(ctx, ids); err != nil {
			log.Warn(fmt.Sprintf("L2 read of prior snapshots failed, caching full snapshots, details: %v", err))
		} else {
			copy(prior, ss)
		}
	}

	var snaps []*uow.Snapshot
	uniques := make(map[uow.UniqueKey]uow.Identity)
	for i, sm := range candidates {
		if sm.txDirty == 0 && prior[i] != nil && prior[i].Version == sm.version {
			continue
		}
		s := buildSnapshot(sm, prior[i])
		if s == nil {
			evict = append(evict, sm.id)
			continue
		}
		if ec.admission != nil {
			ok, err := ec.admission.Admit(s)
			if err != nil {
				log.Warn(fmt.Sprintf("L2 admission rule failed on %s, not caching it, details: %v", sm.id, err))
			}
			if !ok {
				evict = append(evict, sm.id)
				continue
			}
		}
		snaps = append(snaps, s)
		current := sm.uniqueKeys()
		for _, k := range current {
			uniques[k] = sm.id
		}
		for _, k := range sm.storedUniques {
			if !slices.Contains(current, k) {
				staleUniques = append(staleUniques, k)
			}
		}
	}

	ec.l2Evict(ctx, evict)
	for _, k := range staleUniques {
		ec.l2EvictUnique(ctx, k)
	}
	if len(snaps) > 0 {
		eg, ectx := errgroup.WithContext(ctx)
		for start := 0; start < len(snaps); start += ec.opts.L2BatchSize {
			batch := snaps[start:min(start+ec.opts.L2BatchSize, len(snaps))]
			eg.Go(func() error {
				return ec.l2.PutAll(ectx, batch)
			})
		}
		if err := eg.Wait(); err != nil {
			log.Warn(fmt.Sprintf("L2 put of %d snapshots failed, details: %v", len(snaps), err))
		}
		for _, s := range snaps {
			ec.speculative = append(ec.speculative, s.ID)
		}
		ec.metrics.AddL2Puts(len(snaps))
	}
	if len(uniques) > 0 {
		if err := ec.l2.PutUniqueAll(ctx, uniques); err != nil {
			log.Warn(fmt.Sprintf("L2 put of %d unique keys failed, details: %v", len(uniques), err))
		}
	}
}

// buildSnapshot returns the snapshot to cache for sm. When prior is the snapshot of the version sm
// was enlisted at, only the fields changed in the transaction are merged into a copy of it.
func buildSnapshot(sm *stateManager, prior *uow.Snapshot) *uow.Snapshot {
	if prior != nil && sm.txVersion != 0 && prior.Version == sm.txVersion {
		changed := sm.txDirty & sm.loaded
		fields, err := sm.storeFields(changed)
		if err != nil {
			log.Debug(fmt.Sprintf("not caching %s, details: %v", sm.id, err))
			return nil
		}
		s := prior.Copy()
		if s.Fields == nil {
			s.Fields = make(map[int]any, len(fields))
		}
		for f, v := range fields {
			s.Fields[f] = v
		}
		s.Loaded |= changed
		s.Version = sm.version
		return s
	}
	s, ok := sm.snapshot()
	if !ok || s.Loaded == 0 {
		return nil
	}
	return s
}

// evictSpeculative evicts the L2 entries written by a commit that did not complete.
func (ec *ExecutionContext) evictSpeculative(ctx context.Context) {
	if len(ec.speculative) == 0 {
		return
	}
	log.Debug(fmt.Sprintf("evicting %d L2 entries of the rolled back commit", len(ec.speculative)))
	ec.l2Evict(ctx, ec.speculative)
	ec.speculative = nil
}

func compareIdentity(a, b uow.Identity) int {
	return cmp.Or(cmp.Compare(a.Class, b.Class), cmp.Compare(a.Key, b.Key))
}
