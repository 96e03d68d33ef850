// Package leveldb implements the record store over goleveldb. Writes of a transaction are buffered
// per connection and applied atomically at commit after their versions are validated again.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbOpt "github.com/syndtr/goleveldb/leveldb/opt"
	leveldbStorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/sharedcode/uow"
	"github.com/sharedcode/uow/store"
)

const (
	recordPrefix = "r/"
	uniquePrefix = "u/"
)

// Store is a goleveldb backed record store, safe for concurrent use by many connections.
type Store struct {
	db *leveldb.DB
	md *uow.MetaData
	// commitLock serializes validation and application of committed batches.
	commitLock sync.Mutex

	managedLock sync.Mutex
	managed     map[string]struct{}
}

// Open opens (or creates) a file backed store at path.
func Open(path string, md *uow.MetaData) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return newStore(db, md), nil
}

// OpenMemory opens a store over in-memory storage.
func OpenMemory(md *uow.MetaData) (*Store, error) {
	db, err := leveldb.Open(leveldbStorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory leveldb: %w", err)
	}
	return newStore(db, md), nil
}

func newStore(db *leveldb.DB, md *uow.MetaData) *Store {
	return &Store{
		db:      db,
		md:      md,
		managed: make(map[string]struct{}),
	}
}

func (s *Store) Connect(ctx context.Context) (uow.Connection, error) {
	return &connection{
		store:   s,
		pending: make(map[string]*pendingWrite),
		uniques: make(map[string]*string),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) recordKey(id uow.Identity) []byte {
	return []byte(recordPrefix + store.RecordKey(s.md, id))
}

func (s *Store) get(key []byte) (*uow.Record, error) {
	ba, err := s.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return uow.UnmarshalRecord(ba)
}

func (s *Store) version(key []byte) (int64, error) {
	r, err := s.get(key)
	if err != nil || r == nil {
		return 0, err
	}
	return r.Version, nil
}

type pendingWrite struct {
	id uow.Identity
	// record is nil for a delete.
	record *uow.Record
	// committed is the version in the DB when the key was first written by the transaction.
	committed int64
}

type connection struct {
	store      *Store
	inTx       bool
	batchDepth int
	order      []string
	pending    map[string]*pendingWrite
	// uniques overlays the unique index, nil values are removed entries.
	uniques map[string]*string
}

func (c *connection) Begin(ctx context.Context) error {
	if c.inTx {
		return uow.UserError("connection transaction is ongoing, can't begin again")
	}
	c.inTx = true
	return nil
}

func (c *connection) InTransaction() bool {
	return c.inTx
}

func (c *connection) Commit(ctx context.Context) error {
	if !c.inTx {
		return uow.UserError("no connection transaction to commit")
	}
	err := c.apply()
	c.reset()
	return err
}

// apply validates the versions read by this transaction against the DB and writes the batch.
func (c *connection) apply() error {
	if len(c.order) == 0 {
		return nil
	}
	s := c.store
	s.commitLock.Lock()
	defer s.commitLock.Unlock()

	var conflicts []error
	batch := new(leveldb.Batch)
	for _, k := range c.order {
		pw := c.pending[k]
		v, err := s.version([]byte(k))
		if err != nil {
			return err
		}
		if v != pw.committed {
			conflicts = append(conflicts, &uow.ConflictError{ID: pw.id, Expected: pw.committed, Actual: v})
			continue
		}
		if pw.record == nil {
			batch.Delete([]byte(k))
			continue
		}
		ba, err := uow.MarshalRecord(pw.record)
		if err != nil {
			return err
		}
		batch.Put([]byte(k), ba)
	}
	if len(conflicts) > 0 {
		return uow.NewOptimisticConflictError(conflicts)
	}
	for k, target := range c.uniques {
		if target == nil {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), []byte(*target))
	}
	return s.db.Write(batch, &leveldbOpt.WriteOptions{Sync: true})
}

func (c *connection) Rollback(ctx context.Context) error {
	if !c.inTx {
		return uow.UserError("no connection transaction to rollback")
	}
	c.reset()
	return nil
}

func (c *connection) reset() {
	c.inTx = false
	c.order = nil
	c.pending = make(map[string]*pendingWrite)
	c.uniques = make(map[string]*string)
}

func (c *connection) current(key string) (*uow.Record, error) {
	if pw, ok := c.pending[key]; ok {
		return pw.record, nil
	}
	return c.store.get([]byte(key))
}

func (c *connection) FindOne(ctx context.Context, id uow.Identity) (*uow.Record, error) {
	r, err := c.current(string(c.store.recordKey(id)))
	if err != nil || r == nil {
		return nil, err
	}
	if !store.Visible(c.store.md, r.ID.Class, id.Class) {
		return nil, nil
	}
	return &uow.Record{ID: r.ID, Version: r.Version, Fields: uow.CopyFields(r.Fields)}, nil
}

func (c *connection) FindMany(ctx context.Context, ids []uow.Identity) ([]*uow.Record, error) {
	r := make([]*uow.Record, len(ids))
	for i := range ids {
		rec, err := c.FindOne(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		r[i] = rec
	}
	return r, nil
}

func (c *connection) FindByUnique(ctx context.Context, key uow.UniqueKey) (*uow.Record, error) {
	k := uniquePrefix + store.UniqueIndexKey(key)
	var target string
	if t, ok := c.uniques[k]; ok {
		if t == nil {
			return nil, nil
		}
		target = *t
	} else {
		ba, err := c.store.db.Get([]byte(k), nil)
		if err != nil {
			if errors.Is(err, leveldb.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		target = string(ba)
	}
	r, err := c.current(target)
	if err != nil || r == nil {
		return nil, err
	}
	return &uow.Record{ID: r.ID, Version: r.Version, Fields: uow.CopyFields(r.Fields)}, nil
}

func (c *connection) ManageClassForIdentity(ctx context.Context, id uow.Identity) (string, error) {
	cm, err := c.store.md.Class(id.Class)
	if err != nil {
		return "", err
	}
	c.store.managedLock.Lock()
	defer c.store.managedLock.Unlock()
	if _, ok := c.store.managed[cm.Name]; !ok {
		c.store.managed[cm.Name] = struct{}{}
		log.Debug(fmt.Sprintf("leveldb store now manages class %s", cm.Name))
	}
	return cm.Name, nil
}

func (c *connection) ResolveConcreteClassForIdentity(ctx context.Context, id uow.Identity) (string, error) {
	r, err := c.FindOne(ctx, id)
	if err != nil || r == nil {
		return "", err
	}
	return r.ID.Class, nil
}

func (c *connection) Write(ctx context.Context, op uow.WriteOp) (int64, error) {
	if !c.inTx {
		// Auto-commit a single write.
		c.inTx = true
		v, err := c.write(op)
		if err == nil {
			err = c.apply()
		}
		c.reset()
		return v, err
	}
	return c.write(op)
}

func (c *connection) write(op uow.WriteOp) (int64, error) {
	key := string(c.store.recordKey(op.ID))
	cur, err := c.current(key)
	if err != nil {
		return 0, err
	}
	next, err := store.Apply(cur, op)
	if err != nil {
		return 0, err
	}
	pw, ok := c.pending[key]
	if !ok {
		committed, err := c.store.version([]byte(key))
		if err != nil {
			return 0, err
		}
		pw = &pendingWrite{id: op.ID, committed: committed}
		c.pending[key] = pw
		c.order = append(c.order, key)
	}
	pw.record = next

	for _, uk := range store.UniqueKeys(c.store.md, cur) {
		c.uniques[uniquePrefix+store.UniqueIndexKey(uk)] = nil
	}
	for _, uk := range store.UniqueKeys(c.store.md, next) {
		k := key
		c.uniques[uniquePrefix+store.UniqueIndexKey(uk)] = &k
	}
	if next == nil {
		return 0, nil
	}
	return next.Version, nil
}

func (c *connection) BatchStart(ctx context.Context, kind uow.BatchKind) error {
	c.batchDepth++
	return nil
}

func (c *connection) BatchEnd(ctx context.Context, kind uow.BatchKind) error {
	if c.batchDepth == 0 {
		return uow.UserError("batch end without batch start")
	}
	c.batchDepth--
	return nil
}

func (c *connection) Close() error {
	if c.inTx {
		log.Warn("closing leveldb connection with an active transaction, rolling back")
		c.reset()
	}
	return nil
}
