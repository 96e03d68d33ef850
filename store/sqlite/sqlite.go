// Package sqlite implements the record store over database/sql with the pure Go sqlite driver.
// Optimistic versions are checked by the UPDATE and DELETE statements themselves.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/sharedcode/uow"
	"github.com/sharedcode/uow/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	root    TEXT NOT NULL,
	key     TEXT NOT NULL,
	class   TEXT NOT NULL,
	version INTEGER NOT NULL,
	fields  BLOB NOT NULL,
	PRIMARY KEY (root, key)
);
CREATE TABLE IF NOT EXISTS unique_keys (
	name TEXT PRIMARY KEY,
	root TEXT NOT NULL,
	key  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS managed_classes (
	class TEXT PRIMARY KEY
);`

// Store persists records in a single sqlite database file.
type Store struct {
	db   *sql.DB
	md   *uow.MetaData
	path string
}

// Open opens (or creates) the database at path.
func Open(ctx context.Context, path string, md *uow.MetaData) (*Store, error) {
	if path == "" {
		path = "uow.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := uow.RetryTransient(ctx, func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, schema)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, md: md, path: path}, nil
}

func (s *Store) Connect(ctx context.Context) (uow.Connection, error) {
	return &connection{store: s}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// connection starts its sql transaction lazily at the first write, so reads made before
// flush see the latest committed data.
type connection struct {
	store      *Store
	inTx       bool
	tx         *sql.Tx
	batchDepth int
}

func (c *connection) q() querier {
	if c.tx != nil {
		return c.tx
	}
	return c.store.db
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
	c.inTx = false
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

func (c *connection) Rollback(ctx context.Context) error {
	if !c.inTx {
		return uow.UserError("no connection transaction to rollback")
	}
	c.inTx = false
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback()
}

func (c *connection) find(ctx context.Context, root, key string) (*uow.Record, error) {
	var class string
	var payload []byte
	err := c.q().QueryRowContext(ctx, `SELECT class, fields FROM records WHERE root = ? AND key = ?`, root, key).
		Scan(&class, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return uow.UnmarshalRecord(payload)
}

func (c *connection) FindOne(ctx context.Context, id uow.Identity) (*uow.Record, error) {
	r, err := c.find(ctx, c.store.md.RootClass(id.Class), id.Key)
	if err != nil || r == nil {
		return nil, err
	}
	if !store.Visible(c.store.md, r.ID.Class, id.Class) {
		return nil, nil
	}
	return r, nil
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
	var root, k string
	err := c.q().QueryRowContext(ctx, `SELECT root, key FROM unique_keys WHERE name = ?`, store.UniqueIndexKey(key)).
		Scan(&root, &k)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c.find(ctx, root, k)
}

func (c *connection) ManageClassForIdentity(ctx context.Context, id uow.Identity) (string, error) {
	cm, err := c.store.md.Class(id.Class)
	if err != nil {
		return "", err
	}
	if _, err := c.store.db.ExecContext(ctx, `INSERT OR IGNORE INTO managed_classes (class) VALUES (?)`, cm.Name); err != nil {
		return "", err
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
	if c.inTx && c.tx == nil {
		tx, err := c.store.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		c.tx = tx
	}
	if c.tx != nil {
		return c.write(ctx, c.tx, op)
	}
	// Auto-commit a single write.
	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	v, err := c.write(ctx, tx, op)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	return v, tx.Commit()
}

func (c *connection) write(ctx context.Context, q querier, op uow.WriteOp) (int64, error) {
	md := c.store.md
	root := md.RootClass(op.ID.Class)
	cur, err := c.findIn(ctx, q, root, op.ID.Key)
	if err != nil {
		return 0, err
	}
	next, err := store.Apply(cur, op)
	if err != nil {
		return 0, err
	}
	switch op.Kind {
	case uow.Insert:
		payload, err := uow.MarshalRecord(next)
		if err != nil {
			return 0, err
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO records (root, key, class, version, fields) VALUES (?, ?, ?, ?, ?)`,
			root, op.ID.Key, next.ID.Class, next.Version, payload); err != nil {
			return 0, err
		}
	case uow.Update:
		payload, err := uow.MarshalRecord(next)
		if err != nil {
			return 0, err
		}
		res, err := q.ExecContext(ctx, `UPDATE records SET version = ?, fields = ? WHERE root = ? AND key = ? AND version = ?`,
			next.Version, payload, root, op.ID.Key, op.Version)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, &uow.ConflictError{ID: op.ID, Expected: op.Version}
		}
	case uow.Remove:
		res, err := q.ExecContext(ctx, `DELETE FROM records WHERE root = ? AND key = ? AND version = ?`, root, op.ID.Key, op.Version)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, &uow.ConflictError{ID: op.ID, Expected: op.Version}
		}
	}
	for _, uk := range store.UniqueKeys(md, cur) {
		if _, err := q.ExecContext(ctx, `DELETE FROM unique_keys WHERE name = ?`, store.UniqueIndexKey(uk)); err != nil {
			return 0, err
		}
	}
	for _, uk := range store.UniqueKeys(md, next) {
		if _, err := q.ExecContext(ctx, `INSERT OR REPLACE INTO unique_keys (name, root, key) VALUES (?, ?, ?)`,
			store.UniqueIndexKey(uk), root, op.ID.Key); err != nil {
			return 0, err
		}
	}
	if next == nil {
		return 0, nil
	}
	return next.Version, nil
}

func (c *connection) findIn(ctx context.Context, q querier, root, key string) (*uow.Record, error) {
	var payload []byte
	err := q.QueryRowContext(ctx, `SELECT fields FROM records WHERE root = ? AND key = ?`, root, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return uow.UnmarshalRecord(payload)
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
	if c.tx != nil {
		log.Warn("closing sqlite connection with an active transaction, rolling back")
		err := c.tx.Rollback()
		c.tx = nil
		c.inTx = false
		return err
	}
	c.inTx = false
	return nil
}
