// Package state holds the raft replicated cluster state in go-memdb.
package state

import (
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const tableIndex = "index"

// RaftIndex holds the raft index a record was last modified at.
type RaftIndex struct {
	Index uint64
}

// IndexEntry is the last raft index that modified a table.
type IndexEntry struct {
	Table string
	Index uint64
}

// Store is the raft replicated cluster state.
type Store struct {
	db     *memdb.MemDB
	tables []string

	abandonOnce sync.Once
	abandonCh   chan struct{}
}

// New returns an empty cluster state store.
func New() (*Store, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{},
	}
	for _, table := range []*memdb.TableSchema{indexTableSchema(), nodesTableSchema()} {
		schema.Tables[table.Name] = table
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, errors.Wrap(err, "state: invalid schema")
	}

	tables := make([]string, 0, len(schema.Tables))
	for name := range schema.Tables {
		tables = append(tables, name)
	}

	return &Store{
		db:        db,
		tables:    tables,
		abandonCh: make(chan struct{}),
	}, nil
}

// Abandon marks the store as replaced by a restored one.
func (s *Store) Abandon() {
	s.abandonOnce.Do(func() {
		close(s.abandonCh)
	})
}

// AbandonCh is closed once the store has been abandoned.
func (s *Store) AbandonCh() <-chan struct{} {
	return s.abandonCh
}

// Snapshot opens a point in time view of the whole store.
func (s *Store) Snapshot() *Snapshot {
	tx := s.db.Txn(false)

	return &Snapshot{
		tx:        tx,
		lastIndex: maxIndex(tx, s.tables...),
	}
}

// Restore opens a write transaction used to load a snapshot.
func (s *Store) Restore() *Restore {
	return &Restore{tx: s.db.Txn(true)}
}

// Snapshot is a point in time view of the store.
type Snapshot struct {
	tx        *memdb.Txn
	lastIndex uint64
}

// LastIndex returns the last raft index in the snapshot.
func (s *Snapshot) LastIndex() uint64 {
	return s.lastIndex
}

// Indexes returns the table indexes in the snapshot.
func (s *Snapshot) Indexes() (memdb.ResultIterator, error) {
	return s.tx.Get(tableIndex, "id")
}

// Close releases the snapshot.
func (s *Snapshot) Close() {
	s.tx.Abort()
}

// Restore loads snapshot records in a single transaction. Either Commit or
// Abort must be called.
type Restore struct {
	tx *memdb.Txn
}

// Index restores a table index.
func (r *Restore) Index(idx *IndexEntry) error {
	if err := r.tx.Insert(tableIndex, idx); err != nil {
		return errors.Wrap(err, "state: index insert failed")
	}
	return nil
}

// Commit applies the restored records.
func (r *Restore) Commit() {
	r.tx.Commit()
}

// Abort discards the restored records. It is a no-op after Commit.
func (r *Restore) Abort() {
	r.tx.Abort()
}

func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Table",
					Lowercase: true,
				},
			},
		},
	}
}

func updateIndex(tx *memdb.Txn, table string, idx uint64) error {
	return tx.Insert(tableIndex, &IndexEntry{Table: table, Index: idx})
}

// maxIndex returns the highest index of the given tables.
func maxIndex(tx *memdb.Txn, tables ...string) uint64 {
	var max uint64
	for _, table := range tables {
		raw, err := tx.First(tableIndex, "id", table)
		if err != nil || raw == nil {
			continue
		}
		if idx := raw.(*IndexEntry).Index; idx > max {
			max = idx
		}
	}
	return max
}
