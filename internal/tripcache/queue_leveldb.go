package tripcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout in the shared leveldb:
//
//	k:<keyspace>              keyspace marker
//	q:<keyspace>\x00<id>      JSON encoded PendingWrite
const (
	keyspacePrefix = "k:"
	recordPrefix   = "q:"
)

type levelQueue struct {
	db       *leveldb.DB
	keyspace string
}

func newLevelQueue(db *leveldb.DB, keyspace string) *levelQueue {
	return &levelQueue{db: db, keyspace: keyspace}
}

func (l *levelQueue) recordKey(id string) []byte {
	return []byte(recordPrefix + l.keyspace + keySep + id)
}

func (l *levelQueue) EnsureInitialized(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mk := []byte(keyspacePrefix + l.keyspace)
	ok, err := l.db.Has(mk, nil)
	if err != nil || ok {
		return err
	}
	return l.db.Put(mk, []byte("1"), nil)
}

func (l *levelQueue) Put(ctx context.Context, rec PendingWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.db.Put(l.recordKey(rec.ID), b, nil)
}

// GetAll orders records by timestamp then id, like every other backend.
func (l *levelQueue) GetAll(ctx context.Context) ([]PendingWrite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := l.db.NewIterator(util.BytesPrefix([]byte(recordPrefix+l.keyspace+keySep)), nil)
	defer it.Release()

	var out []PendingWrite
	for it.Next() {
		var rec PendingWrite
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode %q: %w", it.Key(), err)
		}
		out = append(out, rec)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (l *levelQueue) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// leveldb treats deleting a missing key as success.
	return l.db.Delete(l.recordKey(id), nil)
}

// Close is a no-op: the database is shared and owned by the service.
func (l *levelQueue) Close() error { return nil }
