package tripcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

var ErrInvalidRecord = errors.New("tripcache: invalid pending write")

// PendingWrite is one mutation made while offline, waiting to be replayed.
// Data is the original request body and is never interpreted here.
type PendingWrite struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Tag       string          `json:"tag,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds

	// Replay bookkeeping. A failed attempt rewrites the record under the
	// same id.
	Attempts      int    `json:"attempts,omitempty"`
	NextAttemptAt int64  `json:"nextAttemptAt,omitempty"` // unix milliseconds
	LastError     string `json:"lastError,omitempty"`
}

// QueueBackend is a durable keyed record store. Put overwrites a record
// with the same id; Delete of an absent id is not an error.
type QueueBackend interface {
	// EnsureInitialized creates the keyspace if it does not exist yet.
	EnsureInitialized(ctx context.Context) error
	Put(ctx context.Context, rec PendingWrite) error
	GetAll(ctx context.Context) ([]PendingWrite, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// IDGenerator hands out record ids for callers that do not bring their own.
type IDGenerator interface {
	NextID() (string, error)
}

type flakeIDs struct{ sf *sonyflake.Sonyflake }

// newFlakeIDs builds a sonyflake generator. Ids are zero padded so that
// lexical order equals generation order.
func newFlakeIDs(machineID uint16) (*flakeIDs, error) {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if sf == nil {
		return nil, fmt.Errorf("sonyflake: cannot initialise generator")
	}
	return &flakeIDs{sf: sf}, nil
}

func (g *flakeIDs) NextID() (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%020d", id), nil
}

// Queue is the durable store of pending writes. The backing keyspace is
// created lazily by the first operation; a failed initialisation is
// retried on the next call.
type Queue struct {
	backend QueueBackend
	ids     IDGenerator
	tag     string
	now     func() time.Time

	initMu sync.Mutex
	inited bool
}

func NewQueue(backend QueueBackend, ids IDGenerator, defaultTag string) *Queue {
	return &Queue{backend: backend, ids: ids, tag: defaultTag, now: time.Now}
}

func (q *Queue) ensure(ctx context.Context) error {
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.inited {
		return nil
	}
	if err := q.backend.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	q.inited = true
	return nil
}

// Enqueue persists rec and returns it as stored. A missing id is
// generated; a missing tag defaults to the queue's sync tag. Enqueueing an
// id that is already present replaces the earlier copy.
func (q *Queue) Enqueue(ctx context.Context, rec PendingWrite) (PendingWrite, error) {
	if len(rec.Data) == 0 {
		return PendingWrite{}, fmt.Errorf("%w: empty data", ErrInvalidRecord)
	}
	if !json.Valid(rec.Data) {
		return PendingWrite{}, fmt.Errorf("%w: data is not valid JSON", ErrInvalidRecord)
	}
	if err := q.ensure(ctx); err != nil {
		return PendingWrite{}, err
	}
	if rec.ID == "" {
		if q.ids == nil {
			return PendingWrite{}, fmt.Errorf("%w: id required", ErrInvalidRecord)
		}
		id, err := q.ids.NextID()
		if err != nil {
			return PendingWrite{}, fmt.Errorf("generate id: %w", err)
		}
		rec.ID = id
	}
	if rec.Tag == "" {
		rec.Tag = q.tag
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = q.now().UnixMilli()
	}
	if err := q.backend.Put(ctx, rec); err != nil {
		return PendingWrite{}, err
	}
	return rec, nil
}

// Update rewrites an existing record (replay bookkeeping).
func (q *Queue) Update(ctx context.Context, rec PendingWrite) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidRecord)
	}
	if err := q.ensure(ctx); err != nil {
		return err
	}
	return q.backend.Put(ctx, rec)
}

func (q *Queue) ListAll(ctx context.Context) ([]PendingWrite, error) {
	if err := q.ensure(ctx); err != nil {
		return nil, err
	}
	return q.backend.GetAll(ctx)
}

// DeleteByID removes one record; deleting an absent id succeeds.
func (q *Queue) DeleteByID(ctx context.Context, id string) error {
	if err := q.ensure(ctx); err != nil {
		return err
	}
	return q.backend.Delete(ctx, id)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	recs, err := q.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (q *Queue) Close() error { return q.backend.Close() }

func sortRecords(recs []PendingWrite) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Timestamp != recs[j].Timestamp {
			return recs[i].Timestamp < recs[j].Timestamp
		}
		return recs[i].ID < recs[j].ID
	})
}
