package tripcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrUnknownSyncTag   = errors.New("tripcache: unknown sync tag")
	ErrReplayInProgress = errors.New("tripcache: replay already running")
)

// ReplayReport summarises one sync trigger.
type ReplayReport struct {
	Tag          string `json:"tag"`
	Attempted    int    `json:"attempted"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	Deferred     int    `json:"deferred"`
	DeadLettered int    `json:"deadLettered"`
	Remaining    int    `json:"remaining"`
}

// Replayer drains the pending-write queue on a sync trigger. Every record
// is tried independently: one failure never stops the others, and a failed
// record stays queued for the next trigger.
type Replayer struct {
	cfg     Config
	queue   *Queue
	dead    *Queue
	fetch   Fetcher
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time

	running atomic.Bool
}

func NewReplayer(cfg Config, queue, dead *Queue, fetch Fetcher, log *zap.Logger, metrics *Metrics) *Replayer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Replayer{
		cfg:     cfg,
		queue:   queue,
		dead:    dead,
		fetch:   fetch,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// HandleSync replays every queued record for tag. The returned error
// combines per-record store failures; the report is valid either way.
func (r *Replayer) HandleSync(ctx context.Context, tag string) (ReplayReport, error) {
	rep := ReplayReport{Tag: tag}
	if tag != r.cfg.Sync.Tag {
		return rep, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	if !r.running.CompareAndSwap(false, true) {
		return rep, ErrReplayInProgress
	}
	defer r.running.Store(false)

	recs, err := r.queue.ListAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pending writes: %w", err)
	}

	var storeErr error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			storeErr = multierr.Append(storeErr, err)
			break
		}
		now := r.now()
		if rec.NextAttemptAt > now.UnixMilli() {
			rep.Deferred++
			continue
		}

		rep.Attempted++
		subErr := r.submit(ctx, rec)
		if subErr == nil {
			if err := r.queue.DeleteByID(ctx, rec.ID); err != nil {
				r.log.Error("delete replayed record", zap.String("id", rec.ID), zap.Error(err))
				storeErr = multierr.Append(storeErr, err)
			}
			rep.Succeeded++
			continue
		}

		rec.Attempts++
		rec.LastError = subErr.Error()
		if r.cfg.Sync.MaxAttempts > 0 && rec.Attempts >= r.cfg.Sync.MaxAttempts {
			if err := r.deadLetter(ctx, rec); err != nil {
				r.log.Error("dead-letter record", zap.String("id", rec.ID), zap.Error(err))
				storeErr = multierr.Append(storeErr, err)
				rep.Failed++
				continue
			}
			r.log.Warn("record dead-lettered", zap.String("id", rec.ID),
				zap.Int("attempts", rec.Attempts), zap.Error(subErr))
			rep.DeadLettered++
			continue
		}

		if d := r.backoff(rec.Attempts); d > 0 {
			rec.NextAttemptAt = now.Add(d).UnixMilli()
		}
		if err := r.queue.Update(ctx, rec); err != nil {
			r.log.Error("update failed record", zap.String("id", rec.ID), zap.Error(err))
			storeErr = multierr.Append(storeErr, err)
		}
		if rec.Attempts == 1 || rec.Attempts%10 == 0 {
			r.log.Warn("replay failed, record kept", zap.String("id", rec.ID),
				zap.Int("attempts", rec.Attempts), zap.Error(subErr))
		}
		rep.Failed++
	}

	if n, err := r.queue.Len(ctx); err == nil {
		rep.Remaining = n
		r.metrics.SetQueueDepth(n)
	}
	r.metrics.ObserveReplay(rep)
	r.log.Info("replay finished",
		zap.String("tag", tag),
		zap.Int("attempted", rep.Attempted),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Int("deferred", rep.Deferred),
		zap.Int("deadLettered", rep.DeadLettered),
	)
	return rep, storeErr
}

// submit posts the record data to the sync endpoint. Anything but a 2xx
// answer is a failure.
func (r *Replayer) submit(ctx context.Context, rec PendingWrite) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Sync.Endpoint, bytes.NewReader(rec.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)

	resp, err := r.fetch.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s returned %d", r.cfg.Sync.Endpoint, resp.Status)
	}
	return nil
}

func (r *Replayer) deadLetter(ctx context.Context, rec PendingWrite) error {
	if r.dead == nil {
		return r.queue.DeleteByID(ctx, rec.ID)
	}
	rec.NextAttemptAt = 0
	if _, err := r.dead.Enqueue(ctx, rec); err != nil {
		return err
	}
	return r.queue.DeleteByID(ctx, rec.ID)
}

// backoff is base * 2^(attempts-1), capped at maxBackoff. A zero base
// disables backoff.
func (r *Replayer) backoff(attempts int) time.Duration {
	base := r.cfg.backoffDur
	if base <= 0 || attempts <= 0 {
		return 0
	}
	shift := attempts - 1
	if shift > 16 {
		shift = 16
	}
	d := base << uint(shift)
	if limit := r.cfg.maxBackoffDur; limit > 0 && d > limit {
		d = limit
	}
	return d
}
