// Copyright 2025 James Ross

// Package jobstore implements the Job Store (C1): a partitioned document
// store keyed by job_id, backed by Redis the way the rest of this
// codebase leans on Redis as its one durable substrate. A job document
// lives at a single string key; a per-status sorted set (scored by
// updated_at) gives the watchdogs their cross-partition queries without
// a full KEYS/SCAN sweep.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/breaker"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobdoc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/obs"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrAlreadyExists = errors.New("jobstore: job already exists")
	ErrNotFound      = errors.New("jobstore: job not found")
)

const (
	keyPrefix    = "paperpilot:job:"
	statusPrefix = "paperpilot:jobs:by_status:"
	lockPrefix   = "paperpilot:job:lock:"
	lockTTL      = 2 * time.Second
	lockRetries  = 20
	lockWait     = 25 * time.Millisecond
)

type Client struct {
	rdb     *redis.Client
	log     *zap.Logger
	cb      *breaker.CircuitBreaker
	allStatuses []jobdoc.Status
}

func New(rdb *redis.Client, log *zap.Logger, cb *breaker.CircuitBreaker) *Client {
	if cb == nil {
		cb = breaker.New(time.Minute, 30*time.Second, 0.5, 20)
	}
	return &Client{
		rdb: rdb,
		log: log,
		cb:  cb,
		allStatuses: []jobdoc.Status{
			jobdoc.StatusQueued, jobdoc.StatusRunning, jobdoc.StatusCompleted, jobdoc.StatusFailed,
		},
	}
}

func docKey(jobID string) string   { return keyPrefix + jobID }
func statusKey(s jobdoc.Status) string { return statusPrefix + string(s) }

// NewJobID generates a job identifier the way the rest of the core does
// (uuid), kept here so callers never need to import google/uuid directly.
func NewJobID() string { return uuid.NewString() }

func (c *Client) guard(ctx context.Context, fn func() error) error {
	if !c.cb.Allow() {
		return fmt.Errorf("jobstore: circuit open, treating as transient failure")
	}
	err := fn()
	c.cb.Record(err == nil)
	return err
}

// Ping verifies connectivity, the Go-idiomatic replacement for the
// original's test_cosmos_connection self-check.
func (c *Client) Ping(ctx context.Context) error {
	return c.guard(ctx, func() error { return c.rdb.Ping(ctx).Err() })
}

// Create fails if job_id already exists.
func (c *Client) Create(ctx context.Context, job *jobdoc.Job) error {
	b, err := marshalJob(job)
	if err != nil {
		return err
	}
	var ok bool
	err = c.guard(ctx, func() error {
		var e error
		ok, e = c.rdb.SetNX(ctx, docKey(job.ID), b, 0).Result()
		return e
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return c.guard(ctx, func() error {
		return c.rdb.ZAdd(ctx, statusKey(job.Status), redis.Z{
			Score: float64(job.UpdatedAt.UnixMilli()), Member: job.ID,
		}).Err()
	})
}

// Get is the point-read path. Transient failures are returned to the
// caller, who per spec.md §4.1/§7 treats them the same as "job absent".
func (c *Client) Get(ctx context.Context, jobID string) (*jobdoc.Job, error) {
	var s string
	err := c.guard(ctx, func() error {
		var e error
		s, e = c.rdb.Get(ctx, docKey(jobID)).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalJob(s)
}

// Query is the cross-partition scan used only by watchdogs: jobs in the
// given status, oldest updated_at first, capped at limit.
func (c *Client) Query(ctx context.Context, status jobdoc.Status, limit int64) ([]*jobdoc.Job, error) {
	var ids []string
	err := c.guard(ctx, func() error {
		var e error
		ids, e = c.rdb.ZRange(ctx, statusKey(status), 0, limit-1).Result()
		return e
	})
	if err != nil {
		return nil, err
	}
	return c.hydrate(ctx, ids)
}

// QueryMulti unions several status sets (deduped by job_id) and returns
// them oldest-updated_at first, capped at limit. Used by the
// queued-rescue watchdog, whose threshold spans both `queued` and a
// subset of `running` jobs.
func (c *Client) QueryMulti(ctx context.Context, statuses []jobdoc.Status, limit int64) ([]*jobdoc.Job, error) {
	seen := map[string]struct{}{}
	var all []scoredID
	for _, s := range statuses {
		zs, err := c.rdb.ZRangeWithScores(ctx, statusKey(s), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, z := range zs {
			id := z.Member.(string)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			all = append(all, scoredID{id: id, score: z.Score})
		}
	}
	sortByScore(all)
	if int64(len(all)) > limit && limit > 0 {
		all = all[:limit]
	}
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	return c.hydrate(ctx, ids)
}

type scoredID struct {
	id    string
	score float64
}

func sortByScore(all []scoredID) {
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].score < all[j-1].score; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
}

func (c *Client) hydrate(ctx context.Context, ids []string) ([]*jobdoc.Job, error) {
	jobs := make([]*jobdoc.Job, 0, len(ids))
	for _, id := range ids {
		j, err := c.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			c.log.Warn("jobstore: hydrate skip", obs.String("job_id", id), obs.Err(err))
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Op is one field-level patch operation, mirroring the Cosmos JSON-patch
// "set" op the original implementation relies on.
type Op struct {
	Path  string
	Value interface{}
}

func Set(path string, value interface{}) Op { return Op{Path: path, Value: value} }

// Patch performs an atomic, field-level mutation via read-modify-write
// under a short-TTL Redis lock. This is the explicit fallback path
// spec.md §4.1 allows when the store has no native JSON-patch primitive;
// go-redis stores the document as an opaque string, so read-modify-write
// under a lock is the only option here, same tradeoff the Cosmos fallback
// makes when the partition key can't be resolved.
func (c *Client) Patch(ctx context.Context, jobID string, mutate func(j *jobdoc.Job) error) error {
	lockKey := lockPrefix + jobID
	token := uuid.NewString()
	locked := false
	for i := 0; i < lockRetries; i++ {
		var ok bool
		err := c.guard(ctx, func() error {
			var e error
			ok, e = c.rdb.SetNX(ctx, lockKey, token, lockTTL).Result()
			return e
		})
		if err != nil {
			return err
		}
		if ok {
			locked = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockWait):
		}
	}
	if !locked {
		return fmt.Errorf("jobstore: could not acquire lock for job %s", jobID)
	}
	defer func() {
		// Best-effort unlock; TTL reclaims it regardless.
		if v, _ := c.rdb.Get(ctx, lockKey).Result(); v == token {
			_ = c.rdb.Del(ctx, lockKey).Err()
		}
	}()

	job, err := c.Get(ctx, jobID)
	if err != nil {
		return err
	}
	prevStatus := job.Status
	if err := mutate(job); err != nil {
		return err
	}
	b, err := marshalJob(job)
	if err != nil {
		return err
	}
	if err := c.guard(ctx, func() error { return c.rdb.Set(ctx, docKey(jobID), b, 0).Err() }); err != nil {
		return err
	}
	if prevStatus != job.Status {
		_ = c.guard(ctx, func() error { return c.rdb.ZRem(ctx, statusKey(prevStatus), jobID).Err() })
	}
	return c.guard(ctx, func() error {
		return c.rdb.ZAdd(ctx, statusKey(job.Status), redis.Z{
			Score: float64(job.UpdatedAt.UnixMilli()), Member: jobID,
		}).Err()
	})
}

func marshalJob(j *jobdoc.Job) (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("jobstore: marshal job: %w", err)
	}
	return string(b), nil
}

func unmarshalJob(s string) (*jobdoc.Job, error) {
	var j jobdoc.Job
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return nil, fmt.Errorf("jobstore: unmarshal job: %w", err)
	}
	return &j, nil
}
