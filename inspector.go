// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/admwrd/robin/internal/base"
	"github.com/admwrd/robin/internal/rdb"
)

// Inspector is a client interface to inspect and mutate the jobs of a
// namespace. It is meant for operators; workers never need one.
type Inspector struct {
	rdb *rdb.RDB
	// When an Inspector has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool
}

// NewInspector returns a new Inspector for the namespace and store address of cfg.
func NewInspector(cfg Config) (*Inspector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	opt, err := ParseStoreAddress(cfg.StoreAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	inspector := NewInspectorFromRedisClient(redis.NewClient(opt), cfg)
	inspector.sharedConnection = false
	return inspector, nil
}

// NewInspectorFromRedisClient returns a new Inspector given a redis.UniversalClient.
// Closing the Inspector does not close the client.
func NewInspectorFromRedisClient(client redis.UniversalClient, cfg Config) *Inspector {
	cfg = cfg.withDefaults()
	r := rdb.NewRDB(client, cfg.Namespace)
	r.SetDeadLetterLimits(cfg.DeadMaxSize, cfg.DeadRetention)
	return &Inspector{rdb: r, sharedConnection: true}
}

// Close closes the connection with redis.
func (i *Inspector) Close() error {
	if i.sharedConnection {
		return nil
	}
	return i.rdb.Close()
}

// Namespace returns the inspected namespace.
func (i *Inspector) Namespace() string {
	return i.rdb.Namespace()
}

// NamespaceStats represents a state of a namespace at a certain time.
type NamespaceStats struct {
	Namespace string `json:"namespace"`
	// Number of pending jobs.
	Pending int `json:"pending"`
	// Number of leased jobs.
	Active int `json:"active"`
	// Number of leased jobs whose lease expired. Stalled jobs are also
	// counted as active.
	Stalled int `json:"stalled"`
	// Number of jobs waiting out a retry delay.
	Retry int `json:"retry"`
	// Number of dead-lettered jobs.
	Dead int `json:"dead"`
	// Total number of jobs completed successfully.
	Processed int `json:"processed"`
	// Total number of failed executions.
	Failed int `json:"failed"`
	// Time this stats was taken.
	Timestamp time.Time `json:"timestamp"`
}

// Stats returns the current counters of the namespace.
func (i *Inspector) Stats(ctx context.Context) (*NamespaceStats, error) {
	stats, err := i.rdb.CurrentStats(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	return &NamespaceStats{
		Namespace: stats.Namespace,
		Pending:   stats.Pending,
		Active:    stats.Active,
		Stalled:   stats.Stalled,
		Retry:     stats.Retry,
		Dead:      stats.Dead,
		Processed: stats.Processed,
		Failed:    stats.Failed,
		Timestamp: stats.Timestamp,
	}, nil
}

// ListPending returns up to limit pending jobs, oldest first.
func (i *Inspector) ListPending(ctx context.Context, limit int) ([]*JobInfo, error) {
	infos, err := i.rdb.ListPending(ctx, limit)
	if err != nil {
		return nil, storeError(err)
	}
	res := make([]*JobInfo, len(infos))
	for idx, info := range infos {
		res[idx] = newJobInfo(i.Namespace(), info.Message, info.State, time.Time{})
	}
	return res, nil
}

// ListRetry returns up to limit jobs waiting out a retry delay.
func (i *Inspector) ListRetry(ctx context.Context, limit int) ([]*JobInfo, error) {
	zs, err := i.rdb.ListRetry(ctx, limit)
	return i.zsetInfos(zs, base.JobStateRetry, err)
}

// ListDead returns up to limit dead-lettered jobs, most recent first.
func (i *Inspector) ListDead(ctx context.Context, limit int) ([]*JobInfo, error) {
	zs, err := i.rdb.ListDead(ctx, limit)
	return i.zsetInfos(zs, base.JobStateDead, err)
}

// ListStalled returns up to limit leased jobs whose lease expired.
func (i *Inspector) ListStalled(ctx context.Context, limit int) ([]*JobInfo, error) {
	zs, err := i.rdb.ListStalled(ctx, limit)
	return i.zsetInfos(zs, base.JobStateActive, err)
}

func (i *Inspector) zsetInfos(zs []base.Z, state base.JobState, err error) ([]*JobInfo, error) {
	if err != nil {
		return nil, storeError(err)
	}
	res := make([]*JobInfo, len(zs))
	for idx, z := range zs {
		res[idx] = newJobInfo(i.Namespace(), z.Message, state, time.UnixMilli(z.Score))
	}
	return res, nil
}

// RequeueDead moves the dead job with the given id back to pending with its
// attempt count reset. It returns ErrJobNotFound if there is no such dead job.
func (i *Inspector) RequeueDead(ctx context.Context, id string) error {
	return storeError(i.rdb.RequeueDead(ctx, id))
}

// RequeueAllDead moves every dead job back to pending and returns the
// number of jobs moved.
func (i *Inspector) RequeueAllDead(ctx context.Context) (int, error) {
	n, err := i.rdb.RequeueAllDead(ctx)
	return n, storeError(err)
}

// RequeueStalled makes every job whose lease expired available again,
// keeping its attempt count. This is how jobs left unresolved after a timeout
// are reconciled when RepeatOnTimeout is off.
func (i *Inspector) RequeueStalled(ctx context.Context) (int, error) {
	n, err := i.rdb.RequeueLeaseExpired(ctx, time.Now())
	return n, storeError(err)
}

// DeleteAll removes every key of the namespace and returns the number of
// keys deleted.
func (i *Inspector) DeleteAll(ctx context.Context) (int, error) {
	n, err := i.rdb.DeleteAll(ctx)
	return n, storeError(err)
}
