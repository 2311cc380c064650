// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/admwrd/robin/internal/base"
	"github.com/admwrd/robin/internal/errors"
	"github.com/admwrd/robin/internal/rdb"
)

// Conn is a connection to the jobs of one namespace.
//
// A Conn enqueues jobs, leases them and resolves the leases. Every worker of
// a pool owns one Conn; producers create their own with Establish.
type Conn struct {
	broker *rdb.RDB

	// lease length of dequeued jobs.
	timeout time.Duration

	// When a Conn has been created with an existing Redis connection, we do
	// not want to close it.
	sharedConnection bool
}

// Establish connects to the redis server named by cfg.StoreAddress and
// returns a Conn bound to cfg.Namespace. It fails if the server cannot be
// reached.
func Establish(ctx context.Context, cfg Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	opt, err := ParseStoreAddress(cfg.StoreAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	client := redis.NewClient(opt)
	c := newConn(client, cfg)
	c.sharedConnection = false
	if err := c.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// NewConnFromRedisClient returns a Conn using the given redis client.
// Closing the Conn does not close the client.
func NewConnFromRedisClient(client redis.UniversalClient, cfg Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newConn(client, cfg.withDefaults()), nil
}

func newConn(client redis.UniversalClient, cfg Config) *Conn {
	r := rdb.NewRDB(client, cfg.Namespace)
	r.SetDeadLetterLimits(cfg.DeadMaxSize, cfg.DeadRetention)
	return &Conn{
		broker:           r,
		timeout:          cfg.Timeout,
		sharedConnection: true,
	}
}

// Namespace returns the namespace c is bound to.
func (c *Conn) Namespace() string {
	return c.broker.Namespace()
}

// Ping checks the connection with the redis server.
func (c *Conn) Ping(ctx context.Context) error {
	return storeError(c.broker.Ping(ctx))
}

// Close closes the connection with the redis server.
func (c *Conn) Close() error {
	if c.sharedConnection {
		return nil
	}
	return c.broker.Close()
}

// Enqueue adds a job of the given type to the namespace. The job starts with
// an attempt count of zero.
func (c *Conn) Enqueue(ctx context.Context, jobType string, payload []byte) (*JobInfo, error) {
	if strings.TrimSpace(jobType) == "" {
		return nil, fmt.Errorf("robin: job type name must not be empty")
	}
	msg := &base.JobMessage{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		EnqueuedAt: time.Now().Unix(),
	}
	if err := c.broker.Enqueue(ctx, msg); err != nil {
		return nil, storeError(err)
	}
	return newJobInfo(c.Namespace(), msg, base.JobStatePending, time.Now()), nil
}

// EnqueueArgs JSON-encodes args and enqueues a job of the given type with it.
func (c *Conn) EnqueueArgs(ctx context.Context, jobType string, args any) (*JobInfo, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("robin: cannot encode arguments of job %q: %v", jobType, err)
	}
	return c.Enqueue(ctx, jobType, payload)
}

// Lease is the exclusive, time bounded claim of a Conn on a job.
type Lease struct {
	// Job is the leased job.
	Job *Job

	msg   *base.JobMessage
	lease *base.Lease
}

// Deadline returns the time the lease expires.
func (l *Lease) Deadline() time.Time {
	return l.lease.Deadline()
}

// Dequeue waits up to timeout for a job and leases it for the configured
// Timeout. It returns a nil Lease and a nil error if no job arrived in time.
//
// Once started, the wait is not interrupted by ctx so that a job is never
// taken off the queue without being leased to someone.
func (c *Conn) Dequeue(ctx context.Context, timeout time.Duration) (*Lease, error) {
	msg, l, err := c.broker.Dequeue(context.WithoutCancel(ctx), timeout, c.timeout)
	if errors.Is(err, errors.ErrNoProcessableJob) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	return &Lease{Job: newJob(msg), msg: msg, lease: l}, nil
}

// Complete removes the leased job permanently.
func (c *Conn) Complete(ctx context.Context, l *Lease) error {
	return storeError(c.broker.Done(ctx, l.msg, l.lease))
}

// Requeue makes the leased job available again after delay with the given
// attempt count. The attempt count must not be lower than the job's current
// one; raising it counts the release as a failure. errMsg, if not empty, is
// stored as the job's last error.
func (c *Conn) Requeue(ctx context.Context, l *Lease, attempt int, delay time.Duration, errMsg string) error {
	if attempt < l.msg.Attempt {
		return fmt.Errorf("robin: attempt count of job %s cannot decrease from %d to %d", l.msg.ID, l.msg.Attempt, attempt)
	}
	now := time.Now()
	msg := *l.msg
	msg.Attempt = attempt
	if errMsg != "" {
		msg.ErrorMsg = errMsg
		msg.LastFailedAt = now.Unix()
	}
	return storeError(c.broker.Requeue(ctx, &msg, l.lease, now.Add(delay), attempt > l.msg.Attempt))
}

// DropDead removes the leased job from the queue for good and keeps it in
// the dead-letter archive for inspection.
func (c *Conn) DropDead(ctx context.Context, l *Lease, errMsg string) error {
	msg := *l.msg
	if errMsg != "" {
		msg.ErrorMsg = errMsg
		msg.LastFailedAt = time.Now().Unix()
	}
	return storeError(c.broker.Archive(ctx, &msg, l.lease))
}

// DeleteAll removes every key of the namespace, including jobs that are
// currently leased. Other namespaces are not affected.
func (c *Conn) DeleteAll(ctx context.Context) (int, error) {
	n, err := c.broker.DeleteAll(ctx)
	return n, storeError(err)
}
