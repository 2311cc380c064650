// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/admwrd/robin/internal/base"
	"github.com/admwrd/robin/internal/errors"
	"github.com/admwrd/robin/internal/timeutil"
)

const (
	// Default number of dead jobs kept in the archive.
	defaultDeadMaxSize = 10000

	// Default age after which dead jobs are removed from the archive.
	defaultDeadRetention = 90 * 24 * time.Hour

	// Max number of jobs moved by a single forward or recover call.
	batchSize = 100
)

var _ base.Broker = (*RDB)(nil)

// RDB is a client interface to query and mutate job queues of one namespace.
type RDB struct {
	client redis.UniversalClient
	ns     string
	clock  timeutil.Clock

	deadMaxSize   int
	deadRetention time.Duration
}

// NewRDB returns a new instance of RDB bound to the given namespace.
func NewRDB(client redis.UniversalClient, ns string) *RDB {
	return &RDB{
		client:        client,
		ns:            ns,
		clock:         timeutil.NewRealClock(),
		deadMaxSize:   defaultDeadMaxSize,
		deadRetention: defaultDeadRetention,
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// Namespace returns the namespace every key of r lives under.
func (r *RDB) Namespace() string {
	return r.ns
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// SetDeadLetterLimits bounds the dead-letter archive by size and age.
// Non-positive values keep the defaults.
func (r *RDB) SetDeadLetterLimits(maxSize int, retention time.Duration) {
	if maxSize > 0 {
		r.deadMaxSize = maxSize
	}
	if retention > 0 {
		r.deadRetention = retention
	}
}

// Ping checks the connection with redis server.
func (r *RDB) Ping(ctx context.Context) error {
	var op errors.Op = "rdb.Ping"
	if err := r.client.Ping(ctx).Err(); err != nil {
		return storeErr(op, "ping", err)
	}
	return nil
}

// storeErr classifies a go-redis error: replies sent by the server are
// internal errors, anything else means the server could not be reached.
func storeErr(op errors.Op, cmd string, err error) error {
	code := errors.Unavailable
	var rerr redis.Error
	if errors.As(err, &rerr) {
		code = errors.Internal
	}
	return errors.E(op, code, &errors.RedisCommandError{Command: cmd, Err: err})
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return storeErr(op, "evalsha", err)
	}
	return nil
}

// Runs the given script with keys and args and returns the script's return value as int64.
func (r *RDB) runScriptWithErrorCode(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, storeErr(op, "evalsha", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n, nil
}

// enqueueCmd enqueues a given job message.
//
// Input:
// KEYS[1] -> robin:{<ns>}:j:<job_id>
// KEYS[2] -> robin:{<ns>}:pending
// --
// ARGV[1] -> job message data
// ARGV[2] -> job ID
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if job ID already exists
var enqueueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "msg", ARGV[1], "state", "pending")
redis.call("LPUSH", KEYS[2], ARGV[2])
return 1
`)

// Enqueue adds the given job to the pending list of the namespace.
func (r *RDB) Enqueue(ctx context.Context, msg *base.JobMessage) error {
	var op errors.Op = "rdb.Enqueue"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.JobKey(r.ns, msg.ID),
		base.PendingKey(r.ns),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueCmd, keys, encoded, msg.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrDuplicateJob)
	}
	return nil
}

// dequeueCmd moves the oldest pending job to the active list and leases it.
//
// Input:
// KEYS[1] -> robin:{<ns>}:pending
// KEYS[2] -> robin:{<ns>}:active
// KEYS[3] -> robin:{<ns>}:lease
// --
// ARGV[1] -> lease expiration Unix time in milliseconds
// ARGV[2] -> lease token
// ARGV[3] -> job key prefix
//
// Output:
// Returns nil if no job is pending.
// Returns 0 if the popped id had no job data; the id is discarded.
// Returns {id, msg} on success.
var dequeueCmd = redis.NewScript(`
local id = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
if not id then
	return nil
end
local key = ARGV[3] .. id
local msg = redis.call("HGET", key, "msg")
if not msg then
	redis.call("LREM", KEYS[2], 1, id)
	return 0
end
redis.call("HSET", key, "state", "active", "lease_token", ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[1], id)
return {id, msg}
`)

// Dequeue waits up to wait for a pending job and leases it for leaseFor.
//
// Waiting uses BLMOVE from the pending list onto itself, which blocks until
// the list is non-empty without taking anything out of it; the lease itself
// is always taken by dequeueCmd. A job is therefore never outside of both the
// pending and the active list, even if the caller dies mid-call.
//
// Dequeue returns ErrNoProcessableJob if nothing could be leased in time.
// Redis accepts blocking timeouts in whole seconds, so wait is rounded up.
func (r *RDB) Dequeue(ctx context.Context, wait, leaseFor time.Duration) (*base.JobMessage, *base.Lease, error) {
	var op errors.Op = "rdb.Dequeue"
	deadline := time.Now().Add(wait)
	for {
		msg, lease, err := r.lease(ctx, op, leaseFor)
		switch {
		case err == nil:
			return msg, lease, nil
		case errors.Is(err, errOrphan):
			continue
		case !errors.Is(err, errors.ErrNoProcessableJob):
			return nil, nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil, errors.E(op, errors.NotFound, errors.ErrNoProcessableJob)
		}
		block := remaining.Truncate(time.Second)
		if block < remaining {
			block += time.Second
		}
		pending := base.PendingKey(r.ns)
		err = r.client.BLMove(ctx, pending, pending, "RIGHT", "RIGHT", block).Err()
		if err != nil && err != redis.Nil {
			return nil, nil, storeErr(op, "blmove", err)
		}
	}
}

var errOrphan = errors.New("orphaned job id")

func (r *RDB) lease(ctx context.Context, op errors.Op, leaseFor time.Duration) (*base.JobMessage, *base.Lease, error) {
	token := uuid.NewString()
	expireAt := r.clock.Now().Add(leaseFor)
	keys := []string{
		base.PendingKey(r.ns),
		base.ActiveKey(r.ns),
		base.LeaseKey(r.ns),
	}
	res, err := dequeueCmd.Run(ctx, r.client, keys, expireAt.UnixMilli(), token, base.JobKeyPrefix(r.ns)).Result()
	if err == redis.Nil {
		return nil, nil, errors.ErrNoProcessableJob
	}
	if err != nil {
		return nil, nil, storeErr(op, "evalsha", err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, nil, errOrphan
	}
	id, data := cast.ToString(pair[0]), cast.ToString(pair[1])
	msg, err := base.DecodeMessage([]byte(data))
	if err != nil {
		// Keep the undecodable envelope leased with no type; the caller can
		// only dead-letter it, which preserves the raw bytes for inspection.
		msg = &base.JobMessage{ID: id, Payload: []byte(data)}
	}
	lease := base.NewLease(token, expireAt)
	lease.Clock = r.clock
	return msg, lease, nil
}

// doneCmd removes a leased job after successful processing.
//
// Input:
// KEYS[1] -> robin:{<ns>}:j:<job_id>
// KEYS[2] -> robin:{<ns>}:active
// KEYS[3] -> robin:{<ns>}:lease
// KEYS[4] -> robin:{<ns>}:processed
// --
// ARGV[1] -> job ID
// ARGV[2] -> lease token
//
// Output:
// Returns 1 on success, 0 if the lease is no longer held.
var doneCmd = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[2] then
	return 0
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("DEL", KEYS[1])
redis.call("INCR", KEYS[4])
return 1
`)

// Done permanently removes the job the caller holds the lease for.
func (r *RDB) Done(ctx context.Context, msg *base.JobMessage, lease *base.Lease) error {
	var op errors.Op = "rdb.Done"
	keys := []string{
		base.JobKey(r.ns, msg.ID),
		base.ActiveKey(r.ns),
		base.LeaseKey(r.ns),
		base.ProcessedTotalKey(r.ns),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, doneCmd, keys, msg.ID, lease.Token)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.FailedPrecondition, errors.ErrLeaseLost)
	}
	return nil
}

// requeueCmd releases a leased job back to pending, or to the retry set if
// it should not be processed before a later time.
//
// Input:
// KEYS[1] -> robin:{<ns>}:j:<job_id>
// KEYS[2] -> robin:{<ns>}:active
// KEYS[3] -> robin:{<ns>}:lease
// KEYS[4] -> robin:{<ns>}:pending
// KEYS[5] -> robin:{<ns>}:retry
// KEYS[6] -> robin:{<ns>}:failed
// --
// ARGV[1] -> job ID
// ARGV[2] -> lease token
// ARGV[3] -> updated job message data
// ARGV[4] -> process_at time in Unix time in milliseconds
// ARGV[5] -> current time in Unix time in milliseconds
// ARGV[6] -> 1 if the release counts as a failure
//
// Output:
// Returns 1 on success, 0 if the lease is no longer held.
var requeueCmd = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[2] then
	return 0
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[1], "lease_token")
if tonumber(ARGV[4]) <= tonumber(ARGV[5]) then
	redis.call("HSET", KEYS[1], "msg", ARGV[3], "state", "pending")
	redis.call("LPUSH", KEYS[4], ARGV[1])
else
	redis.call("HSET", KEYS[1], "msg", ARGV[3], "state", "retry")
	redis.call("ZADD", KEYS[5], ARGV[4], ARGV[1])
end
if tonumber(ARGV[6]) == 1 then
	redis.call("INCR", KEYS[6])
end
return 1
`)

// Requeue stores msg in place of the leased message and makes it visible
// again at processAt.
func (r *RDB) Requeue(ctx context.Context, msg *base.JobMessage, lease *base.Lease, processAt time.Time, isFailure bool) error {
	var op errors.Op = "rdb.Requeue"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.JobKey(r.ns, msg.ID),
		base.ActiveKey(r.ns),
		base.LeaseKey(r.ns),
		base.PendingKey(r.ns),
		base.RetryKey(r.ns),
		base.FailedTotalKey(r.ns),
	}
	failure := 0
	if isFailure {
		failure = 1
	}
	argv := []interface{}{
		msg.ID,
		lease.Token,
		encoded,
		processAt.UnixMilli(),
		r.clock.Now().UnixMilli(),
		failure,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, requeueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.FailedPrecondition, errors.ErrLeaseLost)
	}
	return nil
}

// archiveCmd moves a leased job into the dead-letter set and trims the set.
//
// Input:
// KEYS[1] -> robin:{<ns>}:j:<job_id>
// KEYS[2] -> robin:{<ns>}:active
// KEYS[3] -> robin:{<ns>}:lease
// KEYS[4] -> robin:{<ns>}:dead
// KEYS[5] -> robin:{<ns>}:failed
// --
// ARGV[1] -> job ID
// ARGV[2] -> lease token
// ARGV[3] -> updated job message data
// ARGV[4] -> died_at UNIX timestamp in milliseconds
// ARGV[5] -> cutoff timestamp (e.g., 90 days ago) in milliseconds
// ARGV[6] -> max number of jobs in the archive
// ARGV[7] -> job key prefix
//
// Output:
// Returns 1 on success, 0 if the lease is no longer held.
var archiveCmd = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[2] then
	return 0
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[1], "lease_token")
redis.call("HSET", KEYS[1], "msg", ARGV[3], "state", "dead")
redis.call("ZADD", KEYS[4], ARGV[4], ARGV[1])
local old = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", ARGV[5])
for _, id in ipairs(old) do
	redis.call("DEL", ARGV[7] .. id)
end
redis.call("ZREMRANGEBYSCORE", KEYS[4], "-inf", ARGV[5])
local extra = redis.call("ZRANGE", KEYS[4], 0, -tonumber(ARGV[6]) - 1)
for _, id in ipairs(extra) do
	redis.call("DEL", ARGV[7] .. id)
end
redis.call("ZREMRANGEBYRANK", KEYS[4], 0, -tonumber(ARGV[6]) - 1)
redis.call("INCR", KEYS[5])
return 1
`)

// Archive dead-letters the leased job. It is never re-enqueued.
func (r *RDB) Archive(ctx context.Context, msg *base.JobMessage, lease *base.Lease) error {
	var op errors.Op = "rdb.Archive"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	now := r.clock.Now()
	keys := []string{
		base.JobKey(r.ns, msg.ID),
		base.ActiveKey(r.ns),
		base.LeaseKey(r.ns),
		base.DeadKey(r.ns),
		base.FailedTotalKey(r.ns),
	}
	argv := []interface{}{
		msg.ID,
		lease.Token,
		encoded,
		now.UnixMilli(),
		now.Add(-r.deadRetention).UnixMilli(),
		r.deadMaxSize,
		base.JobKeyPrefix(r.ns),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, archiveCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.FailedPrecondition, errors.ErrLeaseLost)
	}
	return nil
}

// forwardCmd moves jobs whose retry delay elapsed back to pending.
//
// KEYS[1] -> robin:{<ns>}:retry
// KEYS[2] -> robin:{<ns>}:pending
// ARGV[1] -> current unix time in milliseconds
// ARGV[2] -> job key prefix
// ARGV[3] -> max number of jobs to move
// Note: Script moves jobs up to the batch size.
var forwardCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
	redis.call("LPUSH", KEYS[2], id)
	redis.call("ZREM", KEYS[1], id)
	redis.call("HSET", ARGV[2] .. id, "state", "pending")
end
return #ids
`)

// ForwardIfReady checks the retry set for jobs that are ready to be
// processed and moves them to pending. It returns the number of jobs moved.
func (r *RDB) ForwardIfReady(ctx context.Context) (int, error) {
	var op errors.Op = "rdb.ForwardIfReady"
	total := 0
	for {
		keys := []string{base.RetryKey(r.ns), base.PendingKey(r.ns)}
		n, err := r.runScriptWithErrorCode(ctx, op, forwardCmd, keys,
			r.clock.Now().UnixMilli(), base.JobKeyPrefix(r.ns), batchSize)
		if err != nil {
			return total, err
		}
		total += int(n)
		if n < batchSize {
			return total, nil
		}
	}
}

// recoverCmd requeues jobs whose lease expired before the cutoff.
// The attempt count of the recovered jobs is left untouched.
//
// KEYS[1] -> robin:{<ns>}:lease
// KEYS[2] -> robin:{<ns>}:active
// KEYS[3] -> robin:{<ns>}:pending
// ARGV[1] -> cutoff unix time in milliseconds
// ARGV[2] -> job key prefix
// ARGV[3] -> max number of jobs to recover
var recoverCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LREM", KEYS[2], 0, id)
	local key = ARGV[2] .. id
	if redis.call("EXISTS", key) == 1 then
		redis.call("HDEL", key, "lease_token")
		redis.call("HSET", key, "state", "pending")
		redis.call("LPUSH", KEYS[3], id)
	end
end
return #ids
`)

// RequeueLeaseExpired makes every job whose lease expired at or before
// cutoff visible again. A worker still running such a job loses its lease and
// its later resolution is rejected with ErrLeaseLost.
func (r *RDB) RequeueLeaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	var op errors.Op = "rdb.RequeueLeaseExpired"
	total := 0
	for {
		keys := []string{base.LeaseKey(r.ns), base.ActiveKey(r.ns), base.PendingKey(r.ns)}
		n, err := r.runScriptWithErrorCode(ctx, op, recoverCmd, keys,
			cutoff.UnixMilli(), base.JobKeyPrefix(r.ns), batchSize)
		if err != nil {
			return total, err
		}
		total += int(n)
		if n < batchSize {
			return total, nil
		}
	}
}

// trimDeadCmd removes dead jobs older than the cutoff and beyond the max size.
//
// KEYS[1] -> robin:{<ns>}:dead
// ARGV[1] -> cutoff unix time in milliseconds
// ARGV[2] -> max number of jobs in the archive
// ARGV[3] -> job key prefix
var trimDeadCmd = redis.NewScript(`
local n = 0
local old = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(old) do
	redis.call("DEL", ARGV[3] .. id)
	n = n + 1
end
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local extra = redis.call("ZRANGE", KEYS[1], 0, -tonumber(ARGV[2]) - 1)
for _, id in ipairs(extra) do
	redis.call("DEL", ARGV[3] .. id)
	n = n + 1
end
redis.call("ZREMRANGEBYRANK", KEYS[1], 0, -tonumber(ARGV[2]) - 1)
return n
`)

// DeleteExpiredDeadJobs trims the dead-letter archive to its size and age limits.
func (r *RDB) DeleteExpiredDeadJobs(ctx context.Context) (int, error) {
	var op errors.Op = "rdb.DeleteExpiredDeadJobs"
	cutoff := r.clock.Now().Add(-r.deadRetention)
	n, err := r.runScriptWithErrorCode(ctx, op, trimDeadCmd, []string{base.DeadKey(r.ns)},
		cutoff.UnixMilli(), r.deadMaxSize, base.JobKeyPrefix(r.ns))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeleteAll removes every key of the namespace and returns how many were deleted.
// Keys of other namespaces are never matched.
func (r *RDB) DeleteAll(ctx context.Context) (int, error) {
	var op errors.Op = "rdb.DeleteAll"
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, base.NamespacePattern(r.ns), batchSize).Result()
		if err != nil {
			return total, storeErr(op, "scan", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return total, storeErr(op, "del", err)
			}
			total += int(n)
		}
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
