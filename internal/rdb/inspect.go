// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/admwrd/robin/internal/base"
	"github.com/admwrd/robin/internal/errors"
)

// Stats represents a state of the namespace at a certain time.
type Stats struct {
	// Namespace the stats were read from.
	Namespace string
	// Number of jobs waiting to be leased.
	Pending int
	// Number of jobs currently leased.
	Active int
	// Number of leased jobs whose lease already expired.
	Stalled int
	// Number of jobs waiting out a retry delay.
	Retry int
	// Number of dead-lettered jobs.
	Dead int
	// Total number of jobs completed successfully.
	Processed int
	// Total number of failed executions (retried or dead-lettered).
	Failed int
	// Time this stats was taken.
	Timestamp time.Time
}

// CurrentStats returns the current state of the namespace.
func (r *RDB) CurrentStats(ctx context.Context) (*Stats, error) {
	var op errors.Op = "rdb.CurrentStats"
	now := r.clock.Now()
	pipe := r.client.Pipeline()
	pending := pipe.LLen(ctx, base.PendingKey(r.ns))
	active := pipe.LLen(ctx, base.ActiveKey(r.ns))
	stalled := pipe.ZCount(ctx, base.LeaseKey(r.ns), "-inf", cast.ToString(now.UnixMilli()))
	retry := pipe.ZCard(ctx, base.RetryKey(r.ns))
	dead := pipe.ZCard(ctx, base.DeadKey(r.ns))
	processed := pipe.Get(ctx, base.ProcessedTotalKey(r.ns))
	failed := pipe.Get(ctx, base.FailedTotalKey(r.ns))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, storeErr(op, "pipeline", err)
	}
	return &Stats{
		Namespace: r.ns,
		Pending:   int(pending.Val()),
		Active:    int(active.Val()),
		Stalled:   int(stalled.Val()),
		Retry:     int(retry.Val()),
		Dead:      int(dead.Val()),
		Processed: cast.ToInt(processed.Val()),
		Failed:    cast.ToInt(failed.Val()),
		Timestamp: now,
	}, nil
}

// messages fetches the stored envelopes of the given ids, skipping ids whose
// data is gone or cannot be decoded.
func (r *RDB) messages(ctx context.Context, op errors.Op, ids []string) ([]*base.JobMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, base.JobKey(r.ns, id), "msg")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, storeErr(op, "pipeline", err)
	}
	msgs := make([]*base.JobMessage, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		msg, err := base.DecodeMessage([]byte(data))
		if err != nil {
			msg = &base.JobMessage{ID: ids[i], Payload: []byte(data)}
		}
		msgs[i] = msg
	}
	return msgs, nil
}

// ListPending returns up to limit pending jobs, oldest first.
func (r *RDB) ListPending(ctx context.Context, limit int) ([]*base.JobInfo, error) {
	var op errors.Op = "rdb.ListPending"
	if limit <= 0 {
		return nil, nil
	}
	// Jobs are pushed on the left and leased from the right.
	ids, err := r.client.LRange(ctx, base.PendingKey(r.ns), -int64(limit), -1).Result()
	if err != nil {
		return nil, storeErr(op, "lrange", err)
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	msgs, err := r.messages(ctx, op, ids)
	if err != nil {
		return nil, err
	}
	var res []*base.JobInfo
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		res = append(res, &base.JobInfo{Message: msg, State: base.JobStatePending})
	}
	return res, nil
}

func (r *RDB) listZSet(ctx context.Context, op errors.Op, key string, limit int, byScore bool) ([]base.Z, error) {
	if limit <= 0 {
		return nil, nil
	}
	var (
		zs  []redis.Z
		err error
	)
	if byScore {
		zs, err = r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   cast.ToString(r.clock.Now().UnixMilli()),
			Count: int64(limit),
		}).Result()
	} else {
		zs, err = r.client.ZRevRangeWithScores(ctx, key, 0, int64(limit-1)).Result()
	}
	if err != nil {
		return nil, storeErr(op, "zrange", err)
	}
	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i] = cast.ToString(z.Member)
	}
	msgs, err := r.messages(ctx, op, ids)
	if err != nil {
		return nil, err
	}
	var res []base.Z
	for i, msg := range msgs {
		if msg == nil {
			continue
		}
		res = append(res, base.Z{Message: msg, Score: int64(zs[i].Score)})
	}
	return res, nil
}

// ListDead returns up to limit dead-lettered jobs, most recent first.
// Scores are the times the jobs died in Unix milliseconds.
func (r *RDB) ListDead(ctx context.Context, limit int) ([]base.Z, error) {
	return r.listZSet(ctx, "rdb.ListDead", base.DeadKey(r.ns), limit, false)
}

// ListRetry returns up to limit jobs waiting out a retry delay.
// Scores are the times the jobs become pending in Unix milliseconds.
func (r *RDB) ListRetry(ctx context.Context, limit int) ([]base.Z, error) {
	return r.listZSet(ctx, "rdb.ListRetry", base.RetryKey(r.ns), limit, false)
}

// ListStalled returns up to limit leased jobs whose lease already expired.
// Scores are the lease expiration times in Unix milliseconds.
func (r *RDB) ListStalled(ctx context.Context, limit int) ([]base.Z, error) {
	return r.listZSet(ctx, "rdb.ListStalled", base.LeaseKey(r.ns), limit, true)
}

// requeueDeadCmd moves a dead job back to pending.
//
// KEYS[1] -> robin:{<ns>}:dead
// KEYS[2] -> robin:{<ns>}:j:<job_id>
// KEYS[3] -> robin:{<ns>}:pending
// ARGV[1] -> job ID
// ARGV[2] -> updated job message data
//
// Returns 1 on success, 0 if the job is not in the dead-letter set.
var requeueDeadCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], "msg", ARGV[2], "state", "pending")
redis.call("LPUSH", KEYS[3], ARGV[1])
return 1
`)

// RequeueDead moves the dead job with the given id back to pending with a
// fresh attempt count.
func (r *RDB) RequeueDead(ctx context.Context, id string) error {
	var op errors.Op = "rdb.RequeueDead"
	data, err := r.client.HGet(ctx, base.JobKey(r.ns, id), "msg").Result()
	if err == redis.Nil {
		return errors.E(op, errors.NotFound, &errors.JobNotFoundError{Namespace: r.ns, ID: id})
	}
	if err != nil {
		return storeErr(op, "hget", err)
	}
	msg, err := base.DecodeMessage([]byte(data))
	if err != nil {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("cannot decode job %s: %v", id, err))
	}
	msg.Attempt = 0
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{base.DeadKey(r.ns), base.JobKey(r.ns, id), base.PendingKey(r.ns)}
	n, err := r.runScriptWithErrorCode(ctx, op, requeueDeadCmd, keys, id, encoded)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.JobNotFoundError{Namespace: r.ns, ID: id})
	}
	return nil
}

// RequeueAllDead moves every decodable dead job back to pending and returns
// the number of jobs moved.
func (r *RDB) RequeueAllDead(ctx context.Context) (int, error) {
	var op errors.Op = "rdb.RequeueAllDead"
	ids, err := r.client.ZRange(ctx, base.DeadKey(r.ns), 0, -1).Result()
	if err != nil {
		return 0, storeErr(op, "zrange", err)
	}
	n := 0
	for _, id := range ids {
		err := r.RequeueDead(ctx, id)
		switch {
		case err == nil:
			n++
		case errors.IsUnavailable(err):
			return n, err
		}
	}
	return n, nil
}
