// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/admwrd/robin/internal/base"
)

// Job is a unit of work as seen by a Handler.
type Job struct {
	// ID identifies the job within its namespace.
	ID string

	// Type is the name the job's handler is registered under.
	Type string

	// Payload holds the serialized job arguments.
	Payload []byte

	// Attempt is the number of retries performed before this execution.
	// It is 0 on the first execution.
	Attempt int

	// EnqueuedAt is the time the job was first enqueued.
	EnqueuedAt time.Time
}

// Decode unmarshals the JSON payload of the job into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

func newJob(msg *base.JobMessage) *Job {
	j := &Job{
		ID:      msg.ID,
		Type:    msg.Type,
		Payload: msg.Payload,
		Attempt: msg.Attempt,
	}
	if msg.EnqueuedAt > 0 {
		j.EnqueuedAt = time.Unix(msg.EnqueuedAt, 0)
	}
	return j
}

// JobInfo describes a job stored in redis.
type JobInfo struct {
	// ID is the identifier of the job.
	ID string

	// Namespace is the namespace the job is stored in.
	Namespace string

	// Type is the type name of the job.
	Type string

	// Payload is the payload data of the job.
	Payload []byte

	// State is the state of the job: pending, active, retry or dead.
	State string

	// Attempt is the number of retries performed so far.
	Attempt int

	// EnqueuedAt is the time the job was first enqueued.
	EnqueuedAt time.Time

	// LastErr is the error message from the last failure.
	LastErr string

	// LastFailedAt is the time of the last failure if any.
	// If the job has no failures, LastFailedAt is zero time (i.e. time.Time{}).
	LastFailedAt time.Time

	// NextProcessAt is the time the job becomes pending again if it is in
	// the retry state, the time it died if it is dead, or the time its lease
	// expires if it is active.
	NextProcessAt time.Time
}

func newJobInfo(ns string, msg *base.JobMessage, state base.JobState, at time.Time) *JobInfo {
	info := &JobInfo{
		ID:            msg.ID,
		Namespace:     ns,
		Type:          msg.Type,
		Payload:       msg.Payload,
		State:         state.String(),
		Attempt:       msg.Attempt,
		LastErr:       msg.ErrorMsg,
		NextProcessAt: at,
	}
	if msg.EnqueuedAt > 0 {
		info.EnqueuedAt = time.Unix(msg.EnqueuedAt, 0)
	}
	if msg.LastFailedAt > 0 {
		info.LastFailedAt = time.Unix(msg.LastFailedAt, 0)
	}
	return info
}

// A Handler processes jobs.
//
// ProcessJob should return nil if the processing of a job
// is successful.
//
// If ProcessJob returns a non-nil error or panics, the job
// will be retried after delay if retry-count is remaining,
// otherwise the job will be dead-lettered.
//
// The given Conn belongs to the worker running the job and may be used
// to enqueue further jobs. Jobs are delivered at least once; a handler may
// run again for a job it already processed.
type Handler interface {
	ProcessJob(context.Context, *Conn, *Job) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Conn, *Job) error

// ProcessJob calls fn(ctx, conn, job)
func (fn HandlerFunc) ProcessJob(ctx context.Context, conn *Conn, job *Job) error {
	return fn(ctx, conn, job)
}
