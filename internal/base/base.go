// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in robin package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/admwrd/robin/internal/timeutil"
)

// Version of robin library.
const Version = "0.3.0"

// KeyPrefix is the prefix shared by every redis key robin writes.
const KeyPrefix = "robin:"

// JobState denotes the state of a job.
type JobState int

const (
	JobStatePending JobState = iota + 1
	JobStateActive
	JobStateRetry
	JobStateDead
)

func (s JobState) String() string {
	switch s {
	case JobStatePending:
		return "pending"
	case JobStateActive:
		return "active"
	case JobStateRetry:
		return "retry"
	case JobStateDead:
		return "dead"
	}
	panic(fmt.Sprintf("internal error: unknown job state %d", s))
}

// ValidateNamespace validates a given ns to be used as a queue namespace.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateNamespace(ns string) error {
	if len(strings.TrimSpace(ns)) == 0 {
		return fmt.Errorf("namespace must contain one or more characters")
	}
	if strings.ContainsAny(ns, "{}") {
		return fmt.Errorf("namespace %q must not contain curly braces", ns)
	}
	return nil
}

// NamespacePrefix returns a prefix for all keys in the given namespace.
// The namespace is wrapped in a hash tag so that every key of one namespace
// maps to the same cluster slot, which keeps the Lua scripts single-slot.
func NamespacePrefix(ns string) string {
	return KeyPrefix + "{" + ns + "}:"
}

// NamespacePattern returns a SCAN pattern matching every key in the given namespace.
func NamespacePattern(ns string) string {
	return escapeGlob(NamespacePrefix(ns)) + "*"
}

// escapeGlob escapes the characters redis treats specially in MATCH patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// JobKeyPrefix returns a prefix for job keys.
func JobKeyPrefix(ns string) string {
	return NamespacePrefix(ns) + "j:"
}

// JobKey returns a redis key for the given job id.
func JobKey(ns, id string) string {
	return JobKeyPrefix(ns) + id
}

// PendingKey returns a redis key for the list of jobs ready to be leased.
func PendingKey(ns string) string {
	return NamespacePrefix(ns) + "pending"
}

// ActiveKey returns a redis key for the list of leased jobs.
func ActiveKey(ns string) string {
	return NamespacePrefix(ns) + "active"
}

// LeaseKey returns a redis key for the lease expirations.
func LeaseKey(ns string) string {
	return NamespacePrefix(ns) + "lease"
}

// RetryKey returns a redis key for jobs waiting out a retry delay.
func RetryKey(ns string) string {
	return NamespacePrefix(ns) + "retry"
}

// DeadKey returns a redis key for the dead-letter archive.
func DeadKey(ns string) string {
	return NamespacePrefix(ns) + "dead"
}

// ProcessedTotalKey returns a redis key for total processed count for the given namespace.
func ProcessedTotalKey(ns string) string {
	return NamespacePrefix(ns) + "processed"
}

// FailedTotalKey returns a redis key for total failure count for the given namespace.
func FailedTotalKey(ns string) string {
	return NamespacePrefix(ns) + "failed"
}

// JobMessage is the internal representation of a job envelope.
// Serialized data of this type gets written to redis.
type JobMessage struct {
	// ID is a unique identifier for each job.
	ID string `json:"id"`

	// Type indicates the kind of the job to be performed.
	Type string `json:"type"`

	// Payload holds the serialized job arguments.
	Payload []byte `json:"payload"`

	// Attempt is the number of retries performed so far.
	// It never decreases.
	Attempt int `json:"attempt"`

	// EnqueuedAt is the time the job was first enqueued in Unix time,
	// the number of seconds elapsed since January 1, 1970 UTC.
	EnqueuedAt int64 `json:"enqueued_at"`

	// ErrorMsg holds the error message from the last failure.
	ErrorMsg string `json:"error_msg,omitempty"`

	// Time of last failure in Unix time,
	// the number of seconds elapsed since January 1, 1970 UTC.
	//
	// Use zero to indicate no last failure
	LastFailedAt int64 `json:"last_failed_at,omitempty"`
}

// EncodeMessage marshals the given job message and returns an encoded bytes.
func EncodeMessage(msg *JobMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded job message.
func DecodeMessage(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// JobInfo describes a job message and its metadata.
type JobInfo struct {
	Message       *JobMessage
	State         JobState
	NextProcessAt time.Time
}

// Z represents sorted set member.
type Z struct {
	Message *JobMessage
	Score   int64
}

// Lease is a time bound, token identified claim of one worker on one job.
// The token is stored next to the job in redis; every resolving operation
// presents it and is rejected once someone else holds the job.
type Lease struct {
	Token string

	Clock timeutil.Clock

	expireAt time.Time
}

func NewLease(token string, expirationTime time.Time) *Lease {
	return &Lease{
		Token:    token,
		Clock:    timeutil.NewRealClock(),
		expireAt: expirationTime,
	}
}

// Deadline returns the expiration time of the lease.
func (l *Lease) Deadline() time.Time {
	return l.expireAt
}

// IsValid returns true if the lease's expiration time is in the future or equals to the current time,
// returns false otherwise.
func (l *Lease) IsValid() bool {
	now := l.Clock.Now()
	return l.expireAt.After(now) || l.expireAt.Equal(now)
}

// Broker is a message broker that supports operations to manage one job namespace.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping(ctx context.Context) error
	Close() error
	Namespace() string

	Enqueue(ctx context.Context, msg *JobMessage) error
	Dequeue(ctx context.Context, wait, leaseFor time.Duration) (*JobMessage, *Lease, error)
	Done(ctx context.Context, msg *JobMessage, lease *Lease) error
	Requeue(ctx context.Context, msg *JobMessage, lease *Lease, processAt time.Time, isFailure bool) error
	Archive(ctx context.Context, msg *JobMessage, lease *Lease) error
	ForwardIfReady(ctx context.Context) (int, error)

	// Lease related methods
	RequeueLeaseExpired(ctx context.Context, cutoff time.Time) (int, error)

	// Dead-letter retention
	DeleteExpiredDeadJobs(ctx context.Context) (int, error)

	DeleteAll(ctx context.Context) (int, error)
}
