// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import "time"

// Outcome is the result of one job execution.
type Outcome int

const (
	// OutcomeSuccess means the handler returned nil before the lease expired.
	OutcomeSuccess Outcome = iota

	// OutcomeFailure means the handler returned an error or panicked.
	OutcomeFailure

	// OutcomeTimeout means the handler did not return before the lease expired.
	OutcomeTimeout

	// OutcomeUnknownType means no handler is registered for the job type.
	OutcomeUnknownType
)

var outcomes = []string{
	"success",
	"failure",
	"timeout",
	"unknown_type",
}

func (o Outcome) String() string {
	if OutcomeSuccess <= o && o <= OutcomeUnknownType {
		return outcomes[o]
	}
	return "unknown outcome"
}

// Action is what a worker does with a job after an execution.
type Action int

const (
	// ActionComplete removes the job permanently.
	ActionComplete Action = iota

	// ActionRequeue makes the job available again after a delay.
	ActionRequeue

	// ActionDropDead removes the job from the queue and archives it as dead.
	ActionDropDead

	// ActionLeaveUnresolved leaves the job leased. Nothing is written to the
	// store; an operator has to reconcile the job.
	ActionLeaveUnresolved
)

var actions = []string{
	"complete",
	"requeue",
	"drop_dead",
	"leave_unresolved",
}

func (a Action) String() string {
	if ActionComplete <= a && a <= ActionLeaveUnresolved {
		return actions[a]
	}
	return "unknown action"
}

// Decision is the action a RetryPolicy chose for a job.
type Decision struct {
	Action Action

	// Attempt is the attempt count the job is requeued with.
	// Only set for ActionRequeue.
	Attempt int

	// Delay is how long the requeued job stays invisible.
	// Only set for ActionRequeue.
	Delay time.Duration
}

// RetryPolicy decides what happens to a job after an execution.
// It performs no I/O.
type RetryPolicy struct {
	// Limit is the maximum number of retries of a failing job.
	Limit int

	// RepeatOnTimeout makes timed out jobs available again.
	RepeatOnTimeout bool

	// DelayFunc computes the delay before a retry.
	// If nil, DefaultRetryDelayFunc is used.
	DelayFunc RetryDelayFunc

	// MaxDelay bounds the delay returned by DelayFunc.
	// If zero, there is no bound beyond the one of DelayFunc itself.
	MaxDelay time.Duration
}

func newRetryPolicy(cfg Config) RetryPolicy {
	return RetryPolicy{
		Limit:           cfg.RetryCountLimit,
		RepeatOnTimeout: cfg.RepeatOnTimeout,
		DelayFunc:       cfg.RetryDelayFunc,
		MaxDelay:        cfg.MaxRetryDelay,
	}
}

// Decide returns the decision for a job that was attempted attempt times
// before the execution that produced outcome.
//
// A failed job is requeued with its attempt count incremented while attempt
// is strictly below Limit, and dead-lettered otherwise. A timed out job is
// requeued as is if RepeatOnTimeout is set, and left unresolved otherwise.
func (p RetryPolicy) Decide(outcome Outcome, attempt int) Decision {
	switch outcome {
	case OutcomeSuccess:
		return Decision{Action: ActionComplete}
	case OutcomeFailure:
		if attempt < p.Limit {
			return Decision{
				Action:  ActionRequeue,
				Attempt: attempt + 1,
				Delay:   p.delay(attempt),
			}
		}
		return Decision{Action: ActionDropDead}
	case OutcomeTimeout:
		if p.RepeatOnTimeout {
			return Decision{Action: ActionRequeue, Attempt: attempt}
		}
		return Decision{Action: ActionLeaveUnresolved}
	}
	return Decision{Action: ActionDropDead}
}

func (p RetryPolicy) delay(n int) time.Duration {
	fn := p.DelayFunc
	if fn == nil {
		fn = DefaultRetryDelayFunc
	}
	d := fn(n)
	if d < 0 {
		d = 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
