// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package robin provides durable background jobs backed by Redis.

Producers enqueue typed jobs through a Conn; a Pool of workers leases them,
runs the handler registered for their type under a timeout and retries
failing jobs a bounded number of times. Delivery is at least once: a handler
may run more than once for the same job.

# Quick Start

Register job types once at startup:

	reg := robin.NewRegistry()
	err := robin.RegisterJob(reg, "email:welcome", func(ctx context.Context, conn *robin.Conn, args WelcomeArgs) error {
		return sendWelcome(ctx, args.UserID)
	})

Enqueue jobs:

	cfg := robin.Config{
		Namespace:       "production",
		StoreAddress:    "redis://localhost:6379/0",
		Timeout:         30 * time.Second,
		RetryCountLimit: 4,
	}
	conn, err := robin.Establish(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	info, err := conn.EnqueueArgs(ctx, "email:welcome", WelcomeArgs{UserID: 42})

Process jobs:

	cfg.WorkerCount = 10
	if err := robin.Boot(ctx, cfg, reg); err != nil {
		log.Fatal(err)
	}

# Job Lifecycle

A job is enqueued with an attempt count of zero. Leasing it moves it to the
namespace's active list for Config.Timeout; no other worker sees it while the
lease is held. After the handler ran the worker resolves the lease:

	success                        -> removed
	failure, attempt < limit       -> requeued with attempt+1 after a back-off delay
	failure, attempt >= limit      -> dead-lettered
	timeout, RepeatOnTimeout       -> requeued, attempt unchanged
	timeout, !RepeatOnTimeout      -> left leased until an operator reconciles it
	unknown job type               -> dead-lettered

A failing job is thus executed RetryCountLimit+1 times at most.

# Namespaces

Every key is prefixed by robin:{<namespace>}:, so independent queues (one per
environment, tenant or test run) can share a single Redis server. DeleteAll
clears one namespace only.

# Monitoring

Inspector reports counters and lists pending, stalled and dead jobs. The
robin command exposes it on the command line and as a JSON monitor:

	go run ./cmd/robin monitor --namespace production
*/
package robin
