// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admwrd/robin/internal/base"
	"github.com/admwrd/robin/internal/testutil"
)

const waitFor = 5 * time.Second

type poolEnv struct {
	cfg       Config
	client    *redis.Client
	conn      *Conn
	inspector *Inspector
}

func newPoolEnv(t *testing.T, modify func(*Config)) *poolEnv {
	t.Helper()
	s, client := testutil.NewRedis(t)
	cfg := testConfig(s)
	cfg.RetryDelayFunc = func(int) time.Duration { return 0 }
	if modify != nil {
		modify(&cfg)
	}
	conn, err := NewConnFromRedisClient(client, cfg)
	require.NoError(t, err)
	return &poolEnv{
		cfg:       cfg,
		client:    client,
		conn:      conn,
		inspector: NewInspectorFromRedisClient(client, cfg),
	}
}

func (e *poolEnv) start(t *testing.T, reg *Registry) *Pool {
	t.Helper()
	p, err := NewPool(e.cfg, reg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Shutdown)
	return p
}

func (e *poolEnv) enqueue(t *testing.T, jobType string, args any) *JobInfo {
	t.Helper()
	info, err := e.conn.EnqueueArgs(context.Background(), jobType, args)
	require.NoError(t, err)
	return info
}

func (e *poolEnv) stats(t *testing.T) *NamespaceStats {
	t.Helper()
	stats, err := e.inspector.Stats(context.Background())
	if err != nil {
		t.Errorf("Stats failed: %v", err)
		return &NamespaceStats{}
	}
	return stats
}

type verifyArgs struct {
	File string `json:"file"`
}

func TestPoolRunsJobOnce(t *testing.T) {
	env := newPoolEnv(t, nil)
	ran := make(chan verifyArgs, 10)
	reg := NewRegistry()
	require.NoError(t, RegisterJob(reg, "verifyable_job", func(ctx context.Context, conn *Conn, args verifyArgs) error {
		ran <- args
		return nil
	}))
	env.start(t, reg)

	env.enqueue(t, "verifyable_job", verifyArgs{File: "/tmp/robin_verify"})

	select {
	case got := <-ran:
		assert.Equal(t, "/tmp/robin_verify", got.File)
	case <-time.After(waitFor):
		t.Fatal("job did not run")
	}
	require.Eventually(t, func() bool { return env.stats(t).Processed == 1 }, waitFor, 20*time.Millisecond)

	select {
	case <-ran:
		t.Fatal("job ran twice")
	case <-time.After(300 * time.Millisecond):
	}
	stats := env.stats(t)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Dead)
	assert.Equal(t, []string{base.ProcessedTotalKey(env.cfg.Namespace)}, testutil.Keys(t, env.client, env.cfg.Namespace),
		"only the processed counter is left")
}

func TestPoolRetriesFailedJob(t *testing.T) {
	env := newPoolEnv(t, nil)
	attempts := make(chan int, 10)
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("pass_second_time", func(ctx context.Context, conn *Conn, job *Job) error {
		attempts <- job.Attempt
		if job.Attempt == 0 {
			return errors.New("first time fails")
		}
		return nil
	}))
	env.start(t, reg)

	env.enqueue(t, "pass_second_time", nil)

	require.Eventually(t, func() bool { return env.stats(t).Processed == 1 }, waitFor, 20*time.Millisecond)
	assert.Equal(t, []int{0, 1}, drain(attempts))
	assert.Equal(t, 1, env.stats(t).Failed)
}

func TestPoolDeadLettersJobAfterRetryLimit(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) { cfg.RetryCountLimit = 4 })
	attempts := make(chan int, 10)
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("fail_forever", func(ctx context.Context, conn *Conn, job *Job) error {
		attempts <- job.Attempt
		return fmt.Errorf("failure %d", job.Attempt)
	}))
	env.start(t, reg)

	info := env.enqueue(t, "fail_forever", nil)

	require.Eventually(t, func() bool { return env.stats(t).Dead == 1 }, waitFor, 20*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, drain(attempts))

	dead, err := env.inspector.ListDead(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, info.ID, dead[0].ID)
	assert.Equal(t, "failure 4", dead[0].LastErr)
	assert.Empty(t, testutil.PendingIDs(t, env.client, env.cfg.Namespace))
	assert.Empty(t, testutil.ActiveIDs(t, env.client, env.cfg.Namespace))
	assert.Equal(t, 5, env.stats(t).Failed)
}

func TestPoolLeavesTimedOutJobUnresolved(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) { cfg.RepeatOnTimeout = false })
	started := make(chan int, 10)
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("sleepy", func(ctx context.Context, conn *Conn, job *Job) error {
		started <- job.Attempt
		<-ctx.Done()
		return ctx.Err()
	}))
	env.start(t, reg)

	info := env.enqueue(t, "sleepy", nil)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job did not run")
	}
	// Well past the one second lease.
	time.Sleep(2500 * time.Millisecond)

	assert.Empty(t, drain(started), "job must not run again")
	assert.Equal(t, []string{info.ID}, testutil.ActiveIDs(t, env.client, env.cfg.Namespace))
	assert.Empty(t, testutil.PendingIDs(t, env.client, env.cfg.Namespace))
	stats := env.stats(t)
	assert.Equal(t, 0, stats.Processed)
	assert.Equal(t, 1, stats.Stalled)

	// An operator reconciles the job; it keeps its attempt count.
	n, err := env.inspector.RequeueStalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	select {
	case attempt := <-started:
		assert.Equal(t, 0, attempt)
	case <-time.After(waitFor):
		t.Fatal("reconciled job did not run")
	}
}

func TestPoolRepeatsTimedOutJob(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) { cfg.RepeatOnTimeout = true })
	attempts := make(chan int, 10)
	var mu sync.Mutex
	runs := 0
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("slow_once", func(ctx context.Context, conn *Conn, job *Job) error {
		attempts <- job.Attempt
		mu.Lock()
		runs++
		first := runs == 1
		mu.Unlock()
		if first {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}))
	env.start(t, reg)

	env.enqueue(t, "slow_once", nil)

	require.Eventually(t, func() bool { return env.stats(t).Processed == 1 }, waitFor, 20*time.Millisecond)
	assert.Equal(t, []int{0, 0}, drain(attempts), "a timeout does not count as a retry")
	assert.Equal(t, 0, env.stats(t).Failed)
}

func TestPoolDeadLettersUnknownJobType(t *testing.T) {
	env := newPoolEnv(t, nil)
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("known", noopHandler))
	env.start(t, reg)

	info := env.enqueue(t, "unknown", nil)

	require.Eventually(t, func() bool { return env.stats(t).Dead == 1 }, waitFor, 20*time.Millisecond)
	dead, err := env.inspector.ListDead(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, info.ID, dead[0].ID)
	assert.Equal(t, 0, dead[0].Attempt)
	assert.Contains(t, dead[0].LastErr, "unknown job type")
}

func TestPoolRecoversFromPanic(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) { cfg.RetryCountLimit = 0 })
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("panicky", func(ctx context.Context, conn *Conn, job *Job) error {
		panic("oops")
	}))
	env.start(t, reg)

	env.enqueue(t, "panicky", nil)

	require.Eventually(t, func() bool { return env.stats(t).Dead == 1 }, waitFor, 20*time.Millisecond)
	dead, err := env.inspector.ListDead(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastErr, "panic: oops")
}

func TestPoolHandlerEnqueuesThroughConn(t *testing.T) {
	env := newPoolEnv(t, nil)
	children := make(chan int, 10)
	reg := NewRegistry()
	require.NoError(t, RegisterJob(reg, "parent", func(ctx context.Context, conn *Conn, n int) error {
		for i := 0; i < n; i++ {
			if _, err := conn.EnqueueArgs(ctx, "child", i); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, RegisterJob(reg, "child", func(ctx context.Context, conn *Conn, i int) error {
		children <- i
		return nil
	}))
	env.start(t, reg)

	env.enqueue(t, "parent", 3)

	require.Eventually(t, func() bool { return env.stats(t).Processed == 4 }, waitFor, 20*time.Millisecond)
	got := drain(children)
	sort.Ints(got)
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestPoolRunsEveryJobExactlyOnce(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) { cfg.WorkerCount = 4 })
	const numJobs = 40
	seen := make(chan string, numJobs*2)
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("job", func(ctx context.Context, conn *Conn, job *Job) error {
		seen <- job.ID
		return nil
	}))
	p := env.start(t, reg)
	assert.Len(t, p.WorkerStates(), 4)

	want := make(map[string]int)
	for i := 0; i < numJobs; i++ {
		want[env.enqueue(t, "job", i).ID] = 1
	}

	require.Eventually(t, func() bool { return env.stats(t).Processed == numJobs }, waitFor, 20*time.Millisecond)
	got := make(map[string]int)
	for _, id := range drainStrings(seen) {
		got[id]++
	}
	assert.Equal(t, want, got)
}

func TestPoolShutdownRequeuesAbortedJob(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) {
		cfg.Timeout = 30 * time.Second
		cfg.ShutdownTimeout = 200 * time.Millisecond
	})
	started := make(chan struct{}, 1)
	aborted := make(chan error, 1)
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("long", func(ctx context.Context, conn *Conn, job *Job) error {
		started <- struct{}{}
		<-ctx.Done()
		aborted <- ctx.Err()
		return ctx.Err()
	}))
	p := env.start(t, reg)

	info := env.enqueue(t, "long", nil)
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job did not run")
	}

	p.Shutdown()

	select {
	case err := <-aborted:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("handler context was not cancelled")
	}
	assert.Equal(t, []string{info.ID}, testutil.PendingIDs(t, env.client, env.cfg.Namespace))
	assert.Equal(t, 0, testutil.StoredMessage(t, env.client, env.cfg.Namespace, info.ID).Attempt)
	assert.Empty(t, testutil.ZSetIDs(t, env.client, base.LeaseKey(env.cfg.Namespace)))
}

func TestPoolDeleteAllIsolatesNamespaces(t *testing.T) {
	env := newPoolEnv(t, nil)
	other, err := NewConnFromRedisClient(env.client, Config{Namespace: testutil.Namespace()})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		env.enqueue(t, "job", i)
		_, err := other.Enqueue(context.Background(), "job", nil)
		require.NoError(t, err)
	}

	_, err = env.conn.DeleteAll(context.Background())
	require.NoError(t, err)

	assert.Empty(t, testutil.Keys(t, env.client, env.cfg.Namespace))
	assert.Len(t, testutil.PendingIDs(t, env.client, other.Namespace()), 3)
}

func TestPoolLifecycle(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) { cfg.WorkerCount = 2 })

	_, err := NewPool(env.cfg, nil)
	assert.Error(t, err)
	_, err = NewPool(Config{}, NewRegistry())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	reg := NewRegistry()
	p, err := NewPool(env.cfg, reg)
	require.NoError(t, err)
	assert.ErrorIs(t, reg.HandleFunc("late", noopHandler), ErrRegistrySealed)
	assert.Nil(t, p.WorkerStates())
	assert.NoError(t, p.Ping(context.Background()))

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "already running")
	assert.Len(t, p.WorkerStates(), 2)
	assert.NoError(t, p.Ping(context.Background()))

	p.Stop()
	for _, s := range p.WorkerStates() {
		assert.Equal(t, WorkerShutdown, s)
	}
	assert.Error(t, p.Start(context.Background()), "stopped")

	p.Shutdown()
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolClosed)
	p.Shutdown()
}

func TestPoolWaitsForStore(t *testing.T) {
	s, _ := testutil.NewRedis(t)
	cfg := testConfig(s)
	s.Close()

	ran := make(chan struct{}, 1)
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("job", func(ctx context.Context, conn *Conn, job *Job) error {
		ran <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Boot(ctx, cfg, reg) }()

	time.Sleep(5 * cfg.ErrorBackoff)
	select {
	case err := <-done:
		t.Fatalf("Boot returned while redis was down: %v", err)
	default:
	}

	require.NoError(t, s.Restart())
	conn, err := Establish(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Enqueue(context.Background(), "job", nil)
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(waitFor):
		t.Fatal("job did not run after redis came up")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Boot did not return after cancellation")
	}
}

func TestBootCancelledWhileWaitingForStore(t *testing.T) {
	s, _ := testutil.NewRedis(t)
	cfg := testConfig(s)
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.NoError(t, Boot(ctx, cfg, NewRegistry()))
}

// silentListener accepts connections and never replies.
func silentListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln
}

func TestPoolShutdownWhileConnecting(t *testing.T) {
	ln := silentListener(t)
	s, _ := testutil.NewRedis(t)
	cfg := testConfig(s)
	cfg.StoreAddress = "redis://" + ln.Addr().String() + "?dial_timeout=100ms&read_timeout=100ms"
	cfg.WorkerCount = 2

	p, err := NewPool(cfg, NewRegistry())
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- p.Start(context.Background()) }()

	time.Sleep(200 * time.Millisecond)
	assert.Nil(t, p.WorkerStates())
	assert.NoError(t, p.Ping(context.Background()))
	p.Stop()

	shutdown := make(chan struct{})
	go func() {
		p.Shutdown()
		close(shutdown)
	}()
	select {
	case <-shutdown:
	case <-time.After(waitFor):
		t.Fatal("Shutdown did not return while the pool was connecting")
	}

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(waitFor):
		t.Fatal("Start did not return after Shutdown")
	}
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolClosed)
	p.Shutdown()
}

func TestPoolStartRejectedByStore(t *testing.T) {
	s, _ := testutil.NewRedis(t)
	s.RequireAuth("secret")
	cfg := testConfig(s)

	p, err := NewPool(cfg, NewRegistry())
	require.NoError(t, err)
	err = p.Start(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.Nil(t, p.WorkerStates())

	cfg.StoreAddress = "redis://:secret@" + s.Addr()
	p, err = NewPool(cfg, NewRegistry())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	p.Shutdown()
}

func TestPoolResumesAfterStoreOutage(t *testing.T) {
	s, _ := testutil.NewRedis(t)
	cfg := testConfig(s)
	cfg.WorkerCount = 2

	ran := make(chan string, 10)
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("job", func(ctx context.Context, conn *Conn, job *Job) error {
		ran <- job.ID
		return nil
	}))
	p, err := NewPool(cfg, reg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Shutdown)

	s.Close()
	time.Sleep(5 * cfg.ErrorBackoff)
	for _, st := range p.WorkerStates() {
		assert.NotEqual(t, WorkerShutdown, st, "workers keep running while redis is down")
	}
	require.NoError(t, s.Restart())

	conn, err := Establish(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()
	info, err := conn.Enqueue(context.Background(), "job", nil)
	require.NoError(t, err)

	select {
	case id := <-ran:
		assert.Equal(t, info.ID, id)
	case <-time.After(waitFor):
		t.Fatal("job did not run after redis came back")
	}
}

func TestBoot(t *testing.T) {
	env := newPoolEnv(t, nil)
	ran := make(chan struct{}, 1)
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("job", func(ctx context.Context, conn *Conn, job *Job) error {
		ran <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Boot(ctx, env.cfg, reg) }()

	env.enqueue(t, "job", nil)
	select {
	case <-ran:
	case <-time.After(waitFor):
		t.Fatal("job did not run")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Boot did not return after cancellation")
	}
}

func TestPoolHealthCheck(t *testing.T) {
	checked := make(chan error, 10)
	env := newPoolEnv(t, func(cfg *Config) {
		cfg.HealthCheckInterval = 50 * time.Millisecond
		cfg.HealthCheckFunc = func(err error) {
			select {
			case checked <- err:
			default:
			}
		}
	})
	env.start(t, NewRegistry())

	select {
	case err := <-checked:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("health check did not run")
	}
}

func drain(ch chan int) []int {
	var out []int
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

func drainStrings(ch chan string) []string {
	var out []string
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}
