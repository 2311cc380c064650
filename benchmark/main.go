package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/admwrd/robin"
)

const redisAddr = "localhost:6379"

type BenchmarkResult struct {
	Name     string
	Jobs     int
	Workers  int
	Duration time.Duration
	Rate     float64
	RateK    float64
	Success  int64
	Failed   int64
}

var allResults []BenchmarkResult

func benchConfig(workers int) robin.Config {
	return robin.Config{
		Namespace:      "benchmark",
		StoreAddress:   redisAddr,
		WorkerCount:    workers,
		Timeout:        30 * time.Second,
		DequeueTimeout: time.Second,
		LogLevel:       robin.WarnLevel,
	}
}

func mustConnect(ctx context.Context) *robin.Conn {
	conn, err := robin.Establish(ctx, benchConfig(1))
	if err != nil {
		log.Fatalf("could not connect to %s: %v", redisAddr, err)
	}
	return conn
}

// clearNamespace removes the jobs left over from the previous run.
func clearNamespace() {
	ctx := context.Background()
	conn := mustConnect(ctx)
	defer conn.Close()
	if _, err := conn.DeleteAll(ctx); err != nil {
		log.Fatalf("could not clear namespace: %v", err)
	}
}

func newResult(name string, jobs, workers int, d time.Duration, success, failed int64) BenchmarkResult {
	rate := float64(success) / d.Seconds()
	return BenchmarkResult{
		Name:     name,
		Jobs:     jobs,
		Workers:  workers,
		Duration: d,
		Rate:     rate,
		RateK:    rate / 1000,
		Success:  success,
		Failed:   failed,
	}
}

// enqueueN enqueues numJobs jobs from concurrency goroutines sharing conn.
func enqueueN(ctx context.Context, conn *robin.Conn, jobType string, numJobs, concurrency int) (success, failed int64) {
	payload, _ := json.Marshal(map[string]interface{}{
		"data":      "benchmark payload data for testing throughput",
		"timestamp": time.Now().Unix(),
	})

	var wg sync.WaitGroup
	jobsPerWorker := numJobs / concurrency
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < jobsPerWorker; i++ {
				if _, err := conn.Enqueue(ctx, jobType, payload); err != nil {
					atomic.AddInt64(&failed, 1)
				} else {
					atomic.AddInt64(&success, 1)
				}
			}
		}()
	}
	wg.Wait()
	return success, failed
}

// BenchmarkEnqueue tests raw enqueue throughput
func BenchmarkEnqueue(numJobs int, concurrency int) BenchmarkResult {
	log.Printf("\n=== ENQUEUE BENCHMARK ===")
	log.Printf("Jobs: %d, Concurrency: %d goroutines", numJobs, concurrency)

	ctx := context.Background()
	conn := mustConnect(ctx)
	defer conn.Close()

	start := time.Now()
	success, failed := enqueueN(ctx, conn, "benchmark:job", numJobs, concurrency)
	duration := time.Since(start)

	result := newResult(fmt.Sprintf("Enqueue (concurrency=%d)", concurrency), numJobs, concurrency, duration, success, failed)
	log.Printf("Results:")
	log.Printf("  Duration: %v", duration)
	log.Printf("  Success: %d, Failed: %d", success, failed)
	log.Printf("  Enqueue Rate: %.2f jobs/sec (%.2f K/sec)", result.Rate, result.RateK)
	return result
}

// BenchmarkProcessing tests job processing throughput
func BenchmarkProcessing(numJobs int, workers int) BenchmarkResult {
	log.Printf("\n=== PROCESSING BENCHMARK ===")
	log.Printf("Jobs: %d, Worker Pool: %d workers", numJobs, workers)

	ctx := context.Background()
	log.Println("Pre-enqueueing jobs...")
	conn := mustConnect(ctx)
	enqueueN(ctx, conn, "benchmark:process", numJobs, 100)
	conn.Close()
	log.Printf("Pre-enqueued %d jobs", numJobs)

	var processedCount int64
	var startOnce sync.Once
	var startTime time.Time

	reg := robin.NewRegistry()
	reg.HandleFunc("benchmark:process", func(ctx context.Context, conn *robin.Conn, job *robin.Job) error {
		startOnce.Do(func() { startTime = time.Now() })
		atomic.AddInt64(&processedCount, 1)
		return nil
	})

	pool, err := robin.NewPool(benchConfig(workers), reg)
	if err != nil {
		log.Fatalf("could not create pool: %v", err)
	}
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("could not start pool: %v", err)
	}
	defer pool.Shutdown()

	timeout := time.After(120 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	name := fmt.Sprintf("Processing (workers=%d)", workers)
	for {
		select {
		case <-ticker.C:
			count := atomic.LoadInt64(&processedCount)
			if count >= int64(numJobs) {
				duration := time.Since(startTime)
				result := newResult(name, numJobs, workers, duration, count, 0)
				log.Printf("Results:")
				log.Printf("  Duration: %v", duration)
				log.Printf("  Processed: %d jobs", count)
				log.Printf("  Processing Rate: %.2f jobs/sec (%.2f K/sec)", result.Rate, result.RateK)
				return result
			}
		case <-timeout:
			count := atomic.LoadInt64(&processedCount)
			duration := time.Since(startTime)
			result := newResult(name, numJobs, workers, duration, count, int64(numJobs)-count)
			log.Printf("TIMEOUT - Results so far:")
			log.Printf("  Duration: %v", duration)
			log.Printf("  Processed: %d jobs", count)
			log.Printf("  Processing Rate: %.2f jobs/sec (%.2f K/sec)", result.Rate, result.RateK)
			return result
		}
	}
}

// BenchmarkMixedLoad tests combined enqueue + processing throughput
func BenchmarkMixedLoad(duration time.Duration, enqueueWorkers, processWorkers int) (BenchmarkResult, BenchmarkResult) {
	log.Printf("\n=== MIXED LOAD BENCHMARK ===")
	log.Printf("Duration: %v, Enqueue Workers: %d, Process Workers: %d", duration, enqueueWorkers, processWorkers)

	ctx := context.Background()
	var processedCount int64
	reg := robin.NewRegistry()
	reg.HandleFunc("benchmark:mixed", func(ctx context.Context, conn *robin.Conn, job *robin.Job) error {
		atomic.AddInt64(&processedCount, 1)
		return nil
	})
	pool, err := robin.NewPool(benchConfig(processWorkers), reg)
	if err != nil {
		log.Fatalf("could not create pool: %v", err)
	}
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("could not start pool: %v", err)
	}

	conn := mustConnect(ctx)
	payload, _ := json.Marshal(map[string]interface{}{"data": "mixed load test"})

	var enqueuedCount int64
	stopEnqueue := make(chan struct{})
	for w := 0; w < enqueueWorkers; w++ {
		go func() {
			for {
				select {
				case <-stopEnqueue:
					return
				default:
					if _, err := conn.Enqueue(ctx, "benchmark:mixed", payload); err == nil {
						atomic.AddInt64(&enqueuedCount, 1)
					}
				}
			}
		}()
	}

	start := time.Now()
	time.Sleep(duration)
	close(stopEnqueue)
	elapsed := time.Since(start)

	// Wait a bit for remaining jobs to process
	time.Sleep(2 * time.Second)

	enqueued := atomic.LoadInt64(&enqueuedCount)
	processed := atomic.LoadInt64(&processedCount)
	conn.Close()
	pool.Shutdown()

	enqueueResult := newResult(fmt.Sprintf("Mixed Enqueue (workers=%d)", enqueueWorkers), int(enqueued), enqueueWorkers, elapsed, enqueued, 0)
	processResult := newResult(fmt.Sprintf("Mixed Process (workers=%d)", processWorkers), int(processed), processWorkers, elapsed, processed, 0)

	log.Printf("Results:")
	log.Printf("  Duration: %v", elapsed)
	log.Printf("  Enqueued: %d jobs", enqueued)
	log.Printf("  Processed: %d jobs", processed)
	log.Printf("  Enqueue Rate: %.2f jobs/sec (%.2f K/sec)", enqueueResult.Rate, enqueueResult.RateK)
	log.Printf("  Process Rate: %.2f jobs/sec (%.2f K/sec)", processResult.Rate, processResult.RateK)
	return enqueueResult, processResult
}

func printSummaryTable() {
	fmt.Println("\n╔═══════════════════════════════════════════════╦═══════════╦═══════════╦══════════════╗")
	fmt.Println("║ Test                                          ║  Jobs     ║  Workers  ║  Rate (K/s)  ║")
	fmt.Println("╠═══════════════════════════════════════════════╬═══════════╬═══════════╬══════════════╣")
	for _, r := range allResults {
		fmt.Printf("║ %-45s ║ %9d ║ %9d ║ %10.2f K ║\n", r.Name, r.Jobs, r.Workers, r.RateK)
	}
	fmt.Println("╚═══════════════════════════════════════════════╩═══════════╩═══════════╩══════════════╝")
}

func section(title string) {
	fmt.Println("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("%50s\n", title)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	log.Printf("robin benchmark suite")
	log.Printf("CPU Cores: %d | GOMAXPROCS: %d", runtime.NumCPU(), runtime.GOMAXPROCS(0))
	log.Printf("Started at: %s", time.Now().Format("2006-01-02 15:04:05"))

	section("ENQUEUE BENCHMARKS")
	for _, concurrency := range []int{10, 50, 100, 200} {
		clearNamespace()
		allResults = append(allResults, BenchmarkEnqueue(100000, concurrency))
	}

	section("PROCESSING BENCHMARKS")
	for _, workers := range []int{10, 25, 50, 100} {
		clearNamespace()
		allResults = append(allResults, BenchmarkProcessing(50000, workers))
	}

	section("MIXED LOAD BENCHMARKS")
	clearNamespace()
	enqResult, procResult := BenchmarkMixedLoad(10*time.Second, 50, 50)
	allResults = append(allResults, enqResult, procResult)

	clearNamespace()
	printSummaryTable()

	log.Printf("\nCompleted at: %s", time.Now().Format("2006-01-02 15:04:05"))
}
