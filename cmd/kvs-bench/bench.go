package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulhenri/PKVS/internal/client"
)

type benchOptions struct {
	Addrs       []string
	Requests    int
	Concurrency int
	WriteRatio  float64
	KeySpace    int
	ValueSize   int
	Timeout     time.Duration
}

// Stats aggregates request outcomes across workers.
type Stats struct {
	totalRequests  int64
	successfulReqs int64
	failedReqs     int64
	totalLatency   int64 // in microseconds
	minLatency     int64
	maxLatency     int64
}

func (s *Stats) record(latency int64, err error) {
	atomic.AddInt64(&s.totalRequests, 1)
	if err != nil {
		atomic.AddInt64(&s.failedReqs, 1)
		return
	}
	atomic.AddInt64(&s.successfulReqs, 1)
	atomic.AddInt64(&s.totalLatency, latency)

	for {
		old := atomic.LoadInt64(&s.minLatency)
		if latency >= old || atomic.CompareAndSwapInt64(&s.minLatency, old, latency) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&s.maxLatency)
		if latency <= old || atomic.CompareAndSwapInt64(&s.maxLatency, old, latency) {
			break
		}
	}
}

// runBench drives opts.Requests requests through opts.Concurrency workers,
// each holding one connection per server. Request failures are counted, not returned; only a failure
// to connect aborts the run.
func runBench(ctx context.Context, opts benchOptions, progress io.Writer) (*Stats, time.Duration, error) {
	stats := &Stats{minLatency: 1<<63 - 1}

	work := make(chan int, opts.Requests)
	for i := 0; i < opts.Requests; i++ {
		work <- i
	}
	close(work)

	clients := make([]*client.Sharded, 0, opts.Concurrency)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	for i := 0; i < opts.Concurrency; i++ {
		c, err := client.DialSharded(ctx, opts.Addrs, client.WithTimeout(opts.Timeout))
		if err != nil {
			return nil, 0, err
		}
		clients = append(clients, c)
	}

	if progress != nil && len(clients[0].Addrs()) > 1 {
		shares := clients[0].Shares()
		for _, addr := range clients[0].Addrs() {
			fmt.Fprintf(progress, "  %s: %.2f%% of keyspace\n", addr, shares[addr]*100)
		}
	}

	done := make(chan struct{})
	if progress != nil {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					completed := atomic.LoadInt64(&stats.totalRequests)
					fmt.Fprintf(progress, "\rProgress: %d/%d (%.1f%%)", completed, opts.Requests, float64(completed)/float64(opts.Requests)*100)
				}
			}
		}()
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clients {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		g.Go(func() error {
			return worker(gctx, c, rng, opts, work, stats)
		})
	}
	err := g.Wait()
	close(done)
	return stats, time.Since(start), err
}

func worker(ctx context.Context, c *client.Sharded, rng *rand.Rand, opts benchOptions, work <-chan int, stats *Stats) error {
	value := make([]byte, opts.ValueSize)
	for range work {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := fmt.Sprintf("key-%d", rng.Intn(opts.KeySpace))
		isWrite := rng.Float64() < opts.WriteRatio

		start := time.Now()
		var err error
		if isWrite {
			for i := range value {
				value[i] = 'a' + byte(rng.Intn(26))
			}
			err = c.Set(ctx, key, string(value))
		} else {
			// A missing key is still a successful read.
			_, _, err = c.Get(ctx, key)
		}
		stats.record(time.Since(start).Microseconds(), err)
	}
	return nil
}

func printResults(w io.Writer, stats *Stats, duration time.Duration) {
	fmt.Fprintf(w, "\n\nResults\n")
	fmt.Fprintf(w, "=======\n")
	fmt.Fprintf(w, "Total Time:       %v\n", duration)
	fmt.Fprintf(w, "Total Requests:   %d\n", stats.totalRequests)
	fmt.Fprintf(w, "Successful:       %d\n", stats.successfulReqs)
	fmt.Fprintf(w, "Failed:           %d\n", stats.failedReqs)
	if stats.totalRequests > 0 {
		fmt.Fprintf(w, "Success Rate:     %.2f%%\n", float64(stats.successfulReqs)/float64(stats.totalRequests)*100)
		fmt.Fprintf(w, "Requests/sec:     %.2f\n", float64(stats.totalRequests)/duration.Seconds())
	}

	if stats.successfulReqs > 0 {
		avgLatency := time.Duration(stats.totalLatency/stats.successfulReqs) * time.Microsecond
		fmt.Fprintf(w, "Avg Latency:      %v\n", avgLatency)
		fmt.Fprintf(w, "Min Latency:      %v\n", time.Duration(stats.minLatency)*time.Microsecond)
		fmt.Fprintf(w, "Max Latency:      %v\n", time.Duration(stats.maxLatency)*time.Microsecond)
	}
}
