package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
)

// Workload shapes one contention run.
type Workload struct {
	Keys        int
	Racers      int
	Concurrency int
}

type Stats struct {
	Attempts  uint64
	Winners   uint64
	Rejected  uint64 // AlreadyRedeemed, the expected loss
	Transient uint64
	Errors    uint64
	Duration  time.Duration
	Latencies []time.Duration
}

type job struct {
	code  string
	index int
	racer int
}

// runContention issues Keys codes, then has Racers distinct users on distinct
// devices try to redeem each one concurrently.
func runContention(ctx context.Context, b *backend, w Workload) (*Stats, error) {
	if w.Keys <= 0 || w.Racers <= 0 || w.Concurrency <= 0 {
		return nil, fmt.Errorf("keys, racers and concurrency must be positive")
	}

	codes := make([]string, 0, w.Keys)
	for len(codes) < w.Keys {
		batch := w.Keys - len(codes)
		if batch > 1000 {
			batch = 1000
		}
		keys, err := b.keys.GenerateCodes(ctx, ports.IssueRequest{ProductID: benchProduct, Quantity: batch, IssuedBy: "bench"})
		if err != nil {
			return nil, fmt.Errorf("failed to issue keys: %w", err)
		}
		for _, k := range keys {
			codes = append(codes, k.Code)
		}
	}

	jobs := make(chan job)
	latencies := make(chan time.Duration, w.Keys*w.Racers)
	stats := &Stats{}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(w.Concurrency)
	for i := 0; i < w.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				attemptStart := time.Now()
				_, err := b.redeem.Redeem(ctx, ports.RedeemRequest{
					Code:   j.code,
					UserID: fmt.Sprintf("bench-user-%d-%d", j.index, j.racer),
					HWID:   benchHWID(j.index*w.Racers + j.racer),
				})
				latencies <- time.Since(attemptStart)
				atomic.AddUint64(&stats.Attempts, 1)
				switch {
				case err == nil:
					atomic.AddUint64(&stats.Winners, 1)
				case errors.Is(err, domain.ErrAlreadyRedeemed):
					atomic.AddUint64(&stats.Rejected, 1)
				case domain.IsRetryable(err):
					atomic.AddUint64(&stats.Transient, 1)
				default:
					atomic.AddUint64(&stats.Errors, 1)
				}
			}
		}()
	}

	// Racers for the same code are queued back to back so they overlap.
	for i, code := range codes {
		for r := 0; r < w.Racers; r++ {
			jobs <- job{code: code, index: i, racer: r}
		}
	}
	close(jobs)
	wg.Wait()
	stats.Duration = time.Since(start)
	close(latencies)

	for l := range latencies {
		stats.Latencies = append(stats.Latencies, l)
	}
	sort.Slice(stats.Latencies, func(i, j int) bool { return stats.Latencies[i] < stats.Latencies[j] })
	return stats, nil
}

// benchHWID yields a distinct, well-formed device id per attempt.
func benchHWID(n int) string {
	return fmt.Sprintf("BX%06X-CD34-EF56", n)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printReport(out io.Writer, s *Stats) {
	fmt.Fprintln(out, "\n============================================")
	fmt.Fprintln(out, "        REDEMPTION CONTENTION REPORT        ")
	fmt.Fprintln(out, "============================================")
	fmt.Fprintf(out, "Test Duration:    %v\n", s.Duration)
	if s.Duration > 0 {
		fmt.Fprintf(out, "Throughput:       %.2f attempts/sec\n", float64(s.Attempts)/s.Duration.Seconds())
	}

	fmt.Fprintln(out, "\n--- Outcomes ---")
	fmt.Fprintf(out, "Total Attempted:  %d\n", s.Attempts)
	fmt.Fprintf(out, "Redeemed:         %d\n", s.Winners)
	fmt.Fprintf(out, "Already Redeemed: %d\n", s.Rejected)
	fmt.Fprintf(out, "Transient:        %d\n", s.Transient)
	fmt.Fprintf(out, "Other Errors:     %d\n", s.Errors)

	if len(s.Latencies) > 0 {
		fmt.Fprintln(out, "\n--- Latency Percentiles ---")
		fmt.Fprintf(out, "P50 (Median):     %v\n", percentile(s.Latencies, 0.50))
		fmt.Fprintf(out, "P90:              %v\n", percentile(s.Latencies, 0.90))
		fmt.Fprintf(out, "P99:              %v\n", percentile(s.Latencies, 0.99))
		fmt.Fprintf(out, "Max:              %v\n", s.Latencies[len(s.Latencies)-1])
	}
	fmt.Fprintln(out, "============================================")
}
