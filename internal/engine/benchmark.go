package engine

import (
	"math"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"
)

// BenchmarkResult holds results from an inline benchmark run.
type BenchmarkResult struct {
	Operations   int     `json:"operations"`
	Duration     int64   `json:"duration_ns"`
	OpsPerSec    float64 `json:"ops_per_sec"`
	AvgLatencyNs int64   `json:"avg_latency_ns"`

	// Per-command breakdown
	ExpireOpsPerSec   float64 `json:"rexpire_ops_per_sec"`
	TTLOpsPerSec      float64 `json:"rttl_ops_per_sec"`
	UnexpireOpsPerSec float64 `json:"runexpire_ops_per_sec"`

	// Latency percentiles (nanoseconds)
	P50LatencyNs  int64 `json:"p50_latency_ns"`
	P99LatencyNs  int64 `json:"p99_latency_ns"`
	P999LatencyNs int64 `json:"p999_latency_ns"`

	// Concurrency results
	Concurrency       int     `json:"concurrency"`
	ConcurrentOps     int     `json:"concurrent_ops_per_sec,omitempty"`
	ConcurrentLatency int64   `json:"concurrent_avg_latency_ns,omitempty"`
	ScaleFactor       float64 `json:"scale_factor,omitempty"`
}

// benchTTL keeps benchmark timers far enough out that the sweeper never
// fires them during a run.
const benchTTL = int64(time.Hour / time.Millisecond)

// RunBenchmark times REXPIRE, RTTL and RUNEXPIRE on n scratch keys, then
// repeats the arm/read pair from several goroutines. Every benchmark timer
// is cancelled before it returns.
func (e *Engine) RunBenchmark(n int) BenchmarkResult {
	if n <= 0 {
		n = 1000
	}
	if n > 100000 {
		n = 100000
	}

	keys := make([]string, n)
	for i := range keys {
		keys[i] = "__bench_" + strconv.Itoa(i)
	}

	// Phase 1: REXPIRE
	expireStart := time.Now()
	for _, k := range keys {
		e.Expire(k, benchTTL)
	}
	expireElapsed := time.Since(expireStart)

	// Phase 2: RTTL
	ttlStart := time.Now()
	for _, k := range keys {
		e.TTL(k)
	}
	ttlElapsed := time.Since(ttlStart)

	// Phase 3: re-arm plus read, with per-op latency
	mixedStart := time.Now()
	latencies := make([]int64, 0, n*2)
	for _, k := range keys {
		t0 := time.Now()
		e.Expire(k, benchTTL)
		latencies = append(latencies, time.Since(t0).Nanoseconds())
		t1 := time.Now()
		e.TTL(k)
		latencies = append(latencies, time.Since(t1).Nanoseconds())
	}
	mixedElapsed := time.Since(mixedStart)

	// Phase 4: concurrent
	workers := runtime.NumCPU()
	if workers > 16 {
		workers = 16
	}
	if workers < 2 {
		workers = 2
	}
	opsPerWorker := n / workers
	if opsPerWorker < 1 {
		opsPerWorker = 1
	}

	var wg sync.WaitGroup
	concStart := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				k := keys[(offset+i)%n]
				e.Expire(k, benchTTL)
				e.TTL(k)
			}
		}(w * opsPerWorker)
	}
	wg.Wait()
	concElapsed := time.Since(concStart)
	concTotalOps := workers * opsPerWorker * 2

	// Phase 5: RUNEXPIRE
	unexpireStart := time.Now()
	for _, k := range keys {
		e.Unexpire(k)
	}
	unexpireElapsed := time.Since(unexpireStart)

	totalMixedOps := n * 2
	mixedOps := float64(totalMixedOps) / mixedElapsed.Seconds()
	concOps := float64(concTotalOps) / concElapsed.Seconds()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	return BenchmarkResult{
		Operations:   totalMixedOps,
		Duration:     mixedElapsed.Nanoseconds(),
		OpsPerSec:    mixedOps,
		AvgLatencyNs: mixedElapsed.Nanoseconds() / int64(totalMixedOps),

		ExpireOpsPerSec:   float64(n) / expireElapsed.Seconds(),
		TTLOpsPerSec:      float64(n) / ttlElapsed.Seconds(),
		UnexpireOpsPerSec: float64(n) / unexpireElapsed.Seconds(),

		P50LatencyNs:  nsPercentile(latencies, 0.50),
		P99LatencyNs:  nsPercentile(latencies, 0.99),
		P999LatencyNs: nsPercentile(latencies, 0.999),

		Concurrency:       workers,
		ConcurrentOps:     int(concOps),
		ConcurrentLatency: concElapsed.Nanoseconds() / int64(concTotalOps),
		ScaleFactor:       math.Round(concOps/mixedOps*100) / 100,
	}
}

// nsPercentile returns the p-th percentile from a sorted slice.
func nsPercentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
