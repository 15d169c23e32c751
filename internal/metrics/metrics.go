// Package metrics tracks per-command latency and sweeper activity and
// renders them as the RPROFILE report.
package metrics

import (
	"encoding/json"
	"expvar"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flashdb/rtexp/internal/timeseries"
)

// DefaultSamples is the number of recent latency samples kept per series.
const DefaultSamples = 1024

// Profiler collects engine and sweeper statistics.
// It is safe for concurrent use.
type Profiler struct {
	started time.Time
	size    int

	// Counters are unpublished expvar variables; Publish exposes them.
	total    *expvar.Int
	calls    *expvar.Map
	errors   *expvar.Map
	sweeps   *expvar.Int
	fired    *expvar.Int
	retries  *expvar.Int
	failures *expvar.Int

	mu      sync.Mutex
	latency map[string]*ring
	lag     *ring
}

// New creates a Profiler keeping up to samples latency samples per series.
func New(samples int) *Profiler {
	if samples <= 0 {
		samples = DefaultSamples
	}
	return &Profiler{
		started:  time.Now(),
		size:     samples,
		total:    new(expvar.Int),
		calls:    new(expvar.Map).Init(),
		errors:   new(expvar.Map).Init(),
		sweeps:   new(expvar.Int),
		fired:    new(expvar.Int),
		retries:  new(expvar.Int),
		failures: new(expvar.Int),
		latency:  make(map[string]*ring),
		lag:      newRing(samples),
	}
}

// ObserveCommand records one execution of the named command.
func (p *Profiler) ObserveCommand(name string, latency time.Duration, err error) {
	name = strings.ToUpper(name)
	p.total.Add(1)
	p.calls.Add(name, 1)
	if err != nil {
		p.errors.Add(name, 1)
	}

	p.mu.Lock()
	r, ok := p.latency[name]
	if !ok {
		r = newRing(p.size)
		p.latency[name] = r
	}
	r.add(float64(latency.Nanoseconds()) / 1e3)
	p.mu.Unlock()
}

// ObserveSweep records a completed sweep and the lag of every fired timer.
func (p *Profiler) ObserveSweep(lagsMs []int64) {
	p.sweeps.Add(1)
	p.fired.Add(int64(len(lagsMs)))
	p.mu.Lock()
	for _, l := range lagsMs {
		p.lag.add(float64(l))
	}
	p.mu.Unlock()
}

// ObserveRetry records a sweep that failed and was scheduled for retry.
func (p *Profiler) ObserveRetry(failedKeys int) {
	p.retries.Add(1)
	p.failures.Add(int64(failedKeys))
}

// Publish exposes the profiler under name in the process-wide expvar
// registry. It reports false if the name is already taken.
func (p *Profiler) Publish(name string) bool {
	if expvar.Get(name) != nil {
		return false
	}
	expvar.Publish(name, expvar.Func(func() any { return p.Report() }))
	return true
}

// Report snapshots the current statistics. Fields owned by other
// components (timer count, sweeper state, rearmed keys, history) are left
// for the caller to fill in.
func (p *Profiler) Report() Report {
	uptime := time.Since(p.started).Seconds()
	total := p.total.Value()
	rep := Report{
		UptimeSeconds: uptime,
		TotalCommands: total,
		Commands:      make(map[string]CommandStats),
		Sweeper: SweeperStats{
			Sweeps:   p.sweeps.Value(),
			Fired:    p.fired.Value(),
			Retries:  p.retries.Value(),
			Failures: p.failures.Value(),
		},
	}
	if uptime > 0 {
		rep.Throughput = float64(total) / uptime
	}

	p.calls.Do(func(kv expvar.KeyValue) {
		stats := rep.Commands[kv.Key]
		stats.Calls = kv.Value.(*expvar.Int).Value()
		rep.Commands[kv.Key] = stats
	})
	p.errors.Do(func(kv expvar.KeyValue) {
		stats := rep.Commands[kv.Key]
		stats.Errors = kv.Value.(*expvar.Int).Value()
		rep.Commands[kv.Key] = stats
	})

	p.mu.Lock()
	for name, r := range p.latency {
		stats := rep.Commands[name]
		stats.LatencyUs = r.summary()
		rep.Commands[name] = stats
	}
	rep.Sweeper.LagMs = p.lag.summary()
	p.mu.Unlock()

	return rep
}

// Summary describes a set of samples.
type Summary struct {
	Samples int     `json:"samples"`
	Min     float64 `json:"min"`
	Avg     float64 `json:"avg"`
	P50     float64 `json:"p50"`
	P99     float64 `json:"p99"`
	Max     float64 `json:"max"`
}

// CommandStats holds per-command counters and latency in microseconds.
type CommandStats struct {
	Calls     int64   `json:"calls"`
	Errors    int64   `json:"errors"`
	LatencyUs Summary `json:"latency_us"`
}

// SweeperStats holds sweeper counters and sweep lag in milliseconds.
type SweeperStats struct {
	State    string  `json:"state"`
	Sweeps   int64   `json:"sweeps"`
	Fired    int64   `json:"fired"`
	Retries  int64   `json:"retries"`
	Failures int64   `json:"failures"`
	LagMs    Summary `json:"lag_ms"`
}

// KeyCount is a key with an associated count.
type KeyCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Report is the structured RPROFILE result.
type Report struct {
	UptimeSeconds float64                           `json:"uptime_seconds"`
	TotalCommands int64                             `json:"total_commands"`
	Throughput    float64                           `json:"ops_per_sec"`
	ActiveTimers  int                               `json:"active_timers"`
	Commands      map[string]CommandStats           `json:"commands"`
	Sweeper       SweeperStats                      `json:"sweeper"`
	TopRearmed    []KeyCount                        `json:"top_rearmed,omitempty"`
	History       map[string][]timeseries.DataPoint `json:"history,omitempty"`
}

// JSON encodes the report.
func (r Report) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Text renders the report in INFO style: "# Section" headers followed by
// key:value lines.
func (r Report) Text() string {
	var b strings.Builder

	b.WriteString("# Engine\r\n")
	fmt.Fprintf(&b, "uptime_seconds:%.0f\r\n", r.UptimeSeconds)
	fmt.Fprintf(&b, "active_timers:%d\r\n", r.ActiveTimers)
	fmt.Fprintf(&b, "total_commands:%d\r\n", r.TotalCommands)
	fmt.Fprintf(&b, "ops_per_sec:%.2f\r\n", r.Throughput)

	b.WriteString("\r\n# Sweeper\r\n")
	fmt.Fprintf(&b, "sweeper_state:%s\r\n", r.Sweeper.State)
	fmt.Fprintf(&b, "sweeps:%d\r\n", r.Sweeper.Sweeps)
	fmt.Fprintf(&b, "fired:%d\r\n", r.Sweeper.Fired)
	fmt.Fprintf(&b, "retries:%d\r\n", r.Sweeper.Retries)
	fmt.Fprintf(&b, "failures:%d\r\n", r.Sweeper.Failures)
	lag := r.Sweeper.LagMs
	fmt.Fprintf(&b, "lag_ms:min=%.0f,avg=%.2f,p50=%.0f,p99=%.0f,max=%.0f\r\n",
		lag.Min, lag.Avg, lag.P50, lag.P99, lag.Max)

	b.WriteString("\r\n# Commandstats\r\n")
	names := make([]string, 0, len(r.Commands))
	for name := range r.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := r.Commands[name]
		l := s.LatencyUs
		fmt.Fprintf(&b, "cmdstat_%s:calls=%d,errors=%d,usec_min=%.2f,usec_avg=%.2f,usec_p50=%.2f,usec_p99=%.2f,usec_max=%.2f\r\n",
			strings.ToLower(name), s.Calls, s.Errors, l.Min, l.Avg, l.P50, l.P99, l.Max)
	}

	if len(r.TopRearmed) > 0 {
		b.WriteString("\r\n# Rearmed\r\n")
		for i, kc := range r.TopRearmed {
			fmt.Fprintf(&b, "rearmed_%d:key=%s,count=%d\r\n", i, kc.Key, kc.Count)
		}
	}
	return b.String()
}

// ring is a fixed-size buffer of the most recent samples.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]float64, size)}
}

func (r *ring) add(v float64) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) summary() Summary {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if n == 0 {
		return Summary{}
	}
	sorted := make([]float64, n)
	copy(sorted, r.buf[:n])
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return Summary{
		Samples: n,
		Min:     sorted[0],
		Avg:     sum / float64(n),
		P50:     percentile(sorted, 0.50),
		P99:     percentile(sorted, 0.99),
		Max:     sorted[n-1],
	}
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
