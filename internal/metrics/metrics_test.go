package metrics

import (
	"encoding/json"
	"errors"
	"expvar"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfiler_ObserveCommand(t *testing.T) {
	p := New(16)
	p.ObserveCommand("rexpire", 10*time.Microsecond, nil)
	p.ObserveCommand("REXPIRE", 30*time.Microsecond, nil)
	p.ObserveCommand("rttl", 5*time.Microsecond, errors.New("boom"))

	rep := p.Report()
	assert.Equal(t, int64(3), rep.TotalCommands)
	require.Contains(t, rep.Commands, "REXPIRE")

	exp := rep.Commands["REXPIRE"]
	assert.Equal(t, int64(2), exp.Calls)
	assert.Equal(t, int64(0), exp.Errors)
	assert.Equal(t, 2, exp.LatencyUs.Samples)
	assert.InDelta(t, 10, exp.LatencyUs.Min, 0.001)
	assert.InDelta(t, 20, exp.LatencyUs.Avg, 0.001)
	assert.InDelta(t, 30, exp.LatencyUs.Max, 0.001)

	assert.Equal(t, int64(1), rep.Commands["RTTL"].Errors)
	assert.Greater(t, rep.Throughput, 0.0)
}

func TestProfiler_Sweeper(t *testing.T) {
	p := New(16)
	p.ObserveSweep([]int64{0, 1, 2})
	p.ObserveSweep([]int64{4})
	p.ObserveRetry(2)

	rep := p.Report()
	assert.Equal(t, int64(2), rep.Sweeper.Sweeps)
	assert.Equal(t, int64(4), rep.Sweeper.Fired)
	assert.Equal(t, int64(1), rep.Sweeper.Retries)
	assert.Equal(t, int64(2), rep.Sweeper.Failures)
	assert.Equal(t, 4, rep.Sweeper.LagMs.Samples)
	assert.Equal(t, 4.0, rep.Sweeper.LagMs.Max)
	assert.Equal(t, 1.0, rep.Sweeper.LagMs.P50)
}

func TestRing_KeepsMostRecent(t *testing.T) {
	r := newRing(4)
	for i := 1; i <= 10; i++ {
		r.add(float64(i))
	}
	s := r.summary()
	assert.Equal(t, 4, s.Samples)
	assert.Equal(t, 7.0, s.Min)
	assert.Equal(t, 10.0, s.Max)
	assert.Equal(t, 10.0, s.P99)
	assert.Equal(t, Summary{}, newRing(4).summary())
}

func TestReport_Text(t *testing.T) {
	p := New(8)
	p.ObserveCommand("RSETEX", time.Microsecond, nil)
	rep := p.Report()
	rep.ActiveTimers = 7
	rep.Sweeper.State = "idle"
	rep.TopRearmed = []KeyCount{{Key: "hot", Count: 3}}

	text := rep.Text()
	assert.Contains(t, text, "# Engine\r\n")
	assert.Contains(t, text, "active_timers:7\r\n")
	assert.Contains(t, text, "sweeper_state:idle\r\n")
	assert.Contains(t, text, "cmdstat_rsetex:calls=1,errors=0,")
	assert.Contains(t, text, "rearmed_0:key=hot,count=3\r\n")
}

func TestReport_JSON(t *testing.T) {
	rep := New(8).Report()
	rep.ActiveTimers = 2
	data, err := rep.JSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 2.0, decoded["active_timers"])
	assert.Contains(t, decoded, "sweeper")
}

func TestProfiler_Publish(t *testing.T) {
	p := New(8)
	assert.True(t, p.Publish("rtexp_test_profiler"))
	assert.False(t, p.Publish("rtexp_test_profiler"))
	assert.NotNil(t, expvar.Get("rtexp_test_profiler"))
}
