package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mesh/internal/program"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func sig(t *testing.T, kind string, attr int) program.Signature {
	t.Helper()
	s, err := program.NewSignature(kind, map[string]int{"attr": attr}, nil)
	require.NoError(t, err)
	return s
}

func builder(s program.Signature, name string, calls *atomic.Int32) BuildFunc {
	return func(context.Context) (*program.Program, error) {
		calls.Add(1)
		return program.NewBuilder(name, s).
			Kernel(program.Kernel{Name: "k", Run: func(*program.Env) {}}).
			Expect(program.Expectations{NumChips: 1}).
			Build()
	}
}

func TestProgramCache_HitAfterMiss(t *testing.T) {
	c := New()
	s := sig(t, "cache_hit_test", 1)
	var calls atomic.Int32

	startHits := getMetricValue(HitCounter("cache_hit_test"))
	startMisses := getMetricValue(MissCounter("cache_hit_test"))

	p1, hit, err := c.GetOrBuild(context.Background(), s, builder(s, "first", &calls))
	require.NoError(t, err)
	assert.False(t, hit)

	p2, hit, err := c.GetOrBuild(context.Background(), s, builder(s, "second", &calls))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, p1, p2)
	assert.Equal(t, "first", p2.Name())
	assert.Equal(t, int32(1), calls.Load())

	assert.Equal(t, 1.0, getMetricValue(MissCounter("cache_hit_test"))-startMisses)
	assert.Equal(t, 1.0, getMetricValue(HitCounter("cache_hit_test"))-startHits)

	got, ok := c.Lookup(s)
	assert.True(t, ok)
	assert.Same(t, p1, got)
}

func TestProgramCache_EntriesAreIndependent(t *testing.T) {
	c := New()
	s1, s2 := sig(t, "indep", 1), sig(t, "indep", 2)
	var calls atomic.Int32

	p1, _, err := c.GetOrBuild(context.Background(), s1, builder(s1, "one", &calls))
	require.NoError(t, err)
	p2, hit, err := c.GetOrBuild(context.Background(), s2, builder(s2, "two", &calls))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NotSame(t, p1, p2)

	again, hit, err := c.GetOrBuild(context.Background(), s1, builder(s1, "other", &calls))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, p1, again)
	assert.Equal(t, "one", again.Name())
	assert.Equal(t, 2, c.Len())
}

func TestProgramCache_ConcurrentBuildersShareOneBuild(t *testing.T) {
	c := New()
	s := sig(t, "concurrent", 1)

	var calls atomic.Int32
	gate := make(chan struct{})
	slow := func(ctx context.Context) (*program.Program, error) {
		<-gate
		return builder(s, "slow", &calls)(ctx)
	}

	const n = 32
	var (
		wg    sync.WaitGroup
		progs [n]*program.Program
		hits  atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, hit, err := c.GetOrBuild(context.Background(), s, slow)
			assert.NoError(t, err)
			if hit {
				hits.Add(1)
			}
			progs[i] = p
		}(i)
	}
	// Let the callers pile up on the building entry.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(n-1), hits.Load())
	for _, p := range progs {
		assert.Same(t, progs[0], p)
	}
}

func TestProgramCache_FailedBuildNotRetained(t *testing.T) {
	c := New()
	s := sig(t, "failing", 1)
	boom := errors.New("bad shapes")

	_, _, err := c.GetOrBuild(context.Background(), s, func(context.Context) (*program.Program, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	var calls atomic.Int32
	_, hit, err := c.GetOrBuild(context.Background(), s, builder(s, "retry", &calls))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProgramCache_PanickingBuilder(t *testing.T) {
	c := New()
	s := sig(t, "panicking", 1)

	_, _, err := c.GetOrBuild(context.Background(), s, func(context.Context) (*program.Program, error) {
		panic("factory bug")
	})
	var bp *BuildPanic
	require.ErrorAs(t, err, &bp)
	assert.Contains(t, err.Error(), "factory bug")

	_, _, err = c.GetOrBuild(context.Background(), s, func(context.Context) (*program.Program, error) {
		return nil, nil
	})
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, 0, c.Len())
}

func TestProgramCache_WaiterHonoursContext(t *testing.T) {
	c := New()
	s := sig(t, "waiter", 1)
	gate := make(chan struct{})
	var calls atomic.Int32

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = c.GetOrBuild(context.Background(), s, func(ctx context.Context) (*program.Program, error) {
			<-gate
			return builder(s, "gated", &calls)(ctx)
		})
	}()
	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := c.GetOrBuild(ctx, s, builder(s, "never", &calls))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	<-done
	assert.Equal(t, int32(1), calls.Load())
}

func TestProgramCache_Clear(t *testing.T) {
	c := New()
	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		s := sig(t, "clear", i)
		_, _, err := c.GetOrBuild(context.Background(), s, builder(s, "p", &calls))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.Len())
	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Lookup(sig(t, "clear", 0))
	assert.False(t, ok)
}
