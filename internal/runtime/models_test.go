package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/jsoncodec"
)

func TestModuleStatsCollectsInvocations(t *testing.T) {
	stats := newModuleStats("test")

	stats.onInvokeStart()
	stats.onInvokeStart()
	stats.onInvokeFinish("HandleTrusted", 2*time.Millisecond, nil, nil)
	stats.onInvokeFinish("GetInfo", 4*time.Millisecond, fmt.Errorf("wrapped: %w", errspkg.ErrCallTimeout), nil)

	stats.mu.Lock()
	defer stats.mu.Unlock()

	assert.Equal(t, uint64(2), stats.Invocations)
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, uint64(2), stats.Concurrency.MaxInFlight)
	assert.Zero(t, stats.Concurrency.InFlight)
	assert.Equal(t, map[string]uint64{"HandleTrusted": 1, "GetInfo": 1}, stats.RequestTypes)
	assert.Equal(t, uint64(1), stats.Errors.Timeout)
	assert.Contains(t, stats.Errors.LastError, "timed out")
	assert.Equal(t, 2, stats.Latency.SampleSize)
	assert.Equal(t, int64(3*time.Millisecond), stats.Latency.AverageNs)
	assert.Equal(t, uint64(2), stats.Throughput.InWindow)
	assert.False(t, stats.LastInvokedAt.IsZero())
}

func TestModuleStatsMarshalJSON(t *testing.T) {
	stats := newModuleStats("test")
	stats.onInvokeStart()
	stats.onInvokeFinish("HandleTrusted", time.Millisecond, nil, nil)

	data, err := jsoncodec.Marshal(stats)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, jsoncodec.Unmarshal(data, &decoded))
	assert.EqualValues(t, 1, decoded["invocations"])
	assert.Contains(t, decoded, "latency")
	assert.NotContains(t, decoded, "schema")
}

func TestDefaultErrorClassifier(t *testing.T) {
	cases := map[ErrorCategory]error{
		ErrorCategoryNone:        nil,
		ErrorCategoryDecode:      fmt.Errorf("x: %w", errspkg.ErrDecode),
		ErrorCategoryTimeout:     context.DeadlineExceeded,
		ErrorCategoryRequest:     errspkg.ErrUnknownMethod,
		ErrorCategoryUnavailable: errspkg.ErrModuleClosed,
		ErrorCategoryModule:      errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, defaultErrorClassifier(err), "error %v", err)
	}
}

func TestModuleStatsSetReusesEntries(t *testing.T) {
	set := newModuleStatsSet()
	a := set.get("test")
	assert.Same(t, a, set.get("test"))

	_, ok := set.lookup("other")
	assert.False(t, ok)
	got, ok := set.lookup("test")
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40}
	assert.Equal(t, int64(10), percentile(samples, 0))
	assert.Equal(t, int64(40), percentile(samples, 1))
	assert.Equal(t, int64(25), percentile(samples, 0.5))
	assert.Zero(t, percentile(nil, 0.5))
}
