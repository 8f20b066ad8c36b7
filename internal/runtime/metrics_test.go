package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatheredValue returns the counter or gauge value of the sample of name whose
// labels include every pair in labels.
func gatheredValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, m := range mf.GetMetric() {
			have := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue samples
				}
			}
			return m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestMetrics_ObserveInvocation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.ObserveInvocation("test", "HandleTrusted", time.Millisecond, nil)
	m.ObserveInvocation("test", "HandleTrusted", time.Millisecond, nil)
	m.ObserveInvocation("test", "HandleTrusted", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, gatheredValue(t, reg, "protocols_module_invocations_total", map[string]string{"schema": "test", "outcome": "ok"}))
	assert.Equal(t, 1.0, gatheredValue(t, reg, "protocols_module_invocations_total", map[string]string{"schema": "test", "outcome": "error"}))
}

func TestMetrics_Cascade(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordCascade(CascadeEnqueued)
	m.RecordCascade(CascadeDropped)
	m.RecordCascade(CascadeDropped)
	m.SetCascadePending(3)
	m.SetModulesLoaded(2)

	assert.Equal(t, 1.0, gatheredValue(t, reg, "protocols_cascade_messages_total", map[string]string{"outcome": CascadeEnqueued}))
	assert.Equal(t, 2.0, gatheredValue(t, reg, "protocols_cascade_messages_total", map[string]string{"outcome": CascadeDropped}))
	assert.Equal(t, 3.0, gatheredValue(t, reg, "protocols_cascade_pending", nil))
	assert.Equal(t, 2.0, gatheredValue(t, reg, "protocols_module_loaded", nil))
}

func TestMetrics_Reset(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordCascade(CascadeFailed)
	m.SetCascadePending(5)
	m.Reset()

	assert.Zero(t, gatheredValue(t, reg, "protocols_cascade_messages_total", map[string]string{"outcome": CascadeFailed}))
	assert.Zero(t, gatheredValue(t, reg, "protocols_cascade_pending", nil))
}

func TestMetrics_Register_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// A second collector set on the same registry is tolerated.
	require.NoError(t, NewMetrics(reg).Register())
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveInvocation("test", "GetInfo", time.Second, nil)
		m.RecordCascade(CascadeProcessed)
		m.SetCascadePending(1)
		m.SetModulesLoaded(1)
	})
}

func TestMetrics_NilRegisterer(t *testing.T) {
	m := NewMetrics(nil)
	assert.NotNil(t, m)
}
