package ota

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestRecordEventMetric(t *testing.T) {
	// Reset metrics for testing
	eventsTotal.Reset()

	recordEventMetric("snapshot", "ok")
	recordEventMetric("snapshot", "ok")
	recordEventMetric("status", "ignored")

	counter, err := eventsTotal.GetMetricWithLabelValues("snapshot", "ok")
	assert.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(counter))

	ignored, err := eventsTotal.GetMetricWithLabelValues("status", "ignored")
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(ignored))
}

func TestRecordAttemptMetric(t *testing.T) {
	attemptsTotal.Reset()
	attemptDuration.Reset()

	recordAttemptMetric(StateSucceeded, 600)
	recordAttemptMetric(StateStalled, 0)

	counter, err := attemptsTotal.GetMetricWithLabelValues("succeeded")
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(counter))

	// Only the succeeded attempt has a duration sample.
	assert.Equal(t, 1, testutil.CollectAndCount(attemptDuration))
}

func TestRecordCommandMetric(t *testing.T) {
	commandsTotal.Reset()

	recordCommandMetric("update", nil)
	recordCommandMetric("update", errPublish)
	recordCommandMetric("check", nil)

	ok, err := commandsTotal.GetMetricWithLabelValues("update", "ok")
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(ok))

	failed, err := commandsTotal.GetMetricWithLabelValues("update", "error")
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(failed))
}

func TestRecordFleetMetric(t *testing.T) {
	devicesByState.Reset()

	recordFleetMetric(map[State]int{StateIdle: 4, StateQueued: 2}, 2, 1)

	idle, err := devicesByState.GetMetricWithLabelValues("idle")
	assert.NoError(t, err)
	assert.Equal(t, float64(4), testutil.ToFloat64(idle))

	failed, err := devicesByState.GetMetricWithLabelValues("failed")
	assert.NoError(t, err)
	assert.Equal(t, float64(0), testutil.ToFloat64(failed))

	assert.Equal(t, float64(2), testutil.ToFloat64(queueLength))
	assert.Equal(t, float64(1), testutil.ToFloat64(updatingDevices))
}

func TestOrchestratorMetrics(t *testing.T) {
	eventsTotal.Reset()
	attemptsTotal.Reset()
	commandsTotal.Reset()
	retriesExhaustedBefore := testutil.ToFloat64(retriesExhaustedTotal)

	cfg := testConfig()
	cfg.MaxRetries = 0
	o, err := New(cfg, &recordingCommander{}, Options{
		Clock:         testingclock.NewFakeClock(epoch),
		EnableMetrics: true,
	})
	require.NoError(t, err)
	defer o.Shutdown()

	ctx := context.Background()
	require.NoError(t, o.Handle(ctx, snapshot(entry("A", ReportedAvailable), entry("B", ReportedAvailable))))
	require.NoError(t, o.Handle(ctx, Completion{Device: "A", Success: true}))
	require.NoError(t, o.Handle(ctx, Completion{Device: "B", Success: false}))
	assert.ErrorIs(t, o.Handle(ctx, Completion{Device: "ghost"}), ErrUnknownDevice)

	started, err := commandsTotal.GetMetricWithLabelValues("update", "ok")
	assert.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(started))

	succeeded, err := attemptsTotal.GetMetricWithLabelValues("succeeded")
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(succeeded))

	failed, err := attemptsTotal.GetMetricWithLabelValues("failed")
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(failed))

	assert.Equal(t, retriesExhaustedBefore+1, testutil.ToFloat64(retriesExhaustedTotal))

	ignored, err := eventsTotal.GetMetricWithLabelValues("completion", "ignored")
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(ignored))

	failedGauge, err := devicesByState.GetMetricWithLabelValues("failed")
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(failedGauge))
}

func TestOrchestratorMetrics_Disabled(t *testing.T) {
	commandsTotal.Reset()

	h := newHarness(t, testConfig())
	h.handle(t, snapshot(entry("A", ReportedAvailable)))

	assert.Equal(t, 0, testutil.CollectAndCount(commandsTotal))
}
