package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetPoolState(t *testing.T) {
	all := []string{"idle", "connecting", "ready", "error"}
	SetPoolState("ready", all)

	assert.Equal(t, 1.0, testutil.ToFloat64(SttPoolState.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(SttPoolState.WithLabelValues("idle")))

	SetPoolState("idle", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(SttPoolState.WithLabelValues("ready")))
}

func TestRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() {
		Register(reg)
		Register(reg)
	})
	TtsTasks.WithLabelValues("completed").Inc()
	n, err := testutil.GatherAndCount(reg, "lingtalk_tts_tasks_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
