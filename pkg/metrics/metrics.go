package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lingtalk"

var (
	SttSessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stt",
		Name:      "sessions_created_total",
		Help:      "Realtime STT sessions dialed.",
	})

	SttPoolState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stt",
		Name:      "pool_state",
		Help:      "1 for the current connection pool state, 0 otherwise.",
	}, []string{"state"})

	SttPoolEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stt",
		Name:      "pool_evictions_total",
		Help:      "Pooled STT sessions closed by the idle watcher.",
	})

	TtsTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tts",
		Name:      "tasks_total",
		Help:      "TTS pipeline tasks by terminal status.",
	}, []string{"status"})

	TtsRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tts",
		Name:      "task_retries_total",
		Help:      "TTS attempt retries by failure kind.",
	}, []string{"reason"})

	TtsTaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tts",
		Name:      "task_duration_seconds",
		Help:      "Wall time from task start to terminal status.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
	})

	Turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "voicechat",
		Name:      "turns_total",
		Help:      "Voice chat turns by result.",
	}, []string{"result"})

	TurnDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "voicechat",
		Name:      "turn_duration_seconds",
		Help:      "Wall time of a full voice chat turn.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
	})
)

var registerOnce sync.Once

// Register adds every collector to reg. Only the first call has effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			SttSessionsCreated,
			SttPoolState,
			SttPoolEvictions,
			TtsTasks,
			TtsRetries,
			TtsTaskDuration,
			Turns,
			TurnDuration,
		)
	})
}

// SetPoolState marks state as the only active pool state.
func SetPoolState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SttPoolState.WithLabelValues(s).Set(v)
	}
}
