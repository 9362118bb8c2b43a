package villenauth

import "sync/atomic"

type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginLockedOut
	MetricLockoutEngaged
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricLogout
	MetricLogoutAll
	MetricCodeRequest
	MetricCodeVerifySuccess
	MetricCodeVerifyFailure
	MetricCodeAttemptsExceeded
	MetricCodeRequestThrottled
	MetricRegistrationComplete
	MetricRegistrationDuplicate
	MetricPasswordResetConfirm
	MetricPasswordChange
	MetricAccountStatusChange
	MetricRoleChange
	MetricUploadAccepted
	MetricUploadRejected
	MetricCSRFRejected
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of in-process counters. Counters are padded to
// avoid false sharing on hot paths.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}

	s := MetricsSnapshot{
		Counters: make(map[MetricID]uint64, int(metricIDCount)),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	return s
}
