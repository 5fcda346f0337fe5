package transport

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// sessionMetrics accumulates per-connection counters and emits one structured
// line when the session ends.
type sessionMetrics struct {
	logger       *log.Logger
	start        time.Time
	dialDuration time.Duration
	identity     string
	framesIn     atomic.Int64
	framesOut    atomic.Int64
}

func newSessionMetrics(logger *log.Logger) *sessionMetrics {
	return &sessionMetrics{logger: logger, start: time.Now()}
}

func (m *sessionMetrics) ObserveDial(d time.Duration) {
	if d <= 0 {
		return
	}
	m.dialDuration = d
}

func (m *sessionMetrics) SetIdentity(id string) {
	m.identity = id
}

func (m *sessionMetrics) AddFrameIn() {
	if m == nil {
		return
	}
	m.framesIn.Add(1)
}

func (m *sessionMetrics) AddFrameOut() {
	if m == nil {
		return
	}
	m.framesOut.Add(1)
}

func (m *sessionMetrics) Log(reason string, err error) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"identity":   m.identity,
		"uptime_ms":  durationToMillis(time.Since(m.start)),
		"frames_in":  m.framesIn.Load(),
		"frames_out": m.framesOut.Load(),
		"reason":     reason,
	}
	if m.dialDuration > 0 {
		fields["dial_ms"] = durationToMillis(m.dialDuration)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("transport.session.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
