package api

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type syncRequestMetrics struct {
	logger          *log.Logger
	route           string
	start           time.Time
	authDuration    time.Duration
	decodeDuration  time.Duration
	processDuration time.Duration
	mutations       int
	applied         int
	skipped         int
	rejected        int
	patchOps        int
	errorStage      string
}

func newSyncRequestMetrics(logger *log.Logger, route string) *syncRequestMetrics {
	return &syncRequestMetrics{logger: logger, route: route, start: time.Now()}
}

func (m *syncRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *syncRequestMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *syncRequestMetrics) ObserveProcess(d time.Duration) {
	if d > 0 {
		m.processDuration = d
	}
}

func (m *syncRequestMetrics) SetMutations(n int) { m.mutations = n }

func (m *syncRequestMetrics) SetOutcome(applied, skipped, rejected int) {
	m.applied = applied
	m.skipped = skipped
	m.rejected = rejected
}

func (m *syncRequestMetrics) SetPatchOps(n int) { m.patchOps = n }

func (m *syncRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *syncRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.decodeDuration > 0 {
		fields["decode_ms"] = durationToMillis(m.decodeDuration)
	}
	if m.processDuration > 0 {
		fields["process_ms"] = durationToMillis(m.processDuration)
	}
	if m.mutations > 0 {
		fields["mutations"] = m.mutations
		fields["applied"] = m.applied
		fields["skipped"] = m.skipped
		fields["rejected"] = m.rejected
	}
	if m.patchOps > 0 {
		fields["patch_ops"] = m.patchOps
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("sync.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
