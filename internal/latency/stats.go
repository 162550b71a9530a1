// Package latency accumulates submit/response round-trip times for one
// carrier session, reporting a summary line every fixed number of records.
package latency

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"risk-sms/internal/observability"
)

const defaultReportEvery = 100

type accumulator struct {
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

func (a *accumulator) record(d time.Duration) {
	if a.count == 0 || d < a.min {
		a.min = d
	}
	if a.count == 0 || d > a.max {
		a.max = d
	}
	a.count++
	a.sum += d
}

func (a *accumulator) avgMs() float64 {
	if a.count == 0 {
		return 0
	}
	return float64(a.sum.Milliseconds()) / float64(a.count)
}

// Stats tracks submit latencies for one service. It keeps an all-time
// accumulator and a rolling window that resets every reportEvery records,
// plus an independent timeout accumulator fed by the window monitor.
// Safe for concurrent use.
type Stats struct {
	logger      *zap.Logger
	service     string
	reportEvery int64
	metrics     *observability.Metrics

	mu           sync.Mutex
	total        accumulator
	window       accumulator
	timeoutCount int64
	timeoutSum   time.Duration
}

// Snapshot is a point-in-time copy of the counters, used for reporting and
// tests. Reads are best-effort monitoring, not billing.
type Snapshot struct {
	TotalCount   int64
	TotalAvgMs   float64
	TotalMin     time.Duration
	TotalMax     time.Duration
	WindowCount  int64
	TimeoutCount int64
	TimeoutSum   time.Duration
}

// New builds a Stats reporting every reportEvery successful records.
// metrics may be nil.
func New(logger *zap.Logger, service string, reportEvery int, metrics *observability.Metrics) *Stats {
	if reportEvery <= 0 {
		reportEvery = defaultReportEvery
	}
	return &Stats{
		logger:      logger,
		service:     service,
		reportEvery: int64(reportEvery),
		metrics:     metrics,
	}
}

// Record registers one submit/response round trip.
func (s *Stats) Record(d time.Duration) {
	if s.metrics != nil {
		s.metrics.SubmitLatency.WithLabelValues(s.service).Observe(d.Seconds())
	}

	s.mu.Lock()
	s.total.record(d)
	s.window.record(d)
	report := s.window.count%s.reportEvery == 0
	var total, window accumulator
	if report {
		total, window = s.total, s.window
		s.window = accumulator{}
	}
	s.mu.Unlock()

	if report {
		s.logger.Info("[LATENCIA SMPP] resumen de latencias",
			zap.Int64("total", total.count),
			zap.Float64("avg_ms", math.Round(total.avgMs()*100)/100),
			zap.Int64("min_ms", total.min.Milliseconds()),
			zap.Int64("max_ms", total.max.Milliseconds()),
			zap.Int64("ventana", window.count),
			zap.Float64("ventana_avg_ms", math.Round(window.avgMs()*100)/100),
		)
	}
}

// RecordTimeout registers the age of a window slot that never got its
// response and had to be cancelled.
func (s *Stats) RecordTimeout(d time.Duration) {
	if s.metrics != nil {
		s.metrics.SubmitTimeoutsTotal.WithLabelValues(s.service).Inc()
	}

	s.mu.Lock()
	s.timeoutCount++
	s.timeoutSum += d
	s.mu.Unlock()
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TotalCount:   s.total.count,
		TotalAvgMs:   s.total.avgMs(),
		TotalMin:     s.total.min,
		TotalMax:     s.total.max,
		WindowCount:  s.window.count,
		TimeoutCount: s.timeoutCount,
		TimeoutSum:   s.timeoutSum,
	}
}
