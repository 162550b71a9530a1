// Package monitor inspects the SMPP send window for slots that never got a
// response, frees them, and triggers a session rebind when the saturation
// persists across inspections.
package monitor

import (
	"time"

	"go.uber.org/zap"

	"risk-sms/internal/latency"
	"risk-sms/internal/observability"
	"risk-sms/internal/smpp"
)

const (
	// historyMax is how many inspections the degradation history covers.
	historyMax = 10
	// minCriticalOccurrences is the number of critical inspections within
	// the history that triggers a rebind.
	minCriticalOccurrences = 5
	// saturationThreshold is the liberated-slots share of the window that
	// marks one inspection as critical.
	saturationThreshold = 0.5
)

// WindowMonitor frees stale window slots past a response-time threshold and
// keeps a circular history of critical inspections. State is touched only
// by the owning scheduler tick, never concurrently.
type WindowMonitor struct {
	logger    *zap.Logger
	service   string
	threshold time.Duration
	stats     *latency.Stats
	metrics   *observability.Metrics
	onRebind  func()

	criticalHistory [historyMax]bool
	totalCritical   int
	historyIndex    int
}

// New builds a monitor. stats, metrics and onRebind may be nil.
func New(logger *zap.Logger, service string, threshold time.Duration, stats *latency.Stats, metrics *observability.Metrics, onRebind func()) *WindowMonitor {
	return &WindowMonitor{
		logger:    logger,
		service:   service,
		threshold: threshold,
		stats:     stats,
		metrics:   metrics,
		onRebind:  onRebind,
	}
}

// InspectAndClean scans the session's in-flight window, cancels every slot
// older than the threshold, and evaluates persistent degradation.
func (m *WindowMonitor) InspectAndClean(session smpp.Session) {
	if session == nil {
		m.logger.Warn("sesión nula, no se puede inspeccionar la ventana")
		return
	}
	window := session.Window()
	if window == nil {
		m.logger.Warn("ventana nula, no se puede inspeccionar")
		return
	}

	snapshot := window.Snapshot()
	now := time.Now()
	liberated := 0

	for _, slot := range snapshot {
		if slot.Done {
			continue
		}
		elapsed := now.Sub(slot.OfferedAt)
		if elapsed <= m.threshold {
			continue
		}
		if err := window.Cancel(slot.Seq); err != nil {
			m.logger.Warn("[VENTANA RETENIDA] slot colgado no pudo ser liberado",
				zap.Uint32("seq", slot.Seq),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
		} else {
			liberated++
			m.logger.Warn("[VENTANA LIBERADA] slot sin respuesta liberado manualmente",
				zap.Uint32("seq", slot.Seq),
				zap.Duration("elapsed", elapsed))
		}
		if m.stats != nil {
			m.stats.RecordTimeout(elapsed)
		}
	}

	if liberated > 0 && m.metrics != nil {
		m.metrics.LiberatedSlotsTotal.WithLabelValues(m.service).Add(float64(liberated))
	}

	m.logger.Info("[WINDOW MONITOR] inspección de ventana",
		zap.Int("ocupados", len(snapshot)),
		zap.Int("liberados", liberated),
		zap.Duration("umbral", m.threshold))

	m.evaluateDegradation(window, liberated)
}

// evaluateDegradation shifts the circular history by one and fires the
// rebind callback once enough of the recent inspections were critical.
func (m *WindowMonitor) evaluateDegradation(window smpp.WindowView, liberated int) {
	saturated := float64(liberated) >= float64(window.MaxSize())*saturationThreshold

	wasCritical := m.criticalHistory[m.historyIndex]
	if saturated && !wasCritical {
		m.totalCritical++
	}
	if !saturated && wasCritical {
		m.totalCritical--
	}
	m.criticalHistory[m.historyIndex] = saturated
	m.historyIndex = (m.historyIndex + 1) % historyMax

	m.logger.Debug("[WINDOW MONITOR] historial crítico actualizado",
		zap.Int("ocurrencias", m.totalCritical),
		zap.Int("ventana_historial", historyMax))

	if m.totalCritical >= minCriticalOccurrences && m.onRebind != nil {
		m.logger.Warn("[WINDOW MONITOR] degradación persistente detectada, ejecutando rebind")
		if m.metrics != nil {
			m.metrics.RebindsTotal.WithLabelValues(m.service).Inc()
		}
		m.onRebind()

		m.criticalHistory = [historyMax]bool{}
		m.totalCritical = 0
		m.historyIndex = 0
	}
}
