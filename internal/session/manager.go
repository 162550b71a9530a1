// Package session owns the SMPP session lifecycle for one carrier service:
// bind, the periodic window monitor, guarded shutdown, and automated rebind
// with bounded retry.
package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"risk-sms/internal/latency"
	"risk-sms/internal/monitor"
	"risk-sms/internal/observability"
	"risk-sms/internal/smpp"
)

const (
	windowThreshold   = 30 * time.Second
	unbindWait        = 5 * time.Second
	rebindMaxAttempts = 5
)

// Pauses are variables so tests can shrink them.
var (
	monitorInitialDelay = 15 * time.Second
	monitorPeriod       = 30 * time.Second
	rebindPause         = 15 * time.Second
	rebindRetryPause    = 2 * time.Second
)

// BindParams is everything needed to (re)establish a bound session.
type BindParams struct {
	Service    string
	Store      ReceivedStore
	Host       string
	Port       int
	SystemID   string
	Password   string
	WindowSize int
	Stats      *latency.Stats
}

// Manager owns at most one bound session and at most one monitor task at a
// time. Senders must obtain the session through the Session provider on
// every submit, never hold one.
type Manager struct {
	logger        *zap.Logger
	metrics       *observability.Metrics
	clientFactory func() smpp.Client

	mu      sync.Mutex
	client  smpp.Client
	session smpp.Session
	params  BindParams // memoized by Bind for Rebind

	monitorStop chan struct{}

	rebindMu sync.Mutex
	stopping chan struct{}
}

// NewManager builds a manager. metrics may be nil.
func NewManager(logger *zap.Logger, metrics *observability.Metrics) *Manager {
	m := &Manager{
		logger:   logger,
		metrics:  metrics,
		stopping: make(chan struct{}),
	}
	m.clientFactory = func() smpp.Client { return smpp.NewClient(logger) }
	return m
}

// SetClientFactory replaces the SMPP client constructor. Tests inject fakes
// through it.
func (m *Manager) SetClientFactory(f func() smpp.Client) { m.clientFactory = f }

// Session returns the currently bound session, or nil. This is the provider
// the sender calls on every submit, so a rebind atomically retargets
// subsequent traffic.
func (m *Manager) Session() smpp.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Bind establishes a transceiver session, installs a fresh inbound handler,
// and starts the window monitor. The parameters are memoized for Rebind.
func (m *Manager) Bind(p BindParams) (smpp.Session, error) {
	logger := observability.ForService(m.logger, p.Service)

	handler := NewInboundHandler(m.logger, p.Service, p.Store)
	client := m.clientFactory()

	cfg := smpp.SessionConfig{
		Name:             fmt.Sprintf("SMPP-RiskSession-%s", p.SystemID),
		Host:             p.Host,
		Port:             p.Port,
		SystemID:         p.SystemID,
		Password:         p.Password,
		InterfaceVersion: smpp.InterfaceVersion34,
		WindowSize:       p.WindowSize,
		LogBytes:         true,
	}

	sess, err := client.Bind(cfg, handler)
	if err != nil {
		client.Destroy()
		return nil, fmt.Errorf("bind %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	m.client = client
	m.session = sess
	m.params = p
	m.mu.Unlock()

	mon := monitor.New(logger, p.Service, windowThreshold, p.Stats, m.metrics, m.Rebind)
	m.startMonitor(mon)

	logger.Info("sesión SMPP enlazada",
		zap.String("session", cfg.Name),
		zap.Int("window_size", p.WindowSize))
	return sess, nil
}

// startMonitor launches the periodic inspection task, replacing any
// previous one so the manager never runs two.
func (m *Manager) startMonitor(mon *monitor.WindowMonitor) {
	m.stopMonitor()

	stop := make(chan struct{})
	m.mu.Lock()
	m.monitorStop = stop
	m.mu.Unlock()

	go func() {
		initial := time.NewTimer(monitorInitialDelay)
		defer initial.Stop()
		select {
		case <-initial.C:
		case <-stop:
			return
		}

		ticker := time.NewTicker(monitorPeriod)
		defer ticker.Stop()
		for {
			mon.InspectAndClean(m.Session())
			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()
}

// stopMonitor cancels the inspection task. It never waits for the task to
// observe the cancellation: the rebind callback runs on the monitor
// goroutine itself, and waiting there would deadlock. Cancellation is
// observable within one period.
func (m *Manager) stopMonitor() {
	m.mu.Lock()
	stop := m.monitorStop
	m.monitorStop = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

// Shutdown tears the session down: monitor stop, unbind with a bounded
// wait while still bound, close, client destroy. Each step is guarded
// independently so a failure in one never prevents the next. force only
// concerns the monitor task, which is cancelled without waiting either
// way; a bound session always gets the unbind handshake.
func (m *Manager) Shutdown(force bool) {
	m.stopMonitor()

	m.mu.Lock()
	sess, client := m.session, m.client
	m.session, m.client = nil, nil
	m.mu.Unlock()

	if sess != nil && sess.Bound() {
		if err := sess.Unbind(unbindWait); err != nil {
			m.logger.Warn("unbind falló", zap.Error(err))
		}
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			m.logger.Warn("cierre de sesión falló", zap.Error(err))
		}
	}
	if client != nil {
		client.Destroy()
	}
}

// Stop signals permanent shutdown: any in-flight rebind wraps up early.
func (m *Manager) Stop() {
	select {
	case <-m.stopping:
	default:
		close(m.stopping)
	}
	m.Shutdown(true)
}

// Rebind re-establishes the session with the memoized bind parameters, up
// to rebindMaxAttempts times. It never returns an error: the monitor that
// triggers it has nothing to do with one.
func (m *Manager) Rebind() {
	m.rebindMu.Lock()
	defer m.rebindMu.Unlock()

	m.mu.Lock()
	p := m.params
	m.mu.Unlock()
	logger := observability.ForService(m.logger, p.Service)

	for attempt := 1; attempt <= rebindMaxAttempts; attempt++ {
		logger.Warn("reintentando enlace de sesión SMPP",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", rebindMaxAttempts))

		m.Shutdown(false)

		// Let the carrier settle before binding again. A shutdown signal
		// cuts the pause short: skip to the next attempt, or proceed
		// directly when this is the last one.
		pause := time.NewTimer(rebindPause)
		interrupted := false
		select {
		case <-pause.C:
		case <-m.stopping:
			interrupted = true
		}
		pause.Stop()
		if interrupted && attempt < rebindMaxAttempts {
			continue
		}

		if _, err := m.Bind(p); err == nil {
			logger.Info("rebind exitoso", zap.Int("attempt", attempt))
			return
		} else {
			logger.Error("intento de rebind falló",
				zap.Int("attempt", attempt), zap.Error(err))
		}

		if attempt < rebindMaxAttempts {
			time.Sleep(rebindRetryPause)
		}
	}
	logger.Error("rebind agotó los intentos, la sesión queda sin enlazar",
		zap.Int("max_attempts", rebindMaxAttempts))
}
