// Package sender dispatches claimed batches over the bound SMPP session.
// It owns a fixed worker pool, a single pacing scheduler for the spaced
// modes, and the per-outcome persistence rules.
package sender

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"risk-sms/internal/latency"
	"risk-sms/internal/messages"
	"risk-sms/internal/observability"
	"risk-sms/internal/smpp"
)

const (
	defaultWorkers = 50
	taskQueueSize  = 512
	jobQueueSize   = 16
	submitTimeout  = 3 * time.Second
	defaultDelay   = 500 * time.Millisecond
	shutdownGrace  = 5 * time.Second
)

// Synthetic response codes for outcomes the carrier never saw.
const (
	codeSessionUnavailable = 999998
	codeException          = 999999
)

// retryableStatuses keeps a message in PENDING_SEND. Every other non-OK
// command status retires it.
var retryableStatuses = map[int]bool{
	smpp.StatusLocalError: true,
	smpp.StatusSysErr:     true,
	smpp.StatusMsgQFull:   true,
	smpp.StatusThrottled:  true,
}

// StatusStore persists per-message send outcomes and releases claims that
// produced none.
type StatusStore interface {
	UpdateMessageStatus(ctx context.Context, id int64, status messages.Status, responseCode *int, responseText, externalID *string)
	ReleaseClaims(ctx context.Context, ids []int64)
}

// SessionProvider returns the currently bound session, or nil. The sender
// calls it on every submit so a rebind retargets in-flight batches.
type SessionProvider func() smpp.Session

// taskContext travels with every pooled task so worker logs stay routable
// by service and batch.
type taskContext struct {
	service   string
	counter   int
	messageID int64
}

func (tc taskContext) fields() []zap.Field {
	return []zap.Field{
		zap.String("service", tc.service),
		zap.Int("contador", tc.counter),
		zap.Int64("id_mensaje", tc.messageID),
	}
}

type task struct {
	tc taskContext
	fn func(logger *zap.Logger)
}

// Sender runs the four batch send strategies over a shared worker pool.
type Sender struct {
	logger  *zap.Logger
	service string
	store   StatusStore
	session SessionProvider
	stats   *latency.Stats
	metrics *observability.Metrics

	tasks chan task
	jobs  chan func()
	wg    sync.WaitGroup

	// done is closed on Shutdown. Every channel send selects against it,
	// so no goroutine ever blocks on a queue while the sender drains.
	done   chan struct{}
	closed atomic.Bool
}

// New builds a sender and starts its workers. workers <= 0 selects the
// default pool size. stats and metrics may be nil.
func New(logger *zap.Logger, service string, store StatusStore, session SessionProvider, stats *latency.Stats, metrics *observability.Metrics, workers int) *Sender {
	if workers <= 0 {
		workers = defaultWorkers
	}
	s := &Sender{
		logger:  observability.ForService(logger, service),
		service: service,
		store:   store,
		session: session,
		stats:   stats,
		metrics: metrics,
		tasks:   make(chan task, taskQueueSize),
		jobs:    make(chan func(), jobQueueSize),
		done:    make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.scheduler()
	return s
}

// Send dispatches the batch with the configured strategy. Unrecognized
// modes fall back to the blocking sequential strategy. delayMs <= 0 uses
// the 500 ms default.
func (s *Sender) Send(mode messages.SendMode, batch []messages.SmsMessage, delayMs int, counter int) {
	if len(batch) == 0 {
		return
	}
	if s.isClosed() {
		s.logger.Warn("lote rechazado, el sender está apagado",
			zap.Int("mensajes", len(batch)))
		s.releaseClaims(batch)
		return
	}

	delay := time.Duration(delayMs) * time.Millisecond
	if delayMs <= 0 {
		delay = defaultDelay
	}

	switch mode {
	case messages.ModeParallel:
		s.sendParallel(batch, counter)
	case messages.ModeParallelSpaced:
		s.sendParallelSpaced(batch, delay, counter)
	case messages.ModeSequentialSpaced:
		s.sendSequential(batch, delay, counter)
	case messages.ModeSequentialSpacedAsync:
		s.sendSequentialAsync(batch, delay, counter)
	default:
		s.logger.Warn("modo de envío desconocido, usando secuencial espaciado",
			zap.String("modo", string(mode)))
		s.sendSequential(batch, delay, counter)
	}
}

// sendParallel submits every message as an independent pool task.
func (s *Sender) sendParallel(batch []messages.SmsMessage, counter int) {
	for i, msg := range batch {
		msg := msg
		ok := s.submitTask(task{
			tc: taskContext{service: s.service, counter: counter, messageID: msg.ID},
			fn: func(logger *zap.Logger) { s.sendMessage(logger, msg) },
		})
		if !ok {
			s.releaseClaims(batch[i:])
			return
		}
	}
}

// sendParallelSpaced runs one pacing job on the scheduler that feeds the
// pool one message per delay tick.
func (s *Sender) sendParallelSpaced(batch []messages.SmsMessage, delay time.Duration, counter int) {
	ok := s.submitJob(func() {
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for i, msg := range batch {
			msg := msg
			ok := s.submitTask(task{
				tc: taskContext{service: s.service, counter: counter, messageID: msg.ID},
				fn: func(logger *zap.Logger) { s.sendMessage(logger, msg) },
			})
			if !ok {
				s.releaseClaims(batch[i:])
				return
			}
			select {
			case <-ticker.C:
			case <-s.done:
				s.releaseClaims(batch[i+1:])
				return
			}
		}
	})
	if !ok {
		s.releaseClaims(batch)
	}
}

// sendSequential blocks the caller: one message at a time, a pause after
// each submit.
func (s *Sender) sendSequential(batch []messages.SmsMessage, delay time.Duration, counter int) {
	for i, msg := range batch {
		if s.isClosed() {
			s.releaseClaims(batch[i:])
			return
		}
		tc := taskContext{service: s.service, counter: counter, messageID: msg.ID}
		s.sendMessage(s.logger.With(tc.fields()...), msg)
		time.Sleep(delay)
	}
}

// sendSequentialAsync runs the blocking sequential strategy as one pool
// task and returns immediately.
func (s *Sender) sendSequentialAsync(batch []messages.SmsMessage, delay time.Duration, counter int) {
	ok := s.submitTask(task{
		tc: taskContext{service: s.service, counter: counter},
		fn: func(logger *zap.Logger) {
			s.sendSequential(batch, delay, counter)
			logger.Info("lote secuencial asíncrono completado",
				zap.Int("mensajes", len(batch)))
		},
	})
	if !ok {
		s.releaseClaims(batch)
	}
}

// sendMessage encodes, segments, and submits one message, applying the
// persistence rules: SENT only from the last part, failure disposition
// only from the first. A message that ends up with no outcome update has
// its claim released so the next poll sees it again.
func (s *Sender) sendMessage(logger *zap.Logger, msg messages.SmsMessage) {
	segments := splitSegments(msg.Text, newRefNum())

	updated := false
	defer func() {
		if !updated {
			s.store.ReleaseClaims(context.Background(), []int64{msg.ID})
		}
	}()

	for _, seg := range segments {
		sess := s.session()
		if sess == nil || !sess.Bound() {
			logger.Warn("sesión no disponible, envío pospuesto",
				zap.Int("parte", seg.Part))
			if seg.Part == 1 {
				s.updateStatus(msg.ID, messages.StatusPending,
					intRef(codeSessionUnavailable), strRef("Sesión no disponible"), nil)
				updated = true
			}
			return
		}

		pdu := &smpp.SubmitSm{
			Source:       smpp.Address{TON: 0x01, NPI: 0x01, Addr: msg.Source},
			Dest:         smpp.Address{TON: 0x01, NPI: 0x01, Addr: msg.Destination},
			EsmClass:     seg.EsmClass,
			RegisteredDL: 0x01,
			DataCoding:   0x00,
			ShortMessage: seg.Payload,
		}

		start := time.Now()
		resp, err := sess.Submit(pdu, submitTimeout)
		elapsed := time.Since(start)
		// Stats sinks into the prometheus histogram as well.
		if s.stats != nil {
			s.stats.Record(elapsed)
		}

		if err != nil {
			logger.Error("submit falló",
				zap.Int("parte", seg.Part),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
			s.updateStatus(msg.ID, messages.StatusPending,
				intRef(codeException), strRef(fmt.Sprintf("Excepción: %v", err)), nil)
			updated = true
			return
		}

		if resp.CommandStatus == smpp.StatusOK {
			if seg.Part == seg.Total {
				s.updateStatus(msg.ID, messages.StatusSent,
					intRef(resp.CommandStatus), strRef(resp.ResultMessage()), strRef(resp.MessageID))
				updated = true
				logger.Info("mensaje enviado",
					zap.String("id_externo", resp.MessageID),
					zap.Int("partes", seg.Total),
					zap.Duration("elapsed", elapsed))
			}
			continue
		}

		logger.Warn("submit rechazado por la telefonía",
			zap.Int("parte", seg.Part),
			zap.Int("command_status", resp.CommandStatus))
		if seg.Part == 1 {
			status := messages.StatusError
			if retryableStatuses[resp.CommandStatus] {
				status = messages.StatusPending
			}
			s.updateStatus(msg.ID, status,
				intRef(resp.CommandStatus), strRef(resp.ResultMessage()), nil)
			updated = true
		}
	}
}

func (s *Sender) updateStatus(id int64, status messages.Status, code *int, text, externalID *string) {
	s.store.UpdateMessageStatus(context.Background(), id, status, code, text, externalID)
	s.logger.Debug("estado de mensaje actualizado",
		zap.Int64("id_mensaje", id),
		zap.String("estado", status.Description()))
	if s.metrics != nil {
		s.metrics.MessagesProcessedTotal.WithLabelValues(s.service, string(status)).Inc()
	}
}

// releaseClaims puts messages this sender never reached back to pending.
func (s *Sender) releaseClaims(batch []messages.SmsMessage) {
	if len(batch) == 0 {
		return
	}
	ids := make([]int64, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	s.store.ReleaseClaims(context.Background(), ids)
	s.logger.Warn("mensajes no enviados devueltos a pendiente",
		zap.Int("mensajes", len(ids)))
}

func (s *Sender) worker() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.tasks:
			s.runTask(t)
		case <-s.done:
			// Drain what was queued before the shutdown signal.
			for {
				select {
				case t := <-s.tasks:
					s.runTask(t)
				default:
					return
				}
			}
		}
	}
}

// runTask re-establishes the task's logging context inside the worker and
// keeps panics from crossing the pool boundary.
func (s *Sender) runTask(t task) {
	logger := s.logger.With(t.tc.fields()...)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("tarea de envío abortada", zap.Any("panic", r))
		}
	}()
	t.fn(logger)
}

func (s *Sender) scheduler() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.done:
			for {
				select {
				case job := <-s.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// submitTask hands a task to the pool without ever holding a lock across
// the channel send. It reports false once the sender is shut down.
func (s *Sender) submitTask(t task) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.tasks <- t:
		return true
	case <-s.done:
		return false
	}
}

func (s *Sender) submitJob(job func()) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.jobs <- job:
		return true
	case <-s.done:
		return false
	}
}

func (s *Sender) isClosed() bool { return s.closed.Load() }

// Shutdown stops accepting work and waits for queued tasks to drain,
// abandoning the wait after the grace period. In-flight submits finish on
// their own 3 s timeout.
func (s *Sender) Shutdown() {
	if s.closed.Swap(true) {
		return
	}
	close(s.done)

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.logger.Info("sender apagado, cola drenada")
	case <-time.After(shutdownGrace):
		s.logger.Warn("sender apagado con tareas pendientes tras el período de gracia")
	}
}

func intRef(v int) *int       { return &v }
func strRef(v string) *string { return &v }
