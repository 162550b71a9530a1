// Package service runs one polling loop per configured carrier service and
// the supervisor that owns their lifecycle.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"risk-sms/internal/config"
	"risk-sms/internal/messages"
	"risk-sms/internal/observability"
)

// PendingStore supplies claimable batches of outbound messages.
type PendingStore interface {
	LoadPendingMessages(ctx context.Context, sourceAddr string, carrier, classification *string, limit int) []messages.SmsMessage
	BulkClaim(ctx context.Context, batch []messages.SmsMessage, newStatus messages.Status) []messages.SmsMessage
}

// BatchSender dispatches one claimed batch.
type BatchSender interface {
	Send(mode messages.SendMode, batch []messages.SmsMessage, delayMs int, counter int)
}

// Loop polls the store for one service and hands batches to the sender
// until its context is cancelled.
type Loop struct {
	logger  *zap.Logger
	cfg     config.Service
	store   PendingStore
	sender  BatchSender
	metrics *observability.Metrics

	counter int
}

// NewLoop builds the polling loop for one service. metrics may be nil.
func NewLoop(logger *zap.Logger, cfg config.Service, store PendingStore, sender BatchSender, metrics *observability.Metrics) *Loop {
	return &Loop{
		logger:  observability.ForService(logger, cfg.Nombre),
		cfg:     cfg,
		store:   store,
		sender:  sender,
		metrics: metrics,
	}
}

// Run iterates claim, dispatch, sleep until the context is cancelled. Every
// iteration traps its own failures so a bad poll never kills the loop.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.IntervaloEntreLotesMs) * time.Millisecond
	l.logger.Info("iniciando ciclo de servicio",
		zap.Duration("intervalo", interval),
		zap.String("modo", l.cfg.ModoEnvioLote))

	for {
		if ctx.Err() != nil {
			l.logger.Info("ciclo de servicio detenido")
			return
		}
		l.iterate(ctx)

		select {
		case <-ctx.Done():
			l.logger.Info("ciclo de servicio detenido")
			return
		case <-time.After(interval):
		}
	}
}

// iterate runs one claim-and-dispatch pass. The batch counter wraps from
// 100 back to 1 and travels with every task for log routing.
func (l *Loop) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("iteración del ciclo abortada", zap.Any("panic", r))
		}
	}()

	if l.counter >= 100 {
		l.counter = 1
	} else {
		l.counter++
	}
	logger := l.logger.With(zap.Int("contador", l.counter))

	batch := l.store.LoadPendingMessages(ctx, l.cfg.SMPP.SourceAddress,
		l.cfg.CarrierFilter(), l.cfg.ClassificationFilter(), l.cfg.CantidadMaximaPorLote)
	if len(batch) == 0 {
		logger.Debug("sin mensajes pendientes")
		return
	}
	if l.metrics != nil {
		l.metrics.PendingBatchSize.WithLabelValues(l.cfg.Nombre).Set(float64(len(batch)))
	}

	claimed := l.store.BulkClaim(ctx, batch, messages.StatusInProgress)
	if len(claimed) == 0 {
		logger.Debug("lote reclamado por otro worker")
		return
	}

	logger.Info("despachando lote",
		zap.Int("pendientes", len(batch)),
		zap.Int("reclamados", len(claimed)),
		zap.String("modo", l.cfg.ModoEnvioLote))
	l.sender.Send(l.cfg.Mode(), claimed, l.cfg.SMPP.SendDelayMs, l.counter)
}
