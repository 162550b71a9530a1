package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"risk-sms/internal/config"
	"risk-sms/internal/latency"
	"risk-sms/internal/observability"
	"risk-sms/internal/sender"
	"risk-sms/internal/session"
	"risk-sms/internal/smpp"
	"risk-sms/internal/store"
)

// Supervisor binds one session, builds one sender, and runs one loop per
// configured service, then tears everything down when the context ends.
type Supervisor struct {
	logger        *zap.Logger
	cfg           *config.Config
	store         *store.MessageStore
	metrics       *observability.Metrics
	clientFactory func() smpp.Client

	senders  []*sender.Sender
	managers []*session.Manager
}

// NewSupervisor builds a supervisor over an already opened store. metrics
// may be nil.
func NewSupervisor(logger *zap.Logger, cfg *config.Config, st *store.MessageStore, metrics *observability.Metrics) *Supervisor {
	return &Supervisor{
		logger:  logger,
		cfg:     cfg,
		store:   st,
		metrics: metrics,
	}
}

// SetClientFactory overrides the SMPP client constructor for every managed
// session. Tests inject fakes through it.
func (s *Supervisor) SetClientFactory(f func() smpp.Client) { s.clientFactory = f }

// Run starts every configured service and blocks until the context is
// cancelled. An initial bind failure aborts startup.
func (s *Supervisor) Run(ctx context.Context) error {
	if addr := s.cfg.Env.MetricsAddr; addr != "" {
		go func() {
			s.logger.Info("exponiendo métricas", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, observability.Handler()); err != nil {
				s.logger.Error("servidor de métricas terminó", zap.Error(err))
			}
		}()
	}

	// Claims from a previous run would never be re-polled otherwise.
	s.store.RequeueStaleClaims(ctx)

	var wg sync.WaitGroup
	for _, svc := range s.cfg.SMS {
		stats := latency.New(observability.ForService(s.logger, svc.Nombre), svc.Nombre, 0, s.metrics)

		mgr := session.NewManager(s.logger, s.metrics)
		if s.clientFactory != nil {
			mgr.SetClientFactory(s.clientFactory)
		}
		s.managers = append(s.managers, mgr)

		if _, err := mgr.Bind(session.BindParams{
			Service:    svc.Nombre,
			Store:      s.store,
			Host:       svc.SMPP.Host,
			Port:       svc.SMPP.Port,
			SystemID:   svc.SMPP.SystemID,
			Password:   svc.SMPP.Password,
			WindowSize: svc.SMPP.WindowSize,
			Stats:      stats,
		}); err != nil {
			s.shutdown()
			return fmt.Errorf("enlace inicial del servicio %s: %w", svc.Nombre, err)
		}

		snd := sender.New(s.logger, svc.Nombre, s.store, mgr.Session, stats, s.metrics, 0)
		s.senders = append(s.senders, snd)

		loop := NewLoop(s.logger, svc, s.store, snd, s.metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
	}

	s.logger.Info("supervisor iniciado", zap.Int("servicios", len(s.cfg.SMS)))
	<-ctx.Done()
	s.logger.Info("apagando servicios")

	wg.Wait()
	s.shutdown()
	return nil
}

func (s *Supervisor) shutdown() {
	for _, snd := range s.senders {
		snd.Shutdown()
	}
	for _, mgr := range s.managers {
		mgr.Stop()
	}
	s.senders, s.managers = nil, nil
}
