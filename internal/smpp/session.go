package smpp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotBound is returned by Submit on an unbound session.
	ErrNotBound = errors.New("smpp: session not bound")
	// ErrSubmitTimeout is returned when no submit_sm_resp arrives in time.
	// The window slot stays occupied until the response shows up or the
	// monitor cancels it.
	ErrSubmitTimeout = errors.New("smpp: submit response timeout")
	// ErrSubmitCancelled is returned when the slot was force-freed while
	// the submit was still waiting.
	ErrSubmitCancelled = errors.New("smpp: submit cancelled")
)

// DeliverHandler receives every inbound deliver_sm. It runs on the session's
// read goroutine, so it must not block on outbound traffic.
type DeliverHandler interface {
	HandleDeliverSm(d *DeliverSm)
}

// Session is one bound SMPP connection.
type Session interface {
	// Submit sends one submit_sm and waits up to timeout for its response.
	Submit(sm *SubmitSm, timeout time.Duration) (*SubmitSmResp, error)
	// Bound reports whether the session can carry traffic.
	Bound() bool
	// Window exposes the in-flight request window.
	Window() WindowView
	// Unbind performs the unbind handshake, waiting up to timeout.
	Unbind(timeout time.Duration) error
	// Close tears the connection down.
	Close() error
}

// SessionConfig carries everything needed to establish a transceiver bind.
type SessionConfig struct {
	Name             string
	Host             string
	Port             int
	SystemID         string
	Password         string
	SystemType       string
	InterfaceVersion byte
	WindowSize       int
	BindTimeout      time.Duration
	LogBytes         bool
}

type session struct {
	cfg     SessionConfig
	conn    net.Conn
	logger  *zap.Logger
	handler DeliverHandler
	win     *window

	writeMu sync.Mutex
	seq     atomic.Uint32
	bound   atomic.Bool

	closeOnce  sync.Once
	closed     chan struct{}
	unbindResp chan struct{}
}

func newSession(cfg SessionConfig, conn net.Conn, handler DeliverHandler, logger *zap.Logger) *session {
	s := &session{
		cfg:        cfg,
		conn:       conn,
		logger:     logger.With(zap.String("smpp_session", cfg.Name)),
		handler:    handler,
		win:        newWindow(cfg.WindowSize),
		closed:     make(chan struct{}),
		unbindResp: make(chan struct{}, 1),
	}
	s.seq.Store(1) // seq 1 was used by the bind
	return s
}

func (s *session) nextSeq() uint32 {
	return s.seq.Add(1)
}

func (s *session) Bound() bool { return s.bound.Load() }

func (s *session) Window() WindowView { return s.win }

func (s *session) Submit(sm *SubmitSm, timeout time.Duration) (*SubmitSmResp, error) {
	if !s.Bound() {
		return nil, ErrNotBound
	}

	seq := s.nextSeq()
	st, err := s.win.offer(seq, timeout)
	if err != nil {
		return nil, err
	}

	if err := s.write(marshalSubmitSm(seq, sm)); err != nil {
		s.win.Cancel(seq)
		return nil, fmt.Errorf("smpp: write submit_sm: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-st.resp:
		if !ok {
			return nil, ErrSubmitCancelled
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrSubmitTimeout
	case <-s.closed:
		return nil, ErrNotBound
	}
}

func (s *session) Unbind(timeout time.Duration) error {
	if !s.bound.Swap(false) {
		return nil
	}
	if err := s.write(marshalEmpty(CmdUnbind, 0, s.nextSeq())); err != nil {
		return fmt.Errorf("smpp: write unbind: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.unbindResp:
		return nil
	case <-s.closed:
		return nil
	case <-timer.C:
		return fmt.Errorf("smpp: unbind response timeout after %s", timeout)
	}
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.bound.Store(false)
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *session) write(frame []byte) error {
	if s.cfg.LogBytes {
		s.logger.Debug("pdu out", zap.String("bytes", hex.EncodeToString(frame)))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// readLoop runs until the connection breaks, dispatching responses to the
// window and inbound requests to the handler.
func (s *session) readLoop() {
	defer s.Close()

	for {
		h, body, err := readFrame(s.conn)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("lectura SMPP interrumpida", zap.Error(err))
			}
			return
		}
		if s.cfg.LogBytes {
			s.logger.Debug("pdu in",
				zap.Uint32("command_id", h.id),
				zap.Uint32("seq", h.seq),
				zap.String("body", hex.EncodeToString(body)))
		}

		switch h.id {
		case CmdSubmitSmResp:
			resp := unmarshalSubmitSmResp(h, body)
			if !s.win.complete(resp) {
				s.logger.Warn("submit_sm_resp sin slot en ventana", zap.Uint32("seq", h.seq))
			}
		case CmdDeliverSm:
			d, err := unmarshalDeliverSm(h, body)
			if err != nil {
				s.logger.Warn("deliver_sm inválido", zap.Error(err))
				s.write(marshalEmpty(CmdGenericNack, StatusSysErr, h.seq))
				continue
			}
			// Positive response first: the handler outcome never turns
			// into a negative ack.
			s.write(marshalDeliverSmResp(h.seq))
			if s.handler != nil {
				s.handler.HandleDeliverSm(d)
			}
		case CmdEnquireLink:
			s.write(marshalEmpty(CmdEnquireLinkResp, StatusOK, h.seq))
		case CmdUnbindResp:
			select {
			case s.unbindResp <- struct{}{}:
			default:
			}
		case CmdUnbind:
			s.write(marshalEmpty(CmdUnbindResp, StatusOK, h.seq))
			s.bound.Store(false)
			return
		default:
			s.logger.Debug("pdu no manejado", zap.Uint32("command_id", h.id))
		}
	}
}
