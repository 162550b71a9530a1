package smpp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBindTimeout = 10 * time.Second
	defaultWindowSize  = 10
)

// Client establishes bound sessions against an SMSC.
type Client interface {
	// Bind dials the carrier and performs a transceiver bind.
	Bind(cfg SessionConfig, handler DeliverHandler) (Session, error)
	// Destroy releases the client and closes every session it opened.
	Destroy()
}

// DefaultClient is the TCP implementation of Client.
type DefaultClient struct {
	logger *zap.Logger

	mu       sync.Mutex
	sessions []*session
	closed   bool
}

func NewClient(logger *zap.Logger) *DefaultClient {
	return &DefaultClient{logger: logger}
}

func (c *DefaultClient) Bind(cfg SessionConfig, handler DeliverHandler) (Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("smpp: client destroyed")
	}
	c.mu.Unlock()

	if cfg.InterfaceVersion == 0 {
		cfg.InterfaceVersion = InterfaceVersion34
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.BindTimeout <= 0 {
		cfg.BindTimeout = defaultBindTimeout
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, cfg.BindTimeout)
	if err != nil {
		return nil, fmt.Errorf("smpp: dial %s: %w", addr, err)
	}

	// The bind handshake is the only synchronous exchange on the raw conn.
	deadline := time.Now().Add(cfg.BindTimeout)
	conn.SetDeadline(deadline)

	bind := marshalBindTransceiver(1, cfg.SystemID, cfg.Password, cfg.SystemType, cfg.InterfaceVersion)
	if _, err := conn.Write(bind); err != nil {
		conn.Close()
		return nil, fmt.Errorf("smpp: write bind_transceiver: %w", err)
	}

	h, _, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smpp: read bind response: %w", err)
	}
	if h.id != CmdBindTransceiverResp {
		conn.Close()
		return nil, fmt.Errorf("smpp: unexpected bind response command 0x%08x", h.id)
	}
	if h.status != StatusOK {
		conn.Close()
		return nil, fmt.Errorf("smpp: bind rejected with status %d", int(int32(h.status)))
	}
	conn.SetDeadline(time.Time{})

	s := newSession(cfg, conn, handler, c.logger)
	s.bound.Store(true)
	go s.readLoop()

	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()

	c.logger.Info("sesión SMPP establecida",
		zap.String("name", cfg.Name),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("window_size", cfg.WindowSize))
	return s, nil
}

func (c *DefaultClient) Destroy() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.closed = true
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
