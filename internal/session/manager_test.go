package session

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"risk-sms/internal/smpp"
)

type fakeManagedSession struct {
	bound   bool
	unbinds int
	closes  int
}

func (s *fakeManagedSession) Submit(*smpp.SubmitSm, time.Duration) (*smpp.SubmitSmResp, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeManagedSession) Bound() bool             { return s.bound }
func (s *fakeManagedSession) Window() smpp.WindowView { return nil }
func (s *fakeManagedSession) Unbind(time.Duration) error {
	s.unbinds++
	s.bound = false
	return nil
}
func (s *fakeManagedSession) Close() error {
	s.closes++
	return nil
}

type fakeClient struct {
	session  *fakeManagedSession
	bindErr  error
	binds    int
	destroys int
	lastCfg  smpp.SessionConfig
}

func (c *fakeClient) Bind(cfg smpp.SessionConfig, _ smpp.DeliverHandler) (smpp.Session, error) {
	c.binds++
	c.lastCfg = cfg
	if c.bindErr != nil {
		return nil, c.bindErr
	}
	c.session = &fakeManagedSession{bound: true}
	return c.session, nil
}

func (c *fakeClient) Destroy() { c.destroys++ }

func testParams() BindParams {
	return BindParams{
		Service:    "test",
		Store:      &fakeReceivedStore{},
		Host:       "localhost",
		Port:       2775,
		SystemID:   "risk",
		Password:   "secret",
		WindowSize: 10,
	}
}

func TestBindInstallsSession(t *testing.T) {
	client := &fakeClient{}
	m := NewManager(zap.NewNop(), nil)
	m.SetClientFactory(func() smpp.Client { return client })
	defer m.Stop()

	sess, err := m.Bind(testParams())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if m.Session() != sess {
		t.Error("Session() does not return the bound session")
	}
	if client.lastCfg.Name != "SMPP-RiskSession-risk" {
		t.Errorf("session name = %q", client.lastCfg.Name)
	}
	if client.lastCfg.InterfaceVersion != smpp.InterfaceVersion34 {
		t.Errorf("interface version = %#x", client.lastCfg.InterfaceVersion)
	}
}

func TestBindFailureDestroysClient(t *testing.T) {
	client := &fakeClient{bindErr: errors.New("connection refused")}
	m := NewManager(zap.NewNop(), nil)
	m.SetClientFactory(func() smpp.Client { return client })

	if _, err := m.Bind(testParams()); err == nil {
		t.Fatal("Bind succeeded, want error")
	}
	if m.Session() != nil {
		t.Error("failed bind left a session installed")
	}
	if client.destroys != 1 {
		t.Errorf("destroys = %d, want 1", client.destroys)
	}
}

func TestGracefulShutdownUnbindsThenCloses(t *testing.T) {
	client := &fakeClient{}
	m := NewManager(zap.NewNop(), nil)
	m.SetClientFactory(func() smpp.Client { return client })

	if _, err := m.Bind(testParams()); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	m.Shutdown(false)

	if client.session.unbinds != 1 {
		t.Errorf("unbinds = %d, want 1", client.session.unbinds)
	}
	if client.session.closes != 1 {
		t.Errorf("closes = %d, want 1", client.session.closes)
	}
	if client.destroys != 1 {
		t.Errorf("destroys = %d, want 1", client.destroys)
	}
	if m.Session() != nil {
		t.Error("session still installed after shutdown")
	}
}

func TestForcedShutdownStillUnbinds(t *testing.T) {
	client := &fakeClient{}
	m := NewManager(zap.NewNop(), nil)
	m.SetClientFactory(func() smpp.Client { return client })

	if _, err := m.Bind(testParams()); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	m.Shutdown(true)

	// force concerns the monitor only; a bound session always gets the
	// unbind handshake before the connection drops.
	if client.session.unbinds != 1 {
		t.Errorf("unbinds = %d, want 1", client.session.unbinds)
	}
	if client.session.closes != 1 {
		t.Errorf("closes = %d, want 1", client.session.closes)
	}
	if client.destroys != 1 {
		t.Errorf("destroys = %d, want 1", client.destroys)
	}
}

func TestRebindRetriesUntilSuccess(t *testing.T) {
	restore := shrinkPauses()
	defer restore()

	failures := 2
	var clients []*fakeClient
	m := NewManager(zap.NewNop(), nil)
	m.SetClientFactory(func() smpp.Client {
		c := &fakeClient{}
		if len(clients) > 0 && failures > 0 {
			c.bindErr = errors.New("bind rejected")
			failures--
		}
		clients = append(clients, c)
		return c
	})
	defer m.Stop()

	if _, err := m.Bind(testParams()); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	first := m.Session()

	m.Rebind()

	// Initial bind plus two failed attempts plus the successful one.
	if len(clients) != 4 {
		t.Fatalf("created %d clients, want 4", len(clients))
	}
	sess := m.Session()
	if sess == nil {
		t.Fatal("no session after rebind")
	}
	if sess == first {
		t.Error("rebind kept the old session")
	}
}

func TestRebindGivesUpAfterMaxAttempts(t *testing.T) {
	restore := shrinkPauses()
	defer restore()

	m := NewManager(zap.NewNop(), nil)
	m.SetClientFactory(func() smpp.Client {
		return &fakeClient{bindErr: errors.New("bind rejected")}
	})

	m.mu.Lock()
	m.params = testParams()
	m.mu.Unlock()

	m.Rebind()

	if m.Session() != nil {
		t.Error("session installed after exhausted rebind")
	}
}

func shrinkPauses() func() {
	oldPause, oldRetry := rebindPause, rebindRetryPause
	rebindPause, rebindRetryPause = time.Millisecond, time.Millisecond
	return func() {
		rebindPause, rebindRetryPause = oldPause, oldRetry
	}
}
