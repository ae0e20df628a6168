package server

import (
	"testing"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/audiobot/internal/chatlog"
	"github.com/MrWong99/audiobot/internal/observe"
	"github.com/MrWong99/audiobot/internal/state"
)

type snapshotController struct {
	Controller
}

func (snapshotController) State() state.State          { return state.Default() }
func (snapshotController) Messages() []chatlog.Message { return nil }

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return New(snapshotController{}, append([]Option{WithMetrics(m)}, opts...)...)
}

func newTestClient(id string, queue int) *client {
	return &client{id: id, send: make(chan []byte, queue), quit: make(chan struct{})}
}

func TestPublish_DropsSlowClient(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	slow := newTestClient("slow", 2) // filled by the snapshot
	fast := newTestClient("fast", 8)
	if !s.register(slow) || !s.register(fast) {
		t.Fatal("register refused")
	}

	s.OnStateChanged(state.Default())

	if s.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", s.ClientCount())
	}
	select {
	case <-slow.quit:
	default:
		t.Fatal("slow client not stopped")
	}
	if slow.status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v", slow.status)
	}
	if len(fast.send) != 3 {
		t.Errorf("fast client queued %d messages, want 3", len(fast.send))
	}

	// A dropped client unregistering itself later must not double count.
	s.unregister(slow)
	if s.ClientCount() != 1 {
		t.Errorf("ClientCount after unregister = %d", s.ClientCount())
	}
}

func TestCloseClients_RefusesNewClients(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	c := newTestClient("a", 4)
	s.register(c)

	s.closeClients()

	select {
	case <-c.quit:
	default:
		t.Fatal("client not stopped")
	}
	if c.status != websocket.StatusGoingAway {
		t.Errorf("close status = %v", c.status)
	}
	if s.register(newTestClient("b", 4)) {
		t.Error("register after close succeeded")
	}
	if s.ClientCount() != 0 {
		t.Errorf("ClientCount = %d", s.ClientCount())
	}
}

func TestClientStop_Idempotent(t *testing.T) {
	t.Parallel()
	c := newTestClient("a", 1)
	c.stop(websocket.StatusPolicyViolation, "slow")
	c.stop(websocket.StatusNormalClosure, "")
	if c.status != websocket.StatusPolicyViolation || c.reason != "slow" {
		t.Errorf("status = %v reason = %q", c.status, c.reason)
	}
}
