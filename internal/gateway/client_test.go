package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neveroff/neveroff/internal/config"
	"github.com/neveroff/neveroff/internal/state"
)

func testConfig(wsURL string) *config.Config {
	return &config.Config{
		Token:      "tok-test",
		GatewayURL: wsURL,
		DeviceType: "pc",

		HeartbeatTimeoutMultiplier: 1000, // keep the watchdog quiet during tests
		ReconnectBaseBackoff:       10 * time.Millisecond,
		ReconnectMaxBackoff:        50 * time.Millisecond,
		ReconnectJitter:            false,
		RecvTimeout:                5 * time.Second,
		SendTimeout:                5 * time.Second,

		Presence: config.Presence{Status: "online", CustomStatus: "testing"},
	}
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	return state.Open(filepath.Join(t.TempDir(), "state.json"), zap.NewNop().Sugar())
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fakeGateway upgrades each request, sends HELLO, then forwards every client
// payload to received while answering IDENTIFY with READY and heartbeats
// with ACK.
func fakeGateway(t *testing.T, heartbeatMs float64, received chan<- inbound) http.HandlerFunc {
	t.Helper()
	up := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello := fmt.Sprintf(`{"op":10,"d":{"heartbeat_interval":%g}}`, heartbeatMs)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var p inbound
			if err := json.Unmarshal(data, &p); err != nil {
				continue
			}
			select {
			case received <- p:
			default:
			}
			switch p.Op {
			case opIdentify:
				ready := `{"op":0,"t":"READY","s":1,"d":{"session_id":"sess-fake-1234"}}`
				_ = conn.WriteMessage(websocket.TextMessage, []byte(ready))
			case opHeartbeat:
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":11}`))
			}
		}
	}
}

func TestIdentifySession(t *testing.T) {
	received := make(chan inbound, 16)
	srv := httptest.NewServer(fakeGateway(t, 100, received))
	defer srv.Close()

	cfgState := config.NewState(testConfig(wsURL(srv)))
	store := testStore(t)
	c := New(cfgState, store, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	expectOp(t, received, opIdentify)
	expectOp(t, received, opPresenceUpdate)

	waitFor(t, 3*time.Second, func() bool {
		sess := store.Snapshot()
		return sess.SessionID == "sess-fake-1234" && sess.Sequence != nil && *sess.Sequence == 1
	}, "READY not persisted")

	expectOp(t, received, opHeartbeat)
	waitFor(t, 3*time.Second, func() bool {
		return store.Snapshot().LastAckUnix > 0
	}, "heartbeat ack not persisted")

	if !c.Status().Connected {
		t.Fatal("client should report connected")
	}

	if err := c.UpdatePresence(config.Presence{Status: "idle"}); err != nil {
		t.Fatalf("presence update: %v", err)
	}
	expectOp(t, received, opPresenceUpdate)
}

func TestResumeSession(t *testing.T) {
	received := make(chan inbound, 16)
	srv := httptest.NewServer(fakeGateway(t, 60000, received))
	defer srv.Close()

	store := testStore(t)
	seq := int64(99)
	store.Update(func(s *state.Session) {
		s.SessionID = "sess-resume"
		s.Sequence = &seq
	})

	cfgState := config.NewState(testConfig(wsURL(srv)))
	c := New(cfgState, store, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	p := expectOp(t, received, opResume)
	var d resumeData
	if err := json.Unmarshal(p.D, &d); err != nil {
		t.Fatalf("resume payload: %v", err)
	}
	if d.SessionID != "sess-resume" || d.Seq != 99 {
		t.Fatalf("resume carried wrong identity: %+v", d)
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	var dials atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":10,"d":{"heartbeat_interval":60000}}`))
		if n == 1 {
			// Drop the first session right after the handshake.
			_, _, _ = conn.ReadMessage()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfgState := config.NewState(testConfig(wsURL(srv)))
	c := New(cfgState, testStore(t), zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, 5*time.Second, func() bool { return dials.Load() >= 2 }, "client never redialed")
}

func TestMissedAckWatchdogForcesReconnect(t *testing.T) {
	var dials, heartbeats atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":10,"d":{"heartbeat_interval":60}}`))

		// Keep the socket chatty with empty dispatches so only the missing
		// ACKs can end the session.
		done := make(chan struct{})
		defer close(done)
		go func() {
			tick := time.NewTicker(20 * time.Millisecond)
			defer tick.Stop()
			for {
				select {
				case <-done:
					return
				case <-tick.C:
					if conn.WriteMessage(websocket.TextMessage, []byte(`{"op":0}`)) != nil {
						return
					}
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var p inbound
			if json.Unmarshal(data, &p) == nil && p.Op == opHeartbeat {
				// Withhold the ACK.
				heartbeats.Add(1)
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.HeartbeatTimeoutMultiplier = 2

	c := New(config.NewState(cfg), testStore(t), zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, 5*time.Second, func() bool { return dials.Load() >= 2 }, "client never redialed after missed acks")
	if heartbeats.Load() == 0 {
		t.Fatal("no heartbeat reached the gateway before the reconnect")
	}
}

func TestBackoffSchedule(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time
	// Refusing the websocket upgrade fails every dial, so each request
	// timestamp marks one connection attempt.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		http.Error(w, "no gateway here", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.ReconnectBaseBackoff = 100 * time.Millisecond
	cfg.ReconnectMaxBackoff = 400 * time.Millisecond
	cfg.ReconnectJitter = false

	c := New(config.NewState(cfg), testStore(t), zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(times) >= 4
	}, "expected at least 4 connection attempts")
	cancel()

	mu.Lock()
	attempts := append([]time.Time(nil), times[:4]...)
	mu.Unlock()

	// Expected delays: immediate, 2x base, 4x base, then capped. Lower
	// bounds are exact (the loop sleeps at least that long); upper bounds
	// leave slack for scheduling.
	g1 := attempts[1].Sub(attempts[0])
	g2 := attempts[2].Sub(attempts[1])
	g3 := attempts[3].Sub(attempts[2])
	if g1 < 190*time.Millisecond || g1 > 380*time.Millisecond {
		t.Fatalf("second attempt after %v, want ~2x base (200ms)", g1)
	}
	if g2 < 380*time.Millisecond || g2 > time.Second {
		t.Fatalf("third attempt after %v, want ~4x base (400ms)", g2)
	}
	if g3 < 380*time.Millisecond || g3 > time.Second {
		t.Fatalf("fourth attempt after %v, want the 400ms cap to hold", g3)
	}
}

func TestCloseCodeResetsSession(t *testing.T) {
	store := testStore(t)
	seq := int64(5)
	store.Update(func(s *state.Session) {
		s.SessionID = "sess-doomed"
		s.Sequence = &seq
	})
	c := New(config.NewState(testConfig("ws://unused")), store, zap.NewNop().Sugar())

	c.classifyClose(fmt.Errorf("gateway read: %w", &websocket.CloseError{Code: 4004}))
	if store.Snapshot().Resumable() {
		t.Fatal("close code 4004 must reset the session")
	}

	// Benign close codes keep the session.
	store.Update(func(s *state.Session) {
		s.SessionID = "sess-ok"
		s.Sequence = &seq
	})
	c.classifyClose(fmt.Errorf("gateway read: %w", &websocket.CloseError{Code: websocket.CloseGoingAway}))
	if !store.Snapshot().Resumable() {
		t.Fatal("close code 1001 must keep the session")
	}
}

func TestInvalidSessionNonResumable(t *testing.T) {
	store := testStore(t)
	seq := int64(3)
	store.Update(func(s *state.Session) {
		s.SessionID = "sess-inv"
		s.Sequence = &seq
	})
	c := New(config.NewState(testConfig("ws://unused")), store, zap.NewNop().Sugar())

	if err := c.handleMessage([]byte(`{"op":9,"d":false}`)); err == nil {
		t.Fatal("expected error from invalid session")
	}
	if store.Snapshot().Resumable() {
		t.Fatal("non-resumable invalid session must reset state")
	}
}

func TestUpdatePresenceDisconnected(t *testing.T) {
	c := New(config.NewState(testConfig("ws://unused")), testStore(t), zap.NewNop().Sugar())
	if err := c.UpdatePresence(config.Presence{Status: "online"}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func expectOp(t *testing.T, ch <-chan inbound, op int) inbound {
	t.Helper()
	for {
		select {
		case p := <-ch:
			if p.Op == op {
				return p
			}
			// heartbeats can interleave with anything else
			if p.Op == opHeartbeat && op != opHeartbeat {
				continue
			}
			t.Fatalf("expected op %d, got op %d", op, p.Op)
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for op %d", op)
		}
	}
}
