// Package gateway keeps a presence session open against the Discord gateway,
// resuming across restarts from state persisted on the volume.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neveroff/neveroff/internal/config"
	"github.com/neveroff/neveroff/internal/state"
)

var ErrNotConnected = errors.New("gateway not connected")

// Status is the snapshot exposed on /statusz.
type Status struct {
	Connected   bool    `json:"connected"`
	HasSession  bool    `json:"hasSession"`
	Sequence    *int64  `json:"sequence,omitempty"`
	LastAckUnix float64 `json:"lastAckUnix,omitempty"`
}

type Client struct {
	cfg   *config.State
	store *state.Store
	log   *zap.SugaredLogger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	lastAck   time.Time

	writeMu sync.Mutex
}

func New(cfg *config.State, store *state.Store, logger *zap.SugaredLogger) *Client {
	return &Client{cfg: cfg, store: store, log: logger}
}

// Run drives the connect/reconnect loop until ctx is cancelled. Backoff is
// exponential from the configured base to the cap, reset after any session
// that got as far as IDENTIFY or RESUME.
func (c *Client) Run(ctx context.Context) {
	cfg := c.cfg.Current()
	backoff := cfg.ReconnectBaseBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		// The first attempt dials immediately; the delay only applies once
		// backoff has grown past base.
		if backoff > cfg.ReconnectBaseBackoff {
			delay := backoff
			if cfg.ReconnectJitter {
				delay += time.Duration(rand.Float64() * 0.3 * float64(backoff))
			}
			c.log.Infow("reconnecting", "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		established, err := c.runSession(ctx, c.cfg.Current())
		if ctx.Err() != nil {
			return
		}
		if established {
			backoff = cfg.ReconnectBaseBackoff
		}
		if err != nil {
			c.classifyClose(err)
			c.log.Warnw("gateway session ended, will reconnect", "error", err)
		}
		backoff = min(cfg.ReconnectMaxBackoff, backoff*2)
	}
}

func (c *Client) runSession(ctx context.Context, cfg *config.Config) (established bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, cfg.GatewayURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(cfg.RecvTimeout))
	var hello inbound
	if err := conn.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("read HELLO: %w", err)
	}
	if hello.Op != opHello {
		return false, fmt.Errorf("unexpected payload before HELLO (op %d)", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		return false, errors.New("HELLO missing heartbeat_interval")
	}
	interval := time.Duration(hd.HeartbeatInterval * float64(time.Millisecond))

	c.setLastAck(time.Now())
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn, interval, cfg.HeartbeatTimeoutMultiplier)

	sess := c.store.Snapshot()
	if sess.Resumable() {
		c.log.Infow("attempting resume", "session", shortID(sess.SessionID), "seq", *sess.Sequence)
		if err := c.send(resumePayload(cfg.Token, sess.SessionID, *sess.Sequence)); err != nil {
			return false, err
		}
	} else {
		c.log.Infow("sending identify", "device", cfg.DeviceType)
		if err := c.send(identifyPayload(cfg.Token, cfg.IdentityProps(), cfg.Presence.Status)); err != nil {
			return false, err
		}
		if err := c.send(presencePayload(cfg.Presence)); err != nil {
			return false, err
		}
	}
	c.setConnected(true)
	defer c.setConnected(false)

	// ACKs arrive once per heartbeat interval, so a quiet socket past the
	// watchdog window is already dead.
	readGrace := time.Duration(float64(interval) * cfg.HeartbeatTimeoutMultiplier)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readGrace))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("gateway read: %w", err)
		}
		if err := c.handleMessage(data); err != nil {
			return true, err
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, mult float64) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if since := time.Since(c.lastAckTime()); since > time.Duration(float64(interval)*mult) {
				c.log.Warnw("missed heartbeat ack, closing socket to force reconnect", "since", since)
				conn.Close()
				return
			}
			if err := c.send(heartbeatPayload(c.store.Snapshot().Sequence)); err != nil {
				c.log.Warnw("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) error {
	var p inbound
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Debugw("unparseable gateway payload", "error", err)
		return nil
	}
	switch p.Op {
	case opDispatch:
		if p.S != nil {
			seq := *p.S
			c.store.Update(func(s *state.Session) { s.Sequence = &seq })
		}
		if p.T == "READY" {
			var rd readyData
			if err := json.Unmarshal(p.D, &rd); err == nil && rd.SessionID != "" {
				c.store.Update(func(s *state.Session) { s.SessionID = rd.SessionID })
				c.log.Infow("session ready", "session", shortID(rd.SessionID))
			}
		}
	case opHeartbeat:
		// Gateway asked for an immediate heartbeat.
		return c.send(heartbeatPayload(c.store.Snapshot().Sequence))
	case opReconnect:
		return errors.New("gateway requested reconnect (op 7)")
	case opInvalidSession:
		var resumable bool
		_ = json.Unmarshal(p.D, &resumable)
		if !resumable {
			c.log.Warnw("non-resumable invalid session, resetting persisted state")
			c.store.Reset()
		}
		return fmt.Errorf("invalid session (op 9): resumable=%v", resumable)
	case opHeartbeatACK:
		now := time.Now()
		c.setLastAck(now)
		c.store.Update(func(s *state.Session) {
			s.LastAckUnix = float64(now.UnixNano()) / float64(time.Second)
		})
	default:
		c.log.Debugw("unhandled gateway op", "op", p.Op)
	}
	return nil
}

// classifyClose resets the persisted session on close codes the gateway
// treats as terminal for the session.
func (c *Client) classifyClose(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && sessionResetCodes[ce.Code] {
		c.log.Errorw("fatal gateway close code, resetting session", "code", ce.Code)
		c.store.Reset()
	}
}

// UpdatePresence pushes a presence change onto the live session.
func (c *Client) UpdatePresence(p config.Presence) error {
	if !c.Status().Connected {
		return ErrNotConnected
	}
	return c.send(presencePayload(p))
}

func (c *Client) Status() Status {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	sess := c.store.Snapshot()
	return Status{
		Connected:   connected,
		HasSession:  sess.SessionID != "",
		Sequence:    sess.Sequence,
		LastAckUnix: sess.LastAckUnix,
	}
}

func (c *Client) send(v outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.Current().SendTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) setLastAck(t time.Time) {
	c.mu.Lock()
	c.lastAck = t
	c.mu.Unlock()
}

func (c *Client) lastAckTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
