// Package transport owns the single push-channel connection to the server
// and feeds every named event it receives into the bus.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"boardsync/bus"
	"boardsync/domain"
)

// ErrNotConnected is returned by Send when the channel is down. Sends are
// best-effort: the caller may ignore the error, the drop is already logged.
var ErrNotConnected = errors.New("transport: not connected")

// Frame is the wire shape of one named event in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CloseInfo describes why the channel went down.
type CloseInfo struct {
	Reason string
	// ServerInitiated is true when the server deliberately revoked the
	// session with a close frame; the reconnector must not retry then.
	ServerInitiated bool
	Err             error
}

// Config holds the transport dependencies. URL and Bus are required.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8000/ws".
	URL string
	// Token is sent as the token query parameter, mirroring the server's
	// header fallback for browser websocket clients.
	Token  string
	Bus    *bus.Bus
	Logger *log.Logger
	Dialer *websocket.Dialer

	PingInterval time.Duration
	WriteTimeout time.Duration
	HelloTimeout time.Duration
}

// Transport is the process-wide push channel. Connect is idempotent so
// multiple views opening concurrently share one connection.
type Transport struct {
	cfg    Config
	logger *log.Logger
	b      *bus.Bus

	closeMu      sync.Mutex
	closeHandler func(CloseInfo)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	identity  string
	done      chan struct{}
	metrics   *sessionMetrics

	writeMu sync.Mutex
}

type hello struct {
	ID string `json:"id"`
}

// New creates a transport. It does not connect.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport: URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("transport: invalid URL %q: %w", cfg.URL, err)
	}
	if cfg.Bus == nil {
		return nil, errors.New("transport: Bus is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	return &Transport{cfg: cfg, logger: cfg.Logger, b: cfg.Bus}, nil
}

// SetCloseHandler installs the callback invoked after an unexpected
// connection loss. Install it before Connect.
func (t *Transport) SetCloseHandler(fn func(CloseInfo)) {
	t.closeMu.Lock()
	t.closeHandler = fn
	t.closeMu.Unlock()
}

// Connect establishes the channel. It is a no-op when already connected.
// On success it publishes connection_status {connected:true, id} with the
// identity the server assigned in its connection_established hello.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	metrics := newSessionMetrics(t.logger)
	dialStart := time.Now()
	conn, _, err := t.cfg.Dialer.DialContext(ctx, t.dialURL(), nil)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport: dial %s: %w", t.cfg.URL, err)
	}
	metrics.ObserveDial(time.Since(dialStart))

	identity, err := t.readHello(conn)
	if err != nil {
		t.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("transport: handshake: %w", err)
	}
	metrics.SetIdentity(identity)

	t.conn = conn
	t.connected = true
	t.closing = false
	t.identity = identity
	t.done = make(chan struct{})
	t.metrics = metrics

	conn.SetPongHandler(func(string) error { return nil })
	go t.readLoop(conn)
	go t.pinger(conn, t.done)
	t.mu.Unlock()

	// Published outside the critical section: a status handler is free to
	// call back into Connected, Identity or Send.
	t.publishStatus(bus.ConnectionStatus{Connected: true, Identity: identity})
	t.logger.Infof("transport: connected to %s as %s", t.cfg.URL, identity)
	return nil
}

// Disconnect tears the channel down deliberately. The reconnector is not
// notified: a client-side disconnect is never retried.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.closing = true
	conn := t.conn
	t.mu.Unlock()

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
	_ = conn.Close()
}

// Send transmits a named event. When the channel is down the event is
// dropped with a warning so callers stay responsive.
func (t *Transport) Send(event string, data any) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	metrics := t.metrics
	t.mu.Unlock()
	if !connected {
		t.logger.Warnf("transport: dropping %q: not connected", event)
		return ErrNotConnected
	}

	raw, err := sonic.Marshal(data)
	if err != nil {
		return fmt.Errorf("transport: encode %q payload: %w", event, err)
	}
	frame, err := sonic.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("transport: encode %q frame: %w", event, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("transport: send %q: %w", event, err)
	}
	metrics.AddFrameOut()
	return nil
}

// Connected reports whether the channel is currently up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Identity returns the server-assigned connection id of the current session.
func (t *Transport) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

func (t *Transport) dialURL() string {
	if t.cfg.Token == "" {
		return t.cfg.URL
	}
	sep := "?"
	if u, err := url.Parse(t.cfg.URL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return t.cfg.URL + sep + "token=" + url.QueryEscape(t.cfg.Token)
}

// readHello consumes the server's connection_established frame and returns
// the connection id it carries.
func (t *Transport) readHello(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.HelloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	var f Frame
	if err := sonic.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("decode hello frame: %w", err)
	}
	if f.Event != domain.EventConnectionEstablished {
		return "", fmt.Errorf("expected %s, got %q", domain.EventConnectionEstablished, f.Event)
	}
	var h hello
	if err := sonic.Unmarshal(f.Data, &h); err != nil {
		return "", fmt.Errorf("decode hello payload: %w", err)
	}
	return h.ID, nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(conn, err)
			return
		}
		var f Frame
		if err := sonic.Unmarshal(raw, &f); err != nil {
			t.logger.Warnf("transport: unparseable frame: %v", err)
			continue
		}
		if f.Event == "" {
			t.logger.Warn("transport: frame without event name")
			continue
		}
		t.mu.Lock()
		metrics := t.metrics
		t.mu.Unlock()
		metrics.AddFrameIn()
		t.b.Publish(f.Event, f.Data)
	}
}

func (t *Transport) pinger(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (t *Transport) handleClose(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	intentional := t.closing
	metrics := t.metrics
	t.conn = nil
	t.connected = false
	t.closing = false
	t.identity = ""
	close(t.done)
	t.mu.Unlock()
	_ = conn.Close()

	info := CloseInfo{Err: err}
	switch {
	case intentional:
		info.Reason = "client disconnect"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation):
		info.Reason = "server disconnect"
		info.ServerInitiated = true
	default:
		info.Reason = "transport closed"
	}

	metrics.Log(info.Reason, err)
	t.publishStatus(bus.ConnectionStatus{Connected: false, Reason: info.Reason})

	if intentional {
		return
	}
	t.closeMu.Lock()
	fn := t.closeHandler
	t.closeMu.Unlock()
	if fn != nil {
		fn(info)
	}
}

func (t *Transport) publishStatus(status bus.ConnectionStatus) {
	publishStatus(t.b, t.logger, status)
}

func publishStatus(b *bus.Bus, logger *log.Logger, status bus.ConnectionStatus) {
	data, err := sonic.Marshal(status)
	if err != nil {
		logger.Errorf("transport: encode connection_status: %v", err)
		return
	}
	b.Publish(domain.EventConnectionStatus, data)
}
