// Package transport provides the web socket client for the honeypot event feed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/honeypot-radar/pkg/logging"
	"github.com/hervehildenbrand/honeypot-radar/pkg/metrics"
	"github.com/hervehildenbrand/honeypot-radar/pkg/models"
)

// Connection settings
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultReadTimeout      = 90 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

var (
	// ErrNonTextFrame is reported through OnError when a binary frame arrives.
	ErrNonTextFrame = errors.New("transport: non-text frame")

	// ErrClosedWhileConnecting is returned by Connect when Close ran during the dial.
	ErrClosedWhileConnecting = errors.New("transport: closed while connecting")
)

// Handler receives connection events. All calls for one connection are made
// from that connection's read goroutine, in order. A handler must not call
// Client.Close.
type Handler interface {
	OnOpen()
	OnMessage(payload []byte)
	OnClose(code int, reason string)
	OnError(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Open    func()
	Message func(payload []byte)
	Close   func(code int, reason string)
	Error   func(err error)
}

func (h HandlerFuncs) OnOpen() {
	if h.Open != nil {
		h.Open()
	}
}

func (h HandlerFuncs) OnMessage(payload []byte) {
	if h.Message != nil {
		h.Message(payload)
	}
}

func (h HandlerFuncs) OnClose(code int, reason string) {
	if h.Close != nil {
		h.Close(code, reason)
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// Options tune the connection. Zero values select the defaults.
type Options struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Client owns at most one feed connection at a time. It never reconnects on
// its own; the owner calls Connect again after OnClose.
type Client struct {
	handler Handler
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	status models.ConnectionStatus
	sess   *session
	url    string

	// Set while a dial is in flight.
	dialCancel context.CancelFunc
	dialDone   chan struct{}
	aborted    bool

	// Stats
	messagesReceived uint64
	bytesReceived    uint64
	errors           uint64
	connects         uint64
}

// session is one established connection.
type session struct {
	ws      *websocket.Conn
	stop    chan struct{} // closed on release
	done    chan struct{} // closed when the read loop has returned
	closing atomic.Bool
	release sync.Once
}

// NewClient creates a client that reports to handler.
func NewClient(handler Handler, opts Options) *Client {
	if handler == nil {
		handler = HandlerFuncs{}
	}
	return &Client{
		handler: handler,
		opts:    opts.withDefaults(),
		log:     logging.WithComponent("transport"),
	}
}

// Connect dials url. It returns nil without doing anything when the client
// is already connecting or connected. A failed dial is reported through
// OnError and OnClose(1006) and returned. A Close during the dial releases
// the new connection, reports OnClose(1000) and returns
// ErrClosedWhileConnecting.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.status != models.Disconnected {
		c.mu.Unlock()
		return nil
	}
	dialCtx, cancel := context.WithCancel(ctx)
	dialDone := make(chan struct{})
	c.status = models.Connecting
	c.url = url
	c.aborted = false
	c.dialCancel = cancel
	c.dialDone = dialDone
	c.mu.Unlock()

	defer close(dialDone)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	c.log.Info().Str("url", url).Msg("Connecting to sensor feed")
	ws, resp, err := dialer.DialContext(dialCtx, url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	var sess *session
	if err == nil {
		sess = &session{
			ws:   ws,
			stop: make(chan struct{}),
			done: make(chan struct{}),
		}
	}

	// Close decides under the same lock whether it tears down a live
	// session or aborts the dial, so exactly one of them releases ws.
	c.mu.Lock()
	aborted := c.aborted
	c.dialCancel = nil
	c.dialDone = nil
	if err == nil && !aborted {
		c.sess = sess
		c.status = models.Connected
	} else {
		c.status = models.Disconnected
	}
	c.mu.Unlock()

	if aborted {
		if ws != nil {
			deadline := time.Now().Add(c.opts.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
			ws.Close()
		}
		c.log.Info().Str("url", url).Msg("Connection closed while connecting")
		metrics.ConnectionCloses.WithLabelValues(strconv.Itoa(websocket.CloseNormalClosure)).Inc()
		c.handler.OnClose(websocket.CloseNormalClosure, CloseReason(websocket.CloseNormalClosure))
		return ErrClosedWhileConnecting
	}

	if err != nil {
		atomic.AddUint64(&c.errors, 1)
		metrics.TransportErrors.WithLabelValues("dial").Inc()
		metrics.ConnectionCloses.WithLabelValues(strconv.Itoa(websocket.CloseAbnormalClosure)).Inc()

		if resp != nil {
			err = fmt.Errorf("dial failed (HTTP %d): %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("dial failed: %w", err)
		}
		c.handler.OnError(err)
		c.handler.OnClose(websocket.CloseAbnormalClosure, CloseReason(websocket.CloseAbnormalClosure))
		return err
	}

	atomic.AddUint64(&c.connects, 1)

	go c.readLoop(sess)
	go c.pingLoop(sess)
	return nil
}

// Close sends a normal closure frame, releases the connection and waits for
// OnClose to be delivered. Closing during a dial aborts it. Closing an idle
// or already closed client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		dialDone := c.dialDone
		if c.status == models.Connecting && c.dialCancel != nil {
			c.aborted = true
			c.dialCancel()
		}
		c.mu.Unlock()
		if dialDone != nil {
			<-dialDone
		}
		return nil
	}
	c.mu.Unlock()

	if !sess.closing.CompareAndSwap(false, true) {
		<-sess.done
		return nil
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := sess.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug().Err(err).Msg("Failed to send close frame")
	}

	c.releaseSession(sess)
	<-sess.done
	return nil
}

// State returns the current connection state.
func (c *Client) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ConnectionState{Status: c.status}
}

// Stats returns current statistics.
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"state":             c.State().Status.String(),
		"messages_received": atomic.LoadUint64(&c.messagesReceived),
		"bytes_received":    atomic.LoadUint64(&c.bytesReceived),
		"errors":            atomic.LoadUint64(&c.errors),
		"connects":          atomic.LoadUint64(&c.connects),
	}
}

func (c *Client) readLoop(sess *session) {
	defer close(sess.done)

	ws := sess.ws
	extend := func() {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		extend()
		// Write errors surface on the next read.
		_ = ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
		return nil
	})

	c.log.Info().Msg("Connected to sensor feed")
	c.handler.OnOpen()

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			code := c.closeCode(sess, err)
			c.releaseSession(sess)

			metrics.ConnectionCloses.WithLabelValues(strconv.Itoa(code)).Inc()
			if code != websocket.CloseNormalClosure && code != websocket.CloseGoingAway {
				atomic.AddUint64(&c.errors, 1)
				metrics.TransportErrors.WithLabelValues("read").Inc()
				c.log.Warn().Err(err).Int("code", code).Msg("Sensor feed connection lost")
			} else {
				c.log.Info().Int("code", code).Msg("Sensor feed connection closed")
			}

			c.handler.OnClose(code, CloseReason(code))
			return
		}

		extend()

		if messageType != websocket.TextMessage {
			atomic.AddUint64(&c.errors, 1)
			metrics.TransportErrors.WithLabelValues("non_text").Inc()
			c.handler.OnError(ErrNonTextFrame)
			continue
		}

		atomic.AddUint64(&c.messagesReceived, 1)
		atomic.AddUint64(&c.bytesReceived, uint64(len(message)))
		metrics.MessagesReceived.Inc()

		c.handler.OnMessage(message)
	}
}

// closeCode maps a read error to a close code: the peer's code when it sent
// a close frame, normal closure after an explicit Close, abnormal otherwise.
func (c *Client) closeCode(sess *session, err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	if sess.closing.Load() {
		return websocket.CloseNormalClosure
	}
	return websocket.CloseAbnormalClosure
}

// releaseSession closes the underlying connection exactly once.
func (c *Client) releaseSession(sess *session) {
	sess.release.Do(func() {
		close(sess.stop)
		if err := sess.ws.Close(); err != nil {
			c.log.Debug().Err(err).Msg("Failed to close connection")
		}

		c.mu.Lock()
		if c.sess == sess {
			c.sess = nil
			c.status = models.Disconnected
		}
		c.mu.Unlock()
	})
}

func (c *Client) pingLoop(sess *session) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := sess.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// The read loop notices the broken connection.
				return
			}
		case <-sess.stop:
			return
		}
	}
}
