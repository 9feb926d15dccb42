package voiceagent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	// outboxSize bounds queued outbound messages. Audio is dropped when the
	// queue is full.
	outboxSize = 16
	// readLimit is the largest inbound frame accepted.
	readLimit = 1 << 20
)

var ErrOutboxFull = errors.New("outbound queue full")

type AudioHandler func(data []byte)

type EventHandler func(event *ServerEvent)

type ClientState int

const (
	ClientStateNew ClientState = iota
	ClientStateConnecting
	ClientStateConnected
	ClientStateDisconnected
	ClientStateFailed
	ClientStateClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientStateNew:
		return "new"
	case ClientStateConnecting:
		return "connecting"
	case ClientStateConnected:
		return "connected"
	case ClientStateDisconnected:
		return "disconnected"
	case ClientStateFailed:
		return "failed"
	case ClientStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type outMessage struct {
	typ  websocket.MessageType
	data []byte
}

// Client is the duplex channel to the voice agent server. Binary frames
// carry PCM audio in both directions; text frames carry JSON control
// events. Inbound frames are delivered to the handlers one at a time, in
// arrival order, from a single goroutine.
type Client struct {
	logger  shared.LoggerAdapter
	metrics *shared.Metrics
	url     *url.URL

	mu    sync.Mutex
	conn  *websocket.Conn
	state ClientState
	ah    AudioHandler
	eh    EventHandler

	open     atomic.Bool
	outbox   chan outMessage
	done     chan struct{}
	doneOnce sync.Once

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewClient(ctx context.Context, logger shared.LoggerAdapter, rawURL string, metrics *shared.Metrics) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if rawURL == "" {
		return nil, shared.ErrNoURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Client{
		logger:  logger,
		metrics: metrics,
		url:     u,
		outbox:  make(chan outMessage, outboxSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen is safe to call from the audio callback.
func (c *Client) IsOpen() bool {
	return c.open.Load()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the client stopped, or nil while it runs.
func (c *Client) Err() error {
	return context.Cause(c.ctx)
}

func (c *Client) RegisterAudioHandler(handler AudioHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientStateNew {
		return shared.ErrAlreadyConnected
	}
	if c.ah != nil {
		return shared.ErrAHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.ah = handler
	return nil
}

func (c *Client) RegisterEventHandler(handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientStateNew {
		return shared.ErrAlreadyConnected
	}
	if c.eh != nil {
		return shared.ErrEHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.eh = handler
	return nil
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != ClientStateNew {
		c.mu.Unlock()
		return shared.ErrAlreadyConnected
	}
	if c.eh == nil {
		c.mu.Unlock()
		return shared.ErrNoEventHandler
	}
	c.state = ClientStateConnecting
	c.mu.Unlock()

	c.logger.Info("connecting", zap.String("url", c.url.String()))
	conn, _, err := websocket.Dial(ctx, c.url.String(), nil)
	if err != nil {
		c.setState(ClientStateFailed)
		c.cancel(fmt.Errorf("dialing: %w", err))
		c.closeDone()
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.state != ClientStateConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		_ = conn.CloseNow()
		return shared.ErrNotConnected
	}
	c.conn = conn
	c.state = ClientStateConnected
	c.mu.Unlock()
	c.open.Store(true)
	c.logger.Info("connected", zap.String("url", c.url.String()))

	go c.writeLoop(conn)
	go c.readLoop(conn)
	return nil
}

func (c *Client) setState(state ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Trace(
		"client state changed",
		zap.String("prev", c.state.String()),
		zap.String("new", state.String()),
	)
	c.state = state
}

func (c *Client) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.closeDone()
	c.mu.Lock()
	ah, eh := c.ah, c.eh
	c.mu.Unlock()
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if ah == nil {
				c.logger.Trace("no audio handler, dropping frame", zap.Int("bytes", len(data)))
				continue
			}
			ah(data)
		case websocket.MessageText:
			event := ParseServerEvent(data)
			c.metrics.RecordEvent(c.ctx, string(event.Type))
			c.logger.Debug(
				"received event",
				zap.String("type", event.Tag),
				zap.ByteString("data", data),
			)
			eh(event)
		}
	}
}

func (c *Client) finish(err error) {
	c.open.Store(false)
	c.mu.Lock()
	prev := c.state
	c.mu.Unlock()
	switch {
	case prev == ClientStateClosed:
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		c.logger.Info("connection closed by server", zap.String("reason", err.Error()))
		c.setState(ClientStateDisconnected)
	default:
		c.logger.Error("reading from connection", err)
		c.setState(ClientStateFailed)
	}
	c.cancel(fmt.Errorf("connection ended: %w", err))
}

func (c *Client) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbox:
			if err := conn.Write(c.ctx, msg.typ, msg.data); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Error("writing to connection", err)
				}
				return
			}
		}
	}
}

// SendAudio queues one binary frame and returns at once. It is a no-op when
// the connection is not open and fails with ErrOutboxFull rather than wait.
func (c *Client) SendAudio(data []byte) error {
	if !c.IsOpen() {
		return nil
	}
	select {
	case c.outbox <- outMessage{typ: websocket.MessageBinary, data: data}:
		return nil
	default:
		return ErrOutboxFull
	}
}

// SendEvent queues a control event, waiting for room in the queue.
func (c *Client) SendEvent(ctx context.Context, event *ClientEvent) error {
	if !c.IsOpen() {
		return shared.ErrNotConnected
	}
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", event.Type, err)
	}
	select {
	case c.outbox <- outMessage{typ: websocket.MessageText, data: data}:
		c.logger.Debug("sent event", zap.String("type", string(event.Type)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return shared.ErrNotConnected
	}
}

func (c *Client) SendSetup(ctx context.Context, systemPrompt, userPrompt string) error {
	return c.SendEvent(ctx, &ClientEvent{
		Type:         ClientEventTypeSetup,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
	})
}

func (c *Client) SendText(ctx context.Context, text string) error {
	return c.SendEvent(ctx, &ClientEvent{Type: ClientEventTypeText, Text: text})
}

// SendAudioEnd marks the end of the current utterance.
func (c *Client) SendAudioEnd(ctx context.Context) error {
	return c.SendEvent(ctx, &ClientEvent{Type: ClientEventTypeAudioEnd})
}

// Shutdown asks the server to end the session with a close event, then
// closes the connection.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil && c.IsOpen() {
		data, err := (&ClientEvent{Type: ClientEventTypeClose}).MarshalJSON()
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			c.logger.Debug("sending close event", zap.Error(err))
		}
	}
	return c.Close()
}

// Close ends the connection with a normal closure. Frames still queued are
// discarded.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	if c.state == ClientStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = ClientStateClosed
	c.mu.Unlock()
	c.open.Store(false)

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client close"); err != nil {
			c.logger.Debug("closing connection", zap.Error(err))
		}
	}
	c.cancel(errors.New("client closed"))
	if conn == nil {
		c.closeDone()
	}
	return nil
}
