package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"roomsync/internal/chat/dispatcher"
	"roomsync/internal/metrics"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Individual client connection handler: one Client per socket, one
// dispatcher.Session per Client.

const ( // ping pong(2-way heartbeat) to keep connection alive
	WriteWait      = 10 * time.Second    // max time write a message to the peer
	PongWait       = 60 * time.Second    // max time to wait for pong from peer => no pong = no connection
	PingPeriod     = (PongWait * 9) / 10 // send pings before pong wait expires, 10% left for network jitter
	MaxMessageSize = 32 * 1024           // maximum frame size allowed from peer
	sendBuffer     = 32                  // queued ack/error frames per client
	actionBuffer   = 16                  // queued store-bound actions per client
)

// ClientConfig holds the per-connection limits.
type ClientConfig struct {
	MessageRate  rate.Limit
	MessageBurst int
}

type Client struct {
	ID          string              // session id
	UserID      string              // user ID get from auth token(JWT.claims)
	UserName    string              // user name get from auth token(JWT.claims)
	Conn        *websocket.Conn     // WebSocket connection
	Session     *dispatcher.Session // synchronization session behind this socket
	SendChannel chan []byte         // channel for outbound(chan <-) ack/error frames
	Hub         *Hub                // reference to the central Hub

	actions chan *Message
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// constructor new client
func NewClient(userName string, conn *websocket.Conn, session *dispatcher.Session, hub *Hub, cfg ClientConfig, m *metrics.Metrics) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:          session.ID(),
		UserID:      session.UserID(),
		UserName:    userName,
		Conn:        conn,
		Session:     session,
		SendChannel: make(chan []byte, sendBuffer),
		Hub:         hub,
		actions:     make(chan *Message, actionBuffer),
		limiter:     rate.NewLimiter(cfg.MessageRate, cfg.MessageBurst),
		metrics:     m,
		logger:      slog.Default().With("session_id", session.ID(), "user_id", session.UserID()),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the write pump and the action worker, then reads until the
// peer goes away.
func (c *Client) Start() {
	c.wg.Add(2)
	go c.WritePump()
	go c.actionLoop()
	c.ReadPump()
}

// ReadPump: reads inbound frames until the connection fails, then closes the client.
func (c *Client) ReadPump() {
	defer func() { _ = c.Close() }()

	c.Conn.SetReadLimit(MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(PongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket_read_failed", "error", err)
			}
			return
		}
		msg, err := MessageFromJSON(data)
		if err != nil {
			c.SendFrame(NewErrorFrame("", CodeBadRequest, err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg *Message) {
	switch msg.Type {
	case TypeKeystroke:
		c.Session.Keystroke()
		return
	case TypeTyping:
		c.Session.SetTyping(msg.Typing)
		return
	}

	if !c.limiter.Allow() {
		c.metrics.RateLimited()
		c.SendFrame(NewErrorFrame(msg.RequestID, CodeRateLimited, errors.New("too many actions, slow down")))
		return
	}
	select {
	case c.actions <- msg:
	default:
		c.SendFrame(NewErrorFrame(msg.RequestID, CodeBusy, errors.New("too many actions in flight")))
	}
}

// actionLoop runs store-bound actions one at a time so a user's submissions
// are appended in the order they were sent.
func (c *Client) actionLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.actions:
			c.SendFrame(c.perform(msg))
		}
	}
}

func (c *Client) perform(msg *Message) *Frame {
	switch msg.Type {
	case TypeSubmit:
		stored, err := c.Session.SubmitMessage(c.ctx, msg.Body, msg.ReplyToID)
		if err != nil {
			return NewErrorFrame(msg.RequestID, "", err)
		}
		ack := NewAckFrame(msg.RequestID)
		ack.Message = stored
		return ack

	case TypeReact:
		added, err := c.Session.ToggleReaction(c.ctx, msg.MessageID, msg.Emoji)
		if err != nil {
			return NewErrorFrame(msg.RequestID, "", err)
		}
		ack := NewAckFrame(msg.RequestID)
		ack.Added = &added
		return ack

	case TypeEdit:
		edited, err := c.Session.EditMessage(c.ctx, msg.MessageID, msg.Body)
		if err != nil {
			return NewErrorFrame(msg.RequestID, "", err)
		}
		ack := NewAckFrame(msg.RequestID)
		ack.Message = edited
		return ack
	}
	return NewErrorFrame(msg.RequestID, CodeBadRequest, errors.New("unsupported action"))
}

// WritePump: the only writer on the connection. Sends every view update,
// queued ack/error frames and pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
		c.wg.Done()
	}()

	updates := c.Session.Updates()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.Conn.SetWriteDeadline(time.Now().Add(WriteWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case view, ok := <-updates:
			if !ok {
				go func() { _ = c.Close() }()
				updates = nil
				continue
			}
			data, err := NewViewFrame(view).ToJSON()
			if err != nil {
				continue
			}
			if !c.write(websocket.TextMessage, data) {
				return
			}

		case data := <-c.SendChannel:
			if !c.write(websocket.TextMessage, data) {
				return
			}

		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) bool {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(WriteWait))
	if err := c.Conn.WriteMessage(messageType, data); err != nil {
		c.logger.Debug("websocket_write_failed", "error", err)
		go func() { _ = c.Close() }()
		return false
	}
	return true
}

// SendFrame queues f for the write pump. A client that does not drain its
// queue loses frames rather than stalling the session.
func (c *Client) SendFrame(f *Frame) {
	data, err := f.ToJSON()
	if err != nil {
		return
	}
	if err := c.SendMessage(data); err != nil && !errors.Is(err, errClientClosed) {
		c.logger.Warn("websocket_frame_dropped", "type", f.Type, "error", err)
	}
}

// SendMessage: queue raw bytes for the write pump.
func (c *Client) SendMessage(message []byte) error {
	select {
	case <-c.ctx.Done():
		return errClientClosed
	default:
	}
	select {
	case c.SendChannel <- message:
		return nil
	default:
		return errSendBufferFull
	}
}

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Close: stops the pumps, closes the session and the socket and unregisters
// from the hub. Safe to call more than once and from any goroutine.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		// the write pump sends the close frame and then closes the socket
		c.cancel()
		err = c.Session.Close()
		if c.Hub != nil {
			c.Hub.unregister(c)
		}
		c.logger.Info("websocket_client_closed")
	})
	return err
}

// shutdown closes the client and waits for its in-flight action.
func (c *Client) shutdown() {
	if err := c.Close(); err != nil {
		c.logger.Warn("session_close_failed", "error", err)
	}
	c.wg.Wait()
}
