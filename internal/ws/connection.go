package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/content"
	"chatrelay/internal/models"
	"chatrelay/internal/outbox"
	"chatrelay/internal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Close reasons carried by session_closed and the close frame.
const (
	ReasonSuperseded = "superseded"
	ReasonLogout     = "logout"
	ReasonOverflow   = "overflow"
	ReasonShutdown   = "shutdown"
	ReasonTransport  = "transport"
)

// CloseCodeSessionClosed is the application close code sent with every
// server initiated close.
const CloseCodeSessionClosed = 4000

const maxFrameBytes = 64 << 10

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
}

type messageHub interface {
	Join(ctx context.Context, conn registry.Conn)
	Leave(conn registry.Conn)
	Dispatch(ctx context.Context, conn registry.Conn, evt models.ClientEvent)
}

type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	OutboxSize   int
	OutboxPolicy outbox.Policy
}

// Connection drives one websocket session through
// Connecting -> Authenticated -> Active -> Closed.
type Connection struct {
	id        string
	ws        wsConnection
	hub       messageHub
	cfg       Config
	outbox    *outbox.Outbox[models.ServerEvent]
	createdAt time.Time
	logger    zerolog.Logger

	state        atomic.Int32
	lastActivity atomic.Int64

	mu     sync.Mutex
	userID string
	reason string

	closeCtx   context.Context
	closeFn    context.CancelFunc
	fromClient chan models.ClientEvent
	writerDone chan struct{}
}

var _ registry.Conn = (*Connection)(nil)

func NewConnection(hub messageHub, ws wsConnection, cfg Config, logger zerolog.Logger) *Connection {
	id := uuid.NewString()
	closeCtx, closeFn := context.WithCancel(context.Background())
	c := &Connection{
		id:         id,
		ws:         ws,
		hub:        hub,
		cfg:        cfg,
		outbox:     outbox.New[models.ServerEvent](cfg.OutboxSize, cfg.OutboxPolicy),
		createdAt:  time.Now(),
		logger:     logger.With().Str("component", "ws").Str("conn_id", id).Logger(),
		closeCtx:   closeCtx,
		closeFn:    closeFn,
		fromClient: make(chan models.ClientEvent),
		writerDone: make(chan struct{}),
	}
	c.outbox.OnDrop(func(evt models.ServerEvent) { evt.Settle(false) })
	c.touch()
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

func (c *Connection) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// Reason returns why the connection was closed, or "" while it is open.
func (c *Connection) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Send queues evt for the writer. It never blocks. Under the close policy a
// full queue closes the connection with reason "overflow".
//
// Once Send returns nil, evt is settled exactly once: written, dropped by
// the drop-oldest policy, or discarded when the connection closes.
func (c *Connection) Send(evt models.ServerEvent) error {
	if c.closeCtx.Err() != nil {
		return outbox.ErrClosed
	}
	err := c.outbox.Push(evt)
	if errors.Is(err, outbox.ErrOverflow) {
		c.logger.Warn().Str("user_id", c.UserID()).Int("queued", c.outbox.Len()).Msg("outbox overflow, closing connection")
		c.Close(ReasonOverflow)
	}
	return err
}

// Close ends the session. Only the first reason wins. For every reason but
// "transport" the client receives session_closed and a close frame.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	c.closeFn()
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// Handle runs the session until it is closed. It returns the transport error
// that ended it, or nil when it was closed deliberately.
func (c *Connection) Handle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close(ReasonShutdown) })
	defer stop()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Go(func() { errCh <- c.pumpMessages() })
	wg.Go(func() { errCh <- c.mainLoop(ctx) })
	wg.Go(func() { errCh <- c.writeLoop() })

	err := <-errCh
	c.Close(ReasonTransport)
	<-c.writerDone
	_ = c.ws.Close()
	wg.Wait()

	c.outbox.Close()
	for _, evt := range c.outbox.Drain() {
		evt.Settle(false)
	}
	if c.State() != StateConnecting {
		c.hub.Leave(c)
	}
	c.state.Store(int32(StateClosed))

	reason := c.Reason()
	c.logger.Debug().Err(err).Str("user_id", c.UserID()).Str("reason", reason).Msg("connection closed")

	if reason != ReasonTransport || err == nil {
		return nil
	}
	return err
}

func (c *Connection) pumpMessages() error {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		var evt models.ClientEvent
		if err := c.ws.ReadJSON(&evt); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				_ = c.Send(models.MessageErrorEvent("malformed event", ""))
				continue
			}
			return err
		}
		c.touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		select {
		case c.fromClient <- evt:
		case <-c.closeCtx.Done():
			return nil
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt := <-c.fromClient:
			c.processClientEvent(ctx, evt)
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				return err
			}
		case <-c.closeCtx.Done():
			return nil
		}
	}
}

func (c *Connection) writeLoop() error {
	defer close(c.writerDone)

	for {
		if err := c.outbox.Wait(c.closeCtx); err != nil {
			return c.goodbye()
		}
		if err := c.writeAll(c.outbox.Drain()); err != nil {
			return err
		}
	}
}

// writeAll writes evts in order. Events after a failed write are settled
// as not written.
func (c *Connection) writeAll(evts []models.ServerEvent) error {
	for i, evt := range evts {
		if err := c.write(evt); err != nil {
			for _, rest := range evts[i+1:] {
				rest.Settle(false)
			}
			return err
		}
	}
	return nil
}

func (c *Connection) write(evt models.ServerEvent) error {
	err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err == nil {
		err = c.ws.WriteJSON(evt)
	}
	evt.Settle(err == nil)
	return err
}

// goodbye flushes what is still queued and tells the client why the session
// ends. A dead transport gets nothing.
func (c *Connection) goodbye() error {
	c.outbox.Close()

	reason := c.Reason()
	if reason == ReasonTransport {
		return nil
	}

	if reason != ReasonOverflow {
		if err := c.writeAll(c.outbox.Drain()); err != nil {
			return nil
		}
	}

	if err := c.write(models.SessionClosedEvent(reason)); err != nil {
		return nil
	}
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseCodeSessionClosed, reason),
		time.Now().Add(c.cfg.WriteWait),
	)
	return nil
}

func (c *Connection) processClientEvent(ctx context.Context, evt models.ClientEvent) {
	if c.State() == StateConnecting {
		c.authenticate(ctx, evt)
		return
	}

	userID := c.UserID()
	switch evt.Type {
	case models.ClientEventJoin:
		if evt.UserID != userID {
			c.reject(fmt.Sprintf("already joined as %s", userID), evt)
			return
		}
		c.hub.Join(ctx, c)

	case models.ClientEventSendMessage, models.ClientEventTyping:
		if evt.SenderID != "" && evt.SenderID != userID {
			c.reject("sender does not match joined identity", evt)
			return
		}
		evt.SenderID = userID
		c.hub.Dispatch(ctx, c, evt)

	case models.ClientEventGetOnlineUsers:
		c.hub.Dispatch(ctx, c, evt)

	case models.ClientEventLogout:
		c.Close(ReasonLogout)

	default:
		c.reject(fmt.Sprintf("unknown event type %q", evt.Type), evt)
	}
}

// authenticate binds the identity announced by join. The identity is
// trusted as supplied.
func (c *Connection) authenticate(ctx context.Context, evt models.ClientEvent) {
	if evt.Type != models.ClientEventJoin {
		c.reject("join required", evt)
		return
	}
	if err := content.ValidateIdentity(evt.UserID); err != nil {
		c.reject(err.Error(), evt)
		return
	}

	c.mu.Lock()
	c.userID = evt.UserID
	c.mu.Unlock()
	c.state.Store(int32(StateAuthenticated))

	c.hub.Join(ctx, c)
	c.state.Store(int32(StateActive))
	c.logger.Debug().Str("user_id", evt.UserID).Msg("joined")
}

func (c *Connection) reject(reason string, evt models.ClientEvent) {
	_ = c.Send(models.MessageErrorEvent(reason, evt.ClientMessageID))
}
