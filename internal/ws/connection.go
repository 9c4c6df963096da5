package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"palaver/internal/models"

	json "github.com/goccy/go-json"
)

type connState int

const (
	stateConnecting connState = iota
	stateAdmitted
	stateClosed
)

// chatHub is the hub surface a connection lifecycle needs.
type chatHub interface {
	Admit(c *Conn, identity models.Identity) error
	Retire(c *Conn)
	SendMessage(sender models.Identity, body string) error
	RelayTyping(identity models.Identity)
	MarkRead(reader models.Identity) error
}

// Connection drives one live connection from admission to retirement:
// Connecting -> Admitted -> Closed. It owns the Conn for its duration and
// guarantees exactly one retire on the way out.
type Connection struct {
	hub      chatHub
	conn     *Conn
	identity models.Identity
	logger   *slog.Logger

	state      connState
	retireOnce sync.Once
}

func NewConnection(hub chatHub, ws wsConn, identity models.Identity, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		hub:      hub,
		conn:     newConn(ws),
		identity: identity,
		logger:   logger,
	}
}

// Run blocks until the transport closes or errors. Connections without a
// verified identity are rejected before admission.
func (c *Connection) Run(ctx context.Context) error {
	if c.identity.UserID == "" {
		c.state = stateClosed
		return c.conn.Close()
	}

	if err := c.hub.Admit(c.conn, c.identity); err != nil {
		if !errors.Is(err, models.ErrDuplicateAdmission) {
			c.state = stateClosed
			_ = c.conn.Close()
			return err
		}
		// Programmer error; the existing admission stands.
		c.logger.Error("connection admitted twice", "user_id", c.identity.UserID)
	}
	c.state = stateAdmitted

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.retire()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Go(func() {
		errCh <- c.readLoop(ctx)
		cancel()
	})
	wg.Go(func() {
		errCh <- c.conn.writeLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	_ = c.conn.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Connection) retire() {
	c.retireOnce.Do(func() {
		c.state = stateClosed
		c.hub.Retire(c.conn)
	})
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.ws.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.handleFrame(data)
	}
}

// handleFrame classifies one inbound frame. Malformed or unrecognized frames
// are logged and ignored; bad input from one client must not close its
// connection or disturb anyone else's.
func (c *Connection) handleFrame(data []byte) {
	var ev models.ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("ignoring malformed frame", "user_id", c.identity.UserID, "error", err)
		return
	}

	switch ev.Type {
	case models.ClientEventMessage:
		if err := c.hub.SendMessage(c.identity, ev.Message); err != nil {
			c.sendError(err)
		}
	case models.ClientEventTyping:
		c.hub.RelayTyping(c.identity)
	case models.ClientEventMarkRead:
		if err := c.hub.MarkRead(c.identity); err != nil {
			c.sendError(err)
		}
	default:
		c.logger.Warn("ignoring unknown frame type", "user_id", c.identity.UserID, "type", string(ev.Type))
	}
}

// sendError surfaces a failure to the originating sender only.
func (c *Connection) sendError(err error) {
	msg := "message could not be delivered"
	if errors.Is(err, models.ErrEmptyMessage) {
		msg = "message is empty"
	}
	payload, merr := json.Marshal(models.ServerEvent{
		Type:    models.ServerEventError,
		Message: msg,
	})
	if merr != nil {
		return
	}
	c.conn.Send(payload)
}
