package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client is a thin connection wrapper: dial, write subscribe/unsubscribe
// frames, pump inbound messages to a handler. It never reconnects on its own;
// the owner decides when a fresh transport is established.
type Client struct {
	url          string
	dialTimeout  time.Duration
	pingInterval time.Duration
	log          *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(url string, dialTimeout, pingInterval time.Duration, log *zap.Logger) *Client {
	return &Client{url: url, dialTimeout: dialTimeout, pingInterval: pingInterval, log: log}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Subscribe sends one subscription frame on the current connection.
func (c *Client) Subscribe(ctx context.Context, subscription map[string]any) error {
	return c.send(ctx, map[string]any{"method": "subscribe", "subscription": subscription})
}

// Unsubscribe sends an unsubscribe frame for the given subscription.
func (c *Client) Unsubscribe(ctx context.Context, subscription map[string]any) error {
	return c.send(ctx, map[string]any{"method": "unsubscribe", "subscription": subscription})
}

func (c *Client) send(ctx context.Context, msg map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	return writeJSON(ctx, conn, msg)
}

// Run pumps messages to handler until the connection drops or ctx ends.
// It returns the read error; the caller owns reconnect policy.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(pingCtx, conn)
	}()
	err := readLoop(ctx, conn, handler)
	cancel()
	<-pingDone
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.logReadLoopError(err)
	return err
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "closing")
		c.conn = nil
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, handler func(json.RawMessage)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if conn == nil || c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if c.log == nil || err == nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
