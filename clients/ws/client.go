// Package ws provides a WebSocket client for the quorum gateway event
// stream. Clients subscribe to bus topic patterns and receive matching
// events as frames.
package ws

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/quorum/internal/gateway/ws"
)

// Client is a WebSocket client for the quorum gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// Subscribe asks the hub to relay events matching the topic pattern.
// Patterns use "*" for one segment and ">" for the rest.
func (c *Client) Subscribe(pattern string) error {
	return c.request(wsprotocol.MethodSubscribe, pattern)
}

// Unsubscribe removes a previously subscribed pattern.
func (c *Client) Unsubscribe(pattern string) error {
	return c.request(wsprotocol.MethodUnsubscribe, pattern)
}

func (c *Client) request(method, pattern string) error {
	seq := atomic.AddUint64(&c.reqSeq, 1)

	frame, err := wsprotocol.NewRequestFrame(fmt.Sprintf("req-%d", seq), method, wsprotocol.SubscribeParams{Pattern: pattern})
	if err != nil {
		return err
	}
	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// ReadFrame reads the next frame from the connection. It blocks until a
// frame arrives, the context ends, or the connection closes.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
