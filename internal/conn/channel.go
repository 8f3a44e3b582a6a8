package conn

import (
	"context"
	"fmt"
	"net/url"

	"nhooyr.io/websocket"
)

// Channel is one live duplex connection. The Manager is its exclusive
// owner; no other component reads or writes it.
type Channel interface {
	// Read blocks until the next inbound frame or an error. A closed
	// channel returns an error from then on.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame.
	Write(ctx context.Context, data []byte) error
	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens channels. Injected so tests can supply fakes and hosts can
// substitute transports.
type Dialer interface {
	Dial(ctx context.Context, rawURL, identity, credential string) (Channel, error)
}

// WebsocketDialer dials the production websocket endpoint, passing the
// identity and credential as query parameters the gateway authenticates.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, rawURL, identity, credential string) (Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("userId", identity)
	q.Set("token", credential)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsChannel{conn: ws}, nil
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsChannel) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
