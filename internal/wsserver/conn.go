package wsserver

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn wraps one device's websocket connection as a registry.Peer.
// gorilla/websocket allows at most one concurrent writer, so every outbound
// frame goes through the mutex; a per-write deadline keeps one dead peer
// from stalling broadcast fan-out.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (c *conn) SendText(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *conn) Close() error {
	return c.ws.Close()
}
