// Package ws adapts gorilla/websocket connections to relay.Conn.
//
// Each Conn owns one writer goroutine: Send only queues, the writer applies
// the write deadline, interleaves keep-alive pings and closes the socket on
// the first write failure so the reader unblocks.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"notifyrelay/internal/registry"
	"notifyrelay/internal/relay"
	logx "notifyrelay/pkg/logx"
)

type Options struct {
	// PingInterval is how often the server pings. PingTimeout is how long a
	// pong may take. The read deadline is their sum, refreshed on every pong
	// and every inbound frame.
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteWait    time.Duration
	ReadLimit    int64
	SendQueue    int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 60 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 30 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	return o
}

type Conn struct {
	id   registry.ConnID
	ws   *websocket.Conn
	opts Options
	log  logx.Logger

	send       chan string
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

var _ relay.Conn = (*Conn)(nil)

// New wraps ws and starts its writer. The connection is closed when ctx is
// done, which is how server shutdown reaches every handler.
func New(ctx context.Context, ws *websocket.Conn, opts Options, log logx.Logger) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		id:         registry.NextConnID(),
		ws:         ws,
		opts:       opts,
		send:       make(chan string, opts.SendQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c.log = log.With(logx.Uint64("conn_id", uint64(c.id)), logx.String("remote", c.RemoteAddr()))

	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.readWindow()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.readWindow()))
	})

	go c.writeLoop(ctx)
	return c
}

func (c *Conn) ID() registry.ConnID { return c.id }

func (c *Conn) RemoteAddr() string {
	if a := c.ws.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *Conn) readWindow() time.Duration { return c.opts.PingInterval + c.opts.PingTimeout }

// Send queues text for the writer. It fails with relay.ErrClosed once the
// connection is closing, and with ctx's error if the queue stays full.
func (c *Conn) Send(ctx context.Context, text string) error {
	select {
	case <-c.done:
		return relay.ErrClosed
	default:
	}
	select {
	case c.send <- text:
		return nil
	case <-c.done:
		return relay.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next text or binary frame as a string. Only one
// goroutine may call it.
func (c *Conn) Receive(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.done:
			return "", relay.ErrClosed
		default:
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return "", io.EOF
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.log.Debug("keep-alive timeout")
		}
		return "", err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.readWindow()))
	return string(data), nil
}

// Close stops the writer, sends a close frame and releases the socket.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.writerDone
	return nil
}

func (c *Conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() { close(c.done) })
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case <-ctx.Done():
			c.writeClose(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.done:
			c.drain()
			c.writeClose(websocket.CloseNormalClosure, "")
			return
		case text := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				c.log.Debug("write failed", logx.Err(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.log.Debug("ping failed", logx.Err(err))
				return
			}
		}
	}
}

// drain flushes frames queued before Close.
func (c *Conn) drain() {
	for {
		select {
		case text := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
}
