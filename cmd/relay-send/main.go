// Command relay-send delivers one message through a running relay:
//
//	relay-send [-url ws://host:8766/] <recipient_uuid> [message]
//
// With -listen it instead identifies as the given key and prints every
// message it receives until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"notifyrelay/internal/codec"
	"notifyrelay/internal/relay"
)

func main() {
	var (
		url     string
		listen  string
		timeout time.Duration
	)
	flag.StringVar(&url, "url", "ws://127.0.0.1:8766/", "relay websocket URL")
	flag.StringVar(&listen, "listen", "", "identify as this key and print received messages")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "dial and write timeout")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: relay-send [flags] <recipient_uuid> [message]")
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch {
	case listen != "":
		err = runListen(ctx, url, listen, timeout)
	case flag.NArg() >= 1:
		msg := "Hello."
		if flag.NArg() > 1 {
			msg = flag.Arg(1)
		}
		err = send(ctx, url, flag.Arg(0), msg, timeout)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// dial connects and consumes the greeting.
func dial(ctx context.Context, url string, timeout time.Duration) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, _, err := websocket.DefaultDialer.DialContext(dctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	_, greeting, err := c.ReadMessage()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if string(greeting) != relay.Greeting {
		_ = c.Close()
		return nil, fmt.Errorf("unexpected greeting %q", greeting)
	}
	_ = c.SetReadDeadline(time.Time{})
	return c, nil
}

func send(ctx context.Context, url, recipient, message string, timeout time.Duration) error {
	c, err := dial(ctx, url, timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	frame := codec.Encode(recipient, message)
	_ = c.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	fmt.Println("Send:", frame)

	_ = c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return nil
}

func runListen(ctx context.Context, url, key string, timeout time.Duration) error {
	c, err := dial(ctx, url, timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	go func() {
		<-ctx.Done()
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.Close()
	}()

	if err := c.WriteMessage(websocket.TextMessage, []byte(codec.Encode(key, codec.ControlConnected))); err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	fmt.Fprintf(os.Stderr, "listening as %s\n", key)
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		fmt.Println(string(msg))
	}
}
