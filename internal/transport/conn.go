// Package transport carries the duplex agent stream over a websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicebench/internal/protocol"
)

var (
	ErrClosed           = errors.New("stream closed")
	ErrKeepAliveTimeout = errors.New("agent keep-alive timed out")
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 4 << 20
)

// HandshakeError is a dial the agent answered with a non-upgrade HTTP status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("dial agent: %v (status %d)", e.Err, e.StatusCode)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Message is one inbound websocket frame.
type Message struct {
	Binary bool
	Data   []byte
}

// Receiver gets inbound frames on the stream's read goroutine and must hand
// them off without blocking for long. Closed is called once, only when the
// stream ends for a reason other than a local Close.
type Receiver interface {
	Receive(Message)
	Closed(err error)
}

type Dialer struct {
	URL              string
	APIKey           string
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Dial connects to the agent and starts the read and keep-alive loops.
func (d Dialer) Dial(ctx context.Context, recv Receiver) (*Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	header := http.Header{}
	if d.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.APIKey)
	}
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	wsd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, resp, err := wsd.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	ws.SetReadLimit(readLimit)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:        ws,
		recv:      recv,
		logger:    logger,
		keepAlive: d.KeepAlive,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.touch()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.readLoop() })
	g.Go(func() error { return c.keepAliveLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = c.ws.Close()
		return nil
	})
	go func() {
		err := g.Wait()
		c.finish(err)
	}()
	return c, nil
}

// Conn is safe for concurrent senders.
type Conn struct {
	ws        *websocket.Conn
	recv      Receiver
	logger    *zap.Logger
	keepAlive time.Duration

	writeMu  sync.Mutex
	closing  atomic.Bool
	lastSeen atomic.Int64
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *Conn) readLoop() error {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return nil
			}
			return fmt.Errorf("read agent stream: %w", err)
		}
		c.touch()
		switch mt {
		case websocket.TextMessage:
			c.recv.Receive(Message{Data: data})
		case websocket.BinaryMessage:
			c.recv.Receive(Message{Binary: true, Data: data})
		}
	}
}

func (c *Conn) keepAliveLoop(ctx context.Context) error {
	if c.keepAlive <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			idle := now.Sub(time.Unix(0, c.lastSeen.Load()))
			if idle > 3*c.keepAlive {
				return ErrKeepAliveTimeout
			}
			if err := c.SendJSON(protocol.NewPing(now.UnixMilli())); err != nil {
				if c.closing.Load() {
					return nil
				}
				return fmt.Errorf("send keep-alive: %w", err)
			}
		}
	}
}

func (c *Conn) finish(err error) {
	c.err = err
	close(c.done)
	if err != nil && !c.closing.Load() {
		c.logger.Warn("agent stream ended", zap.Error(err))
		c.recv.Closed(err)
	}
}

func (c *Conn) SendJSON(v any) error {
	if c.closing.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

func (c *Conn) SendBinary(b []byte) error {
	if c.closing.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("write binary: %w", err)
	}
	return nil
}

// Done is closed once every stream goroutine has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the reason the stream ended; nil after a local Close. Only valid
// after Done is closed.
func (c *Conn) Err() error { return c.err }

// Close sends a close frame and waits for the loops to exit. The receiver is
// not notified.
func (c *Conn) Close() error {
	if c.closing.Swap(true) {
		<-c.done
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.cancel()
	<-c.done
	return nil
}
