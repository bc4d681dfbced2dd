package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is an ordered, message-framed duplex connection.
//
// ReadFrame is only called from one goroutine at a time, as is WriteFrame.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// DialOptions configure the websocket connection.
type DialOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval is how often a websocket ping is sent. Zero disables pings.
	// With pings enabled, a connection that delivers neither a frame nor a
	// pong for pongWait(PingInterval) is considered dead.
	PingInterval time.Duration
	// MaxFrameBytes limits the size of incoming frames. Zero means no limit.
	MaxFrameBytes int64
	Header        http.Header
}

// DefaultDialOptions returns the options used by Dial when none are given.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     54 * time.Second,
		MaxFrameBytes:    1 << 20,
	}
}

// pongWait is how long the read side waits for any traffic when pinging
// every interval.
func pongWait(interval time.Duration) time.Duration {
	return interval * 10 / 9
}

// wsConn adapts a gorilla websocket to Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	// readTimeout is zero when pings are disabled
	readTimeout time.Duration

	// gorilla allows one concurrent writer; pings share it with frames
	writeMu sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
}

// Dial opens a websocket to url.
func Dial(ctx context.Context, url string, opts DialOptions) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return NewWebsocketConn(conn, opts), nil
}

// NewWebsocketConn wraps an established websocket connection.
func NewWebsocketConn(conn *websocket.Conn, opts DialOptions) Conn {
	if opts.MaxFrameBytes > 0 {
		conn.SetReadLimit(opts.MaxFrameBytes)
	}

	c := &wsConn{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		stopCh:       make(chan struct{}),
	}

	if opts.PingInterval > 0 {
		c.readTimeout = pongWait(opts.PingInterval)
		c.extendReadDeadline()
		conn.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
		go c.pingLoop(opts.PingInterval)
	}
	return c
}

func (c *wsConn) extendReadDeadline() {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.extendReadDeadline()
		// binary frames belong to file transfers which this client does not consume
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stopCh)

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout+time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// isExpectedClose reports closures that are not worth an error log line.
func isExpectedClose(err error) bool {
	if errors.Is(err, ErrClosedByClient) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}
