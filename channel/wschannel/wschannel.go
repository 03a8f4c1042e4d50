// Package wschannel implements channel.Adapter over
// github.com/gorilla/websocket, with a listener-side Upgrade path and
// an outbound Dial path feeding the same Channel type.
package wschannel

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syncnet/syncd/channel"
)

const (
	// defaultMaxFrameBytes bounds a single incoming frame, guarding
	// against an unbounded allocation from a malformed or hostile
	// peer.
	defaultMaxFrameBytes = 4 << 20

	// writeWait bounds how long a single write may block.
	writeWait = 10 * time.Second

	// defaultPongWait is how far each received pong pushes the read
	// deadline out; a peer that stops answering pings for this long is
	// treated as stale. It is fixed and does not follow the interval
	// passed to SetPingInterval, and no read deadline is set before the
	// first pong arrives.
	defaultPongWait = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Channel is a channel.Adapter backed by a *websocket.Conn.
type Channel struct {
	conn *websocket.Conn

	incoming chan string
	errs     chan error
	closed   chan struct{}

	writeMu  sync.Mutex
	closeMu  sync.Mutex
	didClose bool
	info     channel.CloseInfo

	pingMu       sync.Mutex
	pingInterval time.Duration
	stopPing     chan struct{}
}

var _ channel.Adapter = (*Channel)(nil)

// Dial opens an outbound WebSocket connection, the client-role
// constructor.
func Dial(url string, header http.Header) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("wschannel: dial %s: %w", url, err)
	}
	return newChannel(conn), nil
}

// Upgrade promotes an inbound HTTP request to a WebSocket connection,
// the server-role constructor. Call from an http.Handler.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Channel, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wschannel: upgrade: %w", err)
	}
	return newChannel(conn), nil
}

func newChannel(conn *websocket.Conn) *Channel {
	conn.SetReadLimit(defaultMaxFrameBytes)

	c := &Channel{
		conn:     conn,
		incoming: make(chan string, 64),
		errs:     make(chan error, 8),
		closed:   make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	go c.readLoop()
	return c
}

// readLoop is this channel's sole reader goroutine, generalizing the
// teacher's peer.readHandler: read frames in series until the
// transport errs or closes, then tear down exactly once.
func (c *Channel) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			code := channel.CloseAbnormal
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			c.terminate(channel.CloseInfo{Code: code, Reason: reason})
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case c.incoming <- string(data):
		case <-c.closed:
			return
		}
	}
}

// Send implements channel.Adapter. gorilla/websocket forbids
// concurrent writers on the same connection, so all writes (data
// frames and pings) are serialized through writeMu.
func (c *Channel) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("wschannel: send on closed channel")
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *Channel) Incoming() <-chan string { return c.incoming }
func (c *Channel) Errors() <-chan error    { return c.errs }
func (c *Channel) Closed() <-chan struct{} { return c.closed }

func (c *Channel) CloseInfo() channel.CloseInfo {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.info
}

// Close implements channel.Adapter. Idempotent.
func (c *Channel) Close(code int, reason string) error {
	c.writeMu.Lock()
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	writeErr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	c.writeMu.Unlock()

	c.terminate(channel.CloseInfo{Code: code, Reason: reason})
	c.conn.Close()
	return writeErr
}

func (c *Channel) terminate(info channel.CloseInfo) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.didClose {
		return
	}
	c.didClose = true
	c.info = info
	c.pingMu.Lock()
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.pingMu.Unlock()
	close(c.closed)
}

// SetPingInterval implements channel.Adapter. A value of 0 disables
// the heartbeat.
func (c *Channel) SetPingInterval(d time.Duration) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.pingInterval = d
	if d <= 0 {
		return
	}

	stop := make(chan struct{})
	c.stopPing = stop
	go c.pingLoop(d, stop)
}

// pingLoop periodically writes a ping control frame; a failed write
// is treated the same as any other transport error and tears the
// channel down.
func (c *Channel) pingLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.terminate(channel.CloseInfo{Code: channel.CloseAbnormal, Reason: err.Error()})
				return
			}
		case <-stop:
			return
		case <-c.closed:
			return
		}
	}
}
