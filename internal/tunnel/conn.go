package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/support-bridge/internal/config"
)

// ErrMalformedFrame is returned by ReadFrame when a message arrived but did
// not decode. The socket is still usable.
var ErrMalformedFrame = errors.New("malformed frame")

// Conn wraps a websocket with frame codec, serialized writes and an
// activity clock read by the heartbeat monitor.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	closeOnce    sync.Once
	lastActivity atomic.Int64
}

func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(config.TunnelMaxMessageSize)
	c := &Conn{ws: ws}
	c.touch()
	return c
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity is the time the last message was received.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ReadFrame blocks for the next frame. Any received message counts as activity.
func (c *Conn) ReadFrame() (*Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.touch()

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &f, nil
}

// ReadFrameWithin is ReadFrame bounded by timeout. The deadline is cleared
// afterwards so later reads block indefinitely.
func (c *Conn) ReadFrameWithin(timeout time.Duration) (*Frame, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	f, err := c.ReadFrame()
	if clearErr := c.ws.SetReadDeadline(time.Time{}); clearErr != nil && err == nil {
		err = clearErr
	}
	return f, err
}

func (c *Conn) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(config.TunnelWriteWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

// Close sends a close control message carrying reason and closes the socket.
// Safe to call more than once.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(config.TunnelWriteWait),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// IsClosed reports whether err means the peer went away rather than a
// transport failure worth logging.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}

// NewUpgrader builds an upgrader that accepts non-browser clients and, when
// allowedOrigins is non-empty, only the listed browser origins.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}
