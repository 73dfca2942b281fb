package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/executor"
	"github.com/openclaw/support-bridge/internal/model"
	"github.com/openclaw/support-bridge/internal/tunnel"
)

const (
	verifyPath              = "/v1/pairing/verify"
	defaultHandshakeTimeout = 10 * time.Second
	defaultHTTPTimeout      = 15 * time.Second

	defaultHeartbeatInterval = 20 * time.Second
	defaultHeartbeatTimeout  = 60 * time.Second
)

type Options struct {
	ServerURL string
	Owner     model.OwnerFilter
	Policy    executor.Authorizer
	Engine    executor.Options

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration

	// OnChat receives chat frames from the console. Nil discards them.
	OnChat     func(data string)
	HTTPClient *http.Client
}

// Client is the remote-machine side of the bridge: it redeems a pairing
// code and then serves commands over the tunnel.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
}

func New(opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// Pairing is what a verified code grants: one tunnel for one session.
type Pairing struct {
	SessionID      string `json:"session_id"`
	TunnelEndpoint string `json:"tunnel_endpoint"`
	ExpiresIn      int    `json:"expires_in_seconds"`
}

type verifyRequest struct {
	UserID         *int64 `json:"user_id,omitempty"`
	DeviceID       *int64 `json:"device_id,omitempty"`
	OrganizationID *int64 `json:"organization_id,omitempty"`
	Code           string `json:"six_digit_code"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Pairing
}

// Pair redeems code with the server. Server rejections come back as
// AppErrors carrying the server's error code.
func (c *Client) Pair(ctx context.Context, code string) (*Pairing, error) {
	body, err := json.Marshal(verifyRequest{
		UserID:         c.opts.Owner.UserID,
		DeviceID:       c.opts.Owner.DeviceID,
		OrganizationID: c.opts.Owner.OrganizationID,
		Code:           code,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.opts.ServerURL, "/") + verifyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode verify response (status %d): %w", resp.StatusCode, err)
	}
	if !result.Success {
		return nil, apperrors.New(apperrors.ErrorCode(result.Code), result.Error)
	}
	if result.SessionID == "" || result.TunnelEndpoint == "" {
		return nil, fmt.Errorf("verify response is missing the session or endpoint")
	}

	log.Info().
		Str("sessionId", result.SessionID).
		Int("expiresIn", result.ExpiresIn).
		Msg("pairing code verified")
	return &result.Pairing, nil
}

// Run opens the tunnel for p and serves it until the server disconnects,
// the heartbeat times out or ctx is cancelled. A server-initiated
// disconnect returns nil.
func (c *Client) Run(ctx context.Context, p *Pairing) error {
	ws, _, err := c.dialer.DialContext(ctx, p.TunnelEndpoint, nil)
	if err != nil {
		return fmt.Errorf("dial tunnel: %w", err)
	}
	conn := tunnel.NewConn(ws)
	defer conn.Close("agent exit")

	if err := c.handshake(conn, p.SessionID); err != nil {
		return err
	}
	log.Info().Str("sessionId", p.SessionID).Msg("tunnel established")

	engine := executor.NewEngine(c.opts.Policy, conn, c.opts.Engine)
	defer engine.Close()

	var timedOut atomic.Bool
	monitor := tunnel.StartMonitor(c.opts.HeartbeatTimeout, conn.LastActivity, func() {
		log.Warn().Str("sessionId", p.SessionID).Msg("server heartbeat timeout")
		timedOut.Store(true)
		_ = conn.Close(model.CloseReasonHeartbeatTimeout)
	})
	defer monitor.Stop()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.heartbeat(runCtx, conn)
	go func() {
		<-runCtx.Done()
		if ctx.Err() != nil {
			_ = conn.WriteFrame(tunnel.DisconnectFrame(model.CloseReasonShutdown))
			_ = conn.Close(model.CloseReasonShutdown)
		}
	}()

	err = c.serve(conn, engine)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case timedOut.Load():
		return apperrors.HeartbeatTimeout()
	}
	return err
}

func (c *Client) handshake(conn *tunnel.Conn, sessionID string) error {
	if err := conn.WriteFrame(tunnel.Frame{Type: tunnel.FrameHandshake, SessionID: sessionID}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	ack, err := conn.ReadFrameWithin(c.opts.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("read handshake ack: %w", err)
	}
	switch ack.Type {
	case tunnel.FrameHandshakeAck:
		return nil
	case tunnel.FrameError:
		return apperrors.New(apperrors.ErrorCode(ack.ErrorCode), ack.Message)
	default:
		return apperrors.Protocol("unexpected handshake reply " + string(ack.Type))
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *tunnel.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteFrame(tunnel.Frame{Type: tunnel.FrameHeartbeat}); err != nil {
				log.Debug().Err(err).Msg("heartbeat not sent")
				return
			}
		}
	}
}

func (c *Client) serve(conn *tunnel.Conn, engine *executor.Engine) error {
	for {
		f, err := conn.ReadFrame()
		if errors.Is(err, tunnel.ErrMalformedFrame) {
			log.Warn().Err(err).Msg("ignoring malformed frame")
			continue
		}
		if err != nil {
			if tunnel.IsClosed(err) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch f.Type {
		case tunnel.FrameExecute:
			// rejections are already reported to the console
			_ = engine.Execute(*f)
		case tunnel.FrameCancel:
			engine.Cancel(f.CommandID)
		case tunnel.FrameChat:
			if c.opts.OnChat != nil {
				c.opts.OnChat(f.Data)
			}
		case tunnel.FrameHeartbeatAck:
		case tunnel.FrameError:
			log.Warn().Str("code", f.ErrorCode).Str("message", f.Message).Msg("server reported an error")
		case tunnel.FrameDisconnect:
			log.Info().Str("reason", f.Reason).Msg("server closed the session")
			return nil
		default:
			_ = conn.WriteFrame(tunnel.ErrorFrame(f.CommandID, apperrors.Protocol("frame type "+string(f.Type)+" is not accepted by the remote")))
		}
	}
}
