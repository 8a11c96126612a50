// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianBridge/services/bridge/codec"
)

// Close code the upstream gateway uses when the external party logged the
// session out. Everything else maps to a transient cause.
const closeCodeLoggedOut = 4401

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultMaxFrameSize = 1 << 20
)

// WSConfig configures the websocket-backed protocol client.
type WSConfig struct {
	// URL is the upstream protocol gateway, e.g. wss://gw.example.com/v1/link.
	URL string

	// Header is attached to the dial request (auth, tracing).
	Header http.Header

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	MaxFrameSize int64

	Logger *slog.Logger
}

func (c WSConfig) withDefaults() WSConfig {
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = defaultPongTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// WSClient dials the upstream protocol gateway over websocket. It
// implements Client.
type WSClient struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSClient builds a websocket client for the given gateway.
func NewWSClient(cfg WSConfig) (*WSClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway URL is required")
	}
	cfg = cfg.withDefaults()
	return &WSClient{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: cfg.Logger,
	}, nil
}

// wireFrame is the JSON envelope exchanged with the gateway. Exactly one
// payload section is populated per frame, keyed by Type.
type wireFrame struct {
	Type string `json:"type"`

	// hello
	IdentityToken string          `json:"identityToken,omitempty"`
	Resume        json.RawMessage `json:"resume,omitempty"`

	// pairing_code
	Code string `json:"code,omitempty"`

	// state
	State       string `json:"state,omitempty"`
	Cause       string `json:"cause,omitempty"`
	IsNewLogin  bool   `json:"isNewLogin,omitempty"`
	PhoneID     string `json:"phoneId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	// credentials
	Credentials json.RawMessage `json:"credentials,omitempty"`

	// message
	Recipient string `json:"recipient,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// Open dials the gateway, sends the hello frame for identityToken, and
// returns a live connection. creds, when non-nil, rides along in the
// hello so the gateway resumes the existing session instead of starting
// a pairing.
func (c *WSClient) Open(ctx context.Context, identityToken string, creds map[string]any) (Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	hello := wireFrame{Type: "hello", IdentityToken: identityToken}
	if creds != nil {
		blob, err := codec.Encode(creds)
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("encode resume credentials: %w", err)
		}
		hello.Resume = blob
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteJSON(hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	conn := &wsConn{
		ws:     ws,
		cfg:    c.cfg,
		logger: c.logger.With("identity_token", identityToken),
		events: make(chan Event, 32),
		out:    make(chan wireFrame, 32),
		done:   make(chan struct{}),
		creds:  copyCreds(creds),
	}
	go conn.readPump()
	go conn.writePump()
	return conn, nil
}

// wsConn is one live websocket session. The read pump is the only writer
// to the events channel and the credential snapshot; the write pump is
// the only goroutine touching the socket's write side.
type wsConn struct {
	ws     *websocket.Conn
	cfg    WSConfig
	logger *slog.Logger

	events chan Event
	out    chan wireFrame

	closeOnce sync.Once
	done      chan struct{}

	mu    sync.Mutex
	creds map[string]any
}

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) Send(ctx context.Context, recipient string, payload []byte) error {
	frame := wireFrame{Type: "message", Recipient: recipient, Payload: payload}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Credentials() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyCreds(c.creds)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		_ = c.ws.Close()
	})
	return nil
}

// readPump owns the socket's read side: it translates gateway frames into
// Events and on exit delivers the final StateClose before closing the
// events channel.
func (c *wsConn) readPump() {
	c.ws.SetReadLimit(c.cfg.MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		var frame wireFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			c.finish(closeCause(err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		switch frame.Type {
		case "pairing_code":
			c.deliver(Event{PairingCode: frame.Code})
		case "credentials":
			if err := c.absorbCredentials(frame.Credentials); err != nil {
				c.logger.Error("unusable credentials frame", "error", err)
				continue
			}
			c.deliver(Event{CredentialsUpdated: true})
		case "state":
			ev := Event{
				State:       State(frame.State),
				IsNewLogin:  frame.IsNewLogin,
				PhoneID:     frame.PhoneID,
				DisplayName: frame.DisplayName,
			}
			if ev.State == StateClose {
				if frame.Cause != "" {
					ev.Cause = CloseCause(frame.Cause)
				} else {
					ev.Cause = CauseUnknown
				}
				c.deliverClose(ev)
				_ = c.Close()
				return
			}
			c.deliver(ev)
		case "message":
			// Inbound application traffic is routed by the messaging
			// layer, not the lifecycle stream.
		default:
			c.logger.Warn("unknown gateway frame", "type", frame.Type)
		}
	}
}

// writePump owns the socket's write side: outbound frames plus keepalive
// pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.logger.Warn("gateway write failed", "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// absorbCredentials merges a credentials frame into the snapshot. The
// frame carries the gateway's full current material, so this is a
// replace, not a patch.
func (c *wsConn) absorbCredentials(raw json.RawMessage) error {
	if len(raw) == 0 {
		return errors.New("empty credentials frame")
	}
	creds, err := codec.Decode(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	return nil
}

// finish emits the final close event for an abnormal read exit, exactly
// once.
func (c *wsConn) finish(cause CloseCause) {
	select {
	case <-c.done:
		// Locally closed; the consumer initiated this, no event needed.
		c.closeEvents()
		return
	default:
	}
	c.deliverClose(Event{State: StateClose, Cause: cause})
	_ = c.Close()
}

// deliver pushes an event, dropping it if the consumer is gone.
func (c *wsConn) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// deliverClose pushes the final event and closes the channel. The events
// channel is buffered, so this never blocks behind a slow consumer for
// the close itself.
func (c *wsConn) deliverClose(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event buffer full, close event dropped")
	}
	c.closeEvents()
}

func (c *wsConn) closeEvents() {
	// readPump is the only caller, and it returns right after, so no
	// second close can race this.
	close(c.events)
}

// closeCause maps a read error to a CloseCause.
func closeCause(err error) CloseCause {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case closeCodeLoggedOut:
			return CauseLoggedOut
		case websocket.CloseServiceRestart, websocket.CloseTryAgainLater:
			return CauseServerReset
		default:
			return CauseNetwork
		}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return CauseTimeout
	}
	return CauseNetwork
}

// copyCreds deep-copies credential material; []byte values get their own
// backing array.
func copyCreds(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyCredValue(v)
	}
	return out
}

func copyCredValue(v any) any {
	switch t := v.(type) {
	case []byte:
		dup := make([]byte, len(t))
		copy(dup, t)
		return dup
	case map[string]any:
		return copyCreds(t)
	case []any:
		dup := make([]any, len(t))
		for i, e := range t {
			dup[i] = copyCredValue(e)
		}
		return dup
	default:
		return v
	}
}
