// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client provides a Go client library for the claudia gateway.
//
// The gateway speaks JSON frames over a single WebSocket: requests carry a
// generated id, the matching response carries the same id back, and
// subscribed events arrive interleaved between responses. The client owns
// one connection, demultiplexes responses to in-flight calls, fans events
// out to subscribers, and answers the gateway's liveness pings.
//
// # Getting Started
//
// Dial the gateway and call methods by name:
//
//	c, err := client.Dial(ctx, "ws://localhost:4400/ws")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	ws, err := c.GetOrCreateWorkspace(ctx, "/home/user/project")
//
// Arbitrary methods are available through Call:
//
//	payload, err := c.Call(ctx, "method.list", nil)
//
// # Events
//
// Subscribe registers event-name patterns with the gateway and returns a
// channel. Patterns support "*", exact names, "prefix.*", and "*.suffix":
//
//	events, err := c.Subscribe(ctx, "sse", "conversation.*")
//	for evt := range events {
//	    ...
//	}
//
// # Error Handling
//
// Gateway failures are returned as *Error values carrying the wire kind:
//
//	_, err := c.Call(ctx, "bogus.method", nil)
//	var rpcErr *client.Error
//	if errors.As(err, &rpcErr) {
//	    fmt.Println(rpcErr.Kind) // UnknownMethod
//	}
//
// # Context Support
//
// Every call accepts a context for cancellation. Calls whose context has
// no deadline get the client's default timeout.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultTimeout bounds calls whose context carries no deadline.
	DefaultTimeout = 30 * time.Second

	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// eventBuffer is the per-subscription channel depth. Events beyond
	// it are dropped, matching the gateway's broadcast semantics.
	eventBuffer = 64
)

// Client is a connection to the claudia gateway.
//
// A Client is safe for concurrent use by multiple goroutines. Once the
// connection drops, every in-flight call fails and the client must be
// re-dialed; it does not reconnect on its own.
type Client struct {
	url     string
	timeout time.Duration
	header  http.Header
	dialer  *websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	subs    map[string]*subscription
	err     error
	closed  bool

	done chan struct{}
}

type subscription struct {
	patterns []pattern
	ch       chan Event
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the default per-call timeout applied when the caller's
// context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHeader sets HTTP headers sent with the upgrade request.
func WithHeader(h http.Header) Option {
	return func(c *Client) {
		c.header = h
	}
}

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// Dial connects to the gateway and starts the read loop. The URL may use
// http/https schemes; they are rewritten to ws/wss. A URL without a path
// gets /ws appended.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	c := &Client{
		url:     normalizeURL(rawURL),
		timeout: DefaultTimeout,
		pending: make(map[string]chan Frame),
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := c.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %s)", c.url, err, resp.Status)
		}
		return nil, fmt.Errorf("client: dial %s: %w", c.url, err)
	}
	c.conn = conn

	go c.readPump()
	return c, nil
}

// normalizeURL rewrites http schemes to ws and defaults the path to /ws.
func normalizeURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case !strings.Contains(raw, "://"):
		raw = "ws://" + raw
	}
	raw = strings.TrimSuffix(raw, "/")
	scheme, rest, _ := strings.Cut(raw, "://")
	if strings.Contains(rest, "/") {
		return raw // caller supplied a path
	}
	return scheme + "://" + rest + "/ws"
}

// URL returns the resolved WebSocket URL.
func (c *Client) URL() string { return c.url }

// Close tears down the connection. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// Call sends one request and waits for its response. The returned payload
// is the raw JSON result; a gateway failure comes back as *Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("client: marshal params for %s: %w", method, err)
		}
		raw = data
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := uuid.New().String()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed || c.err != nil {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := Frame{Type: "req", ID: id, Method: method, Params: raw}
	if err := c.writeFrame(frame); err != nil {
		return nil, fmt.Errorf("client: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	case res := <-ch:
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Payload, nil
	}
}

// call invokes a method and decodes the payload into result when non-nil.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	payload, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, result); err != nil {
		return fmt.Errorf("client: decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) writeFrame(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump demultiplexes incoming frames: responses complete pending
// calls, events fan out to subscriptions, pings are answered inline. It
// runs until the connection fails, then fails everything still waiting.
func (c *Client) readPump() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "res":
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		case "event":
			c.deliver(frame)
		case "ping":
			c.writeFrame(Frame{Type: "pong", ID: frame.ID})
		}
	}
}

// deliver fans an event frame out to every matching subscription, dropping
// when a subscriber's buffer is full.
func (c *Client) deliver(frame Frame) {
	evt := Event{
		Name:    frame.Event,
		Payload: frame.Payload,
		Source:  frame.Source,
		Tags:    frame.Tags,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		for _, p := range sub.patterns {
			if p.match(evt.Name) {
				select {
				case sub.ch <- evt:
				default:
				}
				break
			}
		}
	}
}

// fail records the terminal error, completes pending calls with it, and
// closes subscriber channels.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		err = ErrClosed
	}
	c.err = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		select {
		case ch <- Frame{Type: "res", ID: id, Error: &Error{Kind: KindExternalFailure, Message: err.Error()}}:
		default:
		}
	}
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub.ch)
	}
}
