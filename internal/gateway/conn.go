// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/rpc"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait closes a connection that stays silent; pings go out
	// ahead of it so a live client always has a frame to answer.
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second

	// outboundBacklog bounds queued broadcast events per connection.
	// Responses bypass the queue and are never dropped.
	outboundBacklog = 256
)

// conn is one WebSocket client. Inbound frames are processed in receive
// order on the read pump; the write mutex serializes all outbound
// traffic.
type conn struct {
	id  string
	ws  *websocket.Conn
	srv *Server

	writeMu  sync.Mutex
	outbound chan rpc.Frame

	subMu    sync.Mutex
	patterns []events.Pattern
	source   string // routing token claimed via subscribe

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, srv *Server) *conn {
	return &conn{
		id:       uuid.New().String(),
		ws:       ws,
		srv:      srv,
		outbound: make(chan rpc.Frame, outboundBacklog),
		done:     make(chan struct{}),
	}
}

// run services the connection until either pump fails.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
		c.srv.dropConn(c)
	})
}

// readPump processes inbound frames in receive order. Any inbound frame
// counts as liveness and pushes the read deadline out.
func (c *conn) readPump() {
	defer c.close()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("gateway [%s]: read: %v", c.id, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame rpc.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("gateway [%s]: bad frame: %v", c.id, err)
			continue
		}

		switch frame.Type {
		case rpc.TypeRequest:
			c.handleRequest(frame)
		case rpc.TypePong:
			// Deadline already pushed; nothing else to do.
		case rpc.TypePing:
			c.writeFrame(rpc.Frame{Type: rpc.TypePong, ID: frame.ID})
		default:
			log.Printf("gateway [%s]: unexpected frame type %q", c.id, frame.Type)
		}
	}
}

// writePump drains broadcast events and emits idle pings. Responses are
// written directly by the read pump and only share the write mutex.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.outbound:
			if err := c.writeFrame(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.writeFrame(rpc.Frame{Type: rpc.TypePing, ID: uuid.New().String()}); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleRequest dispatches one req frame and writes exactly one
// response. subscribe/unsubscribe mutate connection state and are
// resolved here rather than in the shared registry.
func (c *conn) handleRequest(frame rpc.Frame) {
	env := frame.Envelope()
	env.ConnectionID = c.id
	if env.TraceID == "" {
		env.TraceID = uuid.New().String()
	}

	var payload any
	var err error
	switch frame.Method {
	case "subscribe":
		payload, err = c.subscribe(frame.Params)
	case "unsubscribe":
		payload, err = c.unsubscribe(frame.Params)
	default:
		payload, err = c.srv.dispatcher.Dispatch(c.srv.baseCtx, frame.Method, frame.Params, env)
	}

	res := rpc.NewResponse(frame.ID, payload, err)
	if werr := c.writeFrame(res); werr != nil {
		log.Printf("gateway [%s]: write response %s: %v", c.id, frame.ID, werr)
		c.close()
	}
}

type subscribeParams struct {
	Events []string `json:"events"`
	Source string   `json:"source,omitempty"`
}

// subscribe adds event-name globs to the connection's filter and
// optionally claims a source routing token.
func (c *conn) subscribe(params json.RawMessage) (any, error) {
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.E(rpc.KindInvalidParams, "subscribe params: %v", err)
	}
	if len(p.Events) == 0 && p.Source == "" {
		return nil, rpc.E(rpc.KindInvalidParams, "subscribe requires events or source")
	}

	compiled := make([]events.Pattern, 0, len(p.Events))
	for _, glob := range p.Events {
		pattern, err := events.Compile(glob)
		if err != nil {
			return nil, rpc.E(rpc.KindInvalidParams, "bad pattern %q: %v", glob, err)
		}
		compiled = append(compiled, pattern)
	}

	c.subMu.Lock()
	for _, pattern := range compiled {
		if !c.hasPatternLocked(pattern.String()) {
			c.patterns = append(c.patterns, pattern)
		}
	}
	if p.Source != "" {
		c.source = p.Source
	}
	count := len(c.patterns)
	c.subMu.Unlock()

	return map[string]any{"subscribed": count}, nil
}

// unsubscribe removes globs; an empty list clears everything.
func (c *conn) unsubscribe(params json.RawMessage) (any, error) {
	var p subscribeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpc.E(rpc.KindInvalidParams, "unsubscribe params: %v", err)
		}
	}

	c.subMu.Lock()
	if len(p.Events) == 0 {
		c.patterns = nil
	} else {
		drop := make(map[string]bool, len(p.Events))
		for _, glob := range p.Events {
			drop[glob] = true
		}
		kept := c.patterns[:0]
		for _, pattern := range c.patterns {
			if !drop[pattern.String()] {
				kept = append(kept, pattern)
			}
		}
		c.patterns = kept
	}
	count := len(c.patterns)
	c.subMu.Unlock()

	return map[string]any{"subscribed": count}, nil
}

func (c *conn) hasPatternLocked(glob string) bool {
	for _, pattern := range c.patterns {
		if pattern.String() == glob {
			return true
		}
	}
	return false
}

// wants applies the delivery filter: the name must match a subscribed
// glob, and the event must be unaddressed, addressed to this
// connection's id, or addressed to its claimed source token.
func (c *conn) wants(evt events.Event) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	matched := false
	for _, pattern := range c.patterns {
		if pattern.Match(evt.Type) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if evt.ConnectionID == "" || evt.ConnectionID == c.id {
		return true
	}
	return c.source != "" && evt.ConnectionID == c.source
}

// enqueueEvent queues a broadcast frame, dropping when the backlog is
// full.
func (c *conn) enqueueEvent(frame rpc.Frame) {
	select {
	case c.outbound <- frame:
	case <-c.done:
	default:
		log.Printf("gateway [%s]: outbound queue full, dropping event %q", c.id, frame.Event)
	}
}

func (c *conn) writeFrame(frame rpc.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(frame)
}
