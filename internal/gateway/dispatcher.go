// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway terminates WebSocket clients, dispatches requests to
// core and extension method handlers, and fans bus events out with
// per-connection subscription filtering.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/claudiahq/claudia/internal/rpc"
)

// Handler executes one method call.
type Handler func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error)

// Method is one dispatchable entry in the core registry.
type Method struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON Schema for params, optional
	Handler     Handler

	compiled *jsonschema.Schema
}

// ExtensionRouter routes fully-qualified method names to extension
// hosts. Implemented by exthost.Manager.
type ExtensionRouter interface {
	Call(ctx context.Context, fqMethod string, params json.RawMessage, env rpc.Envelope) (json.RawMessage, error)
	Methods() []rpc.MethodInfo
}

// Dispatcher resolves method names with core-first precedence: a
// registered core method wins, then extension-qualified names, then
// UnknownMethod.
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[string]*Method
	exts    ExtensionRouter
}

// NewDispatcher creates an empty registry. exts may be nil when no
// extensions are configured.
func NewDispatcher(exts ExtensionRouter) *Dispatcher {
	return &Dispatcher{
		methods: make(map[string]*Method),
		exts:    exts,
	}
}

// Register adds a core method, compiling its param schema when present.
// Registering an existing name replaces it.
func (d *Dispatcher) Register(m Method) error {
	if m.Name == "" {
		return fmt.Errorf("method name is required")
	}
	if len(m.Schema) > 0 {
		var doc any
		if err := json.Unmarshal(m.Schema, &doc); err != nil {
			return fmt.Errorf("method %s: schema is not valid JSON: %w", m.Name, err)
		}
		c := jsonschema.NewCompiler()
		url := "core://" + m.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return fmt.Errorf("method %s: %w", m.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("method %s: schema does not compile: %w", m.Name, err)
		}
		m.compiled = compiled
	}

	d.mu.Lock()
	d.methods[m.Name] = &m
	d.mu.Unlock()
	return nil
}

// Dispatch routes one request. The envelope's deadline and depth are
// checked before any handler runs.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage, env rpc.Envelope) (any, error) {
	if env.Expired(time.Now()) {
		return nil, rpc.E(rpc.KindDeadlineExceeded, "deadline passed before dispatch of %s", method)
	}
	if err := env.CheckDepth(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	m := d.methods[method]
	d.mu.RUnlock()

	if m != nil {
		if err := validateParams(m, method, params); err != nil {
			return nil, err
		}
		callCtx, cancel := env.Context(ctx)
		defer cancel()
		return m.Handler(callCtx, params, env)
	}

	if d.exts != nil && strings.Contains(method, ".") {
		callCtx, cancel := env.Context(ctx)
		defer cancel()
		return d.exts.Call(callCtx, method, params, env)
	}
	return nil, rpc.E(rpc.KindUnknownMethod, "no handler for %q", method)
}

// DispatchRaw is Dispatch with a marshaled result, shaped to serve as
// the extension hosts' outgoing-call target.
func (d *Dispatcher) DispatchRaw(ctx context.Context, method string, params json.RawMessage, env rpc.Envelope) (json.RawMessage, error) {
	result, err := d.Dispatch(ctx, method, params, env)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", method, err)
	}
	return data, nil
}

// MethodList enumerates every dispatchable method, core then extension,
// sorted by name.
func (d *Dispatcher) MethodList() []rpc.MethodInfo {
	d.mu.RLock()
	infos := make([]rpc.MethodInfo, 0, len(d.methods))
	for _, m := range d.methods {
		infos = append(infos, rpc.MethodInfo{
			Name:        m.Name,
			Description: m.Description,
			InputSchema: m.Schema,
		})
	}
	d.mu.RUnlock()

	if d.exts != nil {
		infos = append(infos, d.exts.Methods()...)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func validateParams(m *Method, method string, params json.RawMessage) error {
	if m.compiled == nil {
		return nil
	}
	var value any
	if len(params) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(params, &value); err != nil {
		return rpc.E(rpc.KindInvalidParams, "params are not valid JSON: %v", err)
	}
	if err := m.compiled.Validate(value); err != nil {
		return rpc.E(rpc.KindInvalidParams, "params rejected by %s schema: %v", method, err)
	}
	return nil
}
