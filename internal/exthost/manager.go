// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package exthost

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/rpc"
)

// sourceAckTimeout bounds how long a source-routed delivery waits for
// the extension's acknowledgement.
const sourceAckTimeout = 10 * time.Second

// Manager owns one Host per configured extension and wires them to the
// event bus: bus events matching an extension's subscriptions become
// event frames, source-routed events become __sourceResponse requests,
// and extension-originated events and calls flow back out.
type Manager struct {
	mu    sync.Mutex
	hosts map[string]*Host
	order []string // configured order, for stable listings

	bus     events.Bus
	call    CallFunc
	baseCtx context.Context

	subID  string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager prepares hosts for every configured extension.
func NewManager(ctx context.Context, cfgs []config.ExtensionConfig, bus events.Bus) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	m := &Manager{
		hosts:   make(map[string]*Host),
		bus:     bus,
		baseCtx: ctx,
		stopCh:  make(chan struct{}),
	}
	for _, cfg := range cfgs {
		host := NewHost(ctx, cfg, HostHooks{
			OnCall:     m.dispatchCall,
			OnEvent:    m.publishExtensionEvent,
			OnRegister: m.noteRegistered,
			OnExit:     m.noteExit,
		})
		m.hosts[cfg.ID] = host
		m.order = append(m.order, cfg.ID)
	}
	return m
}

// SetCallFunc attaches the dispatcher used for extension-originated
// calls. Without one, calls fail with NotSupported.
func (m *Manager) SetCallFunc(fn CallFunc) {
	m.mu.Lock()
	m.call = fn
	m.mu.Unlock()
}

// Start launches every host and begins forwarding bus events.
func (m *Manager) Start() error {
	m.mu.Lock()
	hosts := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	m.mu.Unlock()

	for _, h := range hosts {
		h.Start()
	}

	if m.bus != nil {
		ch, subID, err := m.bus.SubscribeChan("*", 256)
		if err != nil {
			return err
		}
		m.subID = subID
		m.wg.Add(1)
		go m.forwardEvents(ch)
	}
	return nil
}

// Close stops event forwarding and shuts every host down.
func (m *Manager) Close() {
	close(m.stopCh)
	if m.bus != nil && m.subID != "" {
		m.bus.Unsubscribe(m.subID)
	}
	m.wg.Wait()

	m.mu.Lock()
	hosts := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	m.mu.Unlock()
	for _, h := range hosts {
		h.Close()
	}
}

// Host returns the host for an extension id, or nil.
func (m *Manager) Host(id string) *Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hosts[id]
}

// Lookup resolves a fully-qualified method name "<extid>.<method>" to
// its host and the bare method name.
func (m *Manager) Lookup(fqMethod string) (*Host, string, bool) {
	extID, bare, found := strings.Cut(fqMethod, ".")
	if !found {
		return nil, "", false
	}
	m.mu.Lock()
	host := m.hosts[extID]
	m.mu.Unlock()
	if host == nil {
		return nil, "", false
	}

	info := host.Extension()
	if info == nil {
		return nil, "", false
	}
	for _, method := range info.Methods {
		if method.Name == bare {
			return host, bare, true
		}
	}
	return nil, "", false
}

// Call validates params against the method's registered schema and
// forwards the request to the owning extension.
func (m *Manager) Call(ctx context.Context, fqMethod string, params json.RawMessage, env rpc.Envelope) (json.RawMessage, error) {
	host, bare, ok := m.Lookup(fqMethod)
	if !ok {
		// The extension may exist but not have registered yet; wait for
		// its registration before deciding the method is unknown.
		if extID, _, found := strings.Cut(fqMethod, "."); found {
			if h := m.Host(extID); h != nil {
				if err := h.awaitRegistered(ctx); err != nil {
					return nil, err
				}
				host, bare, ok = m.Lookup(fqMethod)
			}
		}
	}
	if !ok {
		return nil, rpc.E(rpc.KindUnknownMethod, "no handler for %q", fqMethod)
	}
	if err := host.ValidateInput(bare, params); err != nil {
		return nil, err
	}
	return host.Request(ctx, bare, params, env)
}

// List reports every host's status in configuration order.
func (m *Manager) List() []Status {
	m.mu.Lock()
	ids := append([]string{}, m.order...)
	hosts := make(map[string]*Host, len(m.hosts))
	for id, h := range m.hosts {
		hosts[id] = h
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, hosts[id].Status())
	}
	return statuses
}

// Methods returns every registered method under its fully-qualified
// name, sorted, for method.list introspection.
func (m *Manager) Methods() []rpc.MethodInfo {
	m.mu.Lock()
	hosts := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	m.mu.Unlock()

	var methods []rpc.MethodInfo
	for _, h := range hosts {
		info := h.Extension()
		if info == nil {
			continue
		}
		for _, method := range info.Methods {
			methods = append(methods, rpc.MethodInfo{
				Name:        info.ID + "." + method.Name,
				Description: method.Description,
				InputSchema: method.InputSchema,
			})
		}
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
	return methods
}

// dispatchCall routes an extension-originated call through the attached
// dispatcher.
func (m *Manager) dispatchCall(ctx context.Context, method string, params json.RawMessage, env rpc.Envelope) (json.RawMessage, error) {
	m.mu.Lock()
	fn := m.call
	m.mu.Unlock()
	if fn == nil {
		return nil, rpc.E(rpc.KindNotSupported, "no call dispatcher attached")
	}
	return fn(ctx, method, params, env)
}

// publishExtensionEvent fans an extension-originated event out on the
// bus, preserving its routing envelope.
func (m *Manager) publishExtensionEvent(event string, payload json.RawMessage, env rpc.Envelope) {
	if m.bus == nil {
		return
	}
	var body map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			log.Printf("exthost: event %q payload is not an object: %v", event, err)
			body = map[string]any{"value": string(payload)}
		}
	}
	if err := m.bus.Publish(m.baseCtx, events.Event{
		Type:         event,
		ConnectionID: env.ConnectionID,
		Source:       env.Source,
		Tags:         env.Tags,
		Payload:      body,
	}); err != nil {
		log.Printf("exthost: publish %q: %v", event, err)
	}
}

func (m *Manager) noteRegistered(h *Host, info *rpc.ExtensionInfo) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(m.baseCtx, events.Event{
		Type:   events.EventExtensionRegistered,
		Source: "exthost",
		Payload: map[string]any{
			"extensionId": info.ID,
			"name":        info.Name,
			"methods":     len(info.Methods),
		},
	})
}

func (m *Manager) noteExit(h *Host, err error) {
	if m.bus == nil {
		return
	}
	payload := map[string]any{"extensionId": h.ID()}
	if err != nil {
		payload["error"] = err.Error()
	}
	m.bus.Publish(m.baseCtx, events.Event{
		Type:    events.EventExtensionDied,
		Source:  "exthost",
		Payload: payload,
	})
}

// forwardEvents delivers bus events to extension subscriptions and
// source routes.
func (m *Manager) forwardEvents(ch <-chan events.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			m.deliver(evt)
		}
	}
}

func (m *Manager) deliver(evt events.Event) {
	m.mu.Lock()
	hosts := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	m.mu.Unlock()

	env := rpc.Envelope{ConnectionID: evt.ConnectionID, Source: evt.Source, Tags: evt.Tags}
	for _, h := range hosts {
		if h.SubscribesTo(events.Match, evt.Type) {
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				continue
			}
			if err := h.SendEvent(evt.Type, payload, env); err != nil {
				log.Printf("exthost [%s]: forward %q: %v", h.ID(), evt.Type, err)
			}
		}
		if h.RoutesSource(evt.Source) {
			host := h
			go func() {
				ctx, cancel := context.WithTimeout(m.baseCtx, sourceAckTimeout)
				defer cancel()
				if err := host.DeliverSource(ctx, evt.Source, evt); err != nil {
					log.Printf("exthost [%s]: source route %q: %v", host.ID(), evt.Source, err)
				}
			}()
		}
	}
}
