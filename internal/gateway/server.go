// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tailscale/tscert"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/rpc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server terminates client WebSocket connections and bridges the event
// bus to them.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *Dispatcher
	bus        events.Bus
	version    string

	router  *mux.Router
	httpSrv *http.Server
	baseCtx context.Context

	mu      sync.Mutex
	conns   map[string]*conn
	started time.Time

	subID  string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewServer builds the gateway HTTP surface: /ws for the RPC channel,
// /status and /version for plain JSON introspection.
func NewServer(ctx context.Context, cfg config.ServerConfig, dispatcher *Dispatcher, bus events.Bus, version string) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		bus:        bus,
		version:    version,
		baseCtx:    ctx,
		conns:      make(map[string]*conn),
		started:    time.Now(),
		stopCh:     make(chan struct{}),
	}

	r := mux.NewRouter()
	r.Use(logging)
	r.Use(recovery)
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/version", s.handleVersion).Methods("GET")
	s.router = r
	return s
}

// Router exposes the underlying router so embedders can add routes.
func (s *Server) Router() *mux.Router { return s.router }

// Serve starts event forwarding and serves plaintext HTTP on l. For
// callers that own the listener; TLS settings are ignored.
func (s *Server) Serve(l net.Listener) error {
	if err := s.startForwarding(); err != nil {
		return err
	}
	s.httpSrv = &http.Server{Handler: s.router}
	return s.httpSrv.Serve(l)
}

// ListenAndServe starts the listener and blocks until shutdown. TLS
// comes from a cert/key pair or, with tls_tailscale, the local
// tailscale daemon.
func (s *Server) ListenAndServe() error {
	if err := s.startForwarding(); err != nil {
		return err
	}

	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	if s.cfg.TLSTailscale {
		s.httpSrv.TLSConfig = &tls.Config{GetCertificate: tscert.GetCertificate}
		log.Printf("gateway listening on https://%s (tailscale TLS)", addr)
		return s.httpSrv.ListenAndServeTLS("", "")
	}

	tlsEnabled, err := checkTLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("TLS configuration error: %w", err)
	}
	if tlsEnabled {
		certPath := expandPath(s.cfg.TLSCert)
		keyPath := expandPath(s.cfg.TLSKey)
		log.Printf("gateway listening on https://%s (TLS enabled)", addr)
		return s.httpSrv.ListenAndServeTLS(certPath, keyPath)
	}

	log.Printf("gateway listening on http://%s", addr)
	return s.httpSrv.ListenAndServe()
}

// startForwarding subscribes to the bus and fans events out to
// connected clients.
func (s *Server) startForwarding() error {
	if s.bus == nil {
		return nil
	}
	ch, subID, err := s.bus.SubscribeChan("*", 1024)
	if err != nil {
		return fmt.Errorf("subscribe gateway: %w", err)
	}
	s.subID = subID
	s.wg.Add(1)
	go s.forwardEvents(ch)
	return nil
}

// Shutdown closes every client connection and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	if s.bus != nil && s.subID != "" {
		s.bus.Unsubscribe(s.subID)
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}

	s.wg.Wait()
	if s.httpSrv == nil {
		return nil
	}

	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(ws, s)
	s.mu.Lock()
	s.conns[c.id] = c
	count := len(s.conns)
	s.mu.Unlock()
	log.Printf("gateway [%s]: connected (%d active)", c.id, count)

	c.run()
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	count := len(s.conns)
	s.mu.Unlock()
	log.Printf("gateway [%s]: disconnected (%d active)", c.id, count)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	connections := len(s.conns)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"version":     s.version,
		"connections": connections,
		"methods":     len(s.dispatcher.MethodList()),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// forwardEvents bridges the bus to client connections with the
// per-connection subscription filter.
func (s *Server) forwardEvents(ch <-chan events.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(evt)
		}
	}
}

func (s *Server) broadcast(evt events.Event) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		log.Printf("gateway: marshal event %q: %v", evt.Type, err)
		return
	}
	frame := rpc.Frame{Type: rpc.TypeEvent, Event: evt.Type, Payload: payload}
	frame.ApplyEnvelope(rpc.Envelope{
		ConnectionID: evt.ConnectionID,
		Source:       evt.Source,
		Tags:         evt.Tags,
	})

	for _, c := range conns {
		if c.wants(evt) {
			c.enqueueEvent(frame)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// checkTLSConfig validates the cert/key pair configuration.
func checkTLSConfig(certPath, keyPath string) (bool, error) {
	if certPath == "" && keyPath == "" {
		return false, nil
	}
	if certPath == "" || keyPath == "" {
		return false, fmt.Errorf("both tls_cert and tls_key must be specified (got cert=%q, key=%q)", certPath, keyPath)
	}

	certPath = expandPath(certPath)
	keyPath = expandPath(keyPath)
	if !fileExists(certPath) {
		return false, fmt.Errorf("tls_cert file not found: %s", certPath)
	}
	if !fileExists(keyPath) {
		return false, fmt.Errorf("tls_key file not found: %s", keyPath)
	}
	return true, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
