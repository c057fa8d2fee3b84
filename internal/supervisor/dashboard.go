// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Common error codes
const (
	errNotFound     = "NOT_FOUND"
	errServiceError = "SERVICE_ERROR"
)

// Response is the standard API response wrapper.
type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorInfo  `json:"error,omitempty"`
	Meta  *MetaInfo   `json:"meta,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MetaInfo contains response metadata.
type MetaInfo struct {
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	resp := Response{
		Data: data,
		Meta: &MetaInfo{Timestamp: time.Now()},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	resp := Response{
		Error: &ErrorInfo{Code: code, Message: message},
		Meta:  &MetaInfo{Timestamp: time.Now()},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard binds to localhost; cross-origin browsers are fine here
	CheckOrigin: func(r *http.Request) bool { return true },
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>claudia supervisor</title>
<style>
 body { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; margin: 2rem; background: #111; color: #ddd; }
 h1 { font-size: 1.2rem; }
 table { border-collapse: collapse; min-width: 60%; }
 th, td { text-align: left; padding: 6px 14px; border-bottom: 1px solid #333; }
 .state-running { color: #4caf50; }
 .state-crashed { color: #f44336; }
 .state-stopped { color: #9e9e9e; }
 .state-starting, .state-stopping { color: #ff9800; }
 button { background: #333; color: #ddd; border: 1px solid #555; padding: 3px 10px; cursor: pointer; }
 form { display: inline; }
 a { color: #64b5f6; text-decoration: none; }
</style>
</head>
<body>
<h1>claudia supervisor</h1>
<table>
<tr><th>service</th><th>state</th><th>pid</th><th>uptime</th><th>restarts</th><th>health</th><th></th></tr>
{{range .Services}}<tr>
 <td>{{.Name}}</td>
 <td class="state-{{.State}}">{{.State}}{{if .Attached}} (attached){{end}}</td>
 <td>{{if .PID}}{{.PID}}{{end}}</td>
 <td>{{.Uptime}}</td>
 <td>{{.RestartCount}}</td>
 <td>{{.Health}}</td>
 <td><form method="post" action="/restart/{{.Name}}"><button>restart</button></form>
     <a href="/api/logs/{{.Name}}?lines=200">logs</a></td>
</tr>
{{end}}</table>
</body>
</html>`

var dashboardTmpl = template.Must(template.New("dashboard").Parse(dashboardHTML))

type dashboardRow struct {
	Name         string
	State        ProcessState
	Attached     bool
	PID          int
	Uptime       string
	RestartCount int
	Health       string
}

// terminalMessage represents a message from the terminal frontend.
type terminalMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// Dashboard serves the supervisor's web UI and API.
type Dashboard struct {
	mgr *Manager

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{} // Active terminal connections
}

// NewDashboard creates a dashboard over the given manager.
func NewDashboard(mgr *Manager) *Dashboard {
	return &Dashboard{
		mgr:   mgr,
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Router returns the dashboard HTTP routes.
func (d *Dashboard) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", d.Index).Methods("GET")
	r.HandleFunc("/status", d.StatusJSON).Methods("GET")
	r.HandleFunc("/api/logs", d.LogsIndex).Methods("GET")
	r.HandleFunc("/api/logs/{name}", d.Logs).Methods("GET")
	r.HandleFunc("/restart/{service}", d.Restart).Methods("POST")
	r.HandleFunc("/ws/terminal/{service}", d.Terminal).Methods("GET")
	return r
}

// Shutdown closes all active terminal WebSocket connections to allow
// graceful server shutdown.
func (d *Dashboard) Shutdown() {
	d.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(d.conns))
	for conn := range d.conns {
		conns = append(conns, conn)
	}
	d.mu.Unlock()

	if len(conns) > 0 {
		log.Printf("supervisor: closing %d active terminal connections", len(conns))
	}

	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// Index renders the status page.
func (d *Dashboard) Index(w http.ResponseWriter, r *http.Request) {
	list := d.mgr.List()
	rows := make([]dashboardRow, 0, len(list))
	for _, status := range list {
		row := dashboardRow{
			Name:         status.Name,
			State:        status.State,
			Attached:     status.Attached,
			PID:          status.PID,
			Uptime:       "-",
			RestartCount: status.RestartCount,
			Health:       "-",
		}
		if status.State == StatusRunning && !status.StartedAt.IsZero() {
			row.Uptime = time.Since(status.StartedAt).Round(time.Second).String()
		}
		if status.Healthy != nil {
			if *status.Healthy {
				row.Health = "ok"
			} else {
				row.Health = "failing"
			}
		}
		rows = append(rows, row)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, map[string]interface{}{"Services": rows}); err != nil {
		log.Printf("supervisor: render dashboard: %v", err)
	}
}

// StatusJSON returns the status of all services.
func (d *Dashboard) StatusJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.mgr.List())
}

// LogsIndex returns the service names that have logs.
func (d *Dashboard) LogsIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services": d.mgr.Names(),
	})
}

// Logs returns the last lines of a service's output.
func (d *Dashboard) Logs(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	lines := 100 // default
	if linesStr := r.URL.Query().Get("lines"); linesStr != "" {
		if n, err := strconv.Atoi(linesStr); err == nil && n > 0 {
			lines = n
		}
	}

	logLines, err := d.mgr.Logs(name, lines)
	if err != nil {
		writeError(w, http.StatusNotFound, errNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": name,
		"lines":   logLines,
	})
}

// Restart restarts a service.
func (d *Dashboard) Restart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]

	// Use background context - the restart should outlive the HTTP request
	if err := d.mgr.Restart(context.Background(), name, RestartManual); err != nil {
		writeError(w, http.StatusBadRequest, errServiceError, err.Error())
		return
	}

	// Browser form posts go back to the status page
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	status, _ := d.mgr.Status(name)
	writeJSON(w, http.StatusOK, status)
}

// Terminal attaches a WebSocket to the service's tmux window through a
// fresh PTY running a tmux client. Requires tmux hosting.
func (d *Dashboard) Terminal(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	target := d.mgr.TmuxTarget(name)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("supervisor: terminal upgrade failed: %v", err)
		return
	}
	d.trackConn(conn)
	defer func() {
		d.untrackConn(conn)
		conn.Close()
	}()

	// Configure keepalive with ping/pong
	const pongWait = 60 * time.Second
	const pingPeriod = (pongWait * 9) / 10
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Protects concurrent writes (gorilla/websocket requires a single writer)
	var writeMu sync.Mutex

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		for {
			select {
			case <-pingTicker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	if target == "" {
		writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, []byte("Error: terminal attach requires tmux hosting\r\n"))
		writeMu.Unlock()
		return
	}

	cmd := exec.Command("tmux", "attach-session", "-t", target)
	cmd.Env = append(filterTMUXEnv(os.Environ()), "TERM=xterm-256color")
	ptmx, err := pty.Start(cmd)
	if err != nil {
		log.Printf("supervisor: terminal pty for %s: %v", name, err)
		writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, []byte("Error: "+err.Error()+"\r\n"))
		writeMu.Unlock()
		return
	}

	ptyExited := make(chan struct{})

	defer func() {
		ptmx.Close()
		if cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
	}()

	// Read from PTY and send to WebSocket
	go func() {
		defer close(ptyExited)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if err != nil {
				writeMu.Lock()
				if err == io.EOF {
					conn.WriteMessage(websocket.TextMessage, []byte("\r\n\x1b[33mSession ended\x1b[0m\r\n"))
				} else {
					conn.WriteMessage(websocket.TextMessage, []byte("\r\n\x1b[31mConnection lost: "+err.Error()+"\x1b[0m\r\n"))
				}
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				writeMu.Unlock()
				return
			}
			if n > 0 {
				validUTF8 := strings.ToValidUTF8(string(buf[:n]), "")
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.TextMessage, []byte(validUTF8))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	// Read from WebSocket and send to PTY
	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ptyExited:
				// Expected after the tmux client exits
			default:
				log.Printf("supervisor: terminal read for %s: %v", name, err)
			}
			break
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var msg terminalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "input":
			if _, err := ptmx.WriteString(msg.Data); err != nil {
				log.Printf("supervisor: terminal pty write: %v", err)
			}
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				pty.Setsize(ptmx, &pty.Winsize{
					Rows: uint16(msg.Rows),
					Cols: uint16(msg.Cols),
				})
			}
		}
	}
}

func (d *Dashboard) trackConn(conn *websocket.Conn) {
	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.mu.Unlock()
}

func (d *Dashboard) untrackConn(conn *websocket.Conn) {
	d.mu.Lock()
	delete(d.conns, conn)
	d.mu.Unlock()
}
