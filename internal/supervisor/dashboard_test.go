// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudiahq/claudia/internal/config"
)

type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *ErrorInfo      `json:"error"`
}

func newTestDashboard(t *testing.T, services ...config.SupervisedConfig) (*httptest.Server, *Manager) {
	t.Helper()

	mgr, err := NewManager(config.SupervisorConfig{Services: services}, t.TempDir())
	require.NoError(t, err)

	d := NewDashboard(mgr)
	server := httptest.NewServer(d.Router())

	t.Cleanup(func() {
		server.Close()
		d.Shutdown()
		mgr.StopAll(context.Background())
		mgr.Close()
	})
	return server, mgr
}

func decodeResponse(t *testing.T, resp *http.Response) apiResponse {
	t.Helper()
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestDashboard_Index(t *testing.T) {
	server, _ := newTestDashboard(t,
		config.SupervisedConfig{Name: "gateway", Command: "echo"},
	)

	resp, err := http.Get(server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "claudia supervisor")
	assert.Contains(t, string(body), "gateway")
	assert.Contains(t, string(body), "stopped")
}

func TestDashboard_Status(t *testing.T) {
	server, mgr := newTestDashboard(t,
		config.SupervisedConfig{Name: "svc", Command: "sleep", Args: []string{"60"}},
	)

	require.NoError(t, mgr.Start(context.Background(), "svc"))

	resp, err := http.Get(server.URL + "/status")
	require.NoError(t, err)

	out := decodeResponse(t, resp)
	require.Nil(t, out.Error)

	var statuses []ServiceStatus
	require.NoError(t, json.Unmarshal(out.Data, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "svc", statuses[0].Name)
	assert.NotZero(t, statuses[0].PID)
}

func TestDashboard_StatusStateMarshalsAsString(t *testing.T) {
	server, _ := newTestDashboard(t,
		config.SupervisedConfig{Name: "svc", Command: "echo"},
	)

	resp, err := http.Get(server.URL + "/status")
	require.NoError(t, err)

	out := decodeResponse(t, resp)
	assert.Contains(t, string(out.Data), `"state":"stopped"`)
}

func TestDashboard_LogsIndex(t *testing.T) {
	server, _ := newTestDashboard(t,
		config.SupervisedConfig{Name: "one", Command: "echo"},
		config.SupervisedConfig{Name: "two", Command: "echo"},
	)

	resp, err := http.Get(server.URL + "/api/logs")
	require.NoError(t, err)

	out := decodeResponse(t, resp)
	var data struct {
		Services []string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &data))
	assert.Equal(t, []string{"one", "two"}, data.Services)
}

func TestDashboard_Logs(t *testing.T) {
	server, mgr := newTestDashboard(t,
		config.SupervisedConfig{Name: "talker", Command: "echo", Args: []string{"dashboard sees this"}},
	)

	require.NoError(t, mgr.Start(context.Background(), "talker"))

	require.Eventually(t, func() bool {
		resp, err := http.Get(server.URL + "/api/logs/talker?lines=10")
		if err != nil {
			return false
		}
		out := decodeResponse(t, resp)
		var data struct {
			Service string   `json:"service"`
			Lines   []string `json:"lines"`
		}
		if err := json.Unmarshal(out.Data, &data); err != nil {
			return false
		}
		return strings.Contains(strings.Join(data.Lines, "\n"), "dashboard sees this")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDashboard_LogsNotFound(t *testing.T) {
	server, _ := newTestDashboard(t)

	resp, err := http.Get(server.URL + "/api/logs/nonexistent")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	out := decodeResponse(t, resp)
	require.NotNil(t, out.Error)
	assert.Equal(t, errNotFound, out.Error.Code)
}

func TestDashboard_Restart(t *testing.T) {
	server, mgr := newTestDashboard(t,
		config.SupervisedConfig{Name: "svc", Command: "sleep", Args: []string{"60"}},
	)

	require.NoError(t, mgr.Start(context.Background(), "svc"))
	before, err := mgr.Status("svc")
	require.NoError(t, err)

	resp, err := http.Post(server.URL+"/restart/svc", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeResponse(t, resp)
	var status ServiceStatus
	require.NoError(t, json.Unmarshal(out.Data, &status))
	assert.Equal(t, StatusRunning, status.State)
	assert.NotEqual(t, before.PID, status.PID, "restart should produce a new process")
}

func TestDashboard_RestartUnknownService(t *testing.T) {
	server, _ := newTestDashboard(t)

	resp, err := http.Post(server.URL+"/restart/nonexistent", "", nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := decodeResponse(t, resp)
	require.NotNil(t, out.Error)
	assert.Equal(t, errServiceError, out.Error.Code)
}

func TestDashboard_RestartRedirectsBrowsers(t *testing.T) {
	server, mgr := newTestDashboard(t,
		config.SupervisedConfig{Name: "svc", Command: "sleep", Args: []string{"60"}},
	)

	require.NoError(t, mgr.Start(context.Background(), "svc"))

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequest(http.MethodPost, server.URL+"/restart/svc", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestDashboard_TerminalRequiresTmux(t *testing.T) {
	server, _ := newTestDashboard(t,
		config.SupervisedConfig{Name: "svc", Command: "echo"},
	)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/terminal/svc"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "requires tmux hosting")
}
