package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyrelay/internal/codec"
	"notifyrelay/internal/relay"
)

const testConfig = `
server:
  addr: "127.0.0.1:0"
relay:
  node_id: test-node
coordinator:
  driver: memory
control:
  enabled: true
  token: s3cret
storage:
  driver: file
  path: %DIR%/audit
housekeeping:
  enabled: true
  stats_schedule: "@every 1h"
logging:
  level: error
  console: true
`

func startApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(p, []byte(strings.ReplaceAll(testConfig, "%DIR%", dir)), 0o644))

	a, err := New(p)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	return a, p
}

func TestAppRelaysEndToEnd(t *testing.T) {
	a, _ := startApp(t)
	assert.Equal(t, "test-node", a.NodeID())

	c, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/", nil)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, greeting, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, relay.Greeting, string(greeting))

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(codec.Encode("worker-7", codec.ControlConnected))))
	require.Eventually(t, func() bool {
		_, ok := a.reg.Find("worker-7")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, "http://"+a.Addr()+"/deliver",
		strings.NewReader(`{"recipient_uuid":"worker-7","message":"job done"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var out struct {
		Outcome string `json:"outcome"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, string(relay.OutcomeDelivered), out.Outcome)

	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "job done", string(msg))

	// the memory coordinator mirrors the identification
	require.Eventually(t, func() bool {
		ref, err := a.coord.Lookup(context.Background(), "worker-7")
		return err == nil && strings.HasPrefix(ref, "test-node/")
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		w, _ := a.recorder.Counts()
		return w >= 1
	}, 5*time.Second, 10*time.Millisecond)

	stats := a.extraStats()
	assert.Contains(t, stats, "coordinator")
	assert.Contains(t, stats, "audit")
}

func TestAppHotReloadsRateLimits(t *testing.T) {
	a, p := startApp(t)
	assert.Zero(t, a.relay.Limits().PerSec)

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	updated := strings.Replace(string(b), "  node_id: test-node\n", "  node_id: test-node\n  rate_per_sec: 5\n  burst: 10\n", 1)
	require.NoError(t, os.WriteFile(p, []byte(updated), 0o644))

	ok, err := a.cfgm.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		l := a.relay.Limits()
		return l.PerSec == 5 && l.Burst == 10
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAppRejectsNodeIDChange(t *testing.T) {
	a, p := startApp(t)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte(strings.Replace(string(b), "node_id: test-node", "node_id: other", 1)), 0o644))

	ok, err := a.cfgm.Reload(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestAppBindFailure(t *testing.T) {
	first, _ := startApp(t)

	dir := t.TempDir()
	p := filepath.Join(dir, "relay.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"server":{"addr":"`+first.Addr()+`"},"logging":{"level":"error"}}`), 0o644))
	a, err := New(p)
	require.NoError(t, err)
	assert.Error(t, a.Start(context.Background()))
	_ = a.Stop(context.Background(), StopFatalError)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"keepalive":{"ping_interval":"10s","ping_timeout":"20s"}}`), 0o644))
	_, err := New(p)
	assert.Error(t, err)
}

func operatorCall(t *testing.T, a *App, method, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+a.Addr()+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestAppOperatorRoutes(t *testing.T) {
	a, _ := startApp(t)

	c, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/", nil)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = c.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(codec.Encode("ops-1", codec.ControlConnected))))

	// owner comes from the coordinator store once the write is mirrored
	require.Eventually(t, func() bool {
		code, body := operatorCall(t, a, http.MethodGet, "/owner?key=ops-1")
		if code != http.StatusOK {
			return false
		}
		var out struct {
			Owner string `json:"owner"`
			Local bool   `json:"local"`
		}
		return json.Unmarshal(body, &out) == nil && strings.HasPrefix(out.Owner, "test-node/") && out.Local
	}, 5*time.Second, 20*time.Millisecond)

	code, _ := operatorCall(t, a, http.MethodGet, "/owner?key=nobody")
	assert.Equal(t, http.StatusNotFound, code)

	require.Eventually(t, func() bool {
		code, body := operatorCall(t, a, http.MethodGet, "/audit?key=ops-1&type=conn.identified")
		var entries []struct {
			Key  string `json:"key"`
			Type string `json:"type"`
		}
		return code == http.StatusOK && json.Unmarshal(body, &entries) == nil &&
			len(entries) == 1 && entries[0].Key == "ops-1"
	}, 5*time.Second, 20*time.Millisecond)

	code, body := operatorCall(t, a, http.MethodPost, "/jobs/run?name=refresh")
	assert.Equal(t, http.StatusOK, code, string(body))
	code, _ = operatorCall(t, a, http.MethodPost, "/jobs/run?name=missing")
	assert.Equal(t, http.StatusNotFound, code)

	snap := a.hk.Snapshot()
	var runs uint64
	for _, j := range snap {
		if j.Name == "refresh" {
			runs = j.Runs
		}
	}
	assert.EqualValues(t, 1, runs)
	assert.Equal(t, 1, a.Connections())
}

func TestAppLoggerWritesConfiguredSinks(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "relay.log")
	cfg := strings.ReplaceAll(testConfig, "%DIR%", dir)
	cfg = strings.Replace(cfg, "logging:\n  level: error\n  console: true\n",
		"logging:\n  level: info\n  console: false\n  file:\n    enabled: true\n    path: "+logPath+"\n", 1)
	p := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(p, []byte(cfg), 0o644))

	a, err := New(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopUnknown) })

	a.Logger().Info("systemd ready sent")
	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "systemd ready sent")
}
