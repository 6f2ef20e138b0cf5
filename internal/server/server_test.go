package server

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

	"notifyrelay/internal/codec"
	"notifyrelay/internal/housekeeping"
	"notifyrelay/internal/registry"
	"notifyrelay/internal/relay"
	"notifyrelay/internal/storage"
	"notifyrelay/internal/transport/ws"
)

type fixture struct {
	reg   *registry.Registry
	relay *relay.Relay
	srv   *Server
	http  *httptest.Server
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	reg := registry.New()
	r := relay.New(relay.NewLocal(reg))
	s, err := New(cfg, r, append([]Option{WithNodeID("test-node")}, opts...)...)
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		hs.Close()
	})
	return &fixture{reg: reg, relay: r, srv: s, http: hs}
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, relay.Greeting, string(msg))
	return c
}

func (f *fixture) identify(t *testing.T, c *websocket.Conn, key string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(codec.Encode(key, codec.ControlConnected))))
	require.Eventually(t, func() bool {
		_, ok := f.reg.Find(key)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestWebsocketIdentifyAndForward(t *testing.T) {
	f := newFixture(t, Config{})

	receiver := f.dial(t, "/")
	f.identify(t, receiver, "receiver-uuid")

	sender := f.dial(t, "/ws")
	require.NoError(t, sender.WriteMessage(websocket.TextMessage,
		[]byte(`{"recipient_uuid":"receiver-uuid","message":"Hello from sender!"}`)))

	assert.Equal(t, "Hello from sender!", readText(t, receiver))
}

func TestWebsocketMalformedFrameKeepsConnection(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t, "/")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{invalid")))
	f.identify(t, c, "still-open")
	assert.Equal(t, uint64(1), f.relay.Stats().Invalid)
}

func TestDisconnectCleansRegistry(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t, "/")
	f.identify(t, c, "short-lived")

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = c.Close()

	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDeliverEndpoint(t *testing.T) {
	f := newFixture(t, Config{ControlEnabled: true, ControlToken: "s3cret"})
	c := f.dial(t, "/")
	f.identify(t, c, "job-owner")

	post := func(token, body string) (*http.Response, deliverResponse) {
		req, err := http.NewRequest(http.MethodPost, f.http.URL+"/deliver", strings.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out deliverResponse
		if resp.StatusCode == http.StatusAccepted {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		}
		return resp, out
	}

	resp, out := post("s3cret", `{"recipient_uuid":"job-owner","message":"job 42 done"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, relay.OutcomeDelivered, out.Outcome)
	assert.Equal(t, "job 42 done", readText(t, c))

	resp, out = post("s3cret", `{"recipient_uuid":"offline","message":"x"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, relay.OutcomeDropped, out.Outcome)

	resp, _ = post("wrong", `{"recipient_uuid":"job-owner","message":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = post("s3cret", `{"message":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post("s3cret", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	getReq, _ := http.NewRequest(http.MethodGet, f.http.URL+"/deliver", nil)
	getReq.Header.Set("Authorization", "Bearer s3cret")
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

func TestDeliverDisabled(t *testing.T) {
	f := newFixture(t, Config{})
	resp, err := http.Post(f.http.URL+"/deliver", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthStatsAndPlainHTTP(t *testing.T) {
	f := newFixture(t, Config{})
	f.dial(t, "/")

	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(f.http.URL + "/stats")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.EqualValues(t, 1, stats["connections"])
	assert.Equal(t, "test-node", stats["node_id"])

	resp, err = http.Get(f.http.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestKeepAliveTimeoutClosesSilentPeer(t *testing.T) {
	f := newFixture(t, Config{Transport: ws.Options{
		PingInterval: 60 * time.Millisecond,
		PingTimeout:  30 * time.Millisecond,
	}})
	// The gorilla client only answers pings while reading; this one never
	// reads again after the greeting.
	f.dial(t, "/")
	require.Eventually(t, func() bool { return f.relay.Stats().Active == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.reg.Len())
}

func TestKeepAliveValidation(t *testing.T) {
	_, err := New(Config{Transport: ws.Options{PingInterval: time.Second, PingTimeout: time.Second}}, relay.New(nil))
	assert.Error(t, err)
}

func TestShutdownClosesConnections(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t, "/")
	f.identify(t, c, "to-be-closed")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, f.reg.Len())
}

func TestStartReportsBindFailure(t *testing.T) {
	f := newFixture(t, Config{})
	addr := strings.TrimPrefix(f.http.URL, "http://")

	s, err := New(Config{Addr: addr}, relay.New(nil))
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background()))
}

func TestStartServes(t *testing.T) {
	s, err := New(Config{Addr: "127.0.0.1:0"}, relay.New(nil))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func (f *fixture) get(t *testing.T, method, path, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestOperatorRoutes(t *testing.T) {
	var gotQuery storage.Query
	var ran []string
	f := newFixture(t, Config{ControlEnabled: true, ControlToken: "tok"},
		WithOwnerLookup(func(_ context.Context, key string) (string, bool, error) {
			if key == "alice" {
				return "test-node/1", true, nil
			}
			return "", false, nil
		}),
		WithAuditLog(func(_ context.Context, q storage.Query) ([]storage.AuditEntry, error) {
			gotQuery = q
			return []storage.AuditEntry{{Node: "test-node", Type: "conn.identified", Key: q.Key}}, nil
		}),
		WithJobRunner(func(name string) error {
			if name != housekeeping.JobRefresh {
				return housekeeping.ErrUnknownJob
			}
			ran = append(ran, name)
			return nil
		}),
	)

	code, _ := f.get(t, http.MethodGet, "/owner?key=alice", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := f.get(t, http.MethodGet, "/owner?key=alice", "tok")
	require.Equal(t, http.StatusOK, code, body)
	var owner struct {
		Owner string `json:"owner"`
		Local bool   `json:"local"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &owner))
	assert.Equal(t, "test-node/1", owner.Owner)
	assert.False(t, owner.Local)

	code, _ = f.get(t, http.MethodGet, "/owner?key=bob", "tok")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.get(t, http.MethodGet, "/owner", "tok")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.get(t, http.MethodGet, "/audit?key=alice&type=conn.identified&limit=5", "tok")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, storage.Query{Key: "alice", Type: "conn.identified", Limit: 5}, gotQuery)
	var entries []storage.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Key)
	code, _ = f.get(t, http.MethodGet, "/audit?limit=-1", "tok")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.get(t, http.MethodGet, "/jobs/run?name=refresh", "tok")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	code, body = f.get(t, http.MethodPost, "/jobs/run?name=refresh", "tok")
	assert.Equal(t, http.StatusOK, code, body)
	code, _ = f.get(t, http.MethodPost, "/jobs/run?name=nope", "tok")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, []string{housekeeping.JobRefresh}, ran)
}

func TestOperatorRoutesNeedControl(t *testing.T) {
	f := newFixture(t, Config{},
		WithOwnerLookup(func(context.Context, string) (string, bool, error) { return "x", true, nil }),
		WithJobRunner(func(string) error { return nil }),
	)
	code, _ := f.get(t, http.MethodGet, "/owner?key=a", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.get(t, http.MethodPost, "/jobs/run?name=stats", "")
	assert.Equal(t, http.StatusNotFound, code)
}
