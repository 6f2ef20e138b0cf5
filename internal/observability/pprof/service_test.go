package pprof

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	logx "notifyrelay/pkg/logx"
)

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pprof did not start")
	return ""
}

func TestServesRelaySnapshotWithToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t0k"}, logx.Nop(), func() any {
		return map[string]int{"connections": 3}
	})
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	addr := waitAddr(t, s)

	resp, err := http.Get("http://" + addr + "/debug/pprof/relay")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + addr + "/debug/pprof/relay?token=t0k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var doc map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["connections"] != 3 {
		t.Fatalf("snapshot = %v", doc)
	}
}

func TestReconfigureDisableStops(t *testing.T) {
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0"}
	s := New(cfg, logx.Nop(), nil)
	s.Reconfigure(context.Background(), cfg)
	waitAddr(t, s)

	cfg.Enabled = false
	s.Reconfigure(context.Background(), cfg)
	if a := s.Addr(); a != "" {
		t.Fatalf("still listening on %s", a)
	}
}

func TestLoopbackDetection(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.1.2.3:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	for in, want := range map[string]string{
		"":          "/debug/pprof/",
		"dbg":       "/dbg/",
		"/x/pprof":  "/x/pprof/",
		"/x/pprof/": "/x/pprof/",
	} {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
