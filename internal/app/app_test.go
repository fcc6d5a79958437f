package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/duochat/internal/config"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.Auth.Secret = "test-secret"
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func postJSON(t *testing.T, url string, body interface{}) map[string]interface{} {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status %d", url, resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestNew_InMemoryStack(t *testing.T) {
	logger := zerolog.Nop()
	a, err := New(context.Background(), testConfig(), &logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.closeBackends()

	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	if out := postJSON(t, ts.URL+"/api/match", map[string]string{"socketId": "alice"}); out["status"] != "waiting" {
		t.Fatalf("alice: %v", out)
	}
	out := postJSON(t, ts.URL+"/api/match", map[string]string{"socketId": "bob"})
	if out["status"] != "matched" || out["sessionId"] == "" {
		t.Fatalf("bob: %v", out)
	}
	sid, _ := out["sessionId"].(string)

	postJSON(t, ts.URL+"/api/message", map[string]string{"socketId": "alice", "sessionId": sid, "text": "hello"})
	postJSON(t, ts.URL+"/api/leave", map[string]string{"socketId": "bob", "sessionId": sid})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	logger := zerolog.Nop()
	cfg := testConfig()
	cfg.Bus = "carrier-pigeon"
	if _, err := New(context.Background(), cfg, &logger); err == nil {
		t.Fatal("expected error for unknown bus")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	a, err := New(context.Background(), testConfig(), &logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_RedisStack(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("redis not available, skipping")
	}
	rdb.FlushDB(context.Background())
	rdb.Close()

	logger := zerolog.Nop()
	cfg := testConfig()
	cfg.Store = config.StoreRedis
	cfg.Redis.DB = 15
	a, err := New(context.Background(), cfg, &logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.closeBackends()

	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	postJSON(t, ts.URL+"/api/match", map[string]string{"socketId": "alice"})
	if out := postJSON(t, ts.URL+"/api/match", map[string]string{"socketId": "bob"}); out["status"] != "matched" {
		t.Fatalf("bob: %v", out)
	}
}
