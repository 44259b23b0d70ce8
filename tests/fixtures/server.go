package fixtures

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"collabhub/internal/app"
	"collabhub/internal/config"
)

// TestServer is a full collabhub process bound to an ephemeral local port
type TestServer struct {
	App     *app.Application
	BaseURL string
	WSURL   string
	Config  *config.Config
}

// ScenarioConfig returns a configuration tuned for fast scenario runs with an
// audit database in a temp dir.
func ScenarioConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "collabhub_scenario.db")
	cfg.Collaboration.SweepInterval = 50 * time.Millisecond
	cfg.Collaboration.MessagesPerMinute = 0
	return cfg
}

// StartServer boots the application; mutate may adjust the config first.
func StartServer(t *testing.T, mutate func(*config.Config)) *TestServer {
	t.Helper()
	cfg := ScenarioConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	testApp, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("failed to create test application: %v", err)
	}
	if err := testApp.Start(context.Background()); err != nil {
		t.Fatalf("test server failed to start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = testApp.Stop(ctx)
	})

	baseURL := "http://" + testApp.GetAddr()
	if err := waitForServer(baseURL, 5*time.Second); err != nil {
		t.Fatalf("test server did not become ready: %v", err)
	}

	return &TestServer{
		App:     testApp,
		BaseURL: baseURL,
		WSURL:   "ws" + strings.TrimPrefix(baseURL, "http") + "/ws",
		Config:  cfg,
	}
}

// GetJSON fetches path and decodes the body into out
func (s *TestServer) GetJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	return s.DoJSON(t, http.MethodGet, path, out)
}

func (s *TestServer) DoJSON(t *testing.T, method, path string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, s.BaseURL+path, nil)
	if err != nil {
		t.Fatalf("build %s %s: %v", method, path, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// waitForServer polls /health until it answers
func waitForServer(baseURL string, timeout time.Duration) error {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("server at %s not ready after %v", baseURL, timeout)
}
