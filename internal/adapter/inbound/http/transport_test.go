package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/devopsgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/auth"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/devopsgate/internal/service"
)

func TestDocsEndpoints_Public(t *testing.T) {
	gate, err := auth.NewKeyGate("s3cret", true)
	if err != nil {
		t.Fatal(err)
	}
	g := newGateway(t, gatewayOptions{opts: []Option{WithKeyGate(gate)}})

	// No tenant headers and no API key: docs must still answer.
	for _, path := range []string{"/", "/config", "/config?format=yaml", "/health", "/ping", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(g.server.URL + path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
		})
	}
	if g.builds.Load() != 0 {
		t.Error("docs endpoints must not build protocol servers")
	}
}

func TestRoot_UnknownPath(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	rec := httptest.NewRecorder()
	g.transport.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRoot_DescribesService(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	rec := httptest.NewRecorder()
	g.transport.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var info ServiceInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Name != ServiceName || info.Version != "test" {
		t.Errorf("info = %s %s", info.Name, info.Version)
	}
	if _, ok := info.Endpoints["GET "+PathStream]; !ok {
		t.Errorf("endpoints missing %s: %v", PathStream, info.Endpoints)
	}
	if len(info.Headers) == 0 {
		t.Error("required headers not documented")
	}
}

func TestConfig_ListsTools(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	t.Run("json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		g.transport.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))

		var caps Capabilities
		if err := json.NewDecoder(rec.Body).Decode(&caps); err != nil {
			t.Fatal(err)
		}
		if len(caps.Tools) != len(service.DevOpsTools()) {
			t.Errorf("tools = %d, want %d", len(caps.Tools), len(service.DevOpsTools()))
		}
		if len(caps.AuthTypes) != 4 {
			t.Errorf("authTypes = %v", caps.AuthTypes)
		}
		for _, tl := range caps.Tools {
			if tl.Name == "create_work_item" && tl.ReadOnly {
				t.Error("create_work_item documented as read-only")
			}
		}
	})

	t.Run("yaml", func(t *testing.T) {
		rec := httptest.NewRecorder()
		g.transport.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config?format=yaml", nil))

		if ct := rec.Header().Get("Content-Type"); ct != "application/yaml" {
			t.Errorf("Content-Type = %q, want application/yaml", ct)
		}
		var caps Capabilities
		if err := yaml.Unmarshal(rec.Body.Bytes(), &caps); err != nil {
			t.Fatalf("yaml: %v", err)
		}
		if caps.Name != ServiceName || len(caps.Tools) == 0 {
			t.Errorf("caps = %+v", caps)
		}
	})
}

func TestMetricsEndpoint_Exposition(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	h := g.transport.Handler()

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"devopsgate_requests_total", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}

func TestHandler_RateLimitsProtocolPaths(t *testing.T) {
	g := newGateway(t, gatewayOptions{opts: []Option{
		WithRateLimit(memory.NewRateLimiter(), ratelimit.Config{Capacity: 1, Window: time.Minute}),
	}})
	h := g.transport.Handler()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathMessages, nil)
		req.RemoteAddr = "198.51.100.7:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	if rec := send(); rec.Code != http.StatusBadRequest {
		t.Fatalf("first request: status = %d, want 400 (missing session id)", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if b := decodeError(t, rec); b.Error.Code != "RATE_LIMITED" {
		t.Errorf("code = %q, want RATE_LIMITED", b.Error.Code)
	}
}

func TestHandler_PreflightIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	g := newGateway(t, gatewayOptions{opts: []Option{WithLogger(logger)}})

	req := httptest.NewRequest(http.MethodOptions, PathStateless, nil)
	req.Header.Set("Origin", "https://ide.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	g.transport.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("preflight response has no X-Request-ID")
	}
	out := buf.String()
	for _, want := range []string{"request completed", "method=OPTIONS", "path=" + PathStateless, "status=204"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q does not contain %q", out, want)
		}
	}
}

func TestTransport_StartAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sessions := memory.NewSessionRegistryWithConfig(time.Minute, time.Hour)
	limiter := memory.NewRateLimiter()

	catalog, err := service.NewCatalog(service.DevOpsTools(), nil)
	if err != nil {
		t.Fatal(err)
	}
	transport := NewHTTPTransport(service.NewServerFactory(catalog),
		WithAddr("127.0.0.1:0"),
		WithLogger(discardLogger()),
		WithSessionRegistry(sessions),
		WithRateLimit(limiter, ratelimit.Config{}),
		WithShutdownTimeout(2*time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.Start(ctx)
	}()

	select {
	case <-transport.Ready():
	case err := <-errCh:
		t.Fatalf("Start() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not start listening")
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + transport.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want 200", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return within 5 seconds after cancel")
	}
}

func TestTransport_StartFailsOnBusyAddress(t *testing.T) {
	busy := httptest.NewServer(http.NotFoundHandler())
	defer busy.Close()

	transport := NewHTTPTransport(nil,
		WithAddr(strings.TrimPrefix(busy.URL, "http://")),
		WithLogger(discardLogger()),
	)
	if err := transport.Start(context.Background()); err == nil {
		t.Fatal("Start() on a busy address should fail")
	}
}
