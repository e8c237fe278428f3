// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stayware/gatekeeper/internal/cache"
	"github.com/stayware/gatekeeper/internal/token"
)

func startServer(t *testing.T, checker ReadinessChecker) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", checker)
	if _, err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("failed to GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServer_Metrics(t *testing.T) {
	server := startServer(t, func() bool { return true })

	addr := server.Addr()
	if addr == "" {
		t.Fatal("server address is empty")
	}

	status, body := fetch(t, "http://"+addr+"/metrics")
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}

	if !strings.Contains(body, "# HELP") {
		t.Error("expected Prometheus format with HELP comments")
	}
	if !strings.Contains(body, "# TYPE") {
		t.Error("expected Prometheus format with TYPE comments")
	}
	if !strings.Contains(body, "go_") {
		t.Error("expected go_* metrics")
	}
	if !strings.Contains(body, "process_") {
		t.Error("expected process_* metrics")
	}

	// Counter vectors only appear once a label set has been observed.
	cache.Hits.WithLabelValues("token", cache.TierMemory).Inc()
	token.Operations.WithLabelValues("validate", "ok").Inc()

	_, body = fetch(t, "http://"+addr+"/metrics")
	if !strings.Contains(body, "gatekeeper_cache_hits_total") {
		t.Error("expected gatekeeper_cache_hits_total metric")
	}
	if !strings.Contains(body, "gatekeeper_token_operations_total") {
		t.Error("expected gatekeeper_token_operations_total metric")
	}
}

func TestServer_LivenessReturns200(t *testing.T) {
	server := startServer(t, nil)

	status, body := fetch(t, "http://"+server.Addr()+"/healthz/liveness")
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}
	if strings.TrimSpace(body) != "ok" {
		t.Errorf("expected body 'ok', got %q", body)
	}
}

func TestServer_ReadinessWhenReady(t *testing.T) {
	server := startServer(t, func() bool { return true })

	status, body := fetch(t, "http://"+server.Addr()+"/healthz/readiness")
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}
	if strings.TrimSpace(body) != "ok" {
		t.Errorf("expected body 'ok', got %q", body)
	}
}

func TestServer_ReadinessWhenNotReady(t *testing.T) {
	server := startServer(t, func() bool { return false })

	status, body := fetch(t, "http://"+server.Addr()+"/healthz/readiness")
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", status)
	}
	if strings.TrimSpace(body) != "not ready" {
		t.Errorf("expected body 'not ready', got %q", body)
	}
}

func TestServer_ReadinessWithNilChecker(t *testing.T) {
	server := startServer(t, nil)

	status, _ := fetch(t, "http://"+server.Addr()+"/healthz/readiness")
	if status != http.StatusOK {
		t.Errorf("expected status 200 with nil checker, got %d", status)
	}
}

func TestServer_DoubleStartFails(t *testing.T) {
	server := startServer(t, nil)

	if _, err := server.Start(); err == nil {
		t.Error("expected error on double start, got nil")
	}
}

func TestServer_StopIdempotent(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Errorf("stop without start should not error: %v", err)
	}
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	errCh, err := server.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	if server.Addr() == "" {
		t.Fatal("server address is empty")
	}

	// Force close the underlying listener to make Serve() fail after
	// Start() has already returned.
	if server.listener != nil {
		_ = server.listener.Close()
	}

	select {
	case serveErr := <-errCh:
		if serveErr == nil {
			t.Error("expected an error from the error channel after closing listener")
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for error on error channel")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Stop(ctx)
}

func TestServer_ErrorChannelClosesOnNormalShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	errCh, err := server.Start()
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Errorf("unexpected error on normal shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for error channel to close")
	}
}
