package pprof

import (
	"context"
	"net/http"
	"testing"
	"time"

	"camsync/internal/config"
	logx "camsync/pkg/logx"
)

func waitForHTTP(ctx context.Context, url string) (*http.Response, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	srv := New(config.PprofConfig{}, logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv.Reconfigure(ctx, config.PprofConfig{Enabled: true, Addr: "127.0.0.1:0"})

	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected a bound listen address")
	}
	if _, err := waitForHTTP(ctx, "http://"+addr+"/debug/pprof/"); err != nil {
		t.Fatalf("pprof endpoint not reachable: %v", err)
	}

	srv.Reconfigure(ctx, config.PprofConfig{Enabled: false})
	if addr := srv.Addr(); addr != "" {
		t.Fatalf("expected server to stop, still at %s", addr)
	}
}

func TestTokenGuardsEndpoints(t *testing.T) {
	srv := New(config.PprofConfig{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Start(ctx)

	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected a bound listen address")
	}
	if _, err := waitForHTTP(ctx, "http://"+addr+"/healthz?token=s3cret"); err != nil {
		t.Fatalf("endpoint not reachable: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tokenless request status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/healthz", http.NoBody)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer request status = %d, want 200", resp.StatusCode)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	srv := New(config.PprofConfig{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Start(ctx)

	if addr := srv.Addr(); addr != "" {
		t.Fatalf("public bind without token should refuse to start, got %s", addr)
	}
}
