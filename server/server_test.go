package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestServer_StartStop(t *testing.T) {
	env := newTestEnv(t)
	s := New(Config{Listen: "127.0.0.1:0", Registry: env.registry, Logger: discard})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer addrCancel()
	addr, err := s.Addr(addrCtx)
	if err != nil {
		t.Fatalf("Addr() error = %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}

	if _, err := http.Get(fmt.Sprintf("http://%s/healthz", addr)); err == nil {
		t.Error("server still accepting after stop")
	}
}

func TestServer_StartFailsOnBusyAddress(t *testing.T) {
	env := newTestEnv(t)
	first := New(Config{Listen: "127.0.0.1:0", Registry: env.registry, Logger: discard})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go first.Start(ctx)
	addr, err := first.Addr(ctx)
	if err != nil {
		t.Fatal(err)
	}

	second := New(Config{Listen: addr.String(), Registry: newTestEnv(t).registry, Logger: discard})
	if err := second.Start(ctx); err == nil {
		t.Error("Start() on a busy address succeeded")
	}
}
