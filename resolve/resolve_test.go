package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/overlaynet/overlaynode/errs"
)

func TestNewAppliesDefaults(t *testing.T) {
	r := New(Config{})
	if r.cfg.Timeout != 3*time.Second {
		t.Errorf("expected default timeout 3s, got %s", r.cfg.Timeout)
	}
	if r.cfg.Retries != 3 {
		t.Errorf("expected default retries 3, got %d", r.cfg.Retries)
	}
}

func TestServersDefaultsToSystemResolver(t *testing.T) {
	r := New(Config{})
	servers := r.servers()
	if len(servers) != 1 || servers[0] != "" {
		t.Errorf("expected single empty server entry, got %v", servers)
	}
}

func TestLookupHostFallsThroughUnreachableServers(t *testing.T) {
	r := New(Config{
		Servers: []string{"127.0.0.1:1"},
		Timeout: 200 * time.Millisecond,
		Retries: 1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.LookupHost(ctx, "example.invalid")
	if !errors.Is(err, errs.ErrResolveFailed) {
		t.Fatalf("expected ErrResolveFailed, got %v", err)
	}
}

func TestLookupTXTFallsThroughUnreachableServers(t *testing.T) {
	r := New(Config{
		Servers: []string{"127.0.0.1:1"},
		Timeout: 200 * time.Millisecond,
		Retries: 1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.LookupTXT(ctx, "example.invalid")
	if !errors.Is(err, errs.ErrResolveFailed) {
		t.Fatalf("expected ErrResolveFailed, got %v", err)
	}
}
