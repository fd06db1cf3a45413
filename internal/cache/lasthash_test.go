package cache

import (
	"context"
	"errors"
	"testing"
)

func TestGet_NilClientPassesThrough(t *testing.T) {
	calls := 0
	c := NewLastHashCache(nil, 0, func(ctx context.Context, tenantID string, fps []string) (map[string]string, error) {
		calls++
		if tenantID != "tenant-1" {
			t.Errorf("unexpected tenant %s", tenantID)
		}
		return map[string]string{"fp-1": "hash-1"}, nil
	})

	for i := 0; i < 3; i++ {
		hashes, err := c.Get(context.Background(), "tenant-1", []string{"fp-1", "fp-2"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if hashes["fp-1"] != "hash-1" {
			t.Errorf("expected loader result, got %v", hashes)
		}
		if _, ok := hashes["fp-2"]; ok {
			t.Error("fingerprint without a prior hash must be absent")
		}
	}
	// No cache layer, so every lookup reaches the loader.
	if calls != 3 {
		t.Errorf("expected 3 loader calls, got %d", calls)
	}
}

func TestGet_EmptyRequest(t *testing.T) {
	c := NewLastHashCache(nil, 0, func(ctx context.Context, tenantID string, fps []string) (map[string]string, error) {
		t.Error("loader must not run for an empty request")
		return nil, nil
	})

	hashes, err := c.Get(context.Background(), "tenant-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hashes) != 0 {
		t.Errorf("expected empty result, got %v", hashes)
	}
}

func TestGet_LoaderErrorPropagates(t *testing.T) {
	loadErr := errors.New("store down")
	c := NewLastHashCache(nil, 0, func(ctx context.Context, tenantID string, fps []string) (map[string]string, error) {
		return nil, loadErr
	})

	if _, err := c.Get(context.Background(), "tenant-1", []string{"fp-1"}); !errors.Is(err, loadErr) {
		t.Errorf("expected loader error, got %v", err)
	}
}

func TestPut_NilClientIsNoop(t *testing.T) {
	c := NewLastHashCache(nil, 0, func(ctx context.Context, tenantID string, fps []string) (map[string]string, error) {
		return map[string]string{}, nil
	})
	// Must not panic without a Redis client.
	c.Put(context.Background(), "tenant-1", "fp-1", "hash-1")
}
