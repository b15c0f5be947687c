package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nicktill/botpulse/pkg/metrics"
	"github.com/nicktill/botpulse/pkg/storage"
	"github.com/nicktill/botpulse/pkg/storage/storagetest"
)

func TestMemoryStorage_Suite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, retention time.Duration) storage.Storage {
		store := New(WithRetention(retention))
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestMemoryStorage_QueryDoesNotAlias(t *testing.T) {
	store := New()
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	err := store.Append(ctx, metrics.Sample{Kind: metrics.KindCPU, Timestamp: now, Value: 1})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	results, err := store.Query(ctx, storage.QueryRequest{
		Kind:  metrics.KindCPU,
		Start: now.Add(-time.Minute),
		End:   now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	results[0].Value = 42

	latest, ok, err := store.Latest(ctx, metrics.KindCPU)
	if err != nil || !ok {
		t.Fatalf("Latest failed: ok=%v err=%v", ok, err)
	}
	if latest.Value != 1 {
		t.Errorf("Expected stored value 1, got %v", latest.Value)
	}
}

func TestMemoryStorage_ContextCancelled(t *testing.T) {
	store := New()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Append(ctx, metrics.Sample{Kind: metrics.KindCPU, Timestamp: time.Now(), Value: 1})
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
}
