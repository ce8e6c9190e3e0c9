package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "mucachefs",
			Subsystem: "test",
		}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector() returned nil collector")
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
		if collector.detailed == nil {
			t.Error("collector.detailed is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector(nil) returned nil collector")
		}
		if collector.config == nil {
			t.Fatal("default config is nil")
		}
		if collector.config.Port != 8080 {
			t.Errorf("default port = %d, want 8080", collector.config.Port)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
		if collector.config.Namespace != "mucachefs" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "mucachefs")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		config := &Config{
			Enabled: false,
		}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector() returned nil collector")
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have registry")
		}
	})
}

func TestRecordRead(t *testing.T) {
	t.Parallel()

	t.Run("record cache hit", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9091, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordRead(100*time.Millisecond, 1024, true, nil)

		op := collector.detailed.GetOperationMetrics(OpRead)
		if op == nil {
			t.Fatal("read operation not recorded")
		}
		if op.Count != 1 {
			t.Errorf("op.Count = %d, want 1", op.Count)
		}
		if op.CacheHits != 1 {
			t.Errorf("op.CacheHits = %d, want 1", op.CacheHits)
		}
		if op.BytesProcessed != 1024 {
			t.Errorf("op.BytesProcessed = %d, want 1024", op.BytesProcessed)
		}
	})

	t.Run("record cache miss", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9092, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordRead(50*time.Millisecond, 512, false, nil)

		op := collector.detailed.GetOperationMetrics(OpRead)
		if op.CacheMisses != 1 {
			t.Errorf("op.CacheMisses = %d, want 1", op.CacheMisses)
		}
	})

	t.Run("record read error", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9093, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordRead(10*time.Millisecond, 0, false, errors.New("boom"))

		op := collector.detailed.GetOperationMetrics(OpRead)
		if op.ErrorCount != 1 {
			t.Errorf("op.ErrorCount = %d, want 1", op.ErrorCount)
		}
	})

	t.Run("record multiple reads", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Port: 9094, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordRead(100*time.Millisecond, 1000, true, nil)
		collector.RecordRead(200*time.Millisecond, 2000, true, nil)
		collector.RecordRead(300*time.Millisecond, 3000, false, errors.New("fail"))

		op := collector.detailed.GetOperationMetrics(OpRead)
		if op.Count != 3 {
			t.Errorf("op.Count = %d, want 3", op.Count)
		}
		if op.BytesProcessed != 6000 {
			t.Errorf("op.BytesProcessed = %d, want 6000", op.BytesProcessed)
		}
		if op.ErrorCount != 1 {
			t.Errorf("op.ErrorCount = %d, want 1", op.ErrorCount)
		}
	})

	t.Run("disabled collector ignores reads", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		// Should not panic.
		collector.RecordRead(100*time.Millisecond, 1024, true, nil)
	})
}

func TestRecordPrefetchAndPromotion(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9095, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	// Should not panic; these feed Prometheus counters directly rather
	// than the detailed tracker.
	collector.RecordPrefetchTriggered(4096)
	collector.RecordCachePromotion(1 << 20)

	disabled, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	disabled.RecordPrefetchTriggered(4096)
	disabled.RecordCachePromotion(1 << 20)
}

func TestRecordEviction(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9096, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordEviction(1024)
	collector.RecordEviction(2048)

	disabled, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	disabled.RecordEviction(1024)
}

func TestSetCachedBytes(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9097, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.SetCachedBytes(10 * 1024 * 1024)

	disabled, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	disabled.SetCachedBytes(10 * 1024 * 1024)
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	config := &Config{
		Enabled:   true,
		Port:      9102,
		Namespace: "test",
	}
	collector, err := NewCollector(config)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	ctx := context.Background()
	// Should not panic when stopping without starting.
	if err := collector.Stop(ctx); err != nil {
		t.Errorf("Stop() without Start() error = %v, want nil", err)
	}
}

func TestDebugSummaryIncludesSourceAccess(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 9103, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordRead(10*time.Millisecond, 1024, false, nil)
	collector.RecordRead(5*time.Millisecond, 2048, true, nil)

	summary := collector.detailed.GetSummary()
	if summary["bytes_from_source"].(int64) != 1024 {
		t.Errorf("bytes_from_source = %v, want 1024", summary["bytes_from_source"])
	}
	if summary["bytes_from_cache"].(int64) != 2048 {
		t.Errorf("bytes_from_cache = %v, want 2048", summary["bytes_from_cache"])
	}
}
