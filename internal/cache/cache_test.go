package cache

import (
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	t.Run("heatmap", func(t *testing.T) {
		got := HeatmapKey("job-1", "viridis", 800)
		want := "heatmap:job-1:viridis:800"
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})

	t.Run("results", func(t *testing.T) {
		got := ResultsKey("job-1", "delta", 40, 20)
		want := "results:job-1:delta:40:20"
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})
}

func TestManager_RoundTrip(t *testing.T) {
	m, err := NewManager(Config{
		HeatmapCacheSizeMB: 8,
		HeatmapTTL:         time.Minute,
		ResultCacheSize:    4,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, ok := m.GetHeatmap("missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	if err := m.SetHeatmap("h1", []byte("png-bytes")); err != nil {
		t.Fatalf("SetHeatmap: %v", err)
	}
	data, ok := m.GetHeatmap("h1")
	if !ok || string(data) != "png-bytes" {
		t.Fatalf("heatmap round trip: ok=%v data=%q", ok, data)
	}

	m.SetResults("r1", []byte(`{"cells":[]}`))
	data, ok = m.GetResults("r1")
	if !ok || string(data) != `{"cells":[]}` {
		t.Fatalf("results round trip: ok=%v data=%q", ok, data)
	}

	stats := m.Stats()
	if stats["result_cache_len"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestManager_ResultEviction(t *testing.T) {
	m, err := NewManager(Config{
		HeatmapCacheSizeMB: 8,
		HeatmapTTL:         time.Minute,
		ResultCacheSize:    2,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	m.SetResults("a", []byte("1"))
	m.SetResults("b", []byte("2"))
	m.SetResults("c", []byte("3"))

	if _, ok := m.GetResults("a"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := m.GetResults("c"); !ok {
		t.Error("newest entry missing")
	}
}
