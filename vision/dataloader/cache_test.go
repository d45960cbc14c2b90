package dataloader

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestCacheManagerBasicOperations(t *testing.T) {
	cm, err := NewCacheManager(5)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if data, ok := cm.Get("nonexistent"); ok || data != nil {
		t.Error("Get should return false and nil for nonexistent key")
	}

	testData := []float32{1, 2, 3, 4, 5}
	cm.Put("test_key", testData)

	got, ok := cm.Get("test_key")
	if !ok {
		t.Fatal("Get should return true for existing key")
	}
	for i, v := range got {
		if v != testData[i] {
			t.Errorf("Data mismatch at index %d: expected %f, got %f", i, testData[i], v)
		}
	}

	stats := cm.Stats()
	if stats.Size != 1 || stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.HitRate != 50 {
		t.Errorf("Expected hit rate 50, got %f", stats.HitRate)
	}
}

func TestCacheManagerEviction(t *testing.T) {
	cm, err := NewCacheManager(3)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for i := range 3 {
		cm.Put(fmt.Sprintf("key_%d", i), []float32{float32(i)})
	}
	// key_0 becomes most recently used, so key_1 is evicted next
	cm.Get("key_0")
	cm.Put("key_3", []float32{3})

	if _, ok := cm.Get("key_1"); ok {
		t.Error("key_1 should have been evicted")
	}
	for _, key := range []string{"key_0", "key_2", "key_3"} {
		if _, ok := cm.Get(key); !ok {
			t.Errorf("%s should still be cached", key)
		}
	}
	if size := cm.Stats().Size; size != 3 {
		t.Errorf("Expected size 3, got %d", size)
	}
}

func TestCacheManagerClearAndReset(t *testing.T) {
	cm, err := NewCacheManager(4)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	cm.Put("a", []float32{1})
	cm.Get("a")
	cm.Clear()

	stats := cm.Stats()
	if stats.Size != 0 {
		t.Errorf("Expected empty cache, got %d items", stats.Size)
	}
	if stats.Hits != 1 {
		t.Error("Clear should keep statistics")
	}

	cm.ResetStats()
	if stats := cm.Stats(); stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Expected zero statistics, got %+v", stats)
	}
}

func TestCacheManagerInvalidSize(t *testing.T) {
	if _, err := NewCacheManager(0); err == nil {
		t.Error("Expected error for zero size")
	}
}

func TestCacheManagerConcurrentAccess(t *testing.T) {
	cm, err := NewCacheManager(50)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := fmt.Sprintf("key_%d", (g*100+i)%75)
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, []float32{float32(i)})
				}
			}
		}()
	}
	wg.Wait()

	stats := cm.Stats()
	if stats.Hits+stats.Misses != 800 {
		t.Errorf("Expected 800 lookups, got %d", stats.Hits+stats.Misses)
	}
	if stats.Size > 50 {
		t.Errorf("Cache exceeded its bound: %d", stats.Size)
	}
	if !strings.Contains(stats.String(), "/50 items") {
		t.Errorf("Unexpected stats string %q", stats.String())
	}
}
