package cache

import (
	"bytes"
	"sync"
	"testing"
)

func TestNewLRU(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		want   int64
	}{
		{"nil config uses default", nil, DefaultMaxSize},
		{"zero size uses default", &Config{}, DefaultMaxSize},
		{"custom size", &Config{MaxSize: 4096}, 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewLRU(tt.config).Stats().Capacity; got != tt.want {
				t.Errorf("capacity = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLRU_PutGet(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 4096})

	if _, ok := c.Get(1); ok {
		t.Fatal("empty cache returned a block")
	}

	data := []byte("block one")
	c.Put(1, data)
	data[0] = 'X'

	got, ok := c.Get(1)
	if !ok {
		t.Fatal("cached block missing")
	}
	if !bytes.Equal(got, []byte("block one")) {
		t.Errorf("Get = %q, cache kept caller's slice", got)
	}

	got[0] = 'Y'
	again, _ := c.Get(1)
	if again[0] != 'b' {
		t.Error("Get returned the cached slice itself")
	}

	c.Put(1, []byte("replaced"))
	if c.Size() != int64(len("replaced")) {
		t.Errorf("Size = %d after replace", c.Size())
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("hits=%d misses=%d", stats.Hits, stats.Misses)
	}
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 3 * 512})
	block := make([]byte, 512)

	c.Put(1, block)
	c.Put(2, block)
	c.Put(3, block)
	c.Get(1)
	c.Put(4, block)

	if _, ok := c.Get(2); ok {
		t.Error("block 2 should have been evicted")
	}
	for _, id := range []uint64{1, 3, 4} {
		if _, ok := c.Get(id); !ok {
			t.Errorf("block %d evicted", id)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestLRU_MaxEntries(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 1 << 20, MaxEntries: 2})
	for id := uint64(0); id < 5; id++ {
		c.Put(id, []byte{byte(id)})
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestLRU_OversizeBlockDropsOldCopy(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 8})
	c.Put(1, []byte("small"))
	c.Put(1, make([]byte, 16))

	if _, ok := c.Get(1); ok {
		t.Error("oversize block should not be cached")
	}
	if c.Size() != 0 {
		t.Errorf("Size = %d, want 0", c.Size())
	}
}

func TestLRU_ResizeAndClear(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 1024})
	for id := uint64(0); id < 4; id++ {
		c.Put(id, make([]byte, 256))
	}

	c.Resize(512)
	if c.Len() != 2 || c.Size() != 512 {
		t.Errorf("after resize Len=%d Size=%d", c.Len(), c.Size())
	}

	c.Clear()
	if c.Len() != 0 || c.Size() != 0 {
		t.Error("Clear left blocks behind")
	}
	if c.Stats().Evictions != 4 {
		t.Errorf("Evictions = %d, want 4", c.Stats().Evictions)
	}
}

func TestLRU_Concurrent(t *testing.T) {
	c := NewLRU(&Config{MaxSize: 64 * 512})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := uint64((w*200 + i) % 100)
				c.Put(id, make([]byte, 512))
				c.Get(id)
				if i%10 == 0 {
					c.Delete(id)
				}
			}
		}(w)
	}
	wg.Wait()

	if c.Size() > 64*512 {
		t.Errorf("Size %d exceeds capacity", c.Size())
	}
	if c.Size() != int64(c.Len())*512 {
		t.Errorf("Size %d does not match %d entries", c.Size(), c.Len())
	}
}
