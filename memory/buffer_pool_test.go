package memory

import (
	"sync"
	"testing"
)

func TestRoundUpToPowerOf2(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, 1},
		{1, 1},
		{3, 4},
		{4, 4},
		{5, 8},
		{100, 128},
		{1024, 1024},
		{1025, 2048},
	}

	for _, test := range tests {
		result := roundUpToPowerOf2(test.input)
		if result != test.expected {
			t.Errorf("roundUpToPowerOf2(%d) = %d; expected %d", test.input, result, test.expected)
		}
	}
}

func TestBufferPoolGetPut(t *testing.T) {
	pool := NewBufferPool()

	buf := pool.GetFloat32Buffer(100)
	if len(buf) != 100 {
		t.Fatalf("expected length 100, got %d", len(buf))
	}
	if cap(buf) != 128 {
		t.Errorf("expected capacity 128, got %d", cap(buf))
	}
	if pool.InUse() != 1 {
		t.Errorf("expected 1 buffer in use, got %d", pool.InUse())
	}

	for i := range buf {
		buf[i] = float32(i)
	}
	pool.PutFloat32Buffer(buf)

	if pool.InUse() != 0 {
		t.Errorf("expected 0 buffers in use, got %d", pool.InUse())
	}

	again := pool.GetFloat32Buffer(90)
	for i, v := range again {
		if v != 0 {
			t.Fatalf("recycled buffer not zeroed at %d: %f", i, v)
		}
	}

	stats := pool.Stats()[128]
	if stats.Gets != 2 || stats.Puts != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestBufferPoolEdgeCases(t *testing.T) {
	pool := NewBufferPool()

	if buf := pool.GetFloat32Buffer(0); buf != nil {
		t.Errorf("expected nil buffer for size 0")
	}

	// Foreign buffers are ignored
	pool.PutFloat32Buffer(make([]float32, 100))
	pool.PutFloat32Buffer(nil)
	if pool.InUse() != 0 {
		t.Errorf("foreign buffers should not change accounting")
	}
}

func TestBufferPoolConcurrent(t *testing.T) {
	pool := NewBufferPool()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf := pool.GetFloat32Buffer(64 + i)
				buf[0] = 1
				pool.PutFloat32Buffer(buf)
			}
		}()
	}
	wg.Wait()

	if pool.InUse() != 0 {
		t.Errorf("expected all buffers returned, %d still in use", pool.InUse())
	}
}

func TestGetGlobalBufferPool(t *testing.T) {
	if GetGlobalBufferPool() != GetGlobalBufferPool() {
		t.Error("global pool should be a singleton")
	}
}
