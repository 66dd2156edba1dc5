package cache

import (
	"testing"

	"github.com/zsiec/framelock/internal/media"
)

const totalFrames = 300

func frame() *media.Frame {
	return &media.Frame{Width: 4, Height: 2, Stride: 12, Data: make([]byte, 24)}
}

func fill(c *Cache, from, n int) {
	for i := 0; i < n; i++ {
		c.Insert(media.WrapIndex(from+i, totalFrames), frame())
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	t.Parallel()

	c := New(10, totalFrames)
	if got := c.Get(5); got != nil {
		t.Errorf("Get on empty cache: got %v, want nil", got)
	}
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()

	c := New(10, totalFrames)
	f := frame()
	c.Insert(7, f)
	if got := c.Get(7); got != f {
		t.Errorf("Get(7): got %p, want %p", got, f)
	}
	if c.Len() != 1 {
		t.Errorf("Len: got %d, want 1", c.Len())
	}
}

func TestInsertOutOfRangeIgnored(t *testing.T) {
	t.Parallel()

	c := New(10, totalFrames)
	c.Insert(-1, frame())
	c.Insert(totalFrames, frame())
	if c.Len() != 0 {
		t.Errorf("Len after out-of-range inserts: got %d, want 0", c.Len())
	}
}

func TestInsertOverwriteKeepsOrder(t *testing.T) {
	t.Parallel()

	c := New(2, totalFrames)
	c.Insert(1, frame())
	c.Insert(2, frame())
	c.Insert(1, frame()) // overwrite must not refresh insertion order
	c.Insert(3, frame())
	c.EvictToCapacity(1)

	// 1 stays the oldest insertion despite the overwrite, so the
	// capacity pass drops it first.
	if c.Get(1) != nil {
		t.Error("frame 1 kept, want evicted as oldest insertion")
	}
	if c.Get(2) == nil {
		t.Error("frame 2 evicted, want kept")
	}
	if c.Get(3) == nil {
		t.Error("frame 3 evicted, want kept")
	}
}

func TestEvictBehindPlayhead(t *testing.T) {
	t.Parallel()

	c := New(300, totalFrames)
	fill(c, 40, 20) // 40..59
	c.EvictToCapacity(50)

	for i := 40; i < 50; i++ {
		if c.Get(i) != nil {
			t.Errorf("frame %d behind playhead kept, want evicted", i)
		}
	}
	for i := 50; i < 60; i++ {
		if c.Get(i) == nil {
			t.Errorf("frame %d at/ahead of playhead evicted, want kept", i)
		}
	}
}

func TestEvictBehindAcrossSeam(t *testing.T) {
	t.Parallel()

	c := New(300, totalFrames)
	fill(c, 290, 20) // 290..299, 0..9
	c.EvictToCapacity(295)

	if c.Get(292) != nil {
		t.Error("frame 292 behind playhead 295 kept, want evicted")
	}
	if c.Get(297) == nil {
		t.Error("frame 297 ahead of playhead 295 evicted, want kept")
	}
	// Indices past the wrap are ahead of the playhead, not behind.
	if c.Get(3) == nil {
		t.Error("frame 3 (ahead across the seam) evicted, want kept")
	}
}

func TestEvictToCapacityOldestFirst(t *testing.T) {
	t.Parallel()

	c := New(5, totalFrames)
	fill(c, 100, 8) // all ahead of playhead 100
	c.EvictToCapacity(100)

	if got := c.Len(); got != 5 {
		t.Fatalf("Len after eviction: got %d, want 5", got)
	}
	for i := 100; i < 103; i++ {
		if c.Get(i) != nil {
			t.Errorf("frame %d kept, want evicted as oldest insertion", i)
		}
	}
	for i := 103; i < 108; i++ {
		if c.Get(i) == nil {
			t.Errorf("frame %d evicted, want kept", i)
		}
	}
}

func TestBufferedRunLength(t *testing.T) {
	t.Parallel()

	c := New(300, totalFrames)
	fill(c, 0, 10)
	if got := c.BufferedRunLength(0, 20); got != 10 {
		t.Errorf("BufferedRunLength(0, 20): got %d, want 10", got)
	}
	if got := c.BufferedRunLength(0, 5); got != 5 {
		t.Errorf("BufferedRunLength(0, 5): got %d, want 5", got)
	}
	if got := c.BufferedRunLength(10, 5); got != 0 {
		t.Errorf("BufferedRunLength(10, 5): got %d, want 0", got)
	}
}

func TestBufferedRunLengthWraps(t *testing.T) {
	t.Parallel()

	c := New(300, totalFrames)
	fill(c, 297, 6) // 297..299, 0..2
	if got := c.BufferedRunLength(297, 10); got != 6 {
		t.Errorf("BufferedRunLength(297, 10): got %d, want 6", got)
	}
}

func TestBufferedRunLengthMonotone(t *testing.T) {
	t.Parallel()

	c := New(300, totalFrames)
	fill(c, 0, 17)
	prev := 0
	for n := 0; n <= 30; n++ {
		got := c.BufferedRunLength(0, n)
		if got < prev {
			t.Fatalf("BufferedRunLength(0, %d) = %d decreased from %d", n, got, prev)
		}
		prev = got
	}
}

// The holder of a Get result keeps a valid frame even if the entry is
// evicted while the borrow is in flight.
func TestBorrowSurvivesEviction(t *testing.T) {
	t.Parallel()

	c := New(300, totalFrames)
	f := frame()
	f.Data[0] = 0xAB
	c.Insert(10, f)

	got := c.Get(10)
	c.EvictToCapacity(50) // 10 is behind playhead 50, evicted
	if c.Get(10) != nil {
		t.Fatal("frame 10 still cached, want evicted")
	}
	if got == nil || got.Data[0] != 0xAB {
		t.Error("borrowed frame invalidated by eviction")
	}
}
