package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolGetPutEviction(t *testing.T) {
	t.Run("evicts oldest entry once budget is exceeded", func(t *testing.T) {
		p := NewPool[TileKey, TileEntry](10, 64)
		p.Put("a", TileEntry{Data: make([]byte, 6)})
		p.Put("b", TileEntry{Data: make([]byte, 6)})

		if _, ok := p.Get("a"); ok {
			t.Error("expected a to be evicted once b pushed the pool over budget")
		}
		if _, ok := p.Get("b"); !ok {
			t.Error("expected b to remain cached")
		}
	})

	t.Run("a value larger than the whole budget is never stored", func(t *testing.T) {
		p := NewPool[TileKey, TileEntry](4, 64)
		p.Put("big", TileEntry{Data: make([]byte, 100)})
		if _, ok := p.Get("big"); ok {
			t.Error("oversized value should not be cached")
		}
	})
}

func TestPoolZeroBudgetDisabled(t *testing.T) {
	p := NewPool[TileKey, TileEntry](0, 64)
	p.Put("a", TileEntry{Data: []byte("x")})
	if _, ok := p.Get("a"); ok {
		t.Error("a pool with budget 0 must never retain anything")
	}

	var calls int32
	v, err := p.Fill(context.Background(), "a", "a", func(context.Context) (TileEntry, error) {
		atomic.AddInt32(&calls, 1)
		return TileEntry{Data: []byte("x")}, nil
	})
	if err != nil {
		t.Fatalf("Fill on disabled pool: %v", err)
	}
	if string(v.Data) != "x" {
		t.Fatalf("expected filled value, got %q", v.Data)
	}

	if _, err := p.Fill(context.Background(), "a", "a", func(context.Context) (TileEntry, error) {
		atomic.AddInt32(&calls, 1)
		return TileEntry{Data: []byte("x")}, nil
	}); err != nil {
		t.Fatalf("second Fill: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("disabled pool must call fn on every miss, got %d calls", calls)
	}
}

func TestPoolFillCoalescesConcurrentMisses(t *testing.T) {
	p := NewPool[TileKey, TileEntry](1 << 20, 64)

	var calls int32
	start := make(chan struct{})
	release := make(chan struct{})

	fn := func(context.Context) (TileEntry, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(start)
			<-release
		}
		return TileEntry{Data: []byte("shared")}, nil
	}

	results := make(chan TileEntry, 4)
	for i := 0; i < 4; i++ {
		go func() {
			v, err := p.Fill(context.Background(), "k", "k", fn)
			if err != nil {
				t.Errorf("Fill: %v", err)
				return
			}
			results <- v
		}()
	}

	select {
	case <-start:
	case <-time.After(time.Second):
		t.Fatal("filler never started")
	}
	close(release)

	for i := 0; i < 4; i++ {
		select {
		case v := <-results:
			if string(v.Data) != "shared" {
				t.Errorf("expected shared result, got %q", v.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter never received result")
		}
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected filler to run exactly once, ran %d times", calls)
	}
}

func TestNewBudgets(t *testing.T) {
	c, err := New(Budgets{Tiles: "1MB", PMTilesDirs: "0", Sprites: "512KB", Fonts: "256KB"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Tiles.Put("a", TileEntry{Data: []byte("x")})
	if _, ok := c.Tiles.Get("a"); !ok {
		t.Error("tiles pool with a nonzero budget should retain entries")
	}
	c.PMTilesDirs.Put(DirPageKey{ArchiveID: "x", Offset: 0}, DirPageEntry{Raw: []byte("x")})
	if _, ok := c.PMTilesDirs.Get(DirPageKey{ArchiveID: "x", Offset: 0}); ok {
		t.Error("a pool configured with budget \"0\" must stay disabled")
	}
}
