package resource

import (
	"sync"
	"testing"
)

type dropCounter struct {
	drops *int
}

func (d dropCounter) Drop() { *d.drops++ }

func TestArena_Basic(t *testing.T) {
	arena := NewArena[string]()

	h, err := arena.Insert("test")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}

	val, ok := arena.Get(h)
	if !ok {
		t.Fatal("Get failed")
	}
	if val != "test" {
		t.Fatalf("Expected 'test', got %v", val)
	}

	val, ok = arena.Remove(h)
	if !ok || val != "test" {
		t.Fatalf("Remove = (%v, %v)", val, ok)
	}

	if arena.Len() != 0 {
		t.Fatal("Expected Len() == 0 after Remove")
	}
	if _, ok := arena.Get(h); ok {
		t.Fatal("Get after Remove should fail")
	}
}

func TestArena_ZeroHandle(t *testing.T) {
	arena := NewArena[int]()
	if _, err := arena.Insert(1); err != nil {
		t.Fatal(err)
	}
	if _, ok := arena.Get(0); ok {
		t.Fatal("handle 0 must never resolve")
	}
	if _, ok := arena.Remove(0); ok {
		t.Fatal("handle 0 must never remove")
	}
}

func TestArena_StaleHandleAfterReuse(t *testing.T) {
	arena := NewArena[string]()

	old, _ := arena.Insert("first")
	arena.Remove(old)

	fresh, err := arena.Insert("second")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Fatal("reused slot must carry a new generation")
	}
	if fresh.slot() != old.slot() {
		t.Fatalf("expected slot reuse, got %d and %d", fresh.slot(), old.slot())
	}

	if _, ok := arena.Get(old); ok {
		t.Fatal("stale handle resolved after slot reuse")
	}
	if v, ok := arena.Get(fresh); !ok || v != "second" {
		t.Fatalf("Get(fresh) = (%v, %v)", v, ok)
	}
}

func TestArena_GenerationExhausted(t *testing.T) {
	arena := NewArena[int]()

	first, _ := arena.Insert(0)
	seen := map[Handle]bool{first: true}
	h := first
	for i := 1; i <= maxGeneration; i++ {
		arena.Remove(h)
		next, err := arena.Insert(i)
		if err != nil {
			t.Fatal(err)
		}
		if next.slot() != first.slot() {
			t.Fatalf("cycle %d moved to slot %d before the generation ran out", i, next.slot())
		}
		if seen[next] {
			t.Fatalf("cycle %d handed out %#x again", i, uint32(next))
		}
		seen[next] = true
		h = next
	}

	// The slot is at its last generation: removing it retires the slot.
	arena.Remove(h)
	fresh, err := arena.Insert(-1)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.slot() == first.slot() {
		t.Fatal("exhausted slot was reused")
	}
	for old := range seen {
		if _, ok := arena.Get(old); ok {
			t.Fatalf("stale handle %#x resolved", uint32(old))
		}
	}
	if v, ok := arena.Get(fresh); !ok || v != -1 {
		t.Fatalf("Get(fresh) = (%v, %v)", v, ok)
	}
}

func TestArena_ForgedHandles(t *testing.T) {
	arena := NewArena[int]()
	h, _ := arena.Insert(42)

	forged := []Handle{
		h + 1,
		makeHandle(h.slot(), h.gen()+1),
		0xffffffff,
		Handle(1 << indexBits),
	}
	for _, f := range forged {
		if _, ok := arena.Get(f); ok {
			t.Errorf("forged handle %#x resolved", uint32(f))
		}
	}
}

func TestArena_Each(t *testing.T) {
	arena := NewArena[int]()
	var handles []Handle
	for i := 0; i < 5; i++ {
		h, _ := arena.Insert(i)
		handles = append(handles, h)
	}
	arena.Remove(handles[2])

	var seen []int
	arena.Each(func(_ Handle, v int) bool {
		seen = append(seen, v)
		return true
	})
	if len(seen) != 4 {
		t.Fatalf("expected 4 values, got %v", seen)
	}
	for i, want := range []int{0, 1, 3, 4} {
		if seen[i] != want {
			t.Errorf("seen[%d] = %d, want %d", i, seen[i], want)
		}
	}

	count := 0
	arena.Each(func(Handle, int) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("Each should stop early, visited %d", count)
	}
}

func TestArena_CloseDropsValues(t *testing.T) {
	drops := 0
	arena := NewArena[dropCounter]()
	for i := 0; i < 3; i++ {
		if _, err := arena.Insert(dropCounter{drops: &drops}); err != nil {
			t.Fatal(err)
		}
	}

	if err := arena.Close(); err != nil {
		t.Fatal(err)
	}
	if drops != 3 {
		t.Fatalf("expected 3 drops, got %d", drops)
	}
	if err := arena.Close(); err != nil {
		t.Fatal("second Close should be a no-op")
	}
	if drops != 3 {
		t.Fatal("second Close dropped again")
	}
	if _, err := arena.Insert(dropCounter{drops: &drops}); err != ErrClosed {
		t.Fatalf("Insert after Close = %v, want ErrClosed", err)
	}
}

func TestArena_Concurrent(t *testing.T) {
	arena := NewArena[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h, err := arena.Insert(g*1000 + i)
				if err != nil {
					t.Error(err)
					return
				}
				if v, ok := arena.Get(h); !ok || v != g*1000+i {
					t.Errorf("Get(%d) = (%d, %v)", h, v, ok)
				}
			}
		}(g)
	}
	wg.Wait()
	if arena.Len() != 800 {
		t.Fatalf("Len = %d, want 800", arena.Len())
	}
}
