package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	generated := make([]string, total)
	for i := range generated {
		generated[i] = CreateULID()
	}

	for i, id := range generated {
		if _, err := ulid.Parse(id); err != nil {
			t.Fatalf("expected valid ULID at %d, got %v", i, err)
		}
		if i > 0 && generated[i-1] >= id {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", generated[i-1], id)
		}
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := CreateULID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate ULID generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d unique ULIDs, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestNewPartitionKey(t *testing.T) {
	first := NewPartitionKey()
	second := NewPartitionKey()
	if first == second {
		t.Fatal("expected distinct partition keys")
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("expected UUID partition key, got %q: %v", first, err)
	}
}

func TestULIDTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := ULIDTime(CreateULID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Before(before) {
		t.Fatalf("expected ULID time after %v, got %v", before, ts)
	}
	if _, err := ULIDTime("not-a-ulid"); err == nil {
		t.Fatal("expected parse error")
	}
}
