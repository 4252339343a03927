package counter

import (
	"math/rand"
	"sync"
	"testing"
)

func TestCounterBasicOperations(t *testing.T) {
	var c Counter

	if c.Get() != 0 {
		t.Fatalf("Expected zero value 0, got %d", c.Get())
	}
	if !c.IsZero() {
		t.Error("Expected IsZero on fresh counter")
	}

	if v := c.Inc(); v != 1 {
		t.Errorf("Expected Inc to return 1, got %d", v)
	}
	if v := c.PostInc(); v != 1 {
		t.Errorf("Expected PostInc to return previous value 1, got %d", v)
	}
	if v := c.Get(); v != 2 {
		t.Errorf("Expected 2 after two increments, got %d", v)
	}
	if v := c.Dec(); v != 1 {
		t.Errorf("Expected Dec to return 1, got %d", v)
	}
	if v := c.PostDec(); v != 1 {
		t.Errorf("Expected PostDec to return previous value 1, got %d", v)
	}
	if v := c.Add(41); v != 41 {
		t.Errorf("Expected Add to return 41, got %d", v)
	}

	c.Set(-7)
	if c.Get() != -7 {
		t.Errorf("Expected -7 after Set, got %d", c.Get())
	}
	if c.String() != "-7" {
		t.Errorf("Expected String \"-7\", got %q", c.String())
	}

	other := New(99)
	c.CopyFrom(other)
	if c.Get() != 99 {
		t.Errorf("Expected 99 after CopyFrom, got %d", c.Get())
	}
}

func TestCounterBumpToMax(t *testing.T) {
	tests := []struct {
		name      string
		initial   int64
		candidate int64
		updated   bool
		final     int64
	}{
		{name: "larger candidate", initial: 5, candidate: 9, updated: true, final: 9},
		{name: "equal candidate", initial: 5, candidate: 5, updated: false, final: 5},
		{name: "smaller candidate", initial: 5, candidate: 1, updated: false, final: 5},
		{name: "negative initial", initial: -10, candidate: -3, updated: true, final: -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.initial)
			if got := c.BumpToMax(tt.candidate); got != tt.updated {
				t.Errorf("Expected BumpToMax to return %v, got %v", tt.updated, got)
			}
			if c.Get() != tt.final {
				t.Errorf("Expected final value %d, got %d", tt.final, c.Get())
			}
		})
	}
}

func TestCounterConcurrentBumpToMax(t *testing.T) {
	const goroutines = 64
	const perGoroutine = 500

	for round := 0; round < 10; round++ {
		initial := int64(rand.Intn(1000))
		c := New(initial)
		want := initial

		candidates := make([][]int64, goroutines)
		for g := range candidates {
			candidates[g] = make([]int64, perGoroutine)
			for i := range candidates[g] {
				v := rand.Int63n(1_000_000)
				candidates[g][i] = v
				if v > want {
					want = v
				}
			}
		}

		var wg sync.WaitGroup
		var successes Counter
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func(values []int64) {
				defer wg.Done()
				for _, v := range values {
					if c.BumpToMax(v) {
						successes.Inc()
					}
				}
			}(candidates[g])
		}
		wg.Wait()

		if c.Get() != want {
			t.Fatalf("Round %d: expected max %d, got %d", round, want, c.Get())
		}
		if want > initial && successes.Get() == 0 {
			t.Fatalf("Round %d: expected at least one successful bump", round)
		}
	}
}

func TestCounterConcurrentAdd(t *testing.T) {
	const goroutines = 32
	const perGoroutine = 10000

	var c Counter
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				c.Inc()
				c.Add(2)
				c.Dec()
			}
		}()
	}
	wg.Wait()

	if want := int64(goroutines * perGoroutine * 2); c.Get() != want {
		t.Errorf("Expected %d, got %d", want, c.Get())
	}
}

func TestBackendName(t *testing.T) {
	if Backend != "atomic" && Backend != "mutex" {
		t.Errorf("Unexpected backend %q", Backend)
	}
}
