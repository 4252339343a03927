package stats

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRotateArchivesRecords(t *testing.T) {
	r := NewRegistry(testLogger(), time.Hour)

	r.Inc(HandShake)
	r.Inc(KeepAlive)
	r.Record(UnknownSession, 3)
	r.Record(RecvPeakCost, 40)
	r.Record(RecvPeakCost, 15)
	for i := 0; i < 10; i++ {
		r.RecordRecv(time.Duration(i+1) * time.Microsecond)
	}

	r.Rotate()

	last := r.LastPeriod()
	if got := last.Get(RecvPackets); got != 10 {
		t.Errorf("Expected 10 recv packets in last period, got %d", got)
	}
	if got := last.Get(RecvAccDuration); got != 55 {
		t.Errorf("Expected accumulated 55us, got %d", got)
	}
	if got := last.Get(RecvPeakCost); got != 40 {
		t.Errorf("Expected peak 40us, got %d", got)
	}
	if got := last.Get(UnknownSession); got != 3 {
		t.Errorf("Expected 3 unknown sessions, got %d", got)
	}

	for _, e := range Events() {
		if v := r.Current().Get(e); v != 0 {
			t.Errorf("Expected current %s to be 0 after rotate, got %d", e, v)
		}
	}
	if r.Rotations() != 1 {
		t.Errorf("Expected 1 rotation, got %d", r.Rotations())
	}
}

func TestCumulativeAcrossRotations(t *testing.T) {
	r := NewRegistry(testLogger(), time.Hour)

	r.RecordRecv(100 * time.Microsecond)
	r.RecordSend(7 * time.Microsecond)
	r.Rotate()

	r.RecordRecv(30 * time.Microsecond)
	r.RecordRecv(20 * time.Microsecond)
	r.Rotate()

	cum := r.Cumulative()
	if got := cum.Get(RecvPackets); got != 3 {
		t.Errorf("Expected 3 cumulative recv packets, got %d", got)
	}
	if got := cum.Get(RecvAccDuration); got != 150 {
		t.Errorf("Expected 150us cumulative, got %d", got)
	}
	if got := cum.Get(RecvPeakCost); got != 100 {
		t.Errorf("Expected cumulative peak 100us, got %d", got)
	}
	if got := cum.Get(SendPackets); got != 1 {
		t.Errorf("Expected 1 cumulative send packet, got %d", got)
	}

	last := r.LastPeriod()
	if got := last.Get(RecvPeakCost); got != 30 {
		t.Errorf("Expected last period peak 30us, got %d", got)
	}
	if got := last.Get(SendPackets); got != 0 {
		t.Errorf("Expected no send packets in last period, got %d", got)
	}
}

func TestConcurrentRecordThenRotate(t *testing.T) {
	const goroutines = 16
	const perGoroutine = 1000

	r := NewRegistry(testLogger(), time.Hour)
	peaks := make([]int64, goroutines)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))
			for i := 0; i < perGoroutine; i++ {
				us := rng.Int63n(5000)
				if us > peaks[g] {
					peaks[g] = us
				}
				r.RecordRecv(time.Duration(us) * time.Microsecond)
				r.Inc(KeepAlive)
			}
		}(g)
	}
	wg.Wait()
	r.Rotate()

	var want int64
	for _, p := range peaks {
		if p > want {
			want = p
		}
	}

	last := r.LastPeriod()
	if got := last.Get(RecvPackets); got != goroutines*perGoroutine {
		t.Errorf("Expected %d packets, got %d", goroutines*perGoroutine, got)
	}
	if got := last.Get(KeepAlive); got != goroutines*perGoroutine {
		t.Errorf("Expected %d keep-alives, got %d", goroutines*perGoroutine, got)
	}
	if got := last.Get(RecvPeakCost); got != want {
		t.Errorf("Expected peak %d, got %d", want, got)
	}
}

func TestAverageNeverDividesByZero(t *testing.T) {
	var b Block
	if got := b.AverageRecvCost(); got != 0 {
		t.Errorf("Expected 0 average on empty block, got %d", got)
	}
	b.Counter(RecvAccDuration).Set(90)
	b.Counter(RecvPackets).Set(2)
	if got := b.AverageRecvCost(); got != 30 {
		t.Errorf("Expected 90/(2+1)=30, got %d", got)
	}
}

func TestRenderSections(t *testing.T) {
	r := NewRegistry(testLogger(), 5*time.Minute)
	r.Inc(DecryptError)
	r.Rotate()
	r.RecordRecv(12 * time.Microsecond)

	out := r.Render()
	for _, want := range []string{
		"-------StatManager-------\n",
		"-------current status:\n",
		"-------last period (5m0s) status:\n",
		"-------accumulative status:\n",
		"RecvPackets:",
		"DecryptError:",
		"TimeoutConnection:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected render to contain %q", want)
		}
	}

	// one row per block
	if got := strings.Count(out, "\tRecvPackets:"); got != 3 {
		t.Errorf("Expected 3 RecvPackets rows, got %d", got)
	}
}

func TestOnRotateHook(t *testing.T) {
	r := NewRegistry(testLogger(), time.Hour)
	var got []Snapshot
	r.OnRotate(func(s Snapshot) { got = append(got, s) })

	r.RecordSend(8 * time.Microsecond)
	r.Rotate()

	if len(got) != 1 {
		t.Fatalf("Expected 1 hook call, got %d", len(got))
	}
	if got[0].SendPackets != 1 || got[0].SendPeakCost != 8 {
		t.Errorf("Unexpected snapshot: %+v", got[0])
	}
}

func TestRotationLoop(t *testing.T) {
	r := NewRegistry(testLogger(), 10*time.Millisecond)
	r.Start()
	r.Start()

	deadline := time.Now().Add(2 * time.Second)
	for r.Rotations() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Expected rotation loop to rotate")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.Stop()
	n := r.Rotations()
	time.Sleep(30 * time.Millisecond)
	if r.Rotations() != n {
		t.Errorf("Expected no rotations after Stop, got %d more", r.Rotations()-n)
	}
	r.Stop()
}

func TestEventNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, e := range Events() {
		name := e.String()
		if name == "" || name == fmt.Sprintf("event(%d)", int(e)) {
			t.Errorf("Event %d has no name", int(e))
		}
		if seen[name] {
			t.Errorf("Duplicate event name %q", name)
		}
		seen[name] = true
	}
	if got := UnknownSession.String(); got != "unknown_session" {
		t.Errorf("Expected unknown_session, got %q", got)
	}
	if got := Event(-1).String(); got != "event(-1)" {
		t.Errorf("Expected event(-1), got %q", got)
	}
	if got := numEvents.String(); got != fmt.Sprintf("event(%d)", int(numEvents)) {
		t.Errorf("Expected fallback name for out of range event, got %q", got)
	}
	if !RecvPeakCost.IsPeak() || RecvPackets.IsPeak() {
		t.Error("Unexpected IsPeak classification")
	}
}
