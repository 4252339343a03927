package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wangfeng1004/Cumulus/internal/counter"
)

// DefaultRotationInterval is how often the current period is archived.
const DefaultRotationInterval = 5 * time.Minute

// Registry owns the current, last-period and cumulative blocks. Workers only
// ever mutate current; last-period and cumulative are written by Rotate alone.
type Registry struct {
	current    Block
	lastPeriod Block
	cumulative Block

	rotations counter.Counter
	started   time.Time
	interval  time.Duration
	logger    *slog.Logger

	hooksMu sync.RWMutex
	hooks   []func(Snapshot)

	// rotation loop
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewRegistry creates a registry that rotates every interval once started.
// A non-positive interval selects DefaultRotationInterval.
func NewRegistry(logger *slog.Logger, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		started:  time.Now(),
		interval: interval,
		logger:   logger.With(slog.String("component", "stats")),
	}
}

// Current returns the block being mutated by workers.
func (r *Registry) Current() *Block { return &r.current }

// LastPeriod returns the block archived by the latest rotation.
func (r *Registry) LastPeriod() *Block { return &r.lastPeriod }

// Cumulative returns the sum of every archived period.
func (r *Registry) Cumulative() *Block { return &r.cumulative }

// StartTime is the instant the registry was created.
func (r *Registry) StartTime() time.Time { return r.started }

// Interval is the rotation period.
func (r *Registry) Interval() time.Duration { return r.interval }

// Rotations counts completed rotations.
func (r *Registry) Rotations() int64 { return r.rotations.Get() }

// Record adds v to the current counter for e. Peak events keep the larger
// value instead of summing.
func (r *Registry) Record(e Event, v int64) {
	c := r.current.Counter(e)
	if e.IsPeak() {
		c.BumpToMax(v)
		return
	}
	c.Add(v)
}

// Inc adds one to the current counter for e.
func (r *Registry) Inc(e Event) {
	r.current.Counter(e).Inc()
}

// Direction selects the receive or send side of the latency counters.
type Direction int

const (
	Recv Direction = iota
	Send
)

// RecordLatency adds d, in microseconds, to the accumulated duration of dir
// and raises its peak if d is the slowest seen this period.
func (r *Registry) RecordLatency(dir Direction, d time.Duration) {
	us := d.Microseconds()
	acc, peak := RecvAccDuration, RecvPeakCost
	if dir == Send {
		acc, peak = SendAccDuration, SendPeakCost
	}
	r.current.Counter(acc).Add(us)
	r.current.Counter(peak).BumpToMax(us)
}

// RecordRecv accounts one completed inbound datagram that took d to process.
func (r *Registry) RecordRecv(d time.Duration) {
	r.current.Counter(RecvPackets).Inc()
	r.RecordLatency(Recv, d)
}

// RecordSend accounts one outbound datagram that took d to encode and write.
func (r *Registry) RecordSend(d time.Duration) {
	r.current.Counter(SendPackets).Inc()
	r.RecordLatency(Send, d)
}

// OnRotate registers fn to receive the freshly archived period after every
// rotation. Hooks run on the rotating goroutine.
func (r *Registry) OnRotate(fn func(Snapshot)) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Rotate archives current into last-period, folds it into cumulative and
// resets it. Each step walks the fields one at a time, so a concurrent Record
// may land on either side of the rotation for the field it touches.
func (r *Registry) Rotate() {
	r.lastPeriod.CopyFrom(&r.current)
	r.cumulative.Accumulate(&r.current)
	r.current.Reset()
	r.rotations.Inc()

	snap := r.lastPeriod.Snapshot()

	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(snap)
	}
}

// Render formats all three blocks for the control channel.
func (r *Registry) Render() string {
	var sb strings.Builder
	sb.WriteString("-------StatManager-------\n")
	sb.WriteString("-------current status:\n")
	sb.WriteString(r.current.Format())
	fmt.Fprintf(&sb, "-------last period (%s) status:\n", r.interval)
	sb.WriteString(r.lastPeriod.Format())
	sb.WriteString("-------accumulative status:\n")
	sb.WriteString(r.cumulative.Format())
	sb.WriteString("\n")
	return sb.String()
}

// Start launches the rotation loop. Calling Start twice is a no-op.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.stopped = make(chan struct{})
	go r.rotationLoop(r.ctx, r.stopped)
}

// Stop ends the rotation loop and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel, stopped := r.cancel, r.stopped
	r.cancel, r.stopped = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (r *Registry) rotationLoop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Stats rotation routine started",
		slog.Duration("interval", r.interval),
		slog.String("counter_backend", counter.Backend),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stats rotation routine stopping")
			return

		case <-ticker.C:
			r.Rotate()
			r.logger.Debug("Stats rotated",
				slog.Int64("rotation", r.Rotations()),
				slog.Int64("recv_packets", r.lastPeriod.Get(RecvPackets)),
				slog.Int64("recv_peak_cost_us", r.lastPeriod.Get(RecvPeakCost)),
			)
		}
	}
}
