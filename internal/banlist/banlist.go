package banlist

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/wangfeng1004/Cumulus/internal/counter"
)

// FloodConfig turns on the per-host flood guard. Rates maps a window to the
// number of datagrams a host may send within it; a host over any rate is
// banned for BanDuration.
type FloodConfig struct {
	Enabled     bool
	Rates       map[time.Duration]int
	BanDuration time.Duration
}

// List answers whether a sender may be processed. Static entries never
// expire; dynamic bans expire after their duration.
type List struct {
	mu      sync.RWMutex
	static  map[netip.Addr]struct{}
	dynamic map[netip.Addr]time.Time

	flood       *catrate.Limiter
	banDuration time.Duration
	now         func() time.Time
	logger      *slog.Logger

	floodBans counter.Counter
	checks    counter.Counter
	hits      counter.Counter
}

// New creates a ban list from static host entries, given as IP addresses.
func New(hosts []string, flood FloodConfig, logger *slog.Logger) (*List, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := &List{
		static:      make(map[netip.Addr]struct{}, len(hosts)),
		dynamic:     make(map[netip.Addr]time.Time),
		banDuration: flood.BanDuration,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "banlist")),
	}

	for _, h := range hosts {
		addr, err := netip.ParseAddr(h)
		if err != nil {
			return nil, fmt.Errorf("invalid banned host %q: %w", h, err)
		}
		l.static[addr.Unmap()] = struct{}{}
	}

	if flood.Enabled {
		if err := ValidateRates(flood.Rates); err != nil {
			return nil, err
		}
		if l.banDuration <= 0 {
			l.banDuration = time.Minute
		}
		l.flood = catrate.NewLimiter(flood.Rates)
	}

	return l, nil
}

// ValidateRates rejects rate maps the flood guard cannot use: counts and
// windows must be positive, a longer window must allow more events, and its
// average rate must not be higher than a shorter window's.
func ValidateRates(rates map[time.Duration]int) error {
	if len(rates) == 0 {
		return fmt.Errorf("flood rates must not be empty")
	}
	for d, n := range rates {
		if d <= 0 || n <= 0 {
			return fmt.Errorf("flood rate %d per %v must be positive", n, d)
		}
		for d2, n2 := range rates {
			if d2 <= d {
				continue
			}
			if n2 <= n {
				return fmt.Errorf("flood rate %d per %v must exceed %d per %v", n2, d2, n, d)
			}
			if float64(n2)/float64(d2) >= float64(n)/float64(d) {
				return fmt.Errorf("flood rate %d per %v must be slower than %d per %v", n2, d2, n, d)
			}
		}
	}
	return nil
}

// IsBanned reports whether addr is banned. With the flood guard enabled every
// call counts as one datagram from addr.
func (l *List) IsBanned(addr netip.Addr) bool {
	addr = addr.Unmap()
	l.checks.Inc()

	l.mu.RLock()
	_, static := l.static[addr]
	until, dynamic := l.dynamic[addr]
	l.mu.RUnlock()

	if static {
		l.hits.Inc()
		return true
	}

	now := l.now()
	if dynamic {
		if now.Before(until) {
			l.hits.Inc()
			return true
		}
		l.mu.Lock()
		if u, ok := l.dynamic[addr]; ok && !now.Before(u) {
			delete(l.dynamic, addr)
		}
		l.mu.Unlock()
	}

	if l.flood != nil {
		if _, ok := l.flood.Allow(addr); !ok {
			l.Ban(addr, l.banDuration)
			l.floodBans.Inc()
			l.hits.Inc()
			l.logger.Warn("Host banned for flooding",
				slog.String("host", addr.String()),
				slog.Duration("duration", l.banDuration),
			)
			return true
		}
	}
	return false
}

// Ban bans addr for d. A non-positive d bans it permanently.
func (l *List) Ban(addr netip.Addr, d time.Duration) {
	addr = addr.Unmap()
	l.mu.Lock()
	defer l.mu.Unlock()
	if d <= 0 {
		l.static[addr] = struct{}{}
		delete(l.dynamic, addr)
		return
	}
	l.dynamic[addr] = l.now().Add(d)
}

// Unban lifts every ban on addr.
func (l *List) Unban(addr netip.Addr) bool {
	addr = addr.Unmap()
	l.mu.Lock()
	defer l.mu.Unlock()
	_, s := l.static[addr]
	_, d := l.dynamic[addr]
	delete(l.static, addr)
	delete(l.dynamic, addr)
	return s || d
}

// Len returns the number of banned hosts, expired dynamic bans included until
// they are next checked.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.static) + len(l.dynamic)
}

// Stats is a snapshot of the list counters.
type Stats struct {
	Banned    int   `json:"banned"`
	Checks    int64 `json:"checks"`
	Hits      int64 `json:"hits"`
	FloodBans int64 `json:"flood_bans"`
}

// Stats returns the list counters.
func (l *List) Stats() Stats {
	return Stats{
		Banned:    l.Len(),
		Checks:    l.checks.Get(),
		Hits:      l.hits.Get(),
		FloodBans: l.floodBans.Get(),
	}
}
