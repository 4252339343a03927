package metrics

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wangfeng1004/Cumulus/internal/stats"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDatagramReceived()
	m.RecordDatagramReceived()
	m.RecordDatagramProcessed(0.001)
	m.RecordRejection(ReasonBanned)
	m.RecordRejection(ReasonBanned)
	m.RecordRejection(ReasonMalformed)
	m.SetQueueSize(7)
	m.SetActiveSessions(3)

	tests := []struct {
		name      string
		collector prometheus.Collector
		expected  float64
	}{
		{name: "received", collector: m.DatagramsReceived, expected: 2},
		{name: "processed", collector: m.DatagramsProcessed, expected: 1},
		{name: "banned", collector: m.Rejections.WithLabelValues(ReasonBanned), expected: 2},
		{name: "malformed", collector: m.Rejections.WithLabelValues(ReasonMalformed), expected: 1},
		{name: "queue size", collector: m.QueueSize, expected: 7},
		{name: "sessions", collector: m.ActiveSessions, expected: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.collector); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}

	if n := testutil.CollectAndCount(m.ProcessingDuration); n != 1 {
		t.Errorf("Expected 1 histogram series, got %d", n)
	}
}

func TestUnregisteredMetrics(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	m.RecordHTTPError("GET", "/health", "server_error")

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/health", "200")); got != 1 {
		t.Errorf("Expected 1 request, got %v", got)
	}
}

func TestStatsCollector(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	r := stats.NewRegistry(logger, time.Hour)
	r.Record(stats.RecvPackets, 5)
	r.Rotate()
	r.Record(stats.RecvPackets, 2)

	c := NewStatsCollector(r)

	want := 3*len(stats.Events()) + 1
	if n := testutil.CollectAndCount(c); n != want {
		t.Errorf("Expected %d series, got %d", want, n)
	}

	expected := `
# HELP cumulus_stat_rotations_total Number of completed stats rotations
# TYPE cumulus_stat_rotations_total counter
cumulus_stat_rotations_total 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "cumulus_stat_rotations_total"); err != nil {
		t.Errorf("Unexpected rotations metric: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != "cumulus_stat_events" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			var block, event string
			for _, lp := range metric.GetLabel() {
				switch lp.GetName() {
				case "block":
					block = lp.GetValue()
				case "event":
					event = lp.GetValue()
				}
			}
			values[block+"/"+event] = metric.GetGauge().GetValue()
		}
	}

	checks := map[string]float64{
		"current/recv_packets":     2,
		"last_period/recv_packets": 5,
		"cumulative/recv_packets":  5,
	}
	for key, expected := range checks {
		if values[key] != expected {
			t.Errorf("Expected %s = %v, got %v", key, expected, values[key])
		}
	}
}
