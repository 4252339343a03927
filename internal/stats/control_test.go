package stats

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/wangfeng1004/Cumulus/internal/mux"
)

func fixedHandler(status string, limiter *rate.Limiter) *ControlHandler {
	started := time.Date(2024, time.March, 5, 8, 30, 0, 0, time.UTC)
	h := NewControlHandler(StatusFunc(func() string { return status }), started, limiter, testLogger())
	h.now = func() time.Time { return started.Add(90 * time.Second) }
	return h
}

func TestRespond(t *testing.T) {
	const identity = "Cumulus server, build time: unknown, start time: Mar 05 2024 08:30:00, cur time: Mar 05 2024 08:31:30\n"

	h := fixedHandler("line one\nline two\n", nil)

	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{name: "status", cmd: "status", want: identity + "line one\nline two\n"},
		{name: "status with newline", cmd: "status\n", want: identity + "line one\nline two\n"},
		{name: "status with crlf", cmd: "status\r\n", want: identity + "line one\nline two\n"},
		{name: "help", cmd: "help\n", want: identity + "Commands: help status\n"},
		{name: "bogus", cmd: "bogus", want: identity + "Please type in `help` for details.\n"},
		{name: "empty", cmd: "", want: identity + "Please type in `help` for details.\n"},
		{name: "case sensitive", cmd: "STATUS", want: identity + "Please type in `help` for details.\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.Respond(tt.cmd); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestControlOverUDP(t *testing.T) {
	r := NewRegistry(testLogger(), time.Minute)
	r.RecordRecv(5 * time.Microsecond)

	m, err := mux.New(mux.Config{PollTimeout: 5 * time.Millisecond, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Failed to create multiplexer: %v", err)
	}
	defer m.Close()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer conn.Close()

	h := NewControlHandler(StatusFunc(r.Render), r.StartTime(), nil, testLogger())
	if err := m.Register(conn, h); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	ask := func(cmd string) string {
		t.Helper()
		if _, err := client.Write([]byte(cmd)); err != nil {
			t.Fatalf("Failed to send %q: %v", cmd, err)
		}
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64*1024)
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("No reply to %q: %v", cmd, err)
		}
		return string(buf[:n])
	}

	status := ask("status\n")
	if !strings.HasPrefix(status, "Cumulus server, build time: ") {
		t.Errorf("Expected identity line first, got %q", status)
	}
	lines := strings.Split(strings.TrimRight(status, "\n"), "\n")
	if len(lines) < 5 {
		t.Errorf("Expected multi-line status report, got %d lines", len(lines))
	}
	if !strings.Contains(status, "-------StatManager-------") {
		t.Error("Expected stats report in status reply")
	}

	bogus := ask("bogus")
	idx := strings.Index(bogus, "\n")
	if idx < 0 || bogus[idx+1:] != "Please type in `help` for details.\n" {
		t.Errorf("Unexpected reply to bogus command: %q", bogus)
	}

	if h.Requests() != 2 {
		t.Errorf("Expected 2 requests, got %d", h.Requests())
	}
}

func TestControlLimiterDropsReplies(t *testing.T) {
	m, err := mux.New(mux.Config{PollTimeout: 5 * time.Millisecond, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Failed to create multiplexer: %v", err)
	}
	defer m.Close()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer conn.Close()

	// one reply, then nothing for an hour
	h := fixedHandler("ok\n", rate.NewLimiter(rate.Every(time.Hour), 1))
	m.Register(conn, h)

	client, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	for i := 0; i < 3; i++ {
		client.Write([]byte("help"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.Requests() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 3 requests, got %d", h.Requests())
		}
		m.PollAndDispatch(context.Background(), 5*time.Millisecond)
	}

	if h.Dropped() != 2 {
		t.Errorf("Expected 2 dropped requests, got %d", h.Dropped())
	}
}
