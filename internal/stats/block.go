package stats

import (
	"fmt"
	"strings"

	"github.com/wangfeng1004/Cumulus/internal/counter"
)

// Event identifies one counter of a Block.
type Event int

const (
	// Error counters
	TimeoutKeepalive Event = iota
	TimeoutConnection
	FailOnClient
	UnknownSession
	DecryptError
	RejectedBanned
	RejectedMalformed

	// Volume counters
	RecvPackets
	SendPackets
	RecvAccDuration
	SendAccDuration
	RecvPeakCost
	SendPeakCost
	HandShake
	KeepAlive

	numEvents
)

var eventNames = [numEvents]string{
	TimeoutKeepalive:  "timeout_keepalive",
	TimeoutConnection: "timeout_connection",
	FailOnClient:      "fail_on_client",
	UnknownSession:    "unknown_session",
	DecryptError:      "decrypt_error",
	RejectedBanned:    "rejected_banned",
	RejectedMalformed: "rejected_malformed",
	RecvPackets:       "recv_packets",
	SendPackets:       "send_packets",
	RecvAccDuration:   "recv_acc_duration_us",
	SendAccDuration:   "send_acc_duration_us",
	RecvPeakCost:      "recv_peak_cost_us",
	SendPeakCost:      "send_peak_cost_us",
	HandShake:         "handshake",
	KeepAlive:         "keepalive",
}

// Events returns every event in declaration order.
func Events() []Event {
	events := make([]Event, numEvents)
	for i := range events {
		events[i] = Event(i)
	}
	return events
}

// String returns the snake_case name of the event.
func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// IsPeak reports whether the event tracks a maximum rather than a sum.
func (e Event) IsPeak() bool {
	return e == RecvPeakCost || e == SendPeakCost
}

// Block is one observation period worth of counters. Every field is
// independently atomic; a reader may see counters from slightly different
// instants.
type Block struct {
	counters [numEvents]counter.Counter
}

// Counter returns the counter backing e.
func (b *Block) Counter(e Event) *counter.Counter {
	return &b.counters[e]
}

// Get returns the current value of e.
func (b *Block) Get(e Event) int64 {
	return b.counters[e].Get()
}

// CopyFrom assigns every counter from o, field by field.
func (b *Block) CopyFrom(o *Block) {
	for i := range b.counters {
		b.counters[i].CopyFrom(&o.counters[i])
	}
}

// Accumulate folds o into b: sums are added, peaks keep the larger value.
func (b *Block) Accumulate(o *Block) {
	for i := range b.counters {
		if Event(i).IsPeak() {
			b.counters[i].BumpToMax(o.counters[i].Get())
			continue
		}
		b.counters[i].Add(o.counters[i].Get())
	}
}

// Reset zeroes every counter, field by field.
func (b *Block) Reset() {
	for i := range b.counters {
		b.counters[i].Set(0)
	}
}

// AverageRecvCost is the mean receive processing time in microseconds.
func (b *Block) AverageRecvCost() int64 {
	return b.Get(RecvAccDuration) / (b.Get(RecvPackets) + 1)
}

// AverageSendCost is the mean send time in microseconds.
func (b *Block) AverageSendCost() int64 {
	return b.Get(SendAccDuration) / (b.Get(SendPackets) + 1)
}

// Snapshot is a plain copy of a Block for encoding.
type Snapshot struct {
	TimeoutKeepalive  int64 `json:"timeout_keepalive"`
	TimeoutConnection int64 `json:"timeout_connection"`
	FailOnClient      int64 `json:"fail_on_client"`
	UnknownSession    int64 `json:"unknown_session"`
	DecryptError      int64 `json:"decrypt_error"`
	RejectedBanned    int64 `json:"rejected_banned"`
	RejectedMalformed int64 `json:"rejected_malformed"`
	RecvPackets       int64 `json:"recv_packets"`
	SendPackets       int64 `json:"send_packets"`
	RecvAccDuration   int64 `json:"recv_acc_duration_us"`
	SendAccDuration   int64 `json:"send_acc_duration_us"`
	RecvPeakCost      int64 `json:"recv_peak_cost_us"`
	SendPeakCost      int64 `json:"send_peak_cost_us"`
	RecvAvgCost       int64 `json:"recv_avg_cost_us"`
	SendAvgCost       int64 `json:"send_avg_cost_us"`
	HandShake         int64 `json:"handshake"`
	KeepAlive         int64 `json:"keepalive"`
}

// Snapshot reads every counter once.
func (b *Block) Snapshot() Snapshot {
	return Snapshot{
		TimeoutKeepalive:  b.Get(TimeoutKeepalive),
		TimeoutConnection: b.Get(TimeoutConnection),
		FailOnClient:      b.Get(FailOnClient),
		UnknownSession:    b.Get(UnknownSession),
		DecryptError:      b.Get(DecryptError),
		RejectedBanned:    b.Get(RejectedBanned),
		RejectedMalformed: b.Get(RejectedMalformed),
		RecvPackets:       b.Get(RecvPackets),
		SendPackets:       b.Get(SendPackets),
		RecvAccDuration:   b.Get(RecvAccDuration),
		SendAccDuration:   b.Get(SendAccDuration),
		RecvPeakCost:      b.Get(RecvPeakCost),
		SendPeakCost:      b.Get(SendPeakCost),
		RecvAvgCost:       b.AverageRecvCost(),
		SendAvgCost:       b.AverageSendCost(),
		HandShake:         b.Get(HandShake),
		KeepAlive:         b.Get(KeepAlive),
	}
}

// Format renders the block as tab separated lines for the control channel.
func (b *Block) Format() string {
	var sb strings.Builder
	field := func(label string, v int64) {
		fmt.Fprintf(&sb, "\t%-19s%8d", label+":", v)
	}

	field("RecvPackets", b.Get(RecvPackets))
	field("SendPackets", b.Get(SendPackets))
	field("HandShake", b.Get(HandShake))
	field("KeepAlive", b.Get(KeepAlive))
	sb.WriteString("\n")
	field("RecvCost", b.AverageRecvCost())
	field("RecvPeakCost", b.Get(RecvPeakCost))
	field("SendCost", b.AverageSendCost())
	field("SendPeakCost", b.Get(SendPeakCost))
	sb.WriteString("\n")
	field("UnknownSession", b.Get(UnknownSession))
	field("DecryptError", b.Get(DecryptError))
	field("RejectedBanned", b.Get(RejectedBanned))
	field("RejectedMalformed", b.Get(RejectedMalformed))
	sb.WriteString("\n")
	field("TimeoutKeepalive", b.Get(TimeoutKeepalive))
	field("TimeoutConnection", b.Get(TimeoutConnection))
	field("FailOnClient", b.Get(FailOnClient))
	sb.WriteString("\n")

	return sb.String()
}
