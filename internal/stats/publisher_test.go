package stats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

// pendingToken never completes, like a connect to an unreachable broker.
type pendingToken struct{ done chan struct{} }

func (t *pendingToken) Wait() bool                     { <-t.done; return true }
func (t *pendingToken) WaitTimeout(time.Duration) bool { return false }
func (t *pendingToken) Done() <-chan struct{}          { return t.done }
func (t *pendingToken) Error() error                   { return nil }

// fakeClient records publishes; unused paho.Client methods panic through the
// nil embedded interface.
type fakeClient struct {
	paho.Client

	mu        sync.Mutex
	connected bool
	err       error
	block     chan struct{} // when set, Publish waits for it to close
	topics    []string
	payloads  [][]byte
	qos       []byte
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeClient) published() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *fakeClient) Connect() paho.Token {
	return &pendingToken{done: make(chan struct{})}
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	c.qos = append(c.qos, qos)
	return newFakeToken(c.err)
}

func (c *fakeClient) Disconnect(uint) { c.setConnected(false) }

func waitPublished(t *testing.T, c *fakeClient, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.published() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d publishes, got %d", n, c.published())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPublisherPublishesRotations(t *testing.T) {
	p := NewPublisher(PublisherConfig{TopicPrefix: "edge-7", QoS: 1, Logger: testLogger()})
	client := &fakeClient{connected: true}
	p.client = client
	t.Cleanup(p.Close)

	r := NewRegistry(testLogger(), 5*time.Minute)
	p.Attach(r)

	r.RecordRecv(42 * time.Microsecond)
	r.Inc(HandShake)
	r.Rotate()

	waitPublished(t, client, 1)
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.topics[0] != "edge-7/stats" {
		t.Errorf("Expected topic edge-7/stats, got %s", client.topics[0])
	}
	if client.qos[0] != 1 {
		t.Errorf("Expected QoS 1, got %d", client.qos[0])
	}

	var report Report
	if err := json.Unmarshal(client.payloads[0], &report); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if report.Interval != "5m0s" {
		t.Errorf("Expected interval 5m0s, got %s", report.Interval)
	}
	if report.Rotation != 1 {
		t.Errorf("Expected rotation 1, got %d", report.Rotation)
	}
	if report.Stats.RecvPackets != 1 || report.Stats.RecvPeakCost != 42 || report.Stats.HandShake != 1 {
		t.Errorf("Unexpected stats in report: %+v", report.Stats)
	}
	if p.Published() != 1 || p.Failed() != 0 {
		t.Errorf("Expected 1 published and 0 failed, got %d and %d", p.Published(), p.Failed())
	}
}

func TestPublisherFailures(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
	}{
		{name: "no client", client: nil},
		{name: "disconnected", client: &fakeClient{connected: false}},
		{name: "broker error", client: &fakeClient{connected: true, err: errors.New("not authorized")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(PublisherConfig{Logger: testLogger()})
			if tt.client != nil {
				p.client = tt.client
			}

			if err := p.Publish(Snapshot{}, time.Minute, 1); err == nil {
				t.Error("Expected publish error")
			}
			if p.Failed() != 1 {
				t.Errorf("Expected 1 failure, got %d", p.Failed())
			}
		})
	}
}

func TestPublisherDefaults(t *testing.T) {
	p := NewPublisher(PublisherConfig{})
	if p.Topic() != DefaultTopicPrefix+"/stats" {
		t.Errorf("Expected default topic, got %s", p.Topic())
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := p.Connect(ctx); err == nil {
		t.Error("Expected error without broker")
	}
}

func TestPublisherConnectsLate(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(PublisherConfig{Broker: "tcp://127.0.0.1:1", Logger: testLogger()})
	p.newClient = func(*paho.ClientOptions) paho.Client { return client }
	t.Cleanup(p.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Connect(ctx); err == nil {
		t.Fatal("Expected connect timeout")
	}

	if err := p.Publish(Snapshot{}, time.Minute, 1); err == nil {
		t.Error("Expected publish to fail before the broker is reachable")
	}

	// the retrying client comes up later
	client.setConnected(true)

	if err := p.Publish(Snapshot{RecvPackets: 3}, time.Minute, 2); err != nil {
		t.Fatalf("Expected publish to succeed once connected, got %v", err)
	}
	if p.Published() != 1 || p.Failed() != 1 {
		t.Errorf("Expected 1 published and 1 failed, got %d and %d", p.Published(), p.Failed())
	}
}

func TestSlowBrokerDoesNotBlockRotation(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{connected: true, block: release}
	p := NewPublisher(PublisherConfig{Logger: testLogger()})
	p.client = client

	r := NewRegistry(testLogger(), time.Minute)
	p.Attach(r)

	start := time.Now()
	for i := 0; i < reportBacklog+3; i++ {
		r.Rotate()
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected rotations not to wait for the broker, took %v", elapsed)
	}
	if r.Rotations() != int64(reportBacklog+3) {
		t.Errorf("Expected %d rotations, got %d", reportBacklog+3, r.Rotations())
	}

	close(release)
	waitPublished(t, client, 1)

	// one report is with the sender, the backlog holds the next ones
	if p.Dropped() < 2 {
		t.Errorf("Expected at least 2 dropped reports, got %d", p.Dropped())
	}
	p.Close()
}
