package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/wangfeng1004/Cumulus/internal/counter"
)

const (
	// DefaultTopicPrefix is used when PublisherConfig.TopicPrefix is empty.
	DefaultTopicPrefix = "cumulus"

	publishTimeout = 5 * time.Second
	connectTimeout = 30 * time.Second

	// reports waiting for the sender; further rotations are dropped
	reportBacklog = 4
)

// PublisherConfig configures the MQTT export of rotated periods.
type PublisherConfig struct {
	// Broker is the MQTT broker URL, e.g. "tcp://broker.example.com:1883".
	Broker   string
	ClientID string
	// TopicPrefix is prepended to "/stats".
	TopicPrefix string
	Username    string
	Password    string
	QoS         byte
	Logger      *slog.Logger
}

// Report is the JSON document published for every rotation.
type Report struct {
	Server   string    `json:"server"`
	Time     time.Time `json:"time"`
	Interval string    `json:"interval"`
	Rotation int64     `json:"rotation"`
	Stats    Snapshot  `json:"stats"`
}

type pendingReport struct {
	snap     Snapshot
	interval time.Duration
	rotation int64
}

// Publisher sends each archived period to an MQTT broker.
type Publisher struct {
	cfg       PublisherConfig
	log       *slog.Logger
	hostname  string
	newClient func(*paho.ClientOptions) paho.Client

	mu     sync.RWMutex
	client paho.Client

	queue     chan pendingReport
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	published counter.Counter
	failed    counter.Counter
	dropped   counter.Counter
}

// NewPublisher creates an unconnected publisher.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Publisher{
		cfg:       cfg,
		log:       cfg.Logger.WithGroup("mqtt"),
		hostname:  host,
		newClient: paho.NewClient,
		queue:     make(chan pendingReport, reportBacklog),
		stop:      make(chan struct{}),
	}
}

// Connect dials the broker. The client is kept even when the first attempt
// fails or times out: it keeps retrying, and Publish succeeds once it is
// connected.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = "cumulus-" + p.hostname
	}

	opts := paho.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(func(paho.Client) {
			p.log.Info("Connected to MQTT broker", slog.String("broker", p.cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn("MQTT connection lost", slog.String("error", err.Error()))
		})

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
	}
	if p.cfg.Password != "" {
		opts.SetPassword(p.cfg.Password)
	}

	client := p.newClient(opts)

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	token := client.Connect()

	timeout := connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	return nil
}

// Topic is where reports are published.
func (p *Publisher) Topic() string {
	return p.cfg.TopicPrefix + "/stats"
}

// Publish encodes snap as a Report and waits for the broker to accept it.
func (p *Publisher) Publish(snap Snapshot, interval time.Duration, rotation int64) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		p.failed.Inc()
		return errors.New("not connected")
	}

	payload, err := json.Marshal(Report{
		Server:   p.hostname,
		Time:     time.Now().UTC(),
		Interval: interval.String(),
		Rotation: rotation,
		Stats:    snap,
	})
	if err != nil {
		p.failed.Inc()
		return fmt.Errorf("encoding report: %w", err)
	}

	token := client.Publish(p.Topic(), p.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.failed.Inc()
		return errors.New("timeout publishing to MQTT")
	}
	if err := token.Error(); err != nil {
		p.failed.Inc()
		return err
	}
	p.published.Inc()
	return nil
}

// Attach publishes every rotation of r from a sender goroutine, so a slow
// broker never holds up the rotation loop. Failures are logged and counted.
// A rotation that finds the backlog full is dropped.
func (p *Publisher) Attach(r *Registry) {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.sendLoop()
	})
	r.OnRotate(func(snap Snapshot) {
		select {
		case p.queue <- pendingReport{snap: snap, interval: r.Interval(), rotation: r.Rotations()}:
		default:
			p.dropped.Inc()
			p.log.Warn("Stats report dropped, publisher is behind", slog.Int64("rotation", r.Rotations()))
		}
	})
}

func (p *Publisher) sendLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case rep := <-p.queue:
			if err := p.Publish(rep.snap, rep.interval, rep.rotation); err != nil {
				p.log.Warn("Failed to publish stats", slog.String("topic", p.Topic()), slog.String("error", err.Error()))
			}
		}
	}
}

// Published counts reports accepted by the broker.
func (p *Publisher) Published() int64 { return p.published.Get() }

// Failed counts reports that could not be delivered.
func (p *Publisher) Failed() int64 { return p.failed.Get() }

// Dropped counts rotations skipped because the backlog was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Get() }

// Close stops the sender and disconnects from the broker. Reports still
// queued are discarded.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}
}
