package config

import (
	"fmt"
	"net/netip"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Control ControlConfig `yaml:"control"`
	Banlist BanlistConfig `yaml:"banlist"`
	Stats   StatsConfig   `yaml:"stats"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains RTMFP socket and dispatch configuration
type ServerConfig struct {
	UDPPort         int    `yaml:"udp_port"`
	BindAddress     string `yaml:"bind_address"`
	BufferSize      int    `yaml:"buffer_size"`       // socket receive buffer, bytes
	Workers         int    `yaml:"workers"`           // worker pool size
	QueueSize       int    `yaml:"queue_size"`        // per-worker queue length
	PollTimeoutMs   int    `yaml:"poll_timeout_ms"`   // milliseconds
	KeepAlivePeer   int    `yaml:"keep_alive_peer"`   // seconds
	KeepAliveServer int    `yaml:"keep_alive_server"` // seconds
	SessionTimeout  int    `yaml:"session_timeout"`   // seconds, 0 derives it from keep_alive_peer
}

// ControlConfig contains the operator control channel configuration
type ControlConfig struct {
	Enabled bool    `yaml:"enabled"`
	Address string  `yaml:"address"`
	Port    int     `yaml:"port"`
	Rate    float64 `yaml:"rate"` // replies per second, 0 disables throttling
	Burst   int     `yaml:"burst"`
}

// BanlistConfig contains banned hosts and the flood guard
type BanlistConfig struct {
	Hosts []string    `yaml:"hosts"`
	Flood FloodConfig `yaml:"flood"`
}

// FloodConfig bans hosts that send faster than any of Rates
type FloodConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Rates       map[string]int `yaml:"rates"`        // window ("1s", "1m") to datagram count
	BanDuration int            `yaml:"ban_duration"` // seconds
}

// StatsConfig contains statistics rotation and export configuration
type StatsConfig struct {
	RotationInterval int        `yaml:"rotation_interval"` // seconds
	MQTT             MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains the MQTT broker the rotated statistics are published to
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         int    `yaml:"qos"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("control config: %w", err)
	}

	if err := c.Banlist.Validate(); err != nil {
		return fmt.Errorf("banlist config: %w", err)
	}

	if err := c.Stats.Validate(); err != nil {
		return fmt.Errorf("stats config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 0 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 0 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	if s.PollTimeoutMs < 1 || s.PollTimeoutMs > 1000 {
		return fmt.Errorf("poll_timeout_ms must be between 1 and 1000, got %d", s.PollTimeoutMs)
	}

	if s.KeepAlivePeer < 1 {
		return fmt.Errorf("keep_alive_peer must be at least 1 second, got %d", s.KeepAlivePeer)
	}

	if s.KeepAliveServer < 1 {
		return fmt.Errorf("keep_alive_server must be at least 1 second, got %d", s.KeepAliveServer)
	}

	if s.SessionTimeout < 0 {
		return fmt.Errorf("session_timeout cannot be negative, got %d", s.SessionTimeout)
	}

	if s.SessionTimeout > 0 && s.SessionTimeout <= s.KeepAlivePeer {
		return fmt.Errorf("session_timeout (%d) must be greater than keep_alive_peer (%d)",
			s.SessionTimeout, s.KeepAlivePeer)
	}

	return nil
}

// Validate validates control channel configuration
func (c *ControlConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("control port must be between 0 and 65535, got %d", c.Port)
	}

	if c.Address == "" {
		return fmt.Errorf("control address cannot be empty when control is enabled")
	}

	if c.Rate < 0 {
		return fmt.Errorf("rate cannot be negative, got %f", c.Rate)
	}

	if c.Rate > 0 && c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 when rate is set, got %d", c.Burst)
	}

	return nil
}

// Validate validates ban list configuration
func (b *BanlistConfig) Validate() error {
	for _, h := range b.Hosts {
		if _, err := netip.ParseAddr(h); err != nil {
			return fmt.Errorf("invalid host %q: %w", h, err)
		}
	}

	if !b.Flood.Enabled {
		return nil
	}

	if len(b.Flood.Rates) == 0 {
		return fmt.Errorf("flood rates cannot be empty when flood guard is enabled")
	}

	if _, err := b.Flood.GetRates(); err != nil {
		return err
	}

	if b.Flood.BanDuration < 1 {
		return fmt.Errorf("ban_duration must be at least 1 second, got %d", b.Flood.BanDuration)
	}

	return nil
}

// Validate validates statistics configuration
func (s *StatsConfig) Validate() error {
	if s.RotationInterval < 1 {
		return fmt.Errorf("rotation_interval must be at least 1 second, got %d", s.RotationInterval)
	}

	if !s.MQTT.Enabled {
		return nil
	}

	if s.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker cannot be empty when mqtt is enabled")
	}

	if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", s.MQTT.QoS)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr or a file path

	return nil
}

// GetPollTimeout returns the multiplexer poll timeout as a time.Duration
func (s *ServerConfig) GetPollTimeout() time.Duration {
	return time.Duration(s.PollTimeoutMs) * time.Millisecond
}

// GetKeepAlivePeerDuration returns the peer keep-alive interval as a time.Duration
func (s *ServerConfig) GetKeepAlivePeerDuration() time.Duration {
	return time.Duration(s.KeepAlivePeer) * time.Second
}

// GetKeepAliveServerDuration returns the server keep-alive interval as a time.Duration
func (s *ServerConfig) GetKeepAliveServerDuration() time.Duration {
	return time.Duration(s.KeepAliveServer) * time.Second
}

// GetSessionTimeoutDuration returns the session timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeoutDuration() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetRates parses the flood rate windows
func (f *FloodConfig) GetRates() (map[time.Duration]int, error) {
	windows := make([]string, 0, len(f.Rates))
	for w := range f.Rates {
		windows = append(windows, w)
	}
	sort.Strings(windows)

	rates := make(map[time.Duration]int, len(f.Rates))
	for _, w := range windows {
		d, err := time.ParseDuration(w)
		if err != nil {
			return nil, fmt.Errorf("invalid flood window %q: %w", w, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("flood window %q must be positive", w)
		}
		if f.Rates[w] < 1 {
			return nil, fmt.Errorf("flood count for %q must be at least 1, got %d", w, f.Rates[w])
		}
		rates[d] = f.Rates[w]
	}
	return rates, nil
}

// GetBanDuration returns the flood ban duration as a time.Duration
func (f *FloodConfig) GetBanDuration() time.Duration {
	return time.Duration(f.BanDuration) * time.Second
}

// GetRotationInterval returns the stats rotation interval as a time.Duration
func (s *StatsConfig) GetRotationInterval() time.Duration {
	return time.Duration(s.RotationInterval) * time.Second
}
