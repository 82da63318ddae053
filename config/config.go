package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen      ListenConfig       `yaml:"listen"`
	Identity    IdentityConfig     `yaml:"identity"`
	StaticPeers []StaticPeerConfig `yaml:"static_peers"`
	Filter      FilterConfig       `yaml:"filter"`
	Peer        PeerConfig         `yaml:"peer"`
	Multicast   MulticastConfig    `yaml:"multicast"`
	Logging     LoggingConfig      `yaml:"logging"`
	// PidFile is where `run` records its pid for `stop`.
	PidFile string `yaml:"pid_file"`
}

type ListenConfig struct {
	// Hosts lists the local ip:port pairs to bind, one socket each.
	Hosts     []string `yaml:"hosts"`
	ReusePort bool     `yaml:"reuse_port"`
	// Socket buffer sizes in bytes, 0 keeps the system default.
	ReadBuffer  int `yaml:"read_buffer"`
	WriteBuffer int `yaml:"write_buffer"`
}

type IdentityConfig struct {
	// Path of the identity file, "address:public:private" in hex.
	Path string `yaml:"path"`
}

// StaticPeerConfig 静态配置的对端
type StaticPeerConfig struct {
	// Identity is the public identity string "address:public".
	Identity  string   `yaml:"identity"`
	Endpoints []string `yaml:"endpoints"`
	// Fixed pins the endpoints so they are never replaced by learned ones.
	Fixed bool `yaml:"fixed"`
}

type FilterConfig struct {
	// "allow" or "deny", applied when no rule matches
	DefaultAction string       `yaml:"default_action"`
	Rules         []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	EtherType string `yaml:"ethertype"`
	Protocol  string `yaml:"protocol"`
	Port      string `yaml:"port"`
	// "allow", "deny" or "log"
	Action string `yaml:"action"`
}

func (r RuleConfig) String() string {
	return fmt.Sprintf("ethertype=%s protocol=%s port=%s action=%s", r.EtherType, r.Protocol, r.Port, r.Action)
}

// PeerConfig holds the timing constants of the peer path state machine.
type PeerConfig struct {
	// PathActivityTimeout is how long a path counts as active after it last received.
	PathActivityTimeout time.Duration `yaml:"path_activity_timeout"`
	// MulticastLikeExpire is how long a multicast subscription lives at a peer.
	MulticastLikeExpire time.Duration `yaml:"multicast_like_expire"`
	// FirewallOpenerHops is the IP TTL used for firewall opener datagrams.
	FirewallOpenerHops     int           `yaml:"firewall_opener_hops"`
	PingInterval           time.Duration `yaml:"ping_interval"`
	FirewallOpenerInterval time.Duration `yaml:"firewall_opener_interval"`
}

// AnnounceInterval is how often multicast subscriptions are re-announced to
// a directly connected peer: just under half the subscription lifetime.
func (c PeerConfig) AnnounceInterval() time.Duration {
	return c.MulticastLikeExpire/2 - time.Second
}

type MulticastConfig struct {
	// Groups are MAC addresses with an optional "/adi" suffix.
	Groups []string `yaml:"groups"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	defaultPingDelay = 120 * time.Second
	defaultPidFile   = "meshpeer.pid"
)

var (
	defaultListen = ListenConfig{
		Hosts:     []string{"0.0.0.0:9993"},
		ReusePort: false,
	}

	defaultPeer = PeerConfig{
		PathActivityTimeout:    2*defaultPingDelay + time.Second,
		MulticastLikeExpire:    120 * time.Second,
		FirewallOpenerHops:     2,
		PingInterval:           defaultPingDelay,
		FirewallOpenerInterval: 30 * time.Second,
	}

	defaultFilter = FilterConfig{
		DefaultAction: "allow",
	}

	defaultLogging = LoggingConfig{
		Level:  "info",
		Format: "text",
	}
)

// Default returns a configuration with every default filled in.
func Default() Config {
	return Config{
		Listen:  defaultListen,
		Filter:  defaultFilter,
		Peer:    defaultPeer,
		Logging: defaultLogging,
		PidFile: defaultPidFile,
	}
}

// DefaultPeer returns the default peer timing constants.
func DefaultPeer() PeerConfig {
	return defaultPeer
}

// Load reads a YAML configuration file on top of the defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	ErrNoListenHosts = errors.New("listen.hosts must not be empty")
	ErrInvalidPeer   = errors.New("invalid peer timing")
)

func (c *Config) Validate() error {
	if len(c.Listen.Hosts) == 0 {
		return ErrNoListenHosts
	}
	for _, h := range c.Listen.Hosts {
		if _, err := netip.ParseAddrPort(h); err != nil {
			return fmt.Errorf("listen host %q: %w", h, err)
		}
	}

	for i, sp := range c.StaticPeers {
		if sp.Identity == "" {
			return fmt.Errorf("static peer %d: identity is required", i)
		}
		for _, ep := range sp.Endpoints {
			if _, err := netip.ParseAddrPort(ep); err != nil {
				return fmt.Errorf("static peer %d endpoint %q: %w", i, ep, err)
			}
		}
	}

	p := c.Peer
	if p.PathActivityTimeout <= 0 || p.PingInterval <= 0 || p.FirewallOpenerInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidPeer)
	}
	if p.MulticastLikeExpire <= 2*time.Second {
		return fmt.Errorf("%w: multicast_like_expire must exceed 2s", ErrInvalidPeer)
	}
	if p.FirewallOpenerHops <= 0 || p.FirewallOpenerHops > 255 {
		return fmt.Errorf("%w: firewall_opener_hops must be within 1-255", ErrInvalidPeer)
	}
	return nil
}
