// Package config holds the tuning options of the sync engine and the
// options of the vsyncnode daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joe-zxh/vsync/data"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// QuorumPolicy decides how many acknowledgments commit a candidate view.
type QuorumPolicy string

const (
	// QuorumMajority needs floor(n/2)+1 members of the candidate roster.
	QuorumMajority QuorumPolicy = "majority"
	// QuorumAll needs every member of the candidate roster.
	QuorumAll QuorumPolicy = "all"
)

// Threshold returns the number of acks needed for a roster of n members.
func (q QuorumPolicy) Threshold(n int) int {
	if q == QuorumAll {
		return n
	}
	return n/2 + 1
}

// Config tunes one sync engine.
type Config struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// A member silent for SuspectMultiplier heartbeat intervals is suspected.
	SuspectMultiplier int           `mapstructure:"suspect_multiplier"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	FetchAttempts     int           `mapstructure:"fetch_attempts"`
	FetchWindow       int           `mapstructure:"fetch_window"`
	Lossy             bool          `mapstructure:"lossy"`
	Seed              int64         `mapstructure:"seed"`
	// DataRate is the mean number of publications per second made by the
	// publishing driver.
	DataRate          float64       `mapstructure:"data_rate"`
	StartDelay        time.Duration `mapstructure:"start_delay"`
	PayloadSize       int           `mapstructure:"payload_size"`
	ViewChangeTimeout time.Duration `mapstructure:"view_change_timeout"`
	Quorum            QuorumPolicy  `mapstructure:"quorum"`
	AdvertiseDelay    time.Duration `mapstructure:"advertise_delay"`
}

func Default() Config {
	return Config{
		HeartbeatInterval: 2 * time.Second,
		SuspectMultiplier: 3,
		FetchTimeout:      400 * time.Millisecond,
		FetchAttempts:     4,
		FetchWindow:       8,
		DataRate:          0.2,
		StartDelay:        8 * time.Second,
		PayloadSize:       100,
		ViewChangeTimeout: 6 * time.Second,
		Quorum:            QuorumMajority,
		AdvertiseDelay:    20 * time.Millisecond,
	}
}

// WithDefaults fills every zero field from Default. A zero view-change
// timeout becomes three heartbeat intervals.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SuspectMultiplier == 0 {
		c.SuspectMultiplier = d.SuspectMultiplier
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.FetchAttempts == 0 {
		c.FetchAttempts = d.FetchAttempts
	}
	if c.FetchWindow == 0 {
		c.FetchWindow = d.FetchWindow
	}
	if c.DataRate == 0 {
		c.DataRate = d.DataRate
	}
	if c.PayloadSize == 0 {
		c.PayloadSize = d.PayloadSize
	}
	if c.ViewChangeTimeout == 0 {
		c.ViewChangeTimeout = 3 * c.HeartbeatInterval
	}
	if c.Quorum == "" {
		c.Quorum = d.Quorum
	}
	if c.AdvertiseDelay == 0 {
		c.AdvertiseDelay = d.AdvertiseDelay
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("heartbeat_interval must be positive")
	case c.SuspectMultiplier < 1:
		return fmt.Errorf("suspect_multiplier must be at least 1")
	case c.FetchTimeout <= 0:
		return fmt.Errorf("fetch_timeout must be positive")
	case c.FetchAttempts < 1:
		return fmt.Errorf("fetch_attempts must be at least 1")
	case c.FetchWindow < 1:
		return fmt.Errorf("fetch_window must be at least 1")
	case c.DataRate < 0:
		return fmt.Errorf("data_rate must not be negative")
	case c.ViewChangeTimeout <= 0:
		return fmt.Errorf("view_change_timeout must be positive")
	case c.AdvertiseDelay < 0:
		return fmt.Errorf("advertise_delay must not be negative")
	}
	if c.Quorum != QuorumMajority && c.Quorum != QuorumAll {
		return fmt.Errorf("unknown quorum policy %q", c.Quorum)
	}
	return nil
}

// Member is one entry of the bootstrap roster.
type Member struct {
	ID         string `mapstructure:"id"`
	Prefix     string `mapstructure:"prefix"`
	PeerAddr   string `mapstructure:"peer_address"`
	ClientAddr string `mapstructure:"client_address"`
	Pubkey     string `mapstructure:"pubkey"`
	Cert       string `mapstructure:"cert"`
	// Join marks an addressable member that is not part of the bootstrap
	// roster and has to ask for admission.
	Join bool `mapstructure:"join"`
}

type StoreOptions struct {
	Kind     string `mapstructure:"kind"`
	Path     string `mapstructure:"path"`
	Capacity int    `mapstructure:"capacity"`
}

type KafkaOptions struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RabbitMQOptions struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

type TraceOptions struct {
	Log      bool            `mapstructure:"log"`
	Kafka    KafkaOptions    `mapstructure:"kafka"`
	RabbitMQ RabbitMQOptions `mapstructure:"rabbitmq"`
}

// Options configures the vsyncnode daemon.
type Options struct {
	SelfID     string       `mapstructure:"self_id"`
	PeerAddr   string       `mapstructure:"peer_listen"`
	ClientAddr string       `mapstructure:"client_listen"`
	Privkey    string       `mapstructure:"privkey"`
	Cert       string       `mapstructure:"cert"`
	TLS        bool         `mapstructure:"tls"`
	Sign       bool         `mapstructure:"sign"`
	Ordering   string       `mapstructure:"ordering"`
	Publish    bool         `mapstructure:"publish"`
	Sync       Config       `mapstructure:"sync"`
	Store      StoreOptions `mapstructure:"store"`
	Trace      TraceOptions `mapstructure:"trace"`
	Members    []Member     `mapstructure:"members"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"self-id":       "self_id",
	"peer-listen":   "peer_listen",
	"client-listen": "client_listen",
	"privkey":       "privkey",
	"cert":          "cert",
	"tls":           "tls",
	"sign":          "sign",
	"ordering":      "ordering",
	"publish":       "publish",
	"heartbeat":     "sync.heartbeat_interval",
	"fetch-timeout": "sync.fetch_timeout",
	"lossy":         "sync.lossy",
	"seed":          "sync.seed",
	"data-rate":     "sync.data_rate",
	"quorum":        "sync.quorum",
	"store":         "store.kind",
	"store-path":    "store.path",
}

// Load reads the daemon options from path (YAML, TOML or JSON), the
// environment (prefix VSYNC_, dots become underscores) and the flags that
// were set on the command line, in increasing priority. path may be empty.
func Load(path string, flags *pflag.FlagSet) (Options, error) {
	v := viper.New()
	v.SetEnvPrefix("vsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Options{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, err
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("unmarshal config: %w", err)
	}
	opts.Sync = opts.Sync.WithDefaults()
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("ordering", "causal")
	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.capacity", 4096)
	v.SetDefault("sync.heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("sync.suspect_multiplier", d.SuspectMultiplier)
	v.SetDefault("sync.fetch_timeout", d.FetchTimeout)
	v.SetDefault("sync.fetch_attempts", d.FetchAttempts)
	v.SetDefault("sync.fetch_window", d.FetchWindow)
	v.SetDefault("sync.data_rate", d.DataRate)
	v.SetDefault("sync.start_delay", d.StartDelay)
	v.SetDefault("sync.quorum", string(d.Quorum))
	v.SetDefault("trace.kafka.topic", "vsync-trace")
	v.SetDefault("trace.rabbitmq.exchange", "vsync.trace")
}

func (o Options) Validate() error {
	if _, err := data.ParseNodeID(o.SelfID); err != nil {
		return fmt.Errorf("self_id: %w", err)
	}
	if len(o.Members) == 0 {
		return fmt.Errorf("members: at least one member is required")
	}
	seen := make(map[data.NodeID]bool, len(o.Members))
	bootstrap := 0
	for i, m := range o.Members {
		if !m.Join {
			bootstrap++
		}
		id, err := data.ParseNodeID(m.ID)
		if err != nil {
			return fmt.Errorf("members[%d]: %w", i, err)
		}
		if seen[id] {
			return fmt.Errorf("members[%d]: duplicate id %s", i, id)
		}
		seen[id] = true
		if m.PeerAddr == "" {
			return fmt.Errorf("members[%d]: peer_address is required", i)
		}
	}
	if bootstrap == 0 {
		return fmt.Errorf("members: every member is marked join")
	}
	switch o.Ordering {
	case "causal", "fifo", "none":
	default:
		return fmt.Errorf("unknown ordering %q", o.Ordering)
	}
	switch o.Store.Kind {
	case "memory":
	case "sqlite":
		if o.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store kind %q", o.Store.Kind)
	}
	if o.Trace.Kafka.Enabled && len(o.Trace.Kafka.Brokers) == 0 {
		return fmt.Errorf("trace.kafka.brokers is required when kafka tracing is enabled")
	}
	if o.Trace.RabbitMQ.Enabled && o.Trace.RabbitMQ.URL == "" {
		return fmt.Errorf("trace.rabbitmq.url is required when rabbitmq tracing is enabled")
	}
	return o.Sync.Validate()
}

// Roster returns the bootstrap roster in configuration order. Members
// marked join are left out.
func (o Options) Roster() (*data.ViewInfo, error) {
	members := make([]data.MemberInfo, 0, len(o.Members))
	for _, m := range o.Members {
		if m.Join {
			continue
		}
		id, err := data.ParseNodeID(m.ID)
		if err != nil {
			return nil, err
		}
		members = append(members, data.MemberInfo{ID: id, Prefix: m.Prefix})
	}
	return data.NewViewInfo(members)
}
