package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rerouteline/internal/domain"
)

const (
	DefaultTransitDuration = 2 * time.Minute
	DefaultTransitTick     = time.Second
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultBasePath        = "/v0"
)

// Config models rerouteline.yml.
type Config struct {
	Warehouses []domain.Warehouse `yaml:"warehouses"`
	Nodes      []string           `yaml:"nodes"`
	Peers      map[string]string  `yaml:"peers"`
	Store      StoreConfig        `yaml:"store"`
	EventLog   EventLogConfig     `yaml:"event_log"`
	Transit    struct {
		Duration time.Duration `yaml:"duration"`
		Tick     time.Duration `yaml:"tick"`
	} `yaml:"transit"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is used by the postgres driver; {warehouse} is replaced per node.
	DSN string `yaml:"dsn"`
}

type EventLogConfig struct {
	Driver       string        `yaml:"driver"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SQL          struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"sql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers     []string `yaml:"brokers"`
		Topic       string   `yaml:"topic"`
		GroupPrefix string   `yaml:"group_prefix"`
	} `yaml:"kafka"`
	MQTT struct {
		Broker       string `yaml:"broker"`
		TopicPrefix  string `yaml:"topic_prefix"`
		ClientPrefix string `yaml:"client_prefix"`
	} `yaml:"mqtt"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Nodes) == 0 {
		for _, w := range c.Warehouses {
			c.Nodes = append(c.Nodes, w.ID)
		}
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.EventLog.Driver == "" {
		c.EventLog.Driver = "sql"
	}
	if c.EventLog.SQL.Driver == "" {
		c.EventLog.SQL.Driver = "sqlite"
	}
	if c.EventLog.PollInterval <= 0 {
		c.EventLog.PollInterval = DefaultPollInterval
	}
	if c.EventLog.Redis.Prefix == "" {
		c.EventLog.Redis.Prefix = "rerouteline:log"
	}
	if c.EventLog.Kafka.Topic == "" {
		c.EventLog.Kafka.Topic = "rerouteline.notifications"
	}
	if c.EventLog.Kafka.GroupPrefix == "" {
		c.EventLog.Kafka.GroupPrefix = "rerouteline"
	}
	if c.EventLog.MQTT.TopicPrefix == "" {
		c.EventLog.MQTT.TopicPrefix = "rerouteline/log"
	}
	if c.EventLog.MQTT.ClientPrefix == "" {
		c.EventLog.MQTT.ClientPrefix = "rerouteline"
	}
	if c.Transit.Duration <= 0 {
		c.Transit.Duration = DefaultTransitDuration
	}
	if c.Transit.Tick <= 0 {
		c.Transit.Tick = DefaultTransitTick
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultBasePath
	}
}

// Validate ensures the config meets required structure. Defaults are filled first.
func (c *Config) Validate() error {
	c.applyDefaults()
	if len(c.Warehouses) < 2 {
		return fmt.Errorf("config.warehouses needs at least two warehouses")
	}
	seen := map[string]struct{}{}
	for _, w := range c.Warehouses {
		if strings.TrimSpace(w.ID) == "" {
			return fmt.Errorf("config.warehouses contains empty id")
		}
		if strings.ContainsAny(w.ID, "/ ") {
			return fmt.Errorf("warehouse id %q must not contain spaces or slashes", w.ID)
		}
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("warehouse %s declared twice", w.ID)
		}
		seen[w.ID] = struct{}{}
	}
	for _, n := range c.Nodes {
		if _, ok := seen[n]; !ok {
			return fmt.Errorf("config.nodes references unknown warehouse %s", n)
		}
	}
	for w, url := range c.Peers {
		if _, ok := seen[w]; !ok {
			return fmt.Errorf("config.peers references unknown warehouse %s", w)
		}
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("peer %s has empty url", w)
		}
	}
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config.store.dsn is required for postgres")
		}
		if len(c.Nodes) > 1 && !strings.Contains(c.Store.DSN, "{warehouse}") {
			return fmt.Errorf("config.store.dsn must contain {warehouse} when hosting several nodes")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres")
	}
	switch c.EventLog.Driver {
	case "sql":
		if c.EventLog.SQL.Driver == "postgres" && c.EventLog.SQL.DSN == "" {
			return fmt.Errorf("config.event_log.sql.dsn is required for postgres")
		}
	case "memory":
	case "redis":
		if c.EventLog.Redis.Addr == "" {
			return fmt.Errorf("config.event_log.redis.addr is required")
		}
	case "kafka":
		if len(c.EventLog.Kafka.Brokers) == 0 {
			return fmt.Errorf("config.event_log.kafka.brokers is required")
		}
	case "mqtt":
		if c.EventLog.MQTT.Broker == "" {
			return fmt.Errorf("config.event_log.mqtt.broker is required")
		}
	default:
		return fmt.Errorf("config.event_log.driver %q not supported", c.EventLog.Driver)
	}
	if c.Transit.Tick > c.Transit.Duration {
		return fmt.Errorf("config.transit.tick must not exceed transit.duration")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Known reports whether the warehouse id is registered.
func (c *Config) Known(id string) bool {
	for _, w := range c.Warehouses {
		if w.ID == id {
			return true
		}
	}
	return false
}

// WarehouseIDs lists registered ids in declaration order.
func (c *Config) WarehouseIDs() []string {
	ids := make([]string, 0, len(c.Warehouses))
	for _, w := range c.Warehouses {
		ids = append(ids, w.ID)
	}
	return ids
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rerouteline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `warehouses:
  - id: south
    name: South Warehouse
  - id: east
    name: East Warehouse

# warehouse ids hosted by this process; empty means all of them
nodes: []

# base urls of nodes hosted elsewhere, used for write-through
peers: {}

store:
  driver: sqlite

event_log:
  driver: sql
  poll_interval: 500ms
  sql:
    driver: sqlite

transit:
  duration: 2m
  tick: 1s

server:
  addr: 127.0.0.1:8080
  base_path: /v0

webhooks: []
`
