package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/loragw-relay/internal/channelplan"
	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

// Defaults for the relay section
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultPublishPort  = 31337
	DefaultListenPort   = 31338
	DefaultBindHost     = "127.0.0.1"
	DefaultDriver       = "sim"
)

// Config represents the application configuration
type Config struct {
	Relay        RelayConfig           `yaml:"relay"`
	Gateway      GatewayConfig         `yaml:"gateway"`
	Concentrator ConcentratorConfig    `yaml:"concentrator"`
	NATS         NATSConfig            `yaml:"nats"`
	MQTT         MQTTConfig            `yaml:"mqtt"`
	Storage      StorageConfig         `yaml:"storage"`
	Metrics      MetricsConfig         `yaml:"metrics"`
	Log          LogConfig             `yaml:"log"`
	Region       RegionConfig          `yaml:"region"`
	ChannelPlan  *channelplan.Document `yaml:"channel_plan"`
}

// RegionConfig selects a built-in channel plan. Ignored when channel_plan is set.
type RegionConfig struct {
	Name    string `yaml:"name"` // EU868 | US915 | CN470
	SubBand int    `yaml:"sub_band"`
}

// RelayConfig represents the UDP relay configuration
type RelayConfig struct {
	BindHost        string        `yaml:"bind_host"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PrintLevel      int           `yaml:"print_level"`
	ListenPort      int           `yaml:"listen_port"`
	PublishPort     int           `yaml:"publish_port"`
	TransmitEnabled bool          `yaml:"transmit_enabled"`
}

// GatewayConfig identifies this gateway to downstream consumers
type GatewayConfig struct {
	ID loragw.EUI64 `yaml:"id"`
}

// ConcentratorConfig selects the concentrator driver
type ConcentratorConfig struct {
	Driver  string            `yaml:"driver"`
	Options map[string]string `yaml:"options"`
}

// NATSConfig represents NATS configuration. An empty URL disables the mirror.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT configuration. An empty Broker disables the mirror.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"` // {gateway_id} is substituted
	QoS      byte   `yaml:"qos"`
}

// StorageConfig represents the uplink archive. An empty DSN disables it.
type StorageConfig struct {
	Driver    string        `yaml:"driver"` // postgres | sqlite
	DSN       string        `yaml:"dsn"`
	Retention time.Duration `yaml:"retention"` // 0 keeps everything
}

// MetricsConfig represents the metrics HTTP endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	JWTSecret   string   `yaml:"jwt_secret"` // empty leaves /metrics open
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			BindHost:     DefaultBindHost,
			PollInterval: DefaultPollInterval,
			ListenPort:   DefaultListenPort,
			PublishPort:  DefaultPublishPort,
		},
		Concentrator: ConcentratorConfig{
			Driver: DefaultDriver,
		},
		NATS: NATSConfig{
			SubjectPrefix:     "gateway",
			MaxReconnects:     -1,
			ReconnectInterval: 2 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID: "loragw-relay",
		},
		Storage: StorageConfig{
			Driver: "postgres",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from file on top of the defaults. An empty
// filename yields the defaults plus environment overrides.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply environment overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if region := os.Getenv("REGION"); region != "" {
		c.Region.Name = region
	}

	if secret := os.Getenv("METRICS_JWT_SECRET"); secret != "" {
		c.Metrics.JWTSecret = secret
	}

	if dsn := os.Getenv("STORAGE_DSN"); dsn != "" {
		c.Storage.DSN = dsn
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if driver := os.Getenv("CONCENTRATOR_DRIVER"); driver != "" {
		c.Concentrator.Driver = driver
	}

	for env, dst := range map[string]*int{
		"RELAY_LISTEN_PORT":  &c.Relay.ListenPort,
		"RELAY_PUBLISH_PORT": &c.Relay.PublishPort,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		log.Debug().Str("env", env).Int("port", port).Msg("端口已被环境变量覆盖")
		*dst = port
	}

	return nil
}

// Validate checks the settings the relay cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("relay.poll_interval must be positive, got %s", c.Relay.PollInterval))
	}
	if c.Relay.PrintLevel < 0 {
		errs = append(errs, fmt.Errorf("relay.print_level must not be negative"))
	}
	for name, port := range map[string]int{
		"relay.listen_port":  c.Relay.ListenPort,
		"relay.publish_port": c.Relay.PublishPort,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	if c.Relay.ListenPort == c.Relay.PublishPort {
		errs = append(errs, fmt.Errorf("relay.listen_port and relay.publish_port must differ (both %d)", c.Relay.ListenPort))
	}
	if c.Concentrator.Driver == "" {
		errs = append(errs, errors.New("concentrator.driver is required"))
	}
	if c.Storage.DSN != "" {
		switch c.Storage.Driver {
		case "postgres", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver %q: want postgres or sqlite", c.Storage.Driver))
		}
	}
	if c.Storage.Retention < 0 {
		errs = append(errs, errors.New("storage.retention must not be negative"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d: want 0, 1 or 2", c.MQTT.QoS))
	}
	if c.Region.Name != "" && c.ChannelPlan != nil {
		errs = append(errs, errors.New("region and channel_plan are mutually exclusive"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want console or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ListenAddr is the UDP address TX requests arrive on.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Relay.BindHost, strconv.Itoa(c.Relay.ListenPort))
}

// PublishAddr is the UDP address received packets are sent to.
func (c *Config) PublishAddr() string {
	return net.JoinHostPort(c.Relay.BindHost, strconv.Itoa(c.Relay.PublishPort))
}

// Plan returns the explicit channel plan, the region preset, or the default
// deployment plan, in that order.
func (c *Config) Plan() (channelplan.Plan, error) {
	switch {
	case c.ChannelPlan != nil:
		return c.ChannelPlan.Plan()
	case c.Region.Name != "":
		return channelplan.ForRegion(c.Region.Name, c.Region.SubBand)
	default:
		return channelplan.Default(), nil
	}
}
