package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Evaluation modes.
const (
	ModeSession = "session"
	ModeProbe   = "probe"
)

// Gateway drivers.
const (
	DriverREST  = "rest"
	DriverMongo = "mongo"
	DriverFile  = "file"
)

// Config represents configuration data for the reconciliation service.
type Config struct {
	Server    Server    `yaml:"server"`
	Router    Router    `yaml:"router"`
	Evaluator Evaluator `yaml:"evaluator"`
	Scheduler Scheduler `yaml:"scheduler"`
	Gateway   Gateway   `yaml:"gateway"`
	Lock      Lock      `yaml:"lock"`
	Events    Events    `yaml:"events"`
	Log       Log       `yaml:"log"`
}

// Server configures the HTTP surface.
type Server struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`
}

// Router holds the process-wide RouterOS API endpoint settings.
type Router struct {
	Port                  int       `yaml:"port"`
	Username              string    `yaml:"username"`
	Password              string    `yaml:"password"`
	ConnectTimeoutSeconds int       `yaml:"connect_timeout_seconds"`
	QueryTimeoutSeconds   int       `yaml:"query_timeout_seconds"`
	PingCount             int       `yaml:"ping_count"`
	Preflight             Preflight `yaml:"preflight"`
}

// Preflight configures the optional ICMP check of the router before dialing.
type Preflight struct {
	Enabled       bool `yaml:"enabled"`
	Privileged    bool `yaml:"privileged"`
	TimeoutMillis int  `yaml:"timeout_ms"`
}

// Evaluator selects the verdict strategy.
type Evaluator struct {
	Mode string `yaml:"mode"`
}

// Scheduler configures the reconciliation cycle.
type Scheduler struct {
	IntervalMinutes int    `yaml:"interval_minutes"`
	PacingMillis    int    `yaml:"pacing_ms"`
	RunOnStart      bool   `yaml:"run_on_start"`
	ReportsPath     string `yaml:"reports_path"`
}

// Gateway selects and configures the ticket store.
type Gateway struct {
	Driver string      `yaml:"driver"`
	REST   RESTGateway `yaml:"rest"`
	Mongo  MongoStore  `yaml:"mongo"`
	File   FileStore   `yaml:"file"`
	States []string    `yaml:"pending_states"`
}

// RESTGateway describes the external ticket API.
type RESTGateway struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MongoStore describes a MongoDB-backed ticket collection.
type MongoStore struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// FileStore describes a JSON file ticket store.
type FileStore struct {
	Path string `yaml:"path"`
}

// Lock configures the cross-replica cycle lock. An empty address keeps the
// guard in-process.
type Lock struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Key           string `yaml:"key"`
	TTLMinutes    int    `yaml:"ttl_minutes"`
}

// Events configures outbound event publishing.
type Events struct {
	MQTT MQTT `yaml:"mqtt"`
}

// MQTT configures the MQTT publisher.
type MQTT struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TicketTopic string `yaml:"ticket_topic"`
	CycleTopic  string `yaml:"cycle_topic"`
	QoS         byte   `yaml:"qos"`
}

// Log configures logrus.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigurationError reports a missing or invalid required setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		Server: Server{Addr: ":3001"},
		Router: Router{
			Port:                  8728,
			ConnectTimeoutSeconds: 15,
			QueryTimeoutSeconds:   20,
			PingCount:             3,
			Preflight:             Preflight{TimeoutMillis: 1500},
		},
		Evaluator: Evaluator{Mode: ModeProbe},
		Scheduler: Scheduler{
			IntervalMinutes: 60,
			PacingMillis:    500,
			RunOnStart:      true,
			ReportsPath:     ".dist/data/cycles.json",
		},
		Gateway: Gateway{
			Driver: DriverFile,
			REST:   RESTGateway{TimeoutSeconds: 10},
			Mongo:  MongoStore{Database: "tickets", Collection: "tickets"},
			File:   FileStore{Path: ".dist/data/tickets.json"},
			States: []string{"open", "in_progress"},
		},
		Lock: Lock{Key: "linkmonitor:cycle", TTLMinutes: 30},
		Events: Events{MQTT: MQTT{
			ClientID:    "linkmonitor",
			TicketTopic: "linkmonitor/tickets/{ticket_id}",
			CycleTopic:  "linkmonitor/cycles",
			QoS:         1,
		}},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a yaml file, then applies a .env file and the
// process environment on top. Missing files fall back to defaults.
func Load(path, envFile string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.normalise(); err != nil {
		return Config{}, err
	}
	if err := cfg.resolveSecrets(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateRouter checks the settings every reconciliation cycle depends on.
func (c Config) ValidateRouter() error {
	if strings.TrimSpace(c.Router.Username) == "" {
		return &ConfigurationError{Field: "router.username", Reason: "is required"}
	}
	if c.Router.Port <= 0 || c.Router.Port > 65535 {
		return &ConfigurationError{Field: "router.port", Reason: "must be a valid TCP port"}
	}
	return nil
}

// ConnectTimeout is the router handshake bound.
func (r Router) ConnectTimeout() time.Duration {
	return time.Duration(r.ConnectTimeoutSeconds) * time.Second
}

// QueryTimeout is the per-query router bound.
func (r Router) QueryTimeout() time.Duration {
	return time.Duration(r.QueryTimeoutSeconds) * time.Second
}

// Interval is the periodic cycle interval.
func (s Scheduler) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Pacing is the delay inserted between tickets.
func (s Scheduler) Pacing() time.Duration {
	return time.Duration(s.PacingMillis) * time.Millisecond
}

func (c *Config) normalise() error {
	def := DefaultConfig()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Router.Port <= 0 {
		c.Router.Port = def.Router.Port
	}
	if c.Router.ConnectTimeoutSeconds <= 0 || c.Router.ConnectTimeoutSeconds > 15 {
		c.Router.ConnectTimeoutSeconds = def.Router.ConnectTimeoutSeconds
	}
	if c.Router.QueryTimeoutSeconds <= 0 || c.Router.QueryTimeoutSeconds > 20 {
		c.Router.QueryTimeoutSeconds = def.Router.QueryTimeoutSeconds
	}
	if c.Router.PingCount <= 0 {
		c.Router.PingCount = def.Router.PingCount
	}
	if c.Router.Preflight.TimeoutMillis <= 0 {
		c.Router.Preflight.TimeoutMillis = def.Router.Preflight.TimeoutMillis
	}
	if c.Scheduler.IntervalMinutes <= 0 {
		c.Scheduler.IntervalMinutes = def.Scheduler.IntervalMinutes
	}
	if c.Scheduler.PacingMillis < 0 {
		c.Scheduler.PacingMillis = def.Scheduler.PacingMillis
	}
	if c.Scheduler.ReportsPath == "" {
		c.Scheduler.ReportsPath = def.Scheduler.ReportsPath
	}
	if c.Lock.Key == "" {
		c.Lock.Key = def.Lock.Key
	}
	if c.Lock.TTLMinutes <= 0 {
		c.Lock.TTLMinutes = def.Lock.TTLMinutes
	}
	if len(c.Gateway.States) == 0 {
		c.Gateway.States = def.Gateway.States
	}
	if c.Gateway.REST.TimeoutSeconds <= 0 {
		c.Gateway.REST.TimeoutSeconds = def.Gateway.REST.TimeoutSeconds
	}

	c.Evaluator.Mode = strings.ToLower(strings.TrimSpace(c.Evaluator.Mode))
	switch c.Evaluator.Mode {
	case "":
		c.Evaluator.Mode = def.Evaluator.Mode
	case ModeSession, ModeProbe:
	default:
		return &ConfigurationError{Field: "evaluator.mode", Reason: fmt.Sprintf("unknown mode %q", c.Evaluator.Mode)}
	}

	c.Gateway.Driver = strings.ToLower(strings.TrimSpace(c.Gateway.Driver))
	switch c.Gateway.Driver {
	case DriverREST:
		if c.Gateway.REST.BaseURL == "" {
			return &ConfigurationError{Field: "gateway.rest.base_url", Reason: "is required for the rest driver"}
		}
	case DriverMongo:
		if c.Gateway.Mongo.URI == "" {
			return &ConfigurationError{Field: "gateway.mongo.uri", Reason: "is required for the mongo driver"}
		}
	case DriverFile:
		if c.Gateway.File.Path == "" {
			c.Gateway.File.Path = def.Gateway.File.Path
		}
	default:
		return &ConfigurationError{Field: "gateway.driver", Reason: fmt.Sprintf("unknown driver %q", c.Gateway.Driver)}
	}

	if c.Events.MQTT.Enabled && c.Events.MQTT.Broker == "" {
		return &ConfigurationError{Field: "events.mqtt.broker", Reason: "is required when mqtt is enabled"}
	}
	return nil
}

// resolveSecrets expands env references of the components in use; settings of
// an unused driver or a disabled publisher are left untouched.
func (c *Config) resolveSecrets() error {
	refs := []struct {
		field   string
		value   *string
		enabled bool
	}{
		{"router.password", &c.Router.Password, true},
		{"server.api_key", &c.Server.APIKey, true},
		{"gateway.rest.token", &c.Gateway.REST.Token, c.Gateway.Driver == DriverREST},
		{"gateway.mongo.uri", &c.Gateway.Mongo.URI, c.Gateway.Driver == DriverMongo},
		{"lock.redis_password", &c.Lock.RedisPassword, c.Lock.RedisAddr != ""},
		{"events.mqtt.password", &c.Events.MQTT.Password, c.Events.MQTT.Enabled},
	}
	for _, ref := range refs {
		if !ref.enabled {
			continue
		}
		resolved, err := ResolveSecret(*ref.value)
		if err != nil {
			return &ConfigurationError{Field: ref.field, Reason: err.Error()}
		}
		*ref.value = resolved
	}
	return nil
}

// ResolveSecret turns "env:NAME" into the value of NAME. Other values are
// returned unchanged.
func ResolveSecret(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "env:") {
		return ref, nil
	}
	key := strings.TrimPrefix(ref, "env:")
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("env %s is empty", key)
	}
	return v, nil
}

func applyEnv(c *Config) {
	c.Router.Username = getEnv("MIKROTIK_USER", c.Router.Username)
	c.Router.Password = getEnv("MIKROTIK_PASSWORD", c.Router.Password)
	c.Router.Port = getEnvInt("MIKROTIK_PORT", c.Router.Port)
	c.Server.APIKey = getEnv("PROXY_API_KEY", c.Server.APIKey)
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Evaluator.Mode = getEnv("EVALUATOR_MODE", c.Evaluator.Mode)
	c.Gateway.Driver = getEnv("GATEWAY_DRIVER", c.Gateway.Driver)
	c.Gateway.REST.BaseURL = getEnv("GATEWAY_URL", c.Gateway.REST.BaseURL)
	c.Gateway.REST.Token = getEnv("GATEWAY_TOKEN", c.Gateway.REST.Token)
	c.Gateway.Mongo.URI = getEnv("MONGO_URI", c.Gateway.Mongo.URI)
	c.Lock.RedisAddr = getEnv("REDIS_ADDR", c.Lock.RedisAddr)
	c.Lock.RedisPassword = getEnv("REDIS_PASSWORD", c.Lock.RedisPassword)
	c.Events.MQTT.Broker = getEnv("MQTT_BROKER", c.Events.MQTT.Broker)
	c.Events.MQTT.Enabled = getEnvBool("MQTT_ENABLED", c.Events.MQTT.Enabled)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}
