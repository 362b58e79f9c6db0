package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "MASKGUARD"

var secretKeys = []string{
	"db.dsn",
	"auth.jwt_secret",
	"classifier.endpoint",
	"alert.telegram.token",
	"alert.telegram.chat_id",
	"alert.telegram.base_url",
	"mqtt.broker",
	"mqtt.username",
	"mqtt.password",
}

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	DB         DBConfig         `mapstructure:"db"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Sources    []SourceConfig   `mapstructure:"sources" validate:"required,min=1,unique=ID,dive"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Sinks      SinksConfig      `mapstructure:"sinks"`
	Alert      AlertConfig      `mapstructure:"alert"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

type HTTPConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port" validate:"min=1,max=65535"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

type PipelineConfig struct {
	QueueCapacity       int           `mapstructure:"queue_capacity" validate:"gt=0"`
	Workers             int           `mapstructure:"workers" validate:"gte=0"`
	PushTimeout         time.Duration `mapstructure:"push_timeout" validate:"gte=0"`
	PushRetries         int           `mapstructure:"push_retries" validate:"gte=0"`
	PopTimeout          time.Duration `mapstructure:"pop_timeout"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace" validate:"gt=0"`
	FlushTimeout        time.Duration `mapstructure:"flush_timeout" validate:"gt=0"`
}

type SupervisorConfig struct {
	RestartCooldown time.Duration `mapstructure:"restart_cooldown" validate:"gte=0"`
	MaxRestarts     int           `mapstructure:"max_restarts" validate:"gte=0"`
	HealthInterval  time.Duration `mapstructure:"health_interval" validate:"gt=0"`
}

type SourceConfig struct {
	ID            string        `mapstructure:"id" validate:"required"`
	URL           string        `mapstructure:"url" validate:"required_without=Device"`
	Device        *int          `mapstructure:"device" validate:"omitempty,gte=0"`
	FrameSkip     int           `mapstructure:"frame_skip" validate:"gte=0"`
	ResizeWidth   int           `mapstructure:"resize_width" validate:"gte=0"`
	ResizeHeight  int           `mapstructure:"resize_height" validate:"gte=0"`
	OpenTimeout   time.Duration `mapstructure:"open_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

type ClassifierConfig struct {
	Endpoint    string        `mapstructure:"endpoint" validate:"required,url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	JPEGQuality int           `mapstructure:"jpeg_quality" validate:"gte=0,lte=100"`
}

type SinkConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Buffer        int           `mapstructure:"buffer" validate:"gte=0"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

type SinksConfig struct {
	Storage   SinkConfig `mapstructure:"storage"`
	Alert     SinkConfig `mapstructure:"alert"`
	Telemetry SinkConfig `mapstructure:"telemetry"`
	Metrics   SinkConfig `mapstructure:"metrics"`
}

type TelegramConfig struct {
	Token   string `mapstructure:"token"`
	ChatID  string `mapstructure:"chat_id" validate:"required_with=Token"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
}

func (c TelegramConfig) Enabled() bool { return c.Token != "" }

type AlertConfig struct {
	Policy        string         `mapstructure:"policy" validate:"oneof=transition cooldown transition_or_cooldown"`
	Cooldown      time.Duration  `mapstructure:"cooldown" validate:"gte=0"`
	MinViolations int            `mapstructure:"min_violations" validate:"gte=1"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos" validate:"gte=0,lte=2"`
	Control     bool   `mapstructure:"control"`
}

func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

type RetentionConfig struct {
	Days     int           `mapstructure:"days" validate:"gte=0"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.allow_origins", []string{"*"})
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("pipeline.queue_capacity", 100)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.push_timeout", "100ms")
	v.SetDefault("pipeline.push_retries", 0)
	v.SetDefault("pipeline.pop_timeout", "250ms")
	v.SetDefault("pipeline.confidence_threshold", 0.8)
	v.SetDefault("pipeline.shutdown_grace", "10s")
	v.SetDefault("pipeline.flush_timeout", "5s")

	v.SetDefault("supervisor.restart_cooldown", "30s")
	v.SetDefault("supervisor.max_restarts", 5)
	v.SetDefault("supervisor.health_interval", "30s")

	v.SetDefault("classifier.timeout", "5s")
	v.SetDefault("classifier.jpeg_quality", 85)

	for _, name := range []string{"storage", "alert", "telemetry", "metrics"} {
		v.SetDefault("sinks."+name+".enabled", name != "telemetry")
		v.SetDefault("sinks."+name+".buffer", 256)
		v.SetDefault("sinks."+name+".max_retries", 3)
		v.SetDefault("sinks."+name+".retry_delay", "500ms")
		v.SetDefault("sinks."+name+".max_retry_delay", "10s")
	}

	v.SetDefault("alert.policy", "transition_or_cooldown")
	v.SetDefault("alert.cooldown", "5m")
	v.SetDefault("alert.min_violations", 1)
	v.SetDefault("mqtt.client_id", "maskguard")
	v.SetDefault("mqtt.topic_prefix", "face_mask")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.control", true)

	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.interval", "24h")
}

// Load reads .env (if present), the YAML file at path (optional) and
// MASKGUARD_* environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without defaults are only seen by Unmarshal when bound explicitly
	for _, key := range secretKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Sinks.Telemetry.Enabled && !c.MQTT.Enabled() {
		return errors.New("invalid config: sinks.telemetry requires mqtt.broker")
	}
	return nil
}
