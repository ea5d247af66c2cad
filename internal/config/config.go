package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Feature  FeatureConfig  `mapstructure:"feature"`
}

type PathsConfig struct {
	Input      string `mapstructure:"input"`
	Output     string `mapstructure:"output"`
	Quarantine string `mapstructure:"quarantine"`
	Reference  string `mapstructure:"reference"`
}

type PipelineConfig struct {
	StartDate string `mapstructure:"start_date"`
	EndDate   string `mapstructure:"end_date"`
	Hour      int    `mapstructure:"hour"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	Topics         []string `mapstructure:"topics"`
	GroupID        string   `mapstructure:"group_id"`
	ClientID       string   `mapstructure:"client_id"`
	MaxPollRecords int      `mapstructure:"max_poll_records"`
	Republish      bool     `mapstructure:"republish"`
	TLS            TLSRef   `mapstructure:"tls"`
}

type TLSRef struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type RabbitMQConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Exchange      string        `mapstructure:"exchange"`
	Queue         string        `mapstructure:"queue"`
	RoutingKeys   []string      `mapstructure:"routing_keys"`
	ConsumerTag   string        `mapstructure:"consumer_tag"`
	PrefetchCount int           `mapstructure:"prefetch_count"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
}

type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	Pushgateway string `mapstructure:"pushgateway"`
	Job         string `mapstructure:"job"`
	DisablePush bool   `mapstructure:"disable_push"`
}

type FeatureConfig struct {
	CIMode bool `mapstructure:"ci_mode"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("refinery")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeHooks keeps viper's stock string hooks and adds one for unquoted
// YAML dates: the parser hands them over as time.Time, while the date fields
// here are plain YYYY-MM-DD strings.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		func(from, to reflect.Type, data any) (any, error) {
			if from == reflect.TypeOf(time.Time{}) && to.Kind() == reflect.String {
				return data.(time.Time).Format(time.DateOnly), nil
			}
			return data, nil
		},
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.input", "data/input")
	v.SetDefault("paths.output", "data/output")
	v.SetDefault("paths.quarantine", "data/quarantine")
	v.SetDefault("paths.reference", "data/reference")
	v.SetDefault("pipeline.hour", -1)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9102)
	v.SetDefault("metrics.job", "refinery")
	v.SetDefault("ingest.kafka.topics", []string{"customers", "products", "transactions", "erasure-requests"})
	v.SetDefault("ingest.kafka.group_id", "refinery")
	v.SetDefault("ingest.kafka.republish", true)
}

func (c Config) Validate() error {
	if c.Paths.Input == "" {
		return fmt.Errorf("paths.input is required")
	}
	if c.Paths.Output == "" {
		return fmt.Errorf("paths.output is required")
	}
	if c.Paths.Quarantine == "" {
		return fmt.Errorf("paths.quarantine is required")
	}
	if c.Paths.Reference == "" {
		return fmt.Errorf("paths.reference is required")
	}
	if c.Pipeline.Hour < -1 || c.Pipeline.Hour > 23 {
		return fmt.Errorf("pipeline.hour %d out of range", c.Pipeline.Hour)
	}
	if (c.Pipeline.StartDate == "") != (c.Pipeline.EndDate == "") {
		return fmt.Errorf("pipeline.start_date and pipeline.end_date must be set together")
	}
	if c.Ingest.Kafka.Enabled && len(c.Ingest.Kafka.Brokers) == 0 {
		return fmt.Errorf("ingest.kafka.brokers is required")
	}
	if c.Ingest.RabbitMQ.Enabled && c.Ingest.RabbitMQ.URL == "" {
		return fmt.Errorf("ingest.rabbitmq.url is required")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	return nil
}
