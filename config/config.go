package config

import (
	"strings"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	AppName     string `env:"APP_NAME" default:"sesame-identity-engine"`
	Environment string `env:"ENVIRONMENT" default:"local"`
	Port        int    `env:"PORT" default:"8080"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"json"`

	Database  Database
	Kafka     Kafka
	Validator Validator
	Storage   Storage
	Duplicate Duplicate
	Tracing   Tracing
}

type Database struct {
	Host          string `env:"DB_HOST" default:"localhost"`
	Port          int    `env:"DB_PORT" default:"5432"`
	User          string `env:"DB_USER" default:"postgres"`
	Password      string `env:"DB_PASSWORD" default:"postgres"`
	Name          string `env:"DB_NAME" default:"sesame"`
	SSLMode       string `env:"DB_SSL_MODE" default:"disable"`
	MigrationPath string `env:"DB_MIGRATION_PATH" default:"db/pg"`
	ForceVersion  int    `env:"DB_FORCE_VERSION" default:"-1"`
}

type Kafka struct {
	Brokers        []string `env:"KAFKA_BROKERS" default:"localhost:9092"`
	IdentityTopic  string   `env:"KAFKA_IDENTITY_TOPIC" default:"identities.upsert"`
	JobTopic       string   `env:"KAFKA_JOB_TOPIC" default:"backends.jobs"`
	JobResultTopic string   `env:"KAFKA_JOB_RESULT_TOPIC" default:"backends.jobs.results"`
	ConsumerGroup  string   `env:"KAFKA_CONSUMER_GROUP" default:"identity-engine"`
	Enabled        bool     `env:"KAFKA_ENABLED" default:"true"`
}

type Validator struct {
	// ConfigDir holds one yml schema file per supported objectClass.
	ConfigDir string `env:"VALIDATION_CONFIG_DIR" default:"config/validations"`
}

type Storage struct {
	// Root is the base directory for the "disk:" photo storage scheme.
	Root string `env:"STORAGE_ROOT" default:"/var/lib/sesame/storage"`
}

type Tracing struct {
	// Endpoint is the OTLP collector address. Tracing stays local-only when
	// it is empty.
	Endpoint string `env:"OTLP_ENDPOINT" default:""`
	Protocol string `env:"OTLP_PROTOCOL" default:"grpc"`
	Insecure bool   `env:"OTLP_INSECURE" default:"true"`
}

type Duplicate struct {
	// AttributePaths are the profile/attribute paths whose concatenated
	// values form the first duplicate grouping key.
	AttributePaths []string `env:"DUPLICATE_ATTRIBUTE_PATHS" default:"additionalFields.attributes.supannPerson.supannOIDCDateDeNaissance,inetOrgPerson.givenName"`
}

// Load reads the configuration from the environment. A .env file is applied
// first when present so local runs behave like deployed ones.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to bind environment config")
	}

	cfg.Database.SSLMode = strings.ToLower(cfg.Database.SSLMode)

	return &cfg, nil
}
