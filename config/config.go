package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ExistingPolicy defines how the bootstrap treats collections and indexes that already exist
type ExistingPolicy string

const (
	// ExistingPolicySkip records existing equivalent objects and moves on (default)
	ExistingPolicySkip ExistingPolicy = "skip"
	// ExistingPolicyFail aborts the run on the first existing object
	ExistingPolicyFail ExistingPolicy = "fail"
)

const maskedValue = "********"

// MongoDBConfig holds connection and credential settings
type MongoDBConfig struct {
	// URI, when set, replaces Host and Port. Credentials belong in Username/Password.
	URI              string        `mapstructure:"uri"`
	Host             string        `mapstructure:"host" validate:"required_without=URI"`
	Port             int           `mapstructure:"port" validate:"min=1,max=65535"`
	AdminDatabase    string        `mapstructure:"admin_database" validate:"required"`
	Database         string        `mapstructure:"database" validate:"required,max=63"`
	Username         string        `mapstructure:"username" validate:"required"`
	Password         string        `mapstructure:"password" validate:"required"`
	AppName          string        `mapstructure:"app_name"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"gt=0"`
	ConnectRetries   int           `mapstructure:"connect_retries" validate:"min=0,max=20"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
}

// SchemaConfig controls how the layout is applied
type SchemaConfig struct {
	ExistingPolicy ExistingPolicy `mapstructure:"existing_policy" validate:"oneof=skip fail"`
}

// SecretsConfig selects where the admin credential comes from
type SecretsConfig struct {
	Provider string `mapstructure:"provider" validate:"oneof=env vault aws"`
	Vault    struct {
		Address string `mapstructure:"address"`
		Token   string `mapstructure:"token"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"vault"`
	AWS struct {
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		SecretID  string `mapstructure:"secret_id"`
	} `mapstructure:"aws"`
}

// MetricsConfig configures the optional Pushgateway export
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url" validate:"omitempty,url"`
	Job            string `mapstructure:"job" validate:"required"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// Config holds all configuration for the bootstrap command
type Config struct {
	MongoDB MongoDBConfig `mapstructure:"mongodb"`
	Schema  SchemaConfig  `mapstructure:"schema"`
	Secrets SecretsConfig `mapstructure:"secrets"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`

	// ConfigFile is the file the values were read from, empty when none was found
	ConfigFile string `mapstructure:"-"`
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("mongodb.uri", "")
	v.SetDefault("mongodb.host", "localhost")
	v.SetDefault("mongodb.port", 27017)
	v.SetDefault("mongodb.admin_database", "admin")
	v.SetDefault("mongodb.database", "smart_house_db")
	// Placeholder credential matching the development compose file; override in any real deployment
	v.SetDefault("mongodb.username", "admin")
	v.SetDefault("mongodb.password", "admin")
	v.SetDefault("mongodb.app_name", "smarthouse-init")
	v.SetDefault("mongodb.connect_timeout", 10*time.Second)
	v.SetDefault("mongodb.operation_timeout", 2*time.Minute)
	v.SetDefault("mongodb.connect_retries", 3)
	v.SetDefault("mongodb.retry_delay", 2*time.Second)

	v.SetDefault("schema.existing_policy", string(ExistingPolicySkip))

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault.address", "")
	v.SetDefault("secrets.vault.token", "")
	v.SetDefault("secrets.vault.path", "secret/smarthouse/mongodb")
	v.SetDefault("secrets.aws.region", "us-east-1")
	v.SetDefault("secrets.aws.access_key", "")
	v.SetDefault("secrets.aws.secret_key", "")
	v.SetDefault("secrets.aws.secret_id", "smarthouse/mongodb")

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "smarthouse_bootstrap")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("SMARTHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Variable names used by the application containers; the prefixed name wins
	_ = v.BindEnv("mongodb.uri", "SMARTHOUSE_MONGODB_URI", "MONGO_URI")
	_ = v.BindEnv("mongodb.host", "SMARTHOUSE_MONGODB_HOST", "MONGO_HOST")
	_ = v.BindEnv("mongodb.port", "SMARTHOUSE_MONGODB_PORT", "MONGO_PORT")
	_ = v.BindEnv("mongodb.username", "SMARTHOUSE_MONGODB_USERNAME", "MONGO_USERNAME")
	_ = v.BindEnv("mongodb.password", "SMARTHOUSE_MONGODB_PASSWORD", "MONGO_PASSWORD")
	_ = v.BindEnv("mongodb.database", "SMARTHOUSE_MONGODB_DATABASE", "DATABASE_NAME")
	_ = v.BindEnv("secrets.vault.address", "SMARTHOUSE_SECRETS_VAULT_ADDRESS", "VAULT_ADDR")
	_ = v.BindEnv("secrets.vault.token", "SMARTHOUSE_SECRETS_VAULT_TOKEN", "VAULT_TOKEN")
}

// LoadConfig loads configuration from defaults, an optional YAML file and
// environment variables, then resolves secrets and validates the result.
// An empty path searches for config.yaml in . and ./config.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	loadFromEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()

	if err := validateSecretsConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := LoadSecrets(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// UsesPlaceholderCredential reports whether the admin credential is still the shipped default
func (c *Config) UsesPlaceholderCredential() bool {
	return c.MongoDB.Username == "admin" && c.MongoDB.Password == "admin"
}

// Masked returns a copy safe to log
func (c *Config) Masked() *Config {
	masked := *c
	if masked.MongoDB.Password != "" {
		masked.MongoDB.Password = maskedValue
	}
	if masked.Secrets.Vault.Token != "" {
		masked.Secrets.Vault.Token = maskedValue
	}
	if masked.Secrets.AWS.SecretKey != "" {
		masked.Secrets.AWS.SecretKey = maskedValue
	}
	if masked.MongoDB.URI != "" {
		if parsed, err := url.Parse(masked.MongoDB.URI); err == nil && parsed.User != nil {
			if _, hasPassword := parsed.User.Password(); hasPassword {
				parsed.User = url.UserPassword(parsed.User.Username(), maskedValue)
				masked.MongoDB.URI = parsed.String()
			}
		}
	}
	return &masked
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report failures using config keys rather than Go field names
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			messages := make([]string, 0, len(validationErrors))
			for _, fe := range validationErrors {
				key := strings.TrimPrefix(fe.Namespace(), "Config.")
				if fe.Param() != "" {
					messages = append(messages, fmt.Sprintf("%s: failed %q (%s)", key, fe.Tag(), fe.Param()))
				} else {
					messages = append(messages, fmt.Sprintf("%s: failed %q", key, fe.Tag()))
				}
			}
			return errors.New(strings.Join(messages, "; "))
		}
		return err
	}

	if config.MongoDB.URI != "" {
		if !strings.HasPrefix(config.MongoDB.URI, "mongodb://") && !strings.HasPrefix(config.MongoDB.URI, "mongodb+srv://") {
			return fmt.Errorf("invalid MongoDB URI: must start with mongodb:// or mongodb+srv://")
		}
		parsed, err := url.Parse(config.MongoDB.URI)
		if err != nil {
			return fmt.Errorf("invalid MongoDB URI: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("invalid MongoDB URI: missing host")
		}
	}

	if strings.ContainsAny(config.MongoDB.Database, "/\\. \"$") {
		return fmt.Errorf("invalid MongoDB database name %q: must not contain /\\. \"$", config.MongoDB.Database)
	}
	if config.MongoDB.Database == config.MongoDB.AdminDatabase || config.MongoDB.Database == "local" || config.MongoDB.Database == "config" {
		return fmt.Errorf("invalid MongoDB database name %q: reserved database", config.MongoDB.Database)
	}

	return nil
}

// validateSecretsConfig checks the provider settings before any secret is fetched
func validateSecretsConfig(config *Config) error {
	switch config.Secrets.Provider {
	case "vault":
		if config.Secrets.Vault.Address == "" {
			return fmt.Errorf("secrets.vault.address is required when secrets.provider is vault")
		}
	case "aws":
		if config.Secrets.AWS.Region == "" {
			return fmt.Errorf("secrets.aws.region is required when secrets.provider is aws")
		}
	}
	return nil
}
