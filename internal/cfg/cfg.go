// Package cfg loads the scorer configuration from an optional YAML file
// (CONFIG_FILE), a .env file and the process environment, in increasing order
// of precedence, and validates the result before anything is started.
package cfg

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"registry-scorer/internal/common"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ClientID        string        `envconfig:"UAI_CLIENT_ID"`
	TrackingURI     string        `envconfig:"TRACKING_URI" validate:"required,uri"`
	RegistryAuth    string        `envconfig:"REGISTRY_AUTH" validate:"oneof=managed_identity token none"`
	RegistryToken   string        `envconfig:"REGISTRY_TOKEN"`
	TokenScope      string        `envconfig:"REGISTRY_TOKEN_SCOPE" validate:"required"`
	RegistryTimeout time.Duration `envconfig:"REGISTRY_TIMEOUT" validate:"gt=0"`

	ModelName            string `envconfig:"MODEL_NAME" validate:"required"`
	PrimaryModelVersion  string `envconfig:"PRIMARY_MODEL_VERSION" validate:"required"`
	FallbackModelVersion string `envconfig:"FALLBACK_MODEL_VERSION" validate:"required"`
	RowThreshold         int    `envconfig:"ROUTING_ROW_THRESHOLD" validate:"gte=0"`

	Port           int           `envconfig:"PORT" validate:"min=1,max=65535"`
	MetricsPort    int           `envconfig:"METRICS_PORT" validate:"min=0,max=65535"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" validate:"gt=0"`
	DataPath       string        `envconfig:"DATA_PATH"`

	CacheSize int           `envconfig:"PREDICTION_CACHE_SIZE" validate:"gte=0"`
	CacheTTL  time.Duration `envconfig:"PREDICTION_CACHE_TTL" validate:"gte=0"`

	ONNXRuntimeLib string `envconfig:"ONNXRUNTIME_LIB"`

	LogLevel  string `envconfig:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" validate:"oneof=json console"`
	LogFile   string `envconfig:"LOG_FILE"`
}

type ConfigFile struct {
	Registry struct {
		TrackingURI string `yaml:"trackingURI"`
		ClientID    string `yaml:"clientID"`
		Auth        string `yaml:"auth"`
		Token       string `yaml:"token"`
		TokenScope  string `yaml:"tokenScope"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"registry"`

	Models struct {
		Name            string `yaml:"name"`
		PrimaryVersion  string `yaml:"primaryVersion"`
		FallbackVersion string `yaml:"fallbackVersion"`
	} `yaml:"models"`

	Routing struct {
		RowThreshold *int `yaml:"rowThreshold"`
	} `yaml:"routing"`

	Server struct {
		Port           int    `yaml:"port"`
		MetricsPort    *int   `yaml:"metricsPort"`
		RequestTimeout string `yaml:"requestTimeout"`
		DataPath       string `yaml:"dataPath"`
	} `yaml:"server"`

	Cache struct {
		Size int    `yaml:"size"`
		TTL  string `yaml:"ttl"`
	} `yaml:"cache"`

	ONNX struct {
		RuntimeLib string `yaml:"runtimeLib"`
	} `yaml:"onnx"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`
}

var validate = validator.New()

// Load returns validated settings. A .env file in the working directory is
// applied first when present; variables already set in the environment win.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	settings := defaults()

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		if err := applyYAML(&settings, configPath); err != nil {
			return Settings{}, err
		}
	}

	if err := envconfig.Process("", &settings); err != nil {
		return Settings{}, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func defaults() Settings {
	return Settings{
		RegistryAuth:         common.DefaultRegistryAuth,
		TokenScope:           common.DefaultTokenScope,
		RegistryTimeout:      30 * time.Second,
		ModelName:            common.DefaultModelName,
		PrimaryModelVersion:  common.DefaultPrimaryModelVersion,
		FallbackModelVersion: common.DefaultFallbackModelVersion,
		RowThreshold:         common.DefaultRowThreshold,
		Port:                 common.DefaultPort,
		MetricsPort:          common.DefaultMetricsPort,
		RequestTimeout:       10 * time.Second,
		CacheTTL:             5 * time.Minute,
		LogLevel:             common.DefaultLogLevel,
		LogFormat:            common.DefaultLogFormat,
	}
}

func applyYAML(s *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	setString(&s.TrackingURI, config.Registry.TrackingURI)
	setString(&s.ClientID, config.Registry.ClientID)
	setString(&s.RegistryAuth, config.Registry.Auth)
	setString(&s.RegistryToken, config.Registry.Token)
	setString(&s.TokenScope, config.Registry.TokenScope)
	setString(&s.ModelName, config.Models.Name)
	setString(&s.PrimaryModelVersion, config.Models.PrimaryVersion)
	setString(&s.FallbackModelVersion, config.Models.FallbackVersion)
	setString(&s.DataPath, config.Server.DataPath)
	setString(&s.ONNXRuntimeLib, config.ONNX.RuntimeLib)
	setString(&s.LogLevel, config.Logging.Level)
	setString(&s.LogFormat, config.Logging.Format)
	setString(&s.LogFile, config.Logging.File)

	if config.Routing.RowThreshold != nil {
		s.RowThreshold = *config.Routing.RowThreshold
	}
	if config.Server.Port != 0 {
		s.Port = config.Server.Port
	}
	if config.Server.MetricsPort != nil {
		s.MetricsPort = *config.Server.MetricsPort
	}
	if config.Cache.Size != 0 {
		s.CacheSize = config.Cache.Size
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"registry.timeout", config.Registry.Timeout, &s.RegistryTimeout},
		{"server.requestTimeout", config.Server.RequestTimeout, &s.RequestTimeout},
		{"cache.ttl", config.Cache.TTL, &s.CacheTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.field, err)
		}
		*d.dst = v
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// validateSettings runs the struct tag rules and the cross-field checks the
// tags cannot express.
func validateSettings(settings *Settings) error {
	if err := validate.Struct(settings); err != nil {
		return err
	}

	u, err := url.Parse(settings.TrackingURI)
	if err != nil {
		return fmt.Errorf("tracking URI is not a valid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "azureml":
	default:
		return fmt.Errorf("tracking URI scheme must be http, https or azureml, got %q", u.Scheme)
	}

	if settings.RegistryAuth == common.AuthToken && settings.RegistryToken == "" {
		return fmt.Errorf("registry auth %q requires %s", common.AuthToken, common.EnvRegistryToken)
	}
	if settings.MetricsPort != 0 && settings.MetricsPort == settings.Port {
		return fmt.Errorf("metrics port must differ from the serving port (%d), or be 0 to share it", settings.Port)
	}
	if settings.CacheSize > 0 && settings.CacheTTL <= 0 {
		return fmt.Errorf("prediction cache TTL must be positive when the cache is enabled, got %v", settings.CacheTTL)
	}

	return nil
}

// TrackingHost is the registry host without credentials or query, safe to log.
func (s *Settings) TrackingHost() string {
	u, err := url.Parse(s.TrackingURI)
	if err != nil {
		return ""
	}
	return u.Host
}

// ModelURI formats a registry model reference for the given version selector.
func (s *Settings) ModelURI(version string) string {
	return fmt.Sprintf("models:/%s/%s", s.ModelName, version)
}
