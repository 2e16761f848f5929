// Package cfg loads service settings from a YAML file or the environment.
// Environment variables always override values from the file, and a .env
// file, when present, seeds the environment first.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ecg-diagnosis/internal/common"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type ConfigFile struct {
	Server struct {
		Port           int    `yaml:"port"`
		MetricsPort    int    `yaml:"metricsPort"`
		MaxUploadMB    int    `yaml:"maxUploadMB"`
		RequestTimeout string `yaml:"requestTimeout"`
	} `yaml:"server"`

	Model struct {
		ProjectionPath    string   `yaml:"projectionPath"`
		ClassifierPath    string   `yaml:"classifierPath"`
		ClassifierURL     string   `yaml:"classifierURL"`
		ClassifierTimeout string   `yaml:"classifierTimeout"`
		ClassifierRetries *int     `yaml:"classifierRetries"`
		Classes           []string `yaml:"classes"`
	} `yaml:"model"`

	Extraction struct {
		SamplesPerLead  int  `yaml:"samplesPerLead"`
		IncludeLongLead bool `yaml:"includeLongLead"`
	} `yaml:"extraction"`

	System struct {
		DataPath  string `yaml:"dataPath"`
		LogLevel  string `yaml:"logLevel"`
		LogFormat string `yaml:"logFormat"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	loadDotEnv()

	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

// loadDotEnv seeds the environment from ENV_FILE (default .env). Variables
// already set are left alone; a missing file is not an error.
func loadDotEnv() {
	path := getEnvOrDefault(common.EnvEnvFile, ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	classifierTimeout, err := time.ParseDuration(config.Model.ClassifierTimeout)
	if err != nil {
		classifierTimeout = common.DefaultClassifierTimeout
	}
	requestTimeout, err := time.ParseDuration(config.Server.RequestTimeout)
	if err != nil {
		requestTimeout = common.DefaultRequestTimeout
	}

	retries := common.DefaultClassifierRetries
	if config.Model.ClassifierRetries != nil {
		retries = *config.Model.ClassifierRetries
	}

	settings := Settings{
		Port:              getIntFromEnvOrConfig(common.EnvPort, config.Server.Port, common.DefaultPort),
		MetricsPort:       getIntFromEnvOrConfig(common.EnvMetricsPort, config.Server.MetricsPort, common.DefaultMetricsPort),
		ProjectionPath:    getEnvOrDefault(common.EnvProjectionPath, orDefault(config.Model.ProjectionPath, common.DefaultProjectionPath)),
		ClassifierPath:    getEnvOrDefault(common.EnvClassifierPath, orDefault(config.Model.ClassifierPath, common.DefaultClassifierPath)),
		ClassifierURL:     getEnvOrDefault(common.EnvClassifierURL, config.Model.ClassifierURL),
		ClassifierTimeout: getDurationOrDefault(common.EnvClassifierTimeout, classifierTimeout),
		ClassifierRetries: getIntOrDefault(common.EnvClassifierRetries, retries),
		Classes:           getListFromEnvOrConfig(common.EnvClasses, config.Model.Classes),
		DataPath:          getPathOrDefault(common.EnvDataPath, orDefault(config.System.DataPath, common.DefaultDataPath)),
		MaxUploadMB:       getIntFromEnvOrConfig(common.EnvMaxUploadMB, config.Server.MaxUploadMB, common.DefaultMaxUploadMB),
		SamplesPerLead:    getIntFromEnvOrConfig(common.EnvSamplesPerLead, config.Extraction.SamplesPerLead, common.DefaultSamplesPerLead),
		IncludeLongLead:   getBoolFromEnvOrConfig(common.EnvIncludeLongLead, config.Extraction.IncludeLongLead),
		RequestTimeout:    getDurationOrDefault(common.EnvRequestTimeout, requestTimeout),
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, orDefault(config.System.LogLevel, common.DefaultLogLevel)),
		LogFormat:         getEnvOrDefault(common.EnvLogFormat, orDefault(config.System.LogFormat, common.DefaultLogFormat)),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		Port:              getIntOrDefault(common.EnvPort, common.DefaultPort),
		MetricsPort:       getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		ProjectionPath:    getEnvOrDefault(common.EnvProjectionPath, common.DefaultProjectionPath),
		ClassifierPath:    getEnvOrDefault(common.EnvClassifierPath, common.DefaultClassifierPath),
		ClassifierURL:     os.Getenv(common.EnvClassifierURL), // optional
		ClassifierTimeout: getDurationOrDefault(common.EnvClassifierTimeout, common.DefaultClassifierTimeout),
		ClassifierRetries: getIntOrDefault(common.EnvClassifierRetries, common.DefaultClassifierRetries),
		Classes:           getListFromEnvOrConfig(common.EnvClasses, nil),
		DataPath:          getPathOrDefault(common.EnvDataPath, common.DefaultDataPath),
		MaxUploadMB:       getIntOrDefault(common.EnvMaxUploadMB, common.DefaultMaxUploadMB),
		SamplesPerLead:    getIntOrDefault(common.EnvSamplesPerLead, common.DefaultSamplesPerLead),
		IncludeLongLead:   getBoolOrDefault(common.EnvIncludeLongLead, false),
		RequestTimeout:    getDurationOrDefault(common.EnvRequestTimeout, common.DefaultRequestTimeout),
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFormat:         getEnvOrDefault(common.EnvLogFormat, common.DefaultLogFormat),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getPathOrDefault is like getEnvOrDefault but keeps an explicitly empty
// value, which turns the feature off.
func getPathOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

func getListFromEnvOrConfig(key string, configValues []string) []string {
	if env := os.Getenv(key); env != "" {
		parts := strings.Split(env, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	if len(configValues) > 0 {
		return configValues
	}
	return append([]string(nil), common.DefaultClasses...)
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Validate ports
	if settings.Port < common.MinPort || settings.Port > common.MaxPort {
		return fmt.Errorf("port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.Port)
	}
	if settings.MetricsPort < common.MinPort || settings.MetricsPort > common.MaxPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinPort, common.MaxPort, settings.MetricsPort)
	}
	if settings.Port == settings.MetricsPort {
		return fmt.Errorf("port and metrics port must differ, both are %d", settings.Port)
	}

	// Validate artifacts
	if settings.ProjectionPath == "" {
		return fmt.Errorf("projection path cannot be empty")
	}
	if settings.ClassifierPath == "" && settings.ClassifierURL == "" {
		return fmt.Errorf("either a classifier path or a classifier URL is required")
	}
	if settings.ClassifierURL != "" &&
		!strings.HasPrefix(settings.ClassifierURL, "http://") &&
		!strings.HasPrefix(settings.ClassifierURL, "https://") {
		return fmt.Errorf("classifier URL must be http or https, got %q", settings.ClassifierURL)
	}

	// Validate time durations
	if settings.ClassifierTimeout < 100*time.Millisecond || settings.ClassifierTimeout > time.Minute {
		return fmt.Errorf("classifier timeout must be between 100ms and 1m, got %v", settings.ClassifierTimeout)
	}
	if settings.RequestTimeout < time.Second || settings.RequestTimeout > 5*time.Minute {
		return fmt.Errorf("request timeout must be between 1s and 5m, got %v", settings.RequestTimeout)
	}

	// Validate integer values
	if settings.ClassifierRetries < 0 || settings.ClassifierRetries > common.MaxClassifierTry {
		return fmt.Errorf("classifier retries must be between 0 and %d, got %d", common.MaxClassifierTry, settings.ClassifierRetries)
	}
	if settings.MaxUploadMB <= 0 || settings.MaxUploadMB > common.MaxUploadMBLimit {
		return fmt.Errorf("max upload size must be between 1 and %d MB, got %d", common.MaxUploadMBLimit, settings.MaxUploadMB)
	}
	if settings.SamplesPerLead < common.MinSamplesPerLead || settings.SamplesPerLead > common.MaxSamplesPerLead {
		return fmt.Errorf("samples per lead must be between %d and %d, got %d",
			common.MinSamplesPerLead, common.MaxSamplesPerLead, settings.SamplesPerLead)
	}

	// Validate class labels
	if len(settings.Classes) < 2 {
		return fmt.Errorf("at least two class labels are required, got %d", len(settings.Classes))
	}
	seen := make(map[string]bool, len(settings.Classes))
	for i, c := range settings.Classes {
		if c == "" {
			return fmt.Errorf("class label %d is empty", i)
		}
		if seen[c] {
			return fmt.Errorf("duplicate class label %q", c)
		}
		seen[c] = true
	}

	// Validate logging
	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", settings.LogLevel, err)
	}
	switch strings.ToLower(settings.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", settings.LogFormat)
	}

	return nil
}
