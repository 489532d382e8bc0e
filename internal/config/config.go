package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/micbooth/internal/caps"
	"github.com/audiolibrelab/micbooth/internal/device"
)

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Encodings    *EncodingsConfig          `mapstructure:"encodings,omitempty" yaml:"encodings,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// EncodingsConfig declares the per-browser-family encoding preference lists
// and the global fallback list tried for families without an entry.
type EncodingsConfig struct {
	Families map[string][]string `mapstructure:"families" yaml:"families"`
	Fallback []string            `mapstructure:"fallback" yaml:"fallback"`
}

type Config struct {
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`

	// Resolved encoding preferences, shared across profiles.
	Encodings caps.Preferences `mapstructure:"-" yaml:"-"`
}

// ConfigProfile mirrors Config with optional fields so a profile only states
// what it overrides; everything else is inherited from the default profile.
type ConfigProfile struct {
	Session SessionProfile `mapstructure:"session" yaml:"session"`
	Capture CaptureProfile `mapstructure:"capture" yaml:"capture"`
	Server  ServerProfile  `mapstructure:"server" yaml:"server"`
	Output  OutputConfig   `mapstructure:"output" yaml:"output"`
}

type SessionConfig struct {
	RetryCeiling   int `mapstructure:"retry_ceiling" yaml:"retry_ceiling"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	LivenessMs     int `mapstructure:"liveness_ms" yaml:"liveness_ms"`
	TimesliceMs    int `mapstructure:"timeslice_ms" yaml:"timeslice_ms"`
}

type SessionProfile struct {
	RetryCeiling   *int `mapstructure:"retry_ceiling,omitempty" yaml:"retry_ceiling,omitempty"`
	RetryBackoffMs *int `mapstructure:"retry_backoff_ms,omitempty" yaml:"retry_backoff_ms,omitempty"`
	LivenessMs     *int `mapstructure:"liveness_ms,omitempty" yaml:"liveness_ms,omitempty"`
	TimesliceMs    *int `mapstructure:"timeslice_ms,omitempty" yaml:"timeslice_ms,omitempty"`
}

type CaptureConfig struct {
	SampleRate       int  `mapstructure:"sample_rate" yaml:"sample_rate"`
	EchoCancellation bool `mapstructure:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression" yaml:"noise_suppression"`
}

type CaptureProfile struct {
	SampleRate       *int  `mapstructure:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	EchoCancellation *bool `mapstructure:"echo_cancellation,omitempty" yaml:"echo_cancellation,omitempty"`
	NoiseSuppression *bool `mapstructure:"noise_suppression,omitempty" yaml:"noise_suppression,omitempty"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type ServerProfile struct {
	Host *string `mapstructure:"host,omitempty" yaml:"host,omitempty"`
	Port *int    `mapstructure:"port,omitempty" yaml:"port,omitempty"`
}

type OutputConfig struct {
	Directory          string `mapstructure:"directory" yaml:"directory"`
	PermissionCacheDir string `mapstructure:"permission_cache_dir" yaml:"permission_cache_dir"`
}

var defaultConfig = Config{
	Session: SessionConfig{
		RetryCeiling:   3,
		RetryBackoffMs: 2000,
		LivenessMs:     1000,
		TimesliceMs:    100,
	},
	Capture: CaptureConfig{
		SampleRate:       44100,
		EchoCancellation: true,
		NoiseSuppression: true,
	},
	Server: ServerConfig{
		Host: "0.0.0.0",
		Port: 8080,
	},
	Output: OutputConfig{
		Directory:          filepath.Join(os.Getenv("HOME"), "Audio", "MicBooth"),
		PermissionCacheDir: filepath.Join(os.Getenv("HOME"), ".cache", "micbooth", "permission"),
	},
}

// Default returns a copy of the built-in configuration, used when no config
// file is given.
func Default() *Config {
	cfg := defaultConfig
	cfg.Encodings = caps.DefaultPreferences()
	return &cfg
}

// LoadWithProfile reads the config file and resolves the named profile against
// the default profile. An empty profile name uses the file's active_config,
// falling back to "default".
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return Default(), nil
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists && configName != "default" {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	cfg := defaultConfig
	if base, ok := rootConfig.Configs["default"]; ok && configName != "default" {
		applyProfile(&cfg, base)
	}
	if selectedProfile != nil {
		applyProfile(&cfg, selectedProfile)
	}

	cfg.Encodings = resolveEncodings(rootConfig.Encodings)

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Output.PermissionCacheDir = expandPath(cfg.Output.PermissionCacheDir)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyProfile overlays a profile's explicit values onto cfg.
func applyProfile(cfg *Config, p *ConfigProfile) {
	if p.Session.RetryCeiling != nil {
		cfg.Session.RetryCeiling = *p.Session.RetryCeiling
	}
	if p.Session.RetryBackoffMs != nil {
		cfg.Session.RetryBackoffMs = *p.Session.RetryBackoffMs
	}
	if p.Session.LivenessMs != nil {
		cfg.Session.LivenessMs = *p.Session.LivenessMs
	}
	if p.Session.TimesliceMs != nil {
		cfg.Session.TimesliceMs = *p.Session.TimesliceMs
	}
	if p.Capture.SampleRate != nil {
		cfg.Capture.SampleRate = *p.Capture.SampleRate
	}
	if p.Capture.EchoCancellation != nil {
		cfg.Capture.EchoCancellation = *p.Capture.EchoCancellation
	}
	if p.Capture.NoiseSuppression != nil {
		cfg.Capture.NoiseSuppression = *p.Capture.NoiseSuppression
	}
	if p.Server.Host != nil {
		cfg.Server.Host = *p.Server.Host
	}
	if p.Server.Port != nil {
		cfg.Server.Port = *p.Server.Port
	}
	if p.Output.Directory != "" {
		cfg.Output.Directory = p.Output.Directory
	}
	if p.Output.PermissionCacheDir != "" {
		cfg.Output.PermissionCacheDir = p.Output.PermissionCacheDir
	}
}

// resolveEncodings converts the file's encoding section into negotiation
// preferences, falling back to the built-in lists for anything unspecified.
func resolveEncodings(enc *EncodingsConfig) caps.Preferences {
	prefs := caps.DefaultPreferences()
	if enc == nil {
		return prefs
	}
	for name, list := range enc.Families {
		family := caps.Family(strings.ToLower(name))
		prefs.Families[family] = list
	}
	if len(enc.Fallback) > 0 {
		prefs.Fallback = enc.Fallback
	}
	return prefs
}

func (c *Config) validate() error {
	if c.Session.RetryCeiling < 0 {
		return fmt.Errorf("session.retry_ceiling must be >= 0, got %d", c.Session.RetryCeiling)
	}
	if c.Session.RetryBackoffMs <= 0 {
		return fmt.Errorf("session.retry_backoff_ms must be > 0, got %d", c.Session.RetryBackoffMs)
	}
	if c.Session.LivenessMs <= 0 {
		return fmt.Errorf("session.liveness_ms must be > 0, got %d", c.Session.LivenessMs)
	}
	if c.Session.TimesliceMs <= 0 {
		return fmt.Errorf("session.timeslice_ms must be > 0, got %d", c.Session.TimesliceMs)
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be > 0, got %d", c.Capture.SampleRate)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if err := validateEncodings(c.Encodings); err != nil {
		return err
	}
	return nil
}

// validateEncodings ensures every preference list entry looks like an audio
// MIME type.
func validateEncodings(prefs caps.Preferences) error {
	for family, list := range prefs.Families {
		if len(list) == 0 {
			return fmt.Errorf("encodings.families.%s cannot be empty", family)
		}
		for i, encoding := range list {
			if !isValidEncoding(encoding) {
				return fmt.Errorf("encodings.families.%s[%d]: invalid audio encoding %q", family, i, encoding)
			}
		}
	}
	if len(prefs.Fallback) == 0 {
		return fmt.Errorf("encodings.fallback cannot be empty")
	}
	for i, encoding := range prefs.Fallback {
		if !isValidEncoding(encoding) {
			return fmt.Errorf("encodings.fallback[%d]: invalid audio encoding %q", i, encoding)
		}
	}
	return nil
}

// isValidEncoding accepts "audio/<subtype>" with an optional ";codecs=" part.
func isValidEncoding(encoding string) bool {
	encoding = strings.TrimSpace(encoding)
	if !strings.HasPrefix(encoding, "audio/") {
		return false
	}
	rest := encoding[len("audio/"):]
	subtype, params, hasParams := strings.Cut(rest, ";")
	if strings.TrimSpace(subtype) == "" {
		return false
	}
	if hasParams && !strings.HasPrefix(strings.TrimSpace(params), "codecs=") {
		return false
	}
	return true
}

// RetryBackoff returns the backoff between permission retries.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Session.RetryBackoffMs) * time.Millisecond
}

// LivenessInterval returns the capture liveness polling interval.
func (c *Config) LivenessInterval() time.Duration {
	return time.Duration(c.Session.LivenessMs) * time.Millisecond
}

// Timeslice returns the capture segment flush interval.
func (c *Config) Timeslice() time.Duration {
	return time.Duration(c.Session.TimesliceMs) * time.Millisecond
}

// Constraints returns the device constraints requested at acquisition.
func (c *Config) Constraints() device.Constraints {
	return device.Constraints{
		EchoCancellation: c.Capture.EchoCancellation,
		NoiseSuppression: c.Capture.NoiseSuppression,
		SampleRate:       c.Capture.SampleRate,
	}
}

// UpdateActiveConfig updates the active_config field in the config file.
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// A dedicated viper instance avoids interfering with the global one.
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ValidateConfigurationFormat validates the configuration file format and
// returns the parsed root config.
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	viper.SetConfigFile(configFile)

	viper.SetEnvPrefix("MICBOOTH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := viper.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if rootConfig.Encodings != nil {
		for name := range rootConfig.Encodings.Families {
			if !isKnownFamily(name) {
				return nil, fmt.Errorf("encodings.families: unknown browser family %q", name)
			}
		}
	}

	return &rootConfig, nil
}

func isKnownFamily(name string) bool {
	switch caps.Family(strings.ToLower(name)) {
	case caps.FamilyChrome, caps.FamilyFirefox, caps.FamilySafari,
		caps.FamilyEdge, caps.FamilyOpera, caps.FamilyUnknown:
		return true
	}
	return false
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
