// Package config loads and validates wwvengine's runtime configuration
// using Viper, following the same search-path/defaults/validate pattern as
// the engine's ancestor tone-decoder tools.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	AppName    = "wwvengine"
	ConfigType = "yaml"

	DefaultConfig = `# wwvengine configuration

# Input
sample_rate: 8000      # I/Q sample rate in Hz
station: "WWV"         # "WWV" (1000Hz tick) or "WWVH" (1200Hz tick)

# Detection thresholds
tick_threshold_mult: 2.0     # tick detector noise-floor threshold multiplier
marker_threshold_mult: 3.0   # marker detector baseline threshold multiplier
tick_min_duration_ms: 2.0    # minimum tick pulse duration accepted

# Adaptive noise tracking
tick_adapt_alpha_down: 0.998
tick_adapt_alpha_up: 0.002
marker_noise_adapt_rate: 0.001

# Telemetry
mqtt_enabled: false
mqtt_broker: "tcp://localhost:1883"
mqtt_topic_prefix: "wwvengine"
udp_enabled: false
udp_host: "127.0.0.1"
udp_port: 2237

# Logging
csv_log_dir: ""         # empty disables per-detector CSV logs
debug: false
`
)

// Settings holds all application configuration, unmarshaled from Viper.
type Settings struct {
	SampleRate float64 `mapstructure:"sample_rate"`
	Station    string  `mapstructure:"station"`

	TickThresholdMult   float64 `mapstructure:"tick_threshold_mult"`
	MarkerThresholdMult float64 `mapstructure:"marker_threshold_mult"`
	TickMinDurationMs   float64 `mapstructure:"tick_min_duration_ms"`

	TickAdaptAlphaDown    float64 `mapstructure:"tick_adapt_alpha_down"`
	TickAdaptAlphaUp      float64 `mapstructure:"tick_adapt_alpha_up"`
	MarkerNoiseAdaptRate  float64 `mapstructure:"marker_noise_adapt_rate"`

	MQTTEnabled     bool   `mapstructure:"mqtt_enabled"`
	MQTTBroker      string `mapstructure:"mqtt_broker"`
	MQTTTopicPrefix string `mapstructure:"mqtt_topic_prefix"`
	UDPEnabled      bool   `mapstructure:"udp_enabled"`
	UDPHost         string `mapstructure:"udp_host"`
	UDPPort         int    `mapstructure:"udp_port"`

	CSVLogDir string `mapstructure:"csv_log_dir"`
	Debug     bool   `mapstructure:"debug"`
}

// Init initializes Viper with defaults and locates a config file.
// Search order: current directory, then ~/.config/wwvengine/.
func Init() error {
	viper.SetDefault("sample_rate", 8000)
	viper.SetDefault("station", "WWV")
	viper.SetDefault("tick_threshold_mult", 2.0)
	viper.SetDefault("marker_threshold_mult", 3.0)
	viper.SetDefault("tick_min_duration_ms", 2.0)
	viper.SetDefault("tick_adapt_alpha_down", 0.998)
	viper.SetDefault("tick_adapt_alpha_up", 0.002)
	viper.SetDefault("marker_noise_adapt_rate", 0.001)
	viper.SetDefault("mqtt_enabled", false)
	viper.SetDefault("mqtt_broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt_topic_prefix", "wwvengine")
	viper.SetDefault("udp_enabled", false)
	viper.SetDefault("udp_host", "127.0.0.1")
	viper.SetDefault("udp_port", 2237)
	viper.SetDefault("csv_log_dir", "")
	viper.SetDefault("debug", false)

	viper.SetConfigType(ConfigType)
	viper.AddConfigPath(".")

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	viper.AddConfigPath(filepath.Join(configDir, AppName))

	viper.SetConfigName(".config")
	if err = viper.ReadInConfig(); err != nil {
		viper.SetConfigName("config")
		err = viper.ReadInConfig()
	}

	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			xdgConfigPath := filepath.Join(configDir, AppName)
			if err = ensureConfigExists(xdgConfigPath); err != nil {
				return err
			}
			if err = viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		} else {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return nil
}

func ensureConfigExists(configPath string) error {
	configFile := filepath.Join(configPath, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := os.MkdirAll(configPath, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		if err := os.WriteFile(configFile, []byte(DefaultConfig), 0644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}
	return nil
}

// Get unmarshals and validates the current settings.
func Get() (*Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &s, nil
}

// Validate checks that all settings are within acceptable ranges.
func (s *Settings) Validate() error {
	var errs []error

	if s.SampleRate < 1000 || s.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("sample_rate must be between 1000 and 192000 Hz, got %v", s.SampleRate))
	}
	if s.Station != "WWV" && s.Station != "WWVH" {
		errs = append(errs, fmt.Errorf("station must be WWV or WWVH, got %q", s.Station))
	}
	if s.TickThresholdMult < 1 || s.TickThresholdMult > 5 {
		errs = append(errs, fmt.Errorf("tick_threshold_mult must be between 1 and 5, got %v", s.TickThresholdMult))
	}
	if s.MarkerThresholdMult < 2 || s.MarkerThresholdMult > 5 {
		errs = append(errs, fmt.Errorf("marker_threshold_mult must be between 2 and 5, got %v", s.MarkerThresholdMult))
	}
	if s.TickMinDurationMs < 1 || s.TickMinDurationMs > 10 {
		errs = append(errs, fmt.Errorf("tick_min_duration_ms must be between 1 and 10, got %v", s.TickMinDurationMs))
	}
	if s.TickAdaptAlphaDown < 0.9 || s.TickAdaptAlphaDown > 0.999 {
		errs = append(errs, fmt.Errorf("tick_adapt_alpha_down must be between 0.9 and 0.999, got %v", s.TickAdaptAlphaDown))
	}
	if s.TickAdaptAlphaUp < 0.001 || s.TickAdaptAlphaUp > 0.1 {
		errs = append(errs, fmt.Errorf("tick_adapt_alpha_up must be between 0.001 and 0.1, got %v", s.TickAdaptAlphaUp))
	}
	if s.MarkerNoiseAdaptRate < 1e-4 || s.MarkerNoiseAdaptRate > 1e-2 {
		errs = append(errs, fmt.Errorf("marker_noise_adapt_rate must be between 1e-4 and 1e-2, got %v", s.MarkerNoiseAdaptRate))
	}
	if s.UDPEnabled && (s.UDPPort < 1 || s.UDPPort > 65535) {
		errs = append(errs, fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// TickFreqHz returns the station's tick/marker carrier frequency.
func (s *Settings) TickFreqHz() float64 {
	if s.Station == "WWVH" {
		return 1200.0
	}
	return 1000.0
}
