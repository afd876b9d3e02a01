package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
}

func TestInit_WithDefaults(t *testing.T) {
	resetViper()

	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configDir := filepath.Join(tmpDir, ".config", AppName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(DefaultConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
	}{
		{"sample_rate", 8000},
		{"station", "WWV"},
		{"tick_threshold_mult", 2.0},
		{"marker_threshold_mult", 3.0},
		{"mqtt_enabled", false},
		{"udp_port", 2237},
		{"debug", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := viper.Get(tt.key)
			if got != tt.expected {
				t.Errorf("viper.Get(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestInit_CreatesConfigIfMissing(t *testing.T) {
	resetViper()

	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, ".config", AppName, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Errorf("Init() did not create config file at %s", configPath)
	}
}

func TestInit_ReadsLocalConfigFirst(t *testing.T) {
	resetViper()

	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	xdgConfigDir := filepath.Join(tmpDir, ".config", AppName)
	if err := os.MkdirAll(xdgConfigDir, 0755); err != nil {
		t.Fatalf("failed to create XDG config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(xdgConfigDir, "config.yaml"), []byte("station: WWVH"), 0644); err != nil {
		t.Fatalf("failed to write XDG config: %v", err)
	}

	origDir, _ := os.Getwd()
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	defer func() {
		if err := os.Chdir(origDir); err != nil {
			t.Logf("failed to restore dir: %v", err)
		}
	}()

	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("station: WWV"), 0644); err != nil {
		t.Fatalf("failed to write local config: %v", err)
	}

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if got := viper.GetString("station"); got != "WWV" {
		t.Errorf("viper.GetString(station) = %q, want %q (local config)", got, "WWV")
	}
}

func TestGet_ReturnsSettings(t *testing.T) {
	resetViper()

	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configDir := filepath.Join(tmpDir, ".config", AppName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(DefaultConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	settings, err := Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if settings.SampleRate != 8000 {
		t.Errorf("Settings.SampleRate = %v, want 8000", settings.SampleRate)
	}
	if settings.Station != "WWV" {
		t.Errorf("Settings.Station = %q, want WWV", settings.Station)
	}
	if settings.TickFreqHz() != 1000.0 {
		t.Errorf("Settings.TickFreqHz() = %v, want 1000", settings.TickFreqHz())
	}
}

func TestGet_WWVHStationYieldsTickFreq1200(t *testing.T) {
	resetViper()

	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configDir := filepath.Join(tmpDir, ".config", AppName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	customConfig := DefaultConfig + "\nstation: \"WWVH\"\n"
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(customConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	settings, err := Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if settings.TickFreqHz() != 1200.0 {
		t.Errorf("Settings.TickFreqHz() = %v, want 1200", settings.TickFreqHz())
	}
}

func TestEnsureConfigExists_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config")

	if err := ensureConfigExists(configPath); err != nil {
		t.Fatalf("ensureConfigExists() error = %v", err)
	}

	configFile := filepath.Join(configPath, "config.yaml")
	content, err := os.ReadFile(configFile)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}
	if string(content) != DefaultConfig {
		t.Errorf("config content does not match DefaultConfig")
	}
}

func TestEnsureConfigExists_DoesNotOverwrite(t *testing.T) {
	tmpDir := t.TempDir()

	configFile := filepath.Join(tmpDir, "config.yaml")
	existingContent := "existing: true"
	if err := os.WriteFile(configFile, []byte(existingContent), 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	if err := ensureConfigExists(tmpDir); err != nil {
		t.Fatalf("ensureConfigExists() error = %v", err)
	}

	content, err := os.ReadFile(configFile)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}
	if string(content) != existingContent {
		t.Errorf("ensureConfigExists() overwrote existing config")
	}
}

func TestDefaultConfigPassesValidate(t *testing.T) {
	resetViper()

	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configDir := filepath.Join(tmpDir, ".config", AppName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(DefaultConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := Get(); err != nil {
		t.Fatalf("Get() error = %v, want default config to validate cleanly", err)
	}
}

func validSettings() *Settings {
	return &Settings{
		SampleRate:           8000,
		Station:              "WWV",
		TickThresholdMult:    2.0,
		MarkerThresholdMult:  3.0,
		TickMinDurationMs:    2.0,
		TickAdaptAlphaDown:   0.998,
		TickAdaptAlphaUp:     0.002,
		MarkerNoiseAdaptRate: 0.001,
		UDPEnabled:           false,
		UDPPort:              2237,
	}
}

func TestSettings_Validate_ValidSettings(t *testing.T) {
	if err := validSettings().Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil for valid settings", err)
	}
}

func TestSettings_Validate_SampleRate(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate float64
		wantErr    bool
	}{
		{"too low", 999, true},
		{"minimum", 1000, false},
		{"typical", 8000, false},
		{"maximum", 192000, false},
		{"too high", 192001, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			s.SampleRate = tt.sampleRate
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSettings_Validate_Station(t *testing.T) {
	tests := []struct {
		station string
		wantErr bool
	}{
		{"WWV", false},
		{"WWVH", false},
		{"KWM", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.station, func(t *testing.T) {
			s := validSettings()
			s.Station = tt.station
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSettings_Validate_UDPPortOnlyCheckedWhenEnabled(t *testing.T) {
	s := validSettings()
	s.UDPEnabled = false
	s.UDPPort = 0
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil when UDP disabled", err)
	}

	s.UDPEnabled = true
	if err := s.Validate(); err == nil {
		t.Error("Validate() should error for out-of-range udp_port when UDP enabled")
	}
}

func TestSettings_Validate_TickAdaptAlphaUp(t *testing.T) {
	tests := []struct {
		name    string
		v       float64
		wantErr bool
	}{
		{"too low", 0.0002, true},
		{"minimum", 0.001, false},
		{"typical", 0.002, false},
		{"maximum", 0.1, false},
		{"too high", 0.2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			s.TickAdaptAlphaUp = tt.v
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSettings_Validate_MultipleErrors(t *testing.T) {
	s := &Settings{
		SampleRate:           0,
		Station:              "bad",
		TickThresholdMult:    0,
		MarkerThresholdMult:  0,
		TickMinDurationMs:    0,
		TickAdaptAlphaDown:   0,
		TickAdaptAlphaUp:     0,
		MarkerNoiseAdaptRate: 0,
	}
	err := s.Validate()
	if err == nil {
		t.Fatal("Validate() should return error for multiple invalid fields")
	}
	errStr := err.Error()
	for _, substr := range []string{"sample_rate", "station", "tick_threshold_mult", "marker_threshold_mult"} {
		if !containsString(errStr, substr) {
			t.Errorf("Validate() error should mention %q, got: %v", substr, errStr)
		}
	}
}

func containsString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
