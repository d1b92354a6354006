// Package config provides configuration management for FaceAttend
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Attendance server settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Camera settings
	Camera CameraConfig `mapstructure:"camera" yaml:"camera"`

	// Still capture settings
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`

	// Operator feedback settings
	UI UIConfig `mapstructure:"ui" yaml:"ui"`

	// Storage settings
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Kiosk daemon settings
	Daemon DaemonConfig `mapstructure:"daemon" yaml:"daemon"`

	// Logging settings
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds the attendance server endpoint configuration
type ServerConfig struct {
	BaseURL       string `mapstructure:"base_url" yaml:"base_url"`             // e.g. http://localhost:5000
	Timeout       int    `mapstructure:"timeout" yaml:"timeout"`               // Request timeout in seconds
	AdminPassword string `mapstructure:"admin_password" yaml:"admin_password"` // Logs into /admin/login before admin calls when set
}

// CameraConfig holds camera-related configuration
type CameraConfig struct {
	Device      string `mapstructure:"device" yaml:"device"`             // V4L2 device path (e.g., /dev/video0)
	Width       int    `mapstructure:"width" yaml:"width"`               // Preferred capture width
	Height      int    `mapstructure:"height" yaml:"height"`             // Preferred capture height
	FPS         int    `mapstructure:"fps" yaml:"fps"`                   // Frames per second
	PixelFormat string `mapstructure:"pixel_format" yaml:"pixel_format"` // V4L2 pixel format
}

// CaptureConfig holds still-frame encoding configuration
type CaptureConfig struct {
	Quality        int `mapstructure:"quality" yaml:"quality"`                 // JPEG quality 1-100
	FallbackWidth  int `mapstructure:"fallback_width" yaml:"fallback_width"`   // Raster width before the native size is known
	FallbackHeight int `mapstructure:"fallback_height" yaml:"fallback_height"` // Raster height before the native size is known
}

// UIConfig holds operator feedback timing
type UIConfig struct {
	RefreshDelayMS  int  `mapstructure:"refresh_delay_ms" yaml:"refresh_delay_ms"`   // Delay before the roster refresh after a change
	SuccessHideSecs int  `mapstructure:"success_hide_secs" yaml:"success_hide_secs"` // Success messages disappear after this many seconds (0 = never)
	Bell            bool `mapstructure:"bell" yaml:"bell"`                           // Ring the terminal bell on a match
	AutoStartCamera bool `mapstructure:"auto_start_camera" yaml:"auto_start_camera"` // Verification kiosk opens the camera on startup
}

// StorageConfig holds local data configuration
type StorageConfig struct {
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`         // Directory for local data
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"` // SQLite attempt journal path
}

// DaemonConfig holds kiosk daemon configuration
type DaemonConfig struct {
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path"` // Unix socket accepting VERIFY triggers
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // Log level: debug, info, warn, error
	File  string `mapstructure:"file" yaml:"file"`   // Log file path (empty = stderr)
}

var envKeyReplacer = strings.NewReplacer(".", "_")

// envKeys lists every key that may be overridden by a FACEATTEND_* variable.
// Viper only consults the environment for keys it already knows about.
var envKeys = []string{
	"server.base_url", "server.timeout", "server.admin_password",
	"camera.device", "camera.width", "camera.height", "camera.fps", "camera.pixel_format",
	"capture.quality", "capture.fallback_width", "capture.fallback_height",
	"ui.refresh_delay_ms", "ui.success_hide_secs", "ui.bell", "ui.auto_start_camera",
	"storage.data_dir", "storage.journal_path",
	"daemon.socket_path",
	"logging.level", "logging.file",
}

func bindEnv(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:5000",
			Timeout: 20,
		},
		Camera: CameraConfig{
			Device:      "/dev/video0",
			Width:       1280,
			Height:      720,
			FPS:         30,
			PixelFormat: "MJPEG",
		},
		Capture: CaptureConfig{
			Quality:        90,
			FallbackWidth:  640,
			FallbackHeight: 480,
		},
		UI: UIConfig{
			RefreshDelayMS:  600,
			SuccessHideSecs: 5,
			Bell:            true,
			AutoStartCamera: true,
		},
		Storage: StorageConfig{
			DataDir:     "/var/lib/faceattend",
			JournalPath: "/var/lib/faceattend/journal.db",
		},
		Daemon: DaemonConfig{
			SocketPath: "/var/run/faceattend/faceattend.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from file and environment variables.
// A .env file in the working directory is applied first when present.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// .env file is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("faceattend")
		v.AddConfigPath("/etc/faceattend/")
		v.AddConfigPath("$HOME/.faceattend")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FACEATTEND")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is OK, use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating data directory: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("error writing config: %w", err)
	}

	return nil
}

// YAML renders the configuration with the admin password masked
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.Server.AdminPassword != "" {
		out.Server.AdminPassword = "********"
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return data, nil
}

// RequestTimeout returns the per-request network timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.Timeout) * time.Second
}

// RefreshDelay returns the delay before a roster refresh
func (c *Config) RefreshDelay() time.Duration {
	return time.Duration(c.UI.RefreshDelayMS) * time.Millisecond
}

// SuccessHide returns how long success messages stay visible
func (c *Config) SuccessHide() time.Duration {
	return time.Duration(c.UI.SuccessHideSecs) * time.Second
}

// Validate validates the configuration
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid server base URL: %q", c.Server.BaseURL)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server timeout must be positive")
	}

	if c.Camera.Device == "" {
		return fmt.Errorf("camera device cannot be empty")
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}

	if c.Capture.Quality < 1 || c.Capture.Quality > 100 {
		return fmt.Errorf("capture quality must be between 1 and 100")
	}
	if c.Capture.FallbackWidth <= 0 || c.Capture.FallbackHeight <= 0 {
		return fmt.Errorf("invalid fallback resolution: %dx%d", c.Capture.FallbackWidth, c.Capture.FallbackHeight)
	}

	if c.UI.RefreshDelayMS < 0 || c.UI.SuccessHideSecs < 0 {
		return fmt.Errorf("ui delays cannot be negative")
	}

	return nil
}
