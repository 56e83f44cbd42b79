package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"statdeck/internal/faults"
)

const (
	defaultListen   = "127.0.0.1:8787"
	defaultBaudRate = 115200
	defaultDataDir  = ".statdeck"
)

// Config represents the main configuration structure
type Config struct {
	DataDir  string          `json:"data_dir" mapstructure:"data-dir"`
	Serial   SerialConfig    `json:"serial" mapstructure:"serial"`
	Recovery RecoveryConfig  `json:"recovery" mapstructure:"recovery"`
	Cadence  CadenceConfig   `json:"cadence" mapstructure:"cadence"`
	Keyboard KeyboardConfig  `json:"keyboard" mapstructure:"keyboard"`
	Server   ServerConfig    `json:"server" mapstructure:"server"`
	Display  DisplaySettings `json:"display" mapstructure:"display"`
	Logging  LogConfig       `json:"logging" mapstructure:"logging"`
}

// SerialConfig configures the link to the display device
type SerialConfig struct {
	BaudRate int `json:"baud_rate" mapstructure:"baud-rate"`
	// Port is connected on startup when set; otherwise the last port
	// remembered in storage is used if AutoConnect is on.
	Port        string `json:"port,omitempty" mapstructure:"port"`
	AutoConnect bool   `json:"auto_connect" mapstructure:"auto-connect"`
}

// RetryPolicy is one bounded exponential backoff budget
type RetryPolicy struct {
	BaseDelay time.Duration `json:"base_delay" mapstructure:"base-delay"`
	MaxDelay  time.Duration `json:"max_delay" mapstructure:"max-delay"`
	Limit     int           `json:"limit" mapstructure:"limit"`
}

// RecoveryConfig holds the retry budgets of both supervised subsystems
type RecoveryConfig struct {
	Device         RetryPolicy   `json:"device" mapstructure:"device"`
	Keyboard       RetryPolicy   `json:"keyboard" mapstructure:"keyboard"`
	AttemptTimeout time.Duration `json:"attempt_timeout" mapstructure:"attempt-timeout"`
}

// CadenceConfig holds the periodic outbound intervals
type CadenceConfig struct {
	Stats        time.Duration `json:"stats" mapstructure:"stats"`
	TimeUpdate   time.Duration `json:"time_update" mapstructure:"time-update"`
	SystemSample time.Duration `json:"system_sample" mapstructure:"system-sample"`
}

// KeyboardConfig configures the global keyboard listener
type KeyboardConfig struct {
	// ListenerCommand overrides the helper process; empty means re-exec
	// this binary with the keylistener command.
	ListenerCommand []string      `json:"listener_command,omitempty" mapstructure:"listener-command"`
	DevicePath      string        `json:"device_path,omitempty" mapstructure:"device-path"`
	IdleTimeout     time.Duration `json:"idle_timeout" mapstructure:"idle-timeout"`
}

// ServerConfig configures the local control/UI server
type ServerConfig struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

// DisplaySettings are forwarded to the device after every connect
type DisplaySettings struct {
	Brightness  int    `json:"brightness" mapstructure:"brightness"`
	Theme       string `json:"theme" mapstructure:"theme"`
	Orientation int    `json:"orientation" mapstructure:"orientation"`
	TimeFormat  string `json:"time_format" mapstructure:"time-format"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// Default returns a configuration populated with the built-in defaults
func Default() *Config {
	return &Config{
		DataDir: defaultDataPath(),
		Serial: SerialConfig{
			BaudRate:    defaultBaudRate,
			AutoConnect: true,
		},
		Recovery: RecoveryConfig{
			Device: RetryPolicy{
				BaseDelay: ResumeRetryBaseDelay,
				MaxDelay:  ResumeRetryMaxDelay,
				Limit:     ResumeRetryLimit,
			},
			Keyboard: RetryPolicy{
				BaseDelay: KeyboardRecoveryBaseDelay,
				MaxDelay:  KeyboardRecoveryMaxDelay,
				Limit:     KeyboardRecoveryLimit,
			},
			AttemptTimeout: AttemptTimeout,
		},
		Cadence: CadenceConfig{
			Stats:        StatsCadence,
			TimeUpdate:   TimeUpdateCadence,
			SystemSample: SystemSampleInterval,
		},
		Keyboard: KeyboardConfig{
			IdleTimeout: TypingIdleTimeout,
		},
		Server: ServerConfig{
			Listen:  defaultListen,
			Enabled: true,
		},
		Display: DisplaySettings{
			Brightness:  80,
			Theme:       "dark",
			Orientation: 0,
			TimeFormat:  "24h",
		},
		Logging: LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "statdeck.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
	}
}

func defaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDataDir
	}
	return filepath.Join(home, defaultDataDir)
}

// Validate checks the configuration for values the supervisors cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data-dir must not be empty"))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud-rate must be positive, got %d", c.Serial.BaudRate))
	}
	if err := c.Recovery.Device.validate("recovery.device"); err != nil {
		errs = append(errs, err)
	}
	if err := c.Recovery.Keyboard.validate("recovery.keyboard"); err != nil {
		errs = append(errs, err)
	}
	if c.Recovery.AttemptTimeout < 0 {
		errs = append(errs, errors.New("recovery.attempt-timeout must not be negative"))
	}
	if c.Cadence.Stats <= 0 {
		errs = append(errs, errors.New("cadence.stats must be positive"))
	}
	if c.Cadence.TimeUpdate <= 0 {
		errs = append(errs, errors.New("cadence.time-update must be positive"))
	}
	if err := ValidateSampleInterval(c.Cadence.SystemSample); err != nil {
		errs = append(errs, fmt.Errorf("cadence.system-sample: %w", err))
	}
	if c.Display.Brightness < 0 || c.Display.Brightness > 100 {
		errs = append(errs, fmt.Errorf("display.brightness must be within [0,100], got %d", c.Display.Brightness))
	}

	return errors.Join(errs...)
}

func (p RetryPolicy) validate(name string) error {
	switch {
	case p.Limit <= 0:
		return fmt.Errorf("%s.limit must be positive, got %d", name, p.Limit)
	case p.BaseDelay <= 0:
		return fmt.Errorf("%s.base-delay must be positive", name)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("%s.max-delay (%v) must not be below base-delay (%v)", name, p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// ValidateSampleInterval checks a system sampling interval against the
// supported range
func ValidateSampleInterval(d time.Duration) error {
	if d < MinSampleInterval || d > MaxSampleInterval {
		return fmt.Errorf("%w: interval %v outside [%v, %v]", faults.ErrInvalidArgument, d, MinSampleInterval, MaxSampleInterval)
	}
	return nil
}

// LogDirPath resolves where log files are written
func (c *Config) LogDirPath() string {
	if c.Logging.LogDir != "" {
		return c.Logging.LogDir
	}
	return filepath.Join(c.DataDir, "logs")
}
