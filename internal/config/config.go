// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/text/language"

	"serial-terminal/internal/model"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SerialConfig represents the serial line defaults and session tuning
type SerialConfig struct {
	Port                string         `mapstructure:"port"`
	BaudRate            int            `mapstructure:"baud_rate"`
	DataBits            int            `mapstructure:"data_bits"`
	Parity              string         `mapstructure:"parity"`
	StopBits            string         `mapstructure:"stop_bits"`
	ReadTimeout         time.Duration  `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration  `mapstructure:"write_timeout"`
	ReadBufferSize      int            `mapstructure:"read_buffer_size"`
	PortRefreshInterval time.Duration  `mapstructure:"port_refresh_interval"`
	Loopback            LoopbackConfig `mapstructure:"loopback"`
}

// LoopbackConfig replaces the host ports with in-memory echo ports
type LoopbackConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Ports   []string `mapstructure:"ports"`
}

// TerminalConfig represents controller and presentation settings
type TerminalConfig struct {
	Language       string        `mapstructure:"language"`
	HexUpperCase   bool          `mapstructure:"hex_upper_case"`
	SendHex        bool          `mapstructure:"send_hex"`
	ReceiveHex     bool          `mapstructure:"receive_hex"`
	EventQueueSize int           `mapstructure:"event_queue_size"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables. An empty
// configFile searches the default locations; a missing file is not an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/serial-terminal")
	}

	// Environment variable support
	v.SetEnvPrefix("SERIAL_TERMINAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Serial defaults
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.stop_bits", "1")
	v.SetDefault("serial.read_timeout", "1000ms")
	v.SetDefault("serial.write_timeout", "1000ms")
	v.SetDefault("serial.read_buffer_size", 4096)
	v.SetDefault("serial.port_refresh_interval", "5s")
	v.SetDefault("serial.loopback.enabled", false)
	v.SetDefault("serial.loopback.ports", []string{"LOOP0", "LOOP1"})

	// Terminal defaults
	v.SetDefault("terminal.language", "en")
	v.SetDefault("terminal.hex_upper_case", true)
	v.SetDefault("terminal.send_hex", false)
	v.SetDefault("terminal.receive_hex", false)
	v.SetDefault("terminal.event_queue_size", 1024)
	v.SetDefault("terminal.command_timeout", "10s")

	// App defaults
	v.SetDefault("app.name", "serial-terminal")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Server.TLS.Enabled && (config.Server.TLS.CertFile == "" || config.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !slices.Contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	if config.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive")
	}
	if !slices.Contains(model.StandardDataBits, config.Serial.DataBits) {
		return fmt.Errorf("serial.data_bits must be one of: %v", model.StandardDataBits)
	}
	if _, err := model.ParseParity(config.Serial.Parity); err != nil {
		return fmt.Errorf("serial.parity: %w", err)
	}
	if _, err := model.ParseStopBits(config.Serial.StopBits); err != nil {
		return fmt.Errorf("serial.stop_bits: %w", err)
	}
	if config.Serial.ReadTimeout <= 0 || config.Serial.WriteTimeout <= 0 {
		return fmt.Errorf("serial read and write timeouts must be finite and positive")
	}
	if config.Serial.ReadBufferSize <= 0 {
		return fmt.Errorf("serial.read_buffer_size must be positive")
	}
	if config.Serial.Loopback.Enabled && len(config.Serial.Loopback.Ports) == 0 {
		return fmt.Errorf("serial.loopback.ports is required when loopback is enabled")
	}

	if _, err := language.Parse(config.Terminal.Language); err != nil {
		return fmt.Errorf("terminal.language: %w", err)
	}
	if config.Terminal.EventQueueSize <= 0 {
		return fmt.Errorf("terminal.event_queue_size must be positive")
	}

	return nil
}

// PortConfig returns the configured default line parameters
func (c *Config) PortConfig() model.PortConfig {
	// validated in Load
	parity, _ := model.ParseParity(c.Serial.Parity)
	stopBits, _ := model.ParseStopBits(c.Serial.StopBits)

	return model.PortConfig{
		PortID:   c.Serial.Port,
		BaudRate: c.Serial.BaudRate,
		DataBits: c.Serial.DataBits,
		Parity:   parity,
		StopBits: stopBits,
	}
}

// LanguageTag returns the configured status message language
func (c *Config) LanguageTag() language.Tag {
	tag, err := language.Parse(c.Terminal.Language)
	if err != nil {
		return language.English
	}
	return tag
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
