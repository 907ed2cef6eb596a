package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the trackd
// server components.
type Config struct {
	// Hostname or IP address on which the listeners bind. Blank binds all interfaces.
	Hostname string `mapstructure:"hostname"`
	// Ports on which a TCP listener is started for the configured protocol.
	TCPPorts []int `mapstructure:"tcp_ports"`
	// Ports on which a UDP listener is started for the configured protocol.
	UDPPorts []int `mapstructure:"udp_ports"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Protocol ProtocolConfig `mapstructure:"protocol"`

	CommandPort struct {
		// TCP port of the administrative command listener. 0 disables it.
		Port int `mapstructure:"port"`
		// Registered protocol that handles command sessions.
		Handler string `mapstructure:"handler"`
	} `mapstructure:"command_port"`

	Database struct {
		// Either sqlite or postgres.
		Engine string `mapstructure:"engine"`
		// Path of the SQLite database file.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres for trackd.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log packets to the application log at debug level.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		// Port serving /metrics for Prometheus.
		Port int `mapstructure:"port"`
	} `mapstructure:"metrics"`
}

// ProtocolConfig selects the device protocol and optionally overrides its
// defaults. Nil fields keep the protocol's own value.
type ProtocolConfig struct {
	// Name of a registered protocol (ascii, binary, ...).
	Name string `mapstructure:"name"`

	TextMode          *bool   `mapstructure:"text_mode"`
	LineTerminators   *string `mapstructure:"line_terminators"`
	IncludeTerminator *bool   `mapstructure:"include_terminator"`
	// A single character; setting it enables backspace handling.
	Backspace       *string `mapstructure:"backspace"`
	IgnoreChars     *string `mapstructure:"ignore_chars"`
	MinPacketLength *int    `mapstructure:"min_packet_length"`
	MaxPacketLength *int    `mapstructure:"max_packet_length"`

	IdleTimeout        *time.Duration `mapstructure:"idle_timeout"`
	PacketTimeout      *time.Duration `mapstructure:"packet_timeout"`
	SessionTimeout     *time.Duration `mapstructure:"session_timeout"`
	Linger             *time.Duration `mapstructure:"linger"`
	TerminateOnTimeout *bool          `mapstructure:"terminate_on_timeout"`
}

const envVarPrefix = "TRACKD"

// LoadConfig reads config.yaml from configPath. Any option can be overridden
// through the environment, e.g. protocol.name through TRACKD_PROTOCOL_NAME.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("log_level", "info")
	v.SetDefault("protocol.name", "ascii")
	v.SetDefault("command_port.handler", "command")
	v.SetDefault("database.engine", "sqlite")
	v.SetDefault("database.filename", "trackd.db")

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("no config file in path %s", configPath)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}
