package config

import "time"

// ArchiverConfig is the root configuration for an archiver instance.
type ArchiverConfig struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Database      DatabaseConfig      `yaml:"database"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// InstanceConfig identifies this archiver.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// RealtimeConfig holds gateway connection settings.
type RealtimeConfig struct {
	URL                  string        `yaml:"url"`
	Credential           string        `yaml:"credential"` // bearer token; supports ${ENV} expansion
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	AckTimeout           time.Duration `yaml:"ack_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
}

// DatabaseConfig holds the Postgres connection for archived notifications.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// NotificationsConfig selects whose notification channel to archive.
type NotificationsConfig struct {
	UserID int64 `yaml:"user_id"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
