package sql

import (
	"time"
)

type SQLDatabaseConfig struct {
	Driver          string         `mapstructure:"driver"`
	URL             string         `mapstructure:"url"`
	ConnMaxLifetime *time.Duration `mapstructure:"conn_max_lifetime,omitempty"`
	MaxIdleConns    *int           `mapstructure:"max_idle_conns,omitempty"`
	MaxOpenConns    *int           `mapstructure:"max_open_conns,omitempty"`
	DatabaseName    string         `mapstructure:"database_name,omitempty"`
	// Password is injected from the secrets directory and is not used by the DSN based drivers
	Password string `mapstructure:"password,omitempty"`
}
