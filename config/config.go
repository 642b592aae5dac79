package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr            string        `env:"RELAY_ADDR"             envDefault:":3000"`
	Store           string        `env:"RELAY_STORE"            envDefault:"sqlite"`
	DBPath          string        `env:"RELAY_DB_PATH"          envDefault:"relay.db"`
	PostgresDSN     string        `env:"RELAY_POSTGRES_DSN"`
	MongoURI        string        `env:"RELAY_MONGO_URI"        envDefault:"mongodb://localhost:27017"`
	MongoDatabase   string        `env:"RELAY_MONGO_DATABASE"   envDefault:"chatapp"`
	LogLevel        string        `env:"RELAY_LOG_LEVEL"        envDefault:"info"`
	ControlSocket   string        `env:"RELAY_CONTROL_SOCKET"   envDefault:"/tmp/dmrelay.sock"`
	ReadTimeout     time.Duration `env:"RELAY_READ_TIMEOUT"     envDefault:"60s"`
	WriteTimeout    time.Duration `env:"RELAY_WRITE_TIMEOUT"    envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	SendQueue       int           `env:"RELAY_SEND_QUEUE"       envDefault:"64"`
	AllowedOrigins  []string      `env:"RELAY_ALLOWED_ORIGINS"  envSeparator:","`
}

// Load reads RELAY_* variables, then lets command-line flags override them.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "message store: sqlite, postgres, mongo or memory")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "MongoDB connection URI")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.ControlSocket, "control-socket", cfg.ControlSocket, "management unix socket path, empty to disable")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if cfg.SendQueue <= 0 {
		return nil, fmt.Errorf("send queue must be positive, got %d", cfg.SendQueue)
	}
	return cfg, nil
}
