package main

import (
	"io/ioutil"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/openfund/fundd/pkg/cache"
	"github.com/openfund/fundd/pkg/db"
	"github.com/openfund/fundd/pkg/events"
)

type Config struct {
	// Server is the web server configuration
	Server Server `toml:"server"`
	// Log is the optional logging configuration
	Log Log `toml:"log"`
	// Database configuration
	Database db.Config `toml:"database"`
	// Cache is the optional Redis snapshot cache
	Cache *cache.Config `toml:"cache"`
	// Events is the optional SQS refund event publisher
	Events *events.Config `toml:"events"`
	// Checkpoint controls the snapshot flush schedule
	Checkpoint Checkpoint `toml:"checkpoint"`
	// Registry holds campaign factory settings
	Registry Registry `toml:"registry"`
}

type Server struct {
	// BindAddress is the interface to listen on ("*" for all)
	BindAddress string `toml:"bind_address"`
	// Port to listen on
	Port int `toml:"port"`
}

type Log struct {
	// Filename to write the log to (instead of stdout)
	Filename string `toml:"filename"`
	// Debug enables verbose logging
	Debug bool `toml:"debug"`
}

type Checkpoint struct {
	// Schedule is a cron expression for snapshot flushes
	Schedule string `toml:"schedule"`
}

type Registry struct {
	// Paused blocks creation of new campaigns (existing ones keep running)
	Paused bool `toml:"paused"`
}

// LoadConfig loads TOML configuration from a file path
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file: %s", path)
	}

	config := Config{}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal toml")
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Database.Type == "" {
		c.Database.Type = databaseTypeBadger
	}

	if c.Checkpoint.Schedule == "" {
		c.Checkpoint.Schedule = "@every 1m"
	}
}

const (
	databaseTypeBadger   = "badger"
	databaseTypePostgres = "postgres"
)

func (c *Config) validate() error {
	var result *multierror.Error

	switch c.Database.Type {
	case databaseTypeBadger:
		if c.Database.Dir == "" {
			result = multierror.Append(result, errors.New("database directory is required"))
		}
	case databaseTypePostgres:
		if c.Database.PostgresURL == "" {
			result = multierror.Append(result, errors.New("postgres connection string is required"))
		}
	default:
		result = multierror.Append(result, errors.Errorf("unknown database type %q", c.Database.Type))
	}

	if c.Cache != nil && c.Cache.URL == "" {
		result = multierror.Append(result, errors.New("cache URL is required when cache is configured"))
	}

	if c.Events != nil && c.Events.QueueURL == "" {
		result = multierror.Append(result, errors.New("queue URL is required when events are configured"))
	}

	return result.ErrorOrNil()
}
