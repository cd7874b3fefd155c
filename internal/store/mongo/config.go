package mongo

import (
	"errors"
	"time"
)

// Config is the configuration for creating a Client instance.
type Config struct {
	ConnectionURI     string
	Database          string
	Collection        string
	ConnectionTimeout time.Duration
}

// Validate returns an error if the provided Config is invalidated.
func (c *Config) Validate() error {
	if c.ConnectionURI == "" {
		return errors.New("mongo connection uri is required")
	}
	if c.Database == "" || c.Collection == "" {
		return errors.New("mongo database and collection are required")
	}
	if c.ConnectionTimeout <= 0 {
		return errors.New("mongo connection timeout must be positive")
	}

	return nil
}
