package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Sentinel errors for migrator configuration.
var (
	// ErrDatabaseURLEmpty is returned when DATABASE_URL is not set.
	ErrDatabaseURLEmpty = errors.New("DATABASE_URL cannot be empty")

	// ErrMigrationTableEmpty is returned when the migration table name is empty.
	ErrMigrationTableEmpty = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table used to track applied migrations.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String returns a representation of the configuration safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// maskDatabaseURL masks the password portion of a database URL for logging.
func maskDatabaseURL(url string) string {
	schemeEnd := strings.Index(url, "://")
	if schemeEnd == -1 {
		return url
	}

	afterScheme := url[schemeEnd+3:]

	atIndex := strings.LastIndex(afterScheme, "@")
	if atIndex == -1 {
		return url
	}

	userInfo := afterScheme[:atIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 || colonIndex == len(userInfo)-1 {
		return url
	}

	return url[:schemeEnd+3] + userInfo[:colonIndex] + ":***" + afterScheme[atIndex:]
}
