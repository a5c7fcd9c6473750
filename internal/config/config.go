// Package config loads process configuration from flags and environment
// variables. Flags win over the environment; the environment wins over
// defaults. A .env file in the working directory is honoured.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DBFile      string
	CacheFolder string
	LogFolder   string
	Port        int
	LogLevel    string
	DevMode     bool
}

// Load reads configuration from the environment and command-line flags.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBFile:      getEnv("HELMSMAN_DB_FILE", "./data/helmsman.db"),
		CacheFolder: getEnv("HELMSMAN_CACHE_FOLDER", "./data/cache"),
		LogFolder:   getEnv("HELMSMAN_LOG_FOLDER", "./data/logs"),
		Port:        getEnvAsInt("HELMSMAN_PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DevMode:     getEnvAsBool("DEV_MODE", false),
	}

	fs := flag.NewFlagSet("helmsman", flag.ContinueOnError)
	fs.StringVar(&cfg.DBFile, "db-file", cfg.DBFile, "path to the SQLite database file")
	fs.StringVar(&cfg.CacheFolder, "cache-folder", cfg.CacheFolder, "path to the cache directory")
	fs.StringVar(&cfg.LogFolder, "log-folder", cfg.LogFolder, "path to the log directory")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for usable values.
func (c *Config) Validate() error {
	if c.DBFile == "" {
		return fmt.Errorf("database file path is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
