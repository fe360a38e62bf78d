// Package config reads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/halunken-hans/OpenApprove-sub000/internal/blob"
)

// Config carries everything the binaries need to wire stores, blobs and the
// HTTP surface.
type Config struct {
	DatabaseURL  string
	StoreBackend string // "postgres" or "memory"

	Blob blob.Config

	SessionSecret string
	ServicePort   string
	LogLevel      string
}

// Load reads the environment. A missing .env file is fine; a present but
// unreadable one is not.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StoreBackend: getenv("STORE_BACKEND", "postgres"),
		Blob: blob.Config{
			Backend: getenv("BLOB_BACKEND", "filesystem"),
			Root:    getenv("BLOB_ROOT", "./blobs"),
			Bucket:  os.Getenv("S3_BUCKET"),
			Prefix:  os.Getenv("S3_PREFIX"),
			Region:  os.Getenv("S3_REGION"),
		},
		SessionSecret: os.Getenv("SESSION_SECRET"),
		ServicePort:   getenv("SERVICE_PORT", "8080"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required with STORE_BACKEND=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_BACKEND: %q", c.StoreBackend)
	}
	switch c.Blob.Backend {
	case "filesystem", "memory", "s3":
	default:
		return fmt.Errorf("unknown BLOB_BACKEND: %q", c.Blob.Backend)
	}
	if c.Blob.Backend == "s3" && c.Blob.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required with BLOB_BACKEND=s3")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
