package blob

import (
	"context"
	"fmt"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend string // "memory", "filesystem" or "s3"
	Root    string // filesystem only
	Bucket  string // s3 only
	Prefix  string // s3 only
	Region  string // s3 only
}

// New builds the blob store the config names.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "filesystem":
		return NewFilesystem(cfg.Root)
	case "s3":
		return NewS3(ctx, cfg.Bucket, cfg.Prefix, cfg.Region)
	default:
		return nil, fmt.Errorf("unknown blob backend: %q", cfg.Backend)
	}
}
