package local

import (
	"log/slog"
)

const DefaultImage = "ghcr.io/dask/dask:latest"

type Config struct {
	// Logger to use
	Logger *slog.Logger
	// Image of the node containers, which must provide a shell and Python with dask[distributed]
	Image string `json:"image"`
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Image == "" {
		c.Image = DefaultImage
	}
	return c
}
