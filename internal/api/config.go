package api

import (
	"time"

	"github.com/lzjever/crawlhub/internal/backend"
)

type Config struct {
	HTTPAddr        string        `envconfig:"CRAWLHUB_HTTP_ADDR" default:"0.0.0.0:8080"`
	GRPCAddr        string        `envconfig:"CRAWLHUB_CALLBACK_ADDR" default:"0.0.0.0:9100"`
	MetricsAddr     string        `envconfig:"CRAWLHUB_METRICS_ADDR" default:"0.0.0.0:9090"`
	LogLevel        string        `envconfig:"CRAWLHUB_LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"CRAWLHUB_SHUTDOWN_TIMEOUT" default:"30s"`

	PruneInterval time.Duration `envconfig:"CRAWLHUB_PRUNE_INTERVAL" default:"1h"`
	PruneKeep     int           `envconfig:"CRAWLHUB_PRUNE_KEEP" default:"20"`

	backend.Config
}
