package worker

import (
	"time"

	"github.com/lzjever/crawlhub/internal/backend"
)

type Config struct {
	ExecutorAddr    string        `envconfig:"CRAWLHUB_EXECUTOR_ADDR" required:"true"`
	MetricsAddr     string        `envconfig:"CRAWLHUB_WORKER_METRICS_ADDR" default:"0.0.0.0:9091"`
	LogLevel        string        `envconfig:"CRAWLHUB_LOG_LEVEL" default:"info"`
	IdleBackoff     time.Duration `envconfig:"CRAWLHUB_WORKER_IDLE_BACKOFF" default:"2s"`
	DispatchTimeout time.Duration `envconfig:"CRAWLHUB_WORKER_DISPATCH_TIMEOUT" default:"30s"`
	ArchiveURLTTL   time.Duration `envconfig:"CRAWLHUB_ARCHIVE_URL_TTL" default:"1h"`

	backend.Config
}
