// Package backend wires the storage and workspace collaborators shared by
// the API server and the dispatch worker.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/blobstore"
	"github.com/lzjever/crawlhub/internal/filetree"
	"github.com/lzjever/crawlhub/internal/localws"
	"github.com/lzjever/crawlhub/internal/orchestrator"
	"github.com/lzjever/crawlhub/internal/provider"
	"github.com/lzjever/crawlhub/internal/store"
)

type Config struct {
	DBDSN      string `envconfig:"CRAWLHUB_DB_DSN" required:"true"`
	DBMaxConns int32  `envconfig:"CRAWLHUB_DB_MAX_CONNS" default:"10"`

	// Provider selects the workspace backend: "http" for the remote
	// provider, "local" for directories under LocalRoot.
	Provider        string        `envconfig:"CRAWLHUB_PROVIDER" default:"http"`
	ProviderTimeout time.Duration `envconfig:"CRAWLHUB_PROVIDER_TIMEOUT" default:"15s"`
	provider.HTTPConfig
	LocalRoot   string        `envconfig:"CRAWLHUB_LOCAL_ROOT" default:"/var/lib/crawlhub/workspaces"`
	LocalWarmup time.Duration `envconfig:"CRAWLHUB_LOCAL_WARMUP" default:"3s"`
	LocalURL    string        `envconfig:"CRAWLHUB_LOCAL_URL"`

	// Blobs is "minio" or "memory". Memory only works when the API and the
	// worker share a process, so it is for tests and demos.
	Blobs string `envconfig:"CRAWLHUB_BLOBS" default:"minio"`
	blobstore.MinioConfig
}

// Backend owns the pool and the orchestrator built on it.
type Backend struct {
	Orchestrator *orchestrator.Orchestrator
	close        []func()
}

// Open connects to PostgreSQL, applies migrations and builds the
// orchestrator. Close releases everything Open acquired.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Backend, error) {
	b := &Backend{}
	pool, err := store.NewPool(ctx, cfg.DBDSN, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	b.close = append(b.close, pool.Close)
	if err := store.Migrate(ctx, pool); err != nil {
		b.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	blobs, err := openBlobs(ctx, cfg, log)
	if err != nil {
		b.Close()
		return nil, err
	}
	pc, tree, err := openProvider(cfg, log)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.Orchestrator = orchestrator.New(store.NewPG(pool), pc, tree, blobs,
		orchestrator.Options{ProviderTimeout: cfg.ProviderTimeout}, log)
	b.close = append(b.close, b.Orchestrator.Close)
	return b, nil
}

func (b *Backend) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
	b.close = nil
}

func openBlobs(ctx context.Context, cfg Config, log *zap.Logger) (blobstore.Store, error) {
	switch cfg.Blobs {
	case "memory":
		log.Warn("using in-memory archive store; archives are lost on restart")
		return blobstore.NewMemory(), nil
	case "minio", "":
		m, err := blobstore.NewMinio(ctx, cfg.MinioConfig, log)
		if err != nil {
			return nil, fmt.Errorf("archive store: %w", err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown archive store %q", cfg.Blobs)
}

func openProvider(cfg Config, log *zap.Logger) (provider.Client, filetree.Tree, error) {
	switch cfg.Provider {
	case "local":
		layout := localws.Layout{Root: cfg.LocalRoot, Log: log.With(zap.String("component", "localws"))}
		return provider.NewLocal(layout, cfg.LocalWarmup, cfg.LocalURL), filetree.NewLocal(layout), nil
	case "http", "":
		if cfg.BaseURL == "" {
			return nil, nil, fmt.Errorf("CRAWLHUB_PROVIDER_URL is required for the http provider")
		}
		hc := &http.Client{Timeout: 5 * time.Minute}
		return provider.NewHTTPClient(cfg.HTTPConfig, hc), filetree.NewHTTPTree(cfg.BaseURL, cfg.Token, hc), nil
	}
	return nil, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}
