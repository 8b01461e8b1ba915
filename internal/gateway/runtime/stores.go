package runtime

import (
	"context"
	"fmt"
	"log"
	"strings"

	sourcecache "cmdforge/internal/cache/source"
	"cmdforge/internal/gateway/config"
	sourcerepo "cmdforge/internal/gateway/repository/source"
	"cmdforge/internal/registry"
)

type stores struct {
	registry registry.Store
	sources  *sourcecache.CachedStore
}

func initStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	reg, err := openRegistryStore(ctx, cfg.Registry)
	if err != nil {
		return nil, err
	}
	src, err := chooseSourceStore(cfg, newSourceS3StoreFactory(cfg))
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	return &stores{registry: reg, sources: src}, nil
}

func openRegistryStore(ctx context.Context, rc config.RegistryConfig) (registry.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(rc.Driver))
	if driver == "memory" {
		log.Printf("registry store: in-memory (nothing survives a restart)")
		return registry.NewMemoryStore(), nil
	}
	s, err := registry.OpenSQL(ctx, driver, rc.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry store: %w", err)
	}
	log.Printf("registry store: %s", driver)
	return s, nil
}

func newSourceS3StoreFactory(cfg *config.Config) func() (sourcerepo.Store, error) {
	return func() (sourcerepo.Store, error) {
		s3Cfg := sourcerepo.S3Config{
			Endpoint:  cfg.Artifact.Endpoint,
			Region:    cfg.Artifact.Region,
			AccessKey: cfg.Artifact.AccessKey,
			SecretKey: cfg.Artifact.SecretKey,
			Bucket:    cfg.Artifact.Bucket,
			Prefix:    cfg.Artifact.Prefix,
			UseSSL:    cfg.Artifact.UseSSL,
		}
		s3Store, err := sourcerepo.NewS3Store(s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize source s3 store: %w", err)
		}
		log.Printf("source store: s3 bucket=%s endpoint=%s", s3Cfg.Bucket, s3Cfg.Endpoint)
		return s3Store, nil
	}
}

func chooseSourceStore(cfg *config.Config, s3Factory func() (sourcerepo.Store, error)) (*sourcecache.CachedStore, error) {
	var origin sourcerepo.Store
	driver := strings.ToLower(strings.TrimSpace(cfg.Sources.Driver))
	switch {
	case cfg.Artifact.CanUseS3() && (driver == "s3" || driver == ""):
		s3Store, err := s3Factory()
		if err != nil {
			return nil, err
		}
		origin = s3Store
	case driver == "memory":
		origin = sourcerepo.NewMemoryStore()
	default:
		if driver == "s3" {
			log.Printf("source store: using disk fallback (s3 config incomplete)")
		}
		disk, err := sourcerepo.NewDiskStore(cfg.Sources.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize source disk store: %w", err)
		}
		origin = disk
	}
	if origin == nil {
		return nil, fmt.Errorf("source origin store is nil")
	}
	cacheCfg := sourcecache.DefaultCacheConfig()
	if cfg.Sources.CacheEntries > 0 {
		cacheCfg.BlobMaxEntries = cfg.Sources.CacheEntries
	}
	return sourcecache.NewCachedStore(origin, cacheCfg), nil
}
