package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/polyglot-token-pool/internal/config"
	"github.com/tjfontaine/polyglot-token-pool/internal/pool"
	"github.com/tjfontaine/polyglot-token-pool/internal/storage"
	"github.com/tjfontaine/polyglot-token-pool/internal/storage/memory"
	"github.com/tjfontaine/polyglot-token-pool/internal/storage/sqlite"
)

// openStore returns the configured store, or nil for storage.type none.
func openStore(cfg config.StorageConfig) (storage.TokenStore, error) {
	switch cfg.Type {
	case "sqlite":
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// buildPool creates the pool. Records found in store win over the
// configured credentials, which only seed an empty store.
func buildPool(ctx context.Context, cfg *config.Config, store storage.TokenStore, logger *slog.Logger) (*pool.Pool, error) {
	sel, err := pool.SelectorByName(cfg.Pool.Algorithm)
	if err != nil {
		return nil, err
	}
	opts := []pool.Option{
		pool.WithLogger(logger),
		pool.WithSelector(sel),
		pool.WithLimitEnforcement(cfg.Pool.EnforceLimit),
	}

	if store != nil {
		restored, err := store.LoadTokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("load tokens: %w", err)
		}
		if len(restored) > 0 {
			logger.Info("token pool restored from storage", slog.Int("tokens", len(restored)))
			return pool.New("", append(opts, pool.WithRestored(restored))...), nil
		}
	}

	creds := cfg.Credentials()
	if len(creds) == 0 {
		return nil, errors.New("no stored tokens and no credential configured")
	}

	p := pool.New(creds[0].Credential, opts...)
	if c := creds[0]; c.Limit != nil || c.Usage != nil {
		p.UpdateToken(1, tokenPatch(c))
	}
	for _, c := range creds[1:] {
		p.AddTokenWith(c.Credential, tokenPatch(c))
	}
	logger.Info("token pool seeded from config", slog.Int("tokens", len(creds)))
	return p, nil
}

func tokenPatch(c config.TokenConfig) pool.TokenPatch {
	return pool.TokenPatch{Limit: c.Limit, Usage: c.Usage}
}
