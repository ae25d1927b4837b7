package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aguerosoft/parksync/config"
	"github.com/aguerosoft/parksync/internal/engine"
	"github.com/aguerosoft/parksync/internal/pricing"
	"github.com/aguerosoft/parksync/internal/storage"
	"github.com/aguerosoft/parksync/internal/storage/mongostore"
)

type syncFactories struct {
	newLocalStore  func(ctx context.Context, cfg *config.Config) (store storage.Store, closeFn func(), err error)
	newRemoteStore func(ctx context.Context, cfg *config.Config) (store storage.Store, closeFn func(), err error)
}

func defaultSyncFactories() syncFactories {
	return syncFactories{
		newLocalStore: func(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
			st, err := mongostore.New(ctx, cfg.Local.URI, cfg.Local.Database)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newRemoteStore: func(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
			st, err := mongostore.New(ctx, cfg.Remote.URI, cfg.Remote.Database)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func buildEngine(ctx context.Context, cfg *config.Config, f syncFactories, logger *slog.Logger) (*engine.Engine, func(), error) {
	local, closeLocal, err := f.newLocalStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	remote, closeRemote, err := f.newRemoteStore(ctx, cfg)
	if err != nil {
		if closeLocal != nil {
			closeLocal()
		}
		return nil, nil, err
	}
	closeAll := func() {
		if closeRemote != nil {
			closeRemote()
		}
		if closeLocal != nil {
			closeLocal()
		}
	}

	prices := pricing.New(
		cfg.Prices.CashURL,
		cfg.Prices.OtherURL,
		cfg.Prices.CacheFile,
		time.Duration(cfg.Prices.TTLSeconds)*time.Second,
		time.Duration(cfg.Prices.TimeoutSeconds)*time.Second,
		local,
	)

	e := engine.New(local, remote,
		storage.NewOutboxRepo(local),
		storage.NewWatermarkRepo(local),
		prices, logger).
		WithSettings(
			time.Duration(cfg.Sync.IntervalSeconds)*time.Second,
			time.Duration(cfg.Sync.PingTimeoutSeconds)*time.Second,
			cfg.Sync.PullBatchSize,
			cfg.Sync.OutboxBatchSize,
			cfg.Sync.MaxRetries,
			time.Duration(cfg.Sync.OutboxRetentionHours)*time.Hour,
		).
		WithResources(cfg.Sync.Resources, cfg.Sync.DenyResources).
		WithPushDisabled(cfg.Sync.PushDisabled)

	return e, closeAll, nil
}
