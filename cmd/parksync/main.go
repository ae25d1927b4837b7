package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aguerosoft/parksync/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("config load failed, %v", err))
	}

	logger := newLogger(cfg.Debug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, closeStores, err := buildEngine(ctx, cfg, defaultSyncFactories(), logger)
	if err != nil {
		panic(fmt.Sprintf("store connect failed, %v", err))
	}
	defer closeStores()

	go func() {
		err := runHTTPServer(ctx, httpOpts{
			addr:   cfg.HTTP.Addr,
			engine: e,
			cfg:    cfg,
			onListen: func(addr string) {
				logger.Info("status server listening", "addr", addr)
			},
		})
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server stopped", "error", err.Error())
		}
	}()

	if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
