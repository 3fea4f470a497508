package main

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/zap"

	"github.com/vikashloomba/tool-gateway-go/pkg/connmgr"
	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
	"github.com/vikashloomba/tool-gateway-go/pkg/router"
)

// runtime is the wired gateway core shared by the commands.
type runtime struct {
	zap      *zap.Logger
	logger   *slog.Logger
	registry *registry.Registry
	manager  *connmgr.Manager
	router   *router.Router
}

func (o *Options) logger() (*zap.Logger, *slog.Logger, error) {
	zl, logger, err := newLogger(o.LogEnv, o.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return zl, logger, nil
}

func (o *Options) open(ctx context.Context) (*runtime, error) {
	zl, logger, err := o.logger()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Load(ctx, o.Config, &registry.Options{Logger: logger})
	if err != nil {
		_ = zl.Sync()
		return nil, err
	}
	maxRetries := o.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	mgr := connmgr.New(&connmgr.Options{
		MaxRetries:  maxRetries,
		CallTimeout: o.CallTimeout,
		IdleTimeout: o.IdleTimeout,
		Logger:      logger.With("component", "connmgr"),
	})
	rt := router.New(reg, mgr, &router.Options{
		BreakerTimeout:   o.BreakerTimeout,
		NegativeCacheTTL: o.NegativeTTL,
		Logger:           logger.With("component", "router"),
	})
	return &runtime{zap: zl, logger: logger, registry: reg, manager: mgr, router: rt}, nil
}

func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.manager.Close(ctx); err != nil {
		r.logger.Warn("closing connections", "error", err)
	}
	_ = r.zap.Sync()
}
