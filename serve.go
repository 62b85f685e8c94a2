package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// runCommand keeps the token fresh until interrupted, optionally serving
// the HTTP trigger.
type runCommand struct {
	Listen   string `long:"listen" env:"LISTEN_ADDR" description:"serve the HTTP trigger on this address (e.g. :8080)"`
	Gops     bool   `long:"gops" env:"GOPS" description:"start the gops diagnostics agent"`
	GopsAddr string `long:"gops-addr" env:"GOPS_ADDR" default:"127.0.0.1:0" description:"gops agent listen address"`

	opts *Options
}

func (c *runCommand) Execute(_ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.run(ctx)
}

func (c *runCommand) run(ctx context.Context) error {
	log, err := c.opts.logger(false)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := c.opts.build(ctx, log, nil)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.close()

	if c.Gops {
		if err := agent.Listen(agent.Options{Addr: c.GopsAddr}); err != nil {
			return configError("gops agent: %w", err)
		}
		defer agent.Close()
		log.Info("gops agent started", zap.String("addr", c.GopsAddr))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.coord.RunMaintenanceLoop(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if c.Listen != "" {
		srv := &http.Server{
			Addr:              c.Listen,
			Handler:           newRouter(a.coord, a.store, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("HTTP trigger listening", zap.String("addr", c.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return configError("listen %s: %w", c.Listen, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	log.Info("stopped")
	return err
}
