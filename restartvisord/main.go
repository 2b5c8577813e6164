// Copyright 2026 The Restartvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command restartvisord runs local processes described by manifests,
// and restarts them when they crash.
//
// The flags are
//
//	-c <file>	- configuration file (YAML, JSON or TOML)
//	-a <address>	- listen address for the REST interface
//	-d <dir>	- manifest directory
//	-s <dir>	- state directory, holding the restart history
//
// Everything can also be set in the configuration file, or through
// RESTARTVISOR_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claude-mpm/restartvisor"
	"github.com/claude-mpm/restartvisor/conf"
	"github.com/claude-mpm/restartvisor/local"
	"github.com/claude-mpm/restartvisor/rest"
)

const lockName = "restartvisord.lock"

func main() {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config := fs.StringP("config", "c", "", "configuration file")
	fs.StringP("listen", "a", "", "listen address")
	fs.StringP("manifests", "d", "", "manifest directory")
	fs.StringP("state-dir", "s", "", "state directory")
	fs.Duration("poll-interval", 0, "health poll interval")
	fs.String("log-level", "", "log level")
	fs.Parse(os.Args[1:])

	c, err := conf.Load(*config, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restartvisord: %v\n", err)
		os.Exit(2)
	}
	logger, err := restartvisor.NewLogger(c.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restartvisord: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Warn("Failed to set GOMAXPROCS", zap.Error(err))
	} else {
		defer undo()
	}

	if err := run(c, logger); err != nil {
		logger.Error("Exiting", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(c *conf.Config, logger *zap.Logger) error {
	if err := os.MkdirAll(c.StateDir, 0755); err != nil {
		return err
	}
	// One daemon per state directory.
	lock := flock.New(filepath.Join(c.StateDir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another restartvisord is using %s", c.StateDir)
	}
	defer func() { _ = lock.Unlock() }()

	manifests, err := local.LoadManifests(c.ManifestDir)
	if err != nil {
		return fmt.Errorf("loading manifests: %w", err)
	}

	pm := local.NewExecProcessManager(logger.Named("process"))
	defer pm.Shutdown()
	hm := local.NewProbeHealthManager(pm, 0, logger.Named("health"))

	m, err := restartvisor.NewRestartManager(pm, hm, restartvisor.Options{
		Name:         "restartvisord",
		StateDir:     c.StateDir,
		Config:       c.Restart,
		PollInterval: c.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := m.Initialize(); err != nil {
		return err
	}
	defer m.Shutdown()

	for _, mf := range manifests {
		log := logger.With(zap.String("deployment", mf.ID))
		if err := pm.Add(mf); err != nil {
			log.Warn("Failed to add deployment", zap.Error(err))
			continue
		}
		if err := m.Register(mf.ID); err != nil {
			log.Warn("Failed to register deployment", zap.Error(err))
			continue
		}
		if err := pm.Start(mf.ID); err != nil {
			log.Warn("Failed to start deployment", zap.Error(err))
		}
		if mf.AutoRestart {
			if err := m.EnableAutoRestart(mf.ID); err != nil {
				log.Warn("Failed to enable auto-restart", zap.Error(err))
			}
		}
	}
	logger.Info("Started deployments", zap.Int("count", len(manifests)))

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           rest.NewHandler(m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", zap.String("addr", c.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		if errors.Is(err, context.DeadlineExceeded) {
			// Long polls of the log do not end by themselves.
			return srv.Close()
		}
		return err
	})
	// The restart supervisor goes first, so that stopping the
	// processes is not mistaken for crashes.
	err = g.Wait()
	m.Shutdown()
	return err
}
