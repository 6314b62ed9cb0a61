package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/portrelay/internal/api"
	"github.com/die-net/portrelay/internal/config"
	"github.com/die-net/portrelay/internal/dialer"
	"github.com/die-net/portrelay/internal/logging"
	"github.com/die-net/portrelay/internal/proxy"
	"github.com/die-net/portrelay/internal/registry"
	"github.com/die-net/portrelay/internal/store"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if settings.ShowVersion {
		fmt.Println("portrelay", version)
		return nil
	}

	log, err := logging.New(settings.LogLevel, settings.LogFormat, os.Stderr)
	if err != nil {
		return fmt.Errorf("invalid --log-level or --log-format: %w", err)
	}

	ka, err := settings.KeepAlive()
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	dialCfg := dialer.Config{
		DialTimeout:        settings.DialTimeout,
		NegotiationTimeout: settings.NegotiationTimeout,
		KeepAlive:          ka,
		SSHKeyPath:         settings.SSHKey,
		SSHKnownHostsPath:  settings.SSHKnownHosts,
		Logger:             log,
	}
	d, err := dialer.New(dialCfg, settings.Upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if settings.DebugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		debugLn, err := proxy.ListenTCP(ctx, "tcp", settings.DebugListen, ka)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Infof("debug listening on %s", settings.DebugListen)
	}

	manager := proxy.NewManager(ctx, proxy.Config{
		ListenHost: settings.ListenHost,
		KeepAlive:  ka,
		Dialer:     d,
		Logger:     log,
	})
	defer manager.Close()

	reg := registry.New(registry.Config{
		Store:        store.NewFileStore(settings.ConfigFile, log),
		Listeners:    manager,
		StopOnRemove: settings.StopOnRemove,
		Logger:       log,
	})
	reg.StartAll()

	apiLn, err := proxy.ListenTCP(ctx, "tcp", settings.APIListen, ka)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	apiSrv := &http.Server{
		Handler: api.New(api.Config{
			Registry: reg,
			Metrics:  manager,
			Version:  version,
			Logger:   log,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiSrv.Shutdown(sctx)
	})

	g.Go(func() error {
		if err := apiSrv.Serve(apiLn); err != nil {
			return fmt.Errorf("api serve: %w", err)
		}
		return nil
	})
	log.WithFields(logrus.Fields{
		"addr":     apiLn.Addr().String(),
		"upstream": dialer.Describe(d),
		"config":   settings.ConfigFile,
	}).Info("control API listening")

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	if cerr := manager.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
