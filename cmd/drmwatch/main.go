// Command drmwatch subscribes to DRM dataIds and prints every value change.
package main

import (
	"context"
	"drm-client/client"
	"drm-client/config"
	"drm-client/regmanager"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "drmwatch:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "drmwatch [flags] dataId...",
		Short:         "drmwatch subscribes to DRM data and prints value changes",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.MinimumNArgs(1),
		Example: `
  # Watch two keys from a fixed server list
  drmwatch --static-endpoints 10.0.0.1:9880 limit.max feature.flag

  # Discover servers through etcd, fall back to the REST list
  DRM_ETCD_ENDPOINTS=10.0.0.5:2379 DRM_DISCOVERY_FALLBACK_URL=http://drm.internal/ drmwatch limit.max
`,
	}
	flags := cmd.Flags()
	config.RegisterFlags(flags)
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper(flags)
		if err != nil {
			return err
		}
		opts, err := config.FromViper(v, "")
		if err != nil {
			return err
		}
		logger, err := newLogger(v.GetString("log-level"))
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, opts, args, v.GetString("metrics-listen"), logger)
	}
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(ctx context.Context, opts config.Options, dataIDs []string, metricsAddr string, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	c, err := client.New(opts, client.WithLogger(logger), client.WithRegisterer(registry))
	if err != nil {
		return err
	}
	defer c.Close()

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	for _, id := range dataIDs {
		id = strings.TrimSpace(id)
		if _, err := c.Subscribe(regmanager.Subscription{DataID: id}, func(value any) {
			fmt.Printf("%s %s=%v\n", time.Now().Format(time.RFC3339), id, value)
		}); err != nil {
			return err
		}
	}

	initCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	err = c.Init(initCtx)
	cancel()
	if err != nil {
		// Print what the local cache restored before giving up
		logger.Warn("init failed", zap.Error(err))
		for _, id := range dataIDs {
			if raw, ok := c.GetRaw(id); ok {
				fmt.Printf("%s %s=%s (%s)\n", time.Now().Format(time.RFC3339), id, raw, c.Source(id))
			}
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-c.Errors():
			if !ok {
				return nil
			}
			logger.Warn("drm error", zap.Error(err))
		}
	}
}
