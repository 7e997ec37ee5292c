// httpfs mounts a single remote HTTP resource as a local read-only file.
//
//	httpfs [flags] MOUNT_POINT URL
//
// The mount point gains one file whose contents are fetched on demand
// with HTTP Range requests. Sequential readers get pipelined prefetch;
// random readers get direct ranged fetches. Servers without range
// support fall back to a single sequential stream.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/httpfs/httpfs/internal/config"
	"github.com/httpfs/httpfs/internal/engine"
	"github.com/httpfs/httpfs/internal/fuse"
	"github.com/httpfs/httpfs/internal/metrics"
	"github.com/httpfs/httpfs/internal/resource"
	"github.com/httpfs/httpfs/pkg/errors"
	"github.com/httpfs/httpfs/pkg/retry"
	"github.com/httpfs/httpfs/pkg/utils"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		var fsErr *errors.HTTPFSError
		if stderrors.As(err, &fsErr) {
			fmt.Fprintf(os.Stderr, "error: %s\n", fsErr.UserFacingMessage())
			fmt.Fprintf(os.Stderr, "detail: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("httpfs", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML configuration file")
	logLevel := flagSet.String("log-level", "", "log level (debug, info, warn, error)")
	logFile := flagSet.String("log-file", "", "write logs to this file instead of stderr")
	metricsPort := flagSet.Int("metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	headers := flagSet.StringArray("header", nil, "extra request header as \"Name: Value\" (repeatable)")
	fileName := flagSet.String("file-name", "", "name of the exposed file (default: URL basename)")
	allowOther := flagSet.Bool("allow-other", false, "allow other users to access the mount")
	allowRoot := flagSet.Bool("allow-root", false, "allow root to access the mount")
	autoUnmount := flagSet.Bool("auto-unmount", false, "unmount automatically when the process exits")
	chunkSize := flagSet.String("chunk-size", "", "fetch granularity, e.g. 1MB")
	windowSize := flagSet.String("window-size", "", "prefetch window for sequential reads, e.g. 8MB")
	cacheSize := flagSet.String("cache-size", "", "cache capacity, e.g. 256MB")
	maxConcurrent := flagSet.Int("max-concurrent", 0, "maximum parallel fetches")
	showVersion := flagSet.BoolP("version", "V", false, "print version and exit")
	flagSet.BoolP("help", "h", false, "show help")

	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: httpfs [flags] MOUNT_POINT URL\n\nFlags:\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		flagSet.Usage()
		return nil
	}
	if *showVersion {
		fmt.Printf("httpfs %s\n", version)
		return nil
	}

	args := flagSet.Args()
	if len(args) != 2 {
		flagSet.Usage()
		return fmt.Errorf("expected MOUNT_POINT and URL arguments, got %d", len(args))
	}

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}

	cfg.Mount.MountPoint = args[0]
	cfg.Remote.URL = args[1]
	if flagSet.Changed("log-level") {
		cfg.Global.LogLevel = *logLevel
	}
	if flagSet.Changed("log-file") {
		cfg.Global.LogFile = *logFile
	}
	if flagSet.Changed("metrics-port") {
		cfg.Global.MetricsPort = *metricsPort
	}
	if flagSet.Changed("header") {
		cfg.Remote.Headers = append(cfg.Remote.Headers, *headers...)
	}
	if flagSet.Changed("file-name") {
		cfg.Mount.FileName = *fileName
	}
	if flagSet.Changed("allow-other") {
		cfg.Mount.AllowOther = *allowOther
	}
	if flagSet.Changed("allow-root") {
		cfg.Mount.AllowRoot = *allowRoot
	}
	if flagSet.Changed("auto-unmount") {
		cfg.Mount.AutoUnmount = *autoUnmount
	}
	if flagSet.Changed("chunk-size") {
		cfg.Engine.ChunkSize = *chunkSize
	}
	if flagSet.Changed("window-size") {
		cfg.Engine.WindowSize = *windowSize
	}
	if flagSet.Changed("cache-size") {
		cfg.Engine.CacheSize = *cacheSize
	}
	if flagSet.Changed("max-concurrent") {
		cfg.Engine.MaxConcurrent = *maxConcurrent
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := utils.SetupLogging(cfg.Global.LogLevel, cfg.Global.LogFile); err != nil {
		return err
	}

	return mount(cfg)
}

func mount(cfg *config.Configuration) error {
	logger := slog.Default()

	requestHeaders, err := resource.ParseHeaderLines(cfg.Remote.Headers)
	if err != nil {
		return err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: cfg.Remote.ConnectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: cfg.Remote.ReadTimeout,
			MaxIdleConnsPerHost:   cfg.Engine.MaxConcurrent + 1,
		},
	}

	collector := metrics.NewCollector()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Global.MetricsPort > 0 {
		go func() {
			if err := collector.Serve(ctx, cfg.Global.MetricsPort); err != nil {
				logger.Warn("metrics endpoint stopped", "error", err)
			}
		}()
	}

	desc, err := resource.Discover(ctx, httpClient, cfg.Remote.URL, requestHeaders)
	if err != nil {
		return err
	}
	if cfg.Mount.FileName != "" {
		desc.FileName = cfg.Mount.FileName
	}

	opts, err := engineOptions(cfg, httpClient, collector)
	if err != nil {
		return err
	}
	eng := engine.New(desc, opts)
	defer eng.Close()

	fsys := fuse.NewFileSystem(eng, &fuse.Config{
		FileName:    desc.FileName,
		AttrTimeout: cfg.Mount.AttrTimeout,
	})
	manager := fuse.NewMountManager(fsys, &fuse.MountConfig{
		MountPoint:  cfg.Mount.MountPoint,
		AllowOther:  cfg.Mount.AllowOther,
		AllowRoot:   cfg.Mount.AllowRoot,
		AutoUnmount: cfg.Mount.AutoUnmount,
		AttrTimeout: cfg.Mount.AttrTimeout,
	})

	if err := manager.Mount(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := manager.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	manager.Wait()
	return nil
}

func engineOptions(cfg *config.Configuration, httpClient *http.Client, collector *metrics.Collector) (engine.Options, error) {
	var opts engine.Options
	var err error

	if opts.ChunkSize, err = cfg.ChunkSizeBytes(); err != nil {
		return opts, err
	}
	if opts.WindowSize, err = cfg.WindowSizeBytes(); err != nil {
		return opts, err
	}
	if opts.BackwardSlack, err = cfg.BackwardSlackBytes(); err != nil {
		return opts, err
	}
	if opts.ForwardSlack, err = cfg.ForwardSlackBytes(); err != nil {
		return opts, err
	}
	if opts.EvictMargin, err = cfg.EvictMarginBytes(); err != nil {
		return opts, err
	}
	if opts.CacheSize, err = cfg.CacheSizeBytes(); err != nil {
		return opts, err
	}
	opts.MaxConcurrent = cfg.Engine.MaxConcurrent
	opts.Retry = retry.Config{
		MaxAttempts:  cfg.Remote.Retry.MaxAttempts,
		InitialDelay: cfg.Remote.Retry.InitialDelay,
		MaxDelay:     cfg.Remote.Retry.MaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}
	opts.HTTPClient = httpClient
	opts.Metrics = collector
	return opts, nil
}
