// Command dcollector watches a directory for completed files and publishes
// their CSV-converted contents to a Kafka topic.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//
// Signals: SIGINT and SIGTERM interrupt the run, SIGUSR1 asks it to stop
// after the current poll. Both wait for in-flight files to finish.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"dcollector/internal/collector"
	"dcollector/internal/config"
	"dcollector/internal/logging"
	"dcollector/internal/metrics"
	"dcollector/internal/pipeline"
	"dcollector/internal/producer"
	"dcollector/internal/publish"
	"dcollector/internal/staging"
	"dcollector/internal/watcher"
)

var version = "dev"

type options struct {
	configFile      string
	logLevel        string
	logFormat       string
	logFile         string
	componentLevels map[string]string
	partition       int32
	skipConversion  bool
	topic           string
	datatype        string
	metricsAddr     string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "dcollector -t <pipeline> --topic <topic>",
		Short: "Publish converted files to a Kafka topic",
		Long: "dcollector watches a directory for new files, converts each one to comma-separated\n" +
			"text, splits it into segments that fit the broker's request size and publishes them.\n" +
			"Segments the broker does not accept are kept in a local staging area.",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var partition *int32
			if cmd.Flags().Changed("partition") {
				if opts.partition < 0 {
					return fmt.Errorf("partition must be non-negative, got %d", opts.partition)
				}
				partition = &opts.partition
			}
			return run(cmd.Context(), opts, partition, cmd.ErrOrStderr())
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.configFile, "config-file", "c", "", "path of configuration file (default ~/"+config.DefaultFileName+")")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "info", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to a rotated file instead of stderr")
	flags.StringToStringVar(&opts.componentLevels, "component-log-level", nil, "per-component log level, e.g. producer=warn")
	flags.Int32VarP(&opts.partition, "partition", "p", 0, "publish every segment to this partition")
	flags.BoolVarP(&opts.skipConversion, "skip-conversion", "s", false, "publish files as-is; useful for importing CSV files")
	flags.StringVar(&opts.topic, "topic", "", "topic the segments are published to")
	flags.StringVarP(&opts.datatype, "type", "t", "", "type of data collected; selects the pipeline entry in the config file")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. localhost:9464)")
	_ = rootCmd.MarkFlagRequired("topic")
	_ = rootCmd.MarkFlagRequired("type")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	pipelinesCmd := &cobra.Command{
		Use:   "pipelines",
		Short: "List the built-in converters",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range pipeline.Default().Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}

	rootCmd.AddCommand(versionCmd, pipelinesCmd)
	return rootCmd
}

func run(ctx context.Context, opts options, partition *int32, stderr io.Writer) error {
	out := logging.Output(opts.logFile, stderr)
	defer func() { _ = out.Close() }()

	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger, filter, err := logging.New(out, level, opts.logFormat)
	if err != nil {
		return err
	}
	for component, name := range opts.componentLevels {
		l, err := logging.ParseLevel(name)
		if err != nil {
			return fmt.Errorf("component %s: %w", component, err)
		}
		filter.SetLevel(component, l)
	}

	c, cleanup, err := setup(opts, partition, logger)
	if err != nil {
		logger.Error("failed to initialize collector", "error", err)
		return err
	}
	defer cleanup()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-usr1:
			logger.Info("received SIGUSR1")
			c.Kill()
		case <-stopped:
		}
	}()

	if err := c.Start(ctx); err != nil {
		logger.Error("collector failed", "error", err)
		return err
	}
	return nil
}

// setup loads configuration and wires the collector. cleanup stops the
// metrics server, if any.
func setup(opts options, partition *int32, logger *slog.Logger) (*collector.Collector, func(), error) {
	path := opts.configFile
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, nil, err
		}
		path = p
	}
	cfg, err := config.Load(path, opts.datatype)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pl, err := pipeline.Default().Get(cfg.Converter)
	if err != nil {
		return nil, nil, err
	}

	runID := uuid.Must(uuid.NewV7()).String()
	m := metrics.New(opts.datatype)

	cleanup := func() {}
	if opts.metricsAddr != "" {
		srv := metrics.NewServer(opts.metricsAddr, m, logger)
		if err := srv.Start(); err != nil {
			return nil, nil, err
		}
		cleanup = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(ctx)
		}
	}

	src, err := watcher.New(watcher.Config{
		Path:         cfg.FileWatcher.Path,
		Recursive:    cfg.FileWatcher.Recursive,
		Patterns:     cfg.FileWatcher.SupportedFiles,
		Settle:       cfg.FileWatcher.Settle.Duration(),
		ScanExisting: cfg.FileWatcher.ScanExisting,
		Logger:       logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	factory := producer.NewFactory()
	c, err := collector.New(collector.Config{
		Datatype: opts.datatype,
		Topic:    opts.topic,
		RunID:    runID,
		Source:   src,
		NewHandler: func(root *staging.Root) (collector.Handler, error) {
			p, err := publish.New(publish.Config{
				Root:              root,
				Datatype:          opts.datatype,
				Pipeline:          pl,
				Topic:             opts.topic,
				ProcessOpts:       cfg.ProcessOpts,
				Partition:         partition,
				SkipConversion:    opts.skipConversion,
				ConversionTimeout: cfg.ConversionTimeout.Duration(),
				ProducerParams:    cfg.Producer,
				ProducerFactory:   factory,
				RunID:             runID,
				Metrics:           m,
				Logger:            logger,
			})
			if err != nil {
				return nil, err
			}
			return p.Publish, nil
		},
		LocalStaging: cfg.LocalStaging,
		Workers:      cfg.Processes,
		Interval:     cfg.Interval.Duration(),
		RetainStaged: cfg.RetainStaged,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return c, cleanup, nil
}
