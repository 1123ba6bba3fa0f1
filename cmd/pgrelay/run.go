package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pgrelay/pgrelay/pkg/config"
	"github.com/pgrelay/pgrelay/pkg/metrics"
	"github.com/pgrelay/pgrelay/pkg/offset"
	"github.com/pgrelay/pgrelay/pkg/pipeline"
	"github.com/pgrelay/pgrelay/pkg/sink"
	"github.com/pgrelay/pgrelay/pkg/source"
	"github.com/pgrelay/pgrelay/pkg/transform"

	// Register built-in sink connectors
	_ "github.com/pgrelay/pgrelay/pkg/sink/clickhouse"
	_ "github.com/pgrelay/pgrelay/pkg/sink/debug"
	_ "github.com/pgrelay/pgrelay/pkg/sink/kafka"
	_ "github.com/pgrelay/pgrelay/pkg/sink/mqtt"
	_ "github.com/pgrelay/pgrelay/pkg/sink/nats"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture pipeline",
	Long:  `Run the capture pipeline: replicate row changes from PostgreSQL to the configured sinks.`,
	RunE:  runPipeline,
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a fresh run ID ties together log lines across restarts of the same
	// connector name
	logger = logger.With(
		zap.String("connector", cfg.Name),
		zap.String("runID", uuid.NewString()))
	logger.Info("starting connector", zap.String("version", config.Version))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr})
	}

	offsets, err := openOffsets(cfg.Offsets)
	if err != nil {
		return err
	}
	defer offsets.Close()

	sinks, err := connectSinks(cfg.Sinks)
	if err != nil {
		return err
	}
	defer func() {
		for _, ns := range sinks {
			if err := ns.Sink.Close(); err != nil {
				logger.Warn("sink close failed", zap.String("sink", ns.Name), zap.Error(err))
			}
		}
	}()

	chain, err := buildTransform(cfg)
	if err != nil {
		return err
	}

	src := source.NewPostgres(cfg.Source, offsets, logger.Named("source"))

	coord, err := pipeline.New(src, pipeline.Options{
		Transform:    chain,
		Offsets:      offsets,
		Sinks:        sinks,
		Retry:        cfg.Retry,
		DrainTimeout: 10 * time.Second,
		Logger:       logger.Named("pipeline"),
	})
	if err != nil {
		return err
	}

	// surface partition faults for operator visibility
	go func() {
		for fault := range coord.Faults() {
			logger.Error("partition fault",
				zap.String("partition", fault.Partition),
				zap.Error(fault.Err))
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- coord.Run(ctx)
	}()

	select {
	case <-sigChan:
		logger.Info("received termination signal, shutting down gracefully")
		cancel()
		err = <-runErr
	case err = <-runErr:
	}

	// the metrics server shuts down on context cancellation; cancel on both
	// exit paths before waiting on it
	cancel()
	wg.Wait()
	return err
}

func openOffsets(cfg config.OffsetsConfig) (offset.Store, error) {
	switch cfg.Backend {
	case offset.BackendMemory:
		logger.Warn("using in-memory offsets: positions are lost on restart")
		return offset.NewMemory(), nil
	case offset.BackendPebble, "":
		return offset.OpenPebble(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown offsets backend: %s", cfg.Backend)
	}
}

func connectSinks(specs []config.SinkConfig) ([]pipeline.NamedSink, error) {
	var sinks []pipeline.NamedSink
	for _, spec := range specs {
		s, err := sink.New(spec.Connector)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", spec.Name, err)
		}

		raw, err := json.Marshal(spec.Config)
		if err != nil {
			return nil, fmt.Errorf("sink %s config: %w", spec.Name, err)
		}
		if err := s.Connect(raw); err != nil {
			return nil, fmt.Errorf("sink %s connect: %w", spec.Name, err)
		}

		logger.Info("sink connected",
			zap.String("name", spec.Name),
			zap.String("connector", spec.Connector))
		sinks = append(sinks, pipeline.NamedSink{Name: spec.Name, Sink: s})
	}
	return sinks, nil
}

func buildTransform(cfg *config.Config) (transform.Func, error) {
	predicates, err := transform.BuildPredicates(cfg.Predicates)
	if err != nil {
		return nil, err
	}

	registry := transform.NewRegistry()
	registry.RegisterBuiltins()

	var funcs []transform.Func
	for _, spec := range cfg.Transforms {
		fn, err := transform.Build(registry, spec, predicates, cfg.TopicPrefix)
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, fn)
	}
	return transform.Chain(cfg.TopicPrefix, funcs...), nil
}
