package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/meridian-quant/rollgrid/internal/cache"
	"github.com/meridian-quant/rollgrid/internal/config"
	"github.com/meridian-quant/rollgrid/internal/executor"
	"github.com/meridian-quant/rollgrid/internal/loader"
	"github.com/meridian-quant/rollgrid/internal/observability"
	"github.com/meridian-quant/rollgrid/internal/portfolio"
	"github.com/meridian-quant/rollgrid/internal/rolling"
	"github.com/meridian-quant/rollgrid/internal/series"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	outPath := flag.String("out", "", "Write aggregated results to this JSON file")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Strs("files", cfg.Data.Files).
		Int("metrics", len(cfg.Engine.Metrics)).
		Str("missing_policy", cfg.Engine.MissingPolicy).
		Str("alignment", cfg.Aggregation.Alignment).
		Msg("Configuration loaded")

	// 4. Setup context with cancellation on shutdown signals.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, *outPath); err != nil {
		log.Fatal().Err(err).Msg("Run failed")
	}
	log.Info().Msg("Run complete")
}

func run(ctx context.Context, cfg *config.Config, outPath string) error {
	metrics := observability.EngineMetrics()

	// Load input series.
	inputs, err := loader.LoadFiles(ctx, cfg.Data.Files...)
	if err != nil {
		return err
	}
	metrics.GetCounter("rollgrid_series_loaded_total").Add(float64(len(inputs)))
	metrics.GetGauge("rollgrid_assets").Set(float64(len(inputs)))
	log.Info().Int("series", len(inputs)).Msg("Input data loaded")

	// Rolling engine behind the coalescing result cache.
	engine := rolling.NewEngine(cfg.MissingPolicy())
	resultCache := cache.New(cfg.Cache.Capacity)
	if cfg.Cache.SnapshotPath != "" {
		if err := resultCache.LoadSnapshot(cfg.Cache.SnapshotPath); err != nil {
			log.Warn().Err(err).Str("path", cfg.Cache.SnapshotPath).
				Msg("Cache snapshot not restored, starting cold")
		} else {
			log.Info().Int("entries", resultCache.Len()).Msg("Cache snapshot restored")
		}
	}
	compute := resultCache.Memoize(
		func(_ context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
			return engine.Compute(ts, spec)
		})

	specs, err := cfg.Specs()
	if err != nil {
		return err
	}

	// Fan the (asset, spec) grid across the worker pool.
	exec := executor.New(executor.Config{
		Workers:          cfg.Executor.Workers,
		QueueFactor:      cfg.Executor.QueueFactor,
		UnitTimeout:      cfg.UnitTimeout(),
		BatchTimeout:     cfg.BatchTimeout(),
		FailureThreshold: cfg.Executor.FailureThreshold,
	}, compute)
	workers := cfg.Executor.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	metrics.GetGauge("rollgrid_workers").Set(float64(workers))

	batch, err := exec.Run(ctx, executor.Batch{Inputs: inputs, Specs: specs})
	if err != nil {
		return err
	}
	recordBatch(metrics, resultCache, batch)

	log.Info().
		Str("run_id", batch.RunID).
		Int("total", batch.Total).
		Int("failed", batch.Failed).
		Dur("elapsed", batch.Elapsed).
		Msg("Batch complete")

	// Aggregate each spec's per-asset results into one portfolio series.
	weights, err := resolveWeights(cfg, inputs, batch.Assets)
	if err != nil {
		return err
	}
	agg := portfolio.NewAggregator(cfg.AggregatorConfig())

	aggregated := make(map[string]*portfolio.Aggregated, len(specs))
	for _, spec := range specs {
		results := batch.SuccessfulResults(spec)
		if len(results) == 0 {
			log.Warn().Stringer("spec", spec).Msg("No successful units, skipping aggregation")
			continue
		}
		out, err := agg.Aggregate(results, weights)
		if err != nil {
			return err
		}
		aggregated[spec.String()] = out
		metrics.GetGauge("rollgrid_aggregated_points").Set(float64(len(out.Points)))
		log.Info().
			Stringer("spec", spec).
			Int("assets", len(out.Assets)).
			Int("points", len(out.Points)).
			Msg("Aggregated")
	}

	if outPath != "" {
		if err := writeResults(outPath, aggregated); err != nil {
			return err
		}
		log.Info().Str("path", outPath).Msg("Results written")
	}

	if cfg.Cache.SnapshotPath != "" {
		if err := resultCache.SaveSnapshot(cfg.Cache.SnapshotPath); err != nil {
			log.Warn().Err(err).Msg("Cache snapshot not saved")
		}
	}
	if cfg.General.MetricsPath != "" {
		exporter := observability.NewPrometheusExporter(metrics)
		if err := exporter.Dump(cfg.General.MetricsPath); err != nil {
			log.Warn().Err(err).Msg("Metrics dump failed")
		}
	}
	return nil
}

// resolveWeights picks the weighting scheme for aggregation: an explicit
// static map, market-value weights derived from a portfolio file, or equal
// weights over the batch assets.
func resolveWeights(cfg *config.Config, inputs map[string]*series.TimeSeries, assets []string) (*portfolio.Weights, error) {
	switch {
	case len(cfg.Aggregation.Weights) > 0:
		return portfolio.NewStaticWeights(cfg.Aggregation.Weights), nil
	case cfg.Aggregation.PortfolioFile != "":
		pf, err := portfolio.FromJSON(cfg.Aggregation.PortfolioFile)
		if err != nil {
			return nil, err
		}
		return pf.Weights(lastPrices(inputs))
	default:
		return portfolio.EqualWeights(assets), nil
	}
}

// lastPrices returns the most recent valid observation per asset.
func lastPrices(inputs map[string]*series.TimeSeries) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(inputs))
	for asset, ts := range inputs {
		points := ts.Points()
		for i := len(points) - 1; i >= 0; i-- {
			if points[i].Flag == series.FlagValid {
				prices[asset] = decimal.NewFromFloat(points[i].V)
				break
			}
		}
	}
	return prices
}

func recordBatch(metrics *observability.Registry, c *cache.Cache, batch *executor.BatchResult) {
	metrics.GetCounter("rollgrid_batches_total").Inc()
	metrics.GetCounter("rollgrid_units_total").Add(float64(batch.Total))
	metrics.GetCounter("rollgrid_units_failed_total").Add(float64(batch.Failed))
	metrics.GetHistogram("rollgrid_batch_latency_ms").Observe(float64(batch.Elapsed.Milliseconds()))

	stats := c.Stats()
	metrics.GetCounter("rollgrid_cache_hits_total").Add(float64(stats.Hits))
	metrics.GetCounter("rollgrid_cache_misses_total").Add(float64(stats.Misses))
	metrics.GetCounter("rollgrid_cache_coalesced_total").Add(float64(stats.Coalesced))
	metrics.GetCounter("rollgrid_cache_evictions_total").Add(float64(stats.Evictions))
}

func writeResults(path string, aggregated map[string]*portfolio.Aggregated) error {
	data, err := json.MarshalIndent(aggregated, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "rollgrid").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "rollgrid").
			Str("instance", general.InstanceID).Logger()
	}
}
