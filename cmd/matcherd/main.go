package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"matcherd/domain/asset"
	"matcherd/domain/order"
	"matcherd/domain/rules"
	"matcherd/eventlog"
	"matcherd/infra/config"
	"matcherd/infra/logging"
	"matcherd/infra/metrics"
	"matcherd/jobs/broadcaster"
	"matcherd/ledger"
	"matcherd/matcher"
	"matcherd/outbox"
	"matcherd/snapshot"
	"matcherd/validator"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	metricsAddr := flag.String("metrics", ":9095", "prometheus listen address, empty to disable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Production)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *metricsAddr, logger); err != nil {
		logger.Fatal("matcherd failed", zap.Error(err))
	}
}

func run(cfg *config.Config, metricsAddr string, logger *zap.Logger) error {
	// ---------------- Metrics ----------------

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	// ---------------- Stores ----------------

	store, err := snapshot.Open(filepath.Join(cfg.DataDir, "snapshots"))
	if err != nil {
		return err
	}
	defer store.Close()

	box, err := outbox.Open(filepath.Join(cfg.DataDir, "outbox"))
	if err != nil {
		return err
	}
	defer box.Close()

	// ---------------- Event log ----------------

	var log eventlog.Log
	switch cfg.EventsQueue.Type {
	case config.QueueKafka:
		log, err = eventlog.OpenKafka(eventlog.KafkaConfig{
			Brokers:    cfg.EventsQueue.Kafka.Brokers,
			Topic:      cfg.EventsQueue.Kafka.Topic,
			BufferSize: cfg.EventsQueue.BufferSize,
		}, logger)
	default:
		log, err = eventlog.OpenLocal(eventlog.LocalConfig{
			Dir:       filepath.Join(cfg.DataDir, "events"),
			BatchSize: cfg.EventsQueue.BufferSize,
		})
	}
	if err != nil {
		return err
	}

	// ---------------- Matching rules ----------------

	ruleSet, err := buildRules(cfg)
	if err != nil {
		return err
	}

	// ---------------- Ledger + orchestrator ----------------

	admin, err := config.ParseKey(cfg.AdminKey)
	if err != nil {
		return err
	}

	var orch *matcher.Orchestrator
	ldgr := ledger.New(ledger.DefaultHistoryCap, func(req ledger.CancelRequest) {
		orch.EnqueueAutoCancel(req)
	}, logger)

	orch = matcher.NewOrchestrator(matcher.Config{
		SnapshotsInterval:            cfg.SnapshotsInterval,
		SnapshotsLoadingTimeout:      cfg.SnapshotsLoadingTimeout,
		StartEventsProcessingTimeout: cfg.StartEventsProcessingTimeout,
		ProcessConsumedTimeout:       cfg.ProcessConsumedTimeout,
		GracefulStopTimeout:          cfg.GracefulStopTimeout,
		ActorResponseTimeout:         cfg.ActorResponseTimeout,
		AdminCancelAlways:            true,
	}, log, store, ruleSet, ldgr, box, admin, m, logger)

	// ---------------- Validator ----------------

	valCfg, err := buildValidatorConfig(cfg)
	if err != nil {
		return err
	}
	client := validator.NewStaticClient()
	orch.SetValidator(validator.New(valCfg, admin, orch, client, logger))

	// ---------------- Start ----------------

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	if len(cfg.Settlement.Brokers) > 0 {
		bc, err := broadcaster.New(box, cfg.Settlement.Brokers, cfg.Settlement.Topic,
			cfg.Settlement.Interval, logger)
		if err != nil {
			return err
		}
		defer bc.Close()
		go func() {
			<-orch.Ready()
			bc.Run(ctx)
		}()
	}

	logger.Info("matcherd running", zap.String("queue", string(cfg.EventsQueue.Type)))
	<-ctx.Done()

	logger.Info("shutting down")
	return orch.Stop(context.Background())
}

func buildRules(cfg *config.Config) (rules.Set, error) {
	raw := make(map[asset.Pair][]rules.Rule, len(cfg.MatchingRules))
	for key, list := range cfg.MatchingRules {
		pair, err := parsePairKey(key)
		if err != nil {
			return nil, err
		}
		converted := make([]rules.Rule, len(list))
		for i, r := range list {
			converted[i] = rules.Rule{FromOffset: r.FromOffset, TickSize: r.TickSize}
		}
		raw[pair] = converted
	}
	return rules.NewSet(raw)
}

func parsePairKey(key string) (asset.Pair, error) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return asset.Pair{}, fmt.Errorf("bad pair %q, want AMOUNT/PRICE", key)
	}
	amount, err := config.ParseAsset(parts[0])
	if err != nil {
		return asset.Pair{}, err
	}
	price, err := config.ParseAsset(parts[1])
	if err != nil {
		return asset.Pair{}, err
	}
	return asset.NewPair(amount, price)
}

func buildValidatorConfig(cfg *config.Config) (validator.Config, error) {
	out := validator.Config{
		AllowedVersions:      make(map[order.Version]bool, len(cfg.AllowedOrderVersions)),
		BlacklistedAssets:    make(map[string]bool, len(cfg.BlacklistedAssets)),
		BlacklistedAddresses: make(map[order.PublicKey]bool, len(cfg.BlacklistedAddresses)),
		BlockedPairs:         make(map[string]bool),
		BlacklistedNames:     cfg.BlacklistedNames,
		PreventSelfTrade:     !cfg.AllowSelfTrade,
	}
	for _, v := range cfg.AllowedOrderVersions {
		out.AllowedVersions[order.Version(v)] = true
	}
	for _, s := range cfg.BlacklistedAssets {
		a, err := config.ParseAsset(s)
		if err != nil {
			return out, err
		}
		out.BlacklistedAssets[a.String()] = true
	}
	for _, s := range cfg.BlacklistedAddresses {
		pk, err := config.ParseKey(s)
		if err != nil {
			return out, err
		}
		out.BlacklistedAddresses[pk] = true
	}
	for _, s := range cfg.PriceAssets {
		a, err := config.ParseAsset(s)
		if err != nil {
			return out, err
		}
		out.PriceAssets = append(out.PriceAssets, a)
	}

	switch cfg.OrderFee.Mode {
	case "percent":
		out.FeeMode = validator.FeeModePercent
		out.PercentFee = decimal.NewFromFloat(cfg.OrderFee.Percent.MinFee)
		out.PercentAssetType = validator.AssetType(cfg.OrderFee.Percent.AssetType)
	default:
		out.FeeMode = validator.FeeModeFixed
		out.FixedFee = cfg.OrderFee.Fixed.MinFee
	}

	out.Deviation = validator.DeviationConfig{
		Enabled: cfg.MaxPriceDeviations.Enable,
		Profit:  decimal.NewFromFloat(cfg.MaxPriceDeviations.Profit),
		Loss:    decimal.NewFromFloat(cfg.MaxPriceDeviations.Loss),
		Fee:     decimal.NewFromFloat(cfg.MaxPriceDeviations.Fee),
	}
	return out, nil
}
