// Package config loads the host process configuration from a
// hierarchical file plus environment overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"matcherd/domain/asset"
	"matcherd/domain/order"
)

// QueueType selects the event log implementation.
type QueueType string

const (
	QueueLocal QueueType = "local"
	QueueKafka QueueType = "kafka"
)

type Config struct {
	LogLevel   string
	Production bool
	DataDir    string

	EventsQueue struct {
		Type       QueueType
		BufferSize int
		Kafka      struct {
			Brokers []string
			Topic   string
		}
	}

	SnapshotsInterval            int
	SnapshotsLoadingTimeout      time.Duration
	StartEventsProcessingTimeout time.Duration
	ProcessConsumedTimeout       time.Duration
	ActorResponseTimeout         time.Duration
	GracefulStopTimeout          time.Duration

	OrderFee struct {
		Mode    string
		Percent struct {
			AssetType string
			MinFee    float64
		}
		Fixed struct {
			MinFee int64
		}
	}

	MaxPriceDeviations struct {
		Enable bool
		Profit float64
		Loss   float64
		Fee    float64
	}

	AllowedOrderVersions []int
	PriceAssets          []string
	BlacklistedAssets    []string
	BlacklistedAddresses []string
	BlacklistedNames     []string
	AllowSelfTrade       bool

	AdminKey string

	MatchingRules map[string][]TickRule

	Settlement struct {
		Brokers  []string
		Topic    string
		Interval time.Duration
	}
}

// TickRule mirrors domain/rules.Rule in config form.
type TickRule struct {
	FromOffset int64 `mapstructure:"from-offset"`
	TickSize   int64 `mapstructure:"tick-size"`
}

// Load reads the config file (optional) and environment, filling in the
// documented defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetEnvPrefix("MATCHERD")
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("data-dir", "./data")
	v.SetDefault("events-queue.type", string(QueueLocal))
	v.SetDefault("events-queue.buffer-size", 100)
	v.SetDefault("events-queue.kafka.topic", "matcher-events")
	v.SetDefault("snapshots-interval", 1000)
	v.SetDefault("snapshots-loading-timeout", "5m")
	v.SetDefault("start-events-processing-timeout", "5m")
	v.SetDefault("process-consumed-timeout", "5s")
	v.SetDefault("actor-response-timeout", "10s")
	v.SetDefault("graceful-stop-timeout", "5m")
	v.SetDefault("order-fee.mode", "fixed")
	v.SetDefault("order-fee.fixed.min-fee", 300_000)
	v.SetDefault("order-fee.percent.asset-type", "amount")
	v.SetDefault("order-fee.percent.min-fee", 0.1)
	v.SetDefault("max-price-deviations.enable", false)
	v.SetDefault("allowed-order-versions", []int{1, 2, 3})
	v.SetDefault("settlement.topic", "matcher-settlements")
	v.SetDefault("settlement.interval", "250ms")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	cfg.LogLevel = v.GetString("log-level")
	cfg.Production = v.GetBool("production")
	cfg.DataDir = v.GetString("data-dir")
	cfg.EventsQueue.Type = QueueType(v.GetString("events-queue.type"))
	cfg.EventsQueue.BufferSize = v.GetInt("events-queue.buffer-size")
	cfg.EventsQueue.Kafka.Brokers = v.GetStringSlice("events-queue.kafka.brokers")
	cfg.EventsQueue.Kafka.Topic = v.GetString("events-queue.kafka.topic")
	cfg.SnapshotsInterval = v.GetInt("snapshots-interval")
	cfg.SnapshotsLoadingTimeout = v.GetDuration("snapshots-loading-timeout")
	cfg.StartEventsProcessingTimeout = v.GetDuration("start-events-processing-timeout")
	cfg.ProcessConsumedTimeout = v.GetDuration("process-consumed-timeout")
	cfg.ActorResponseTimeout = v.GetDuration("actor-response-timeout")
	cfg.GracefulStopTimeout = v.GetDuration("graceful-stop-timeout")
	cfg.OrderFee.Mode = v.GetString("order-fee.mode")
	cfg.OrderFee.Percent.AssetType = v.GetString("order-fee.percent.asset-type")
	cfg.OrderFee.Percent.MinFee = v.GetFloat64("order-fee.percent.min-fee")
	cfg.OrderFee.Fixed.MinFee = v.GetInt64("order-fee.fixed.min-fee")
	cfg.MaxPriceDeviations.Enable = v.GetBool("max-price-deviations.enable")
	cfg.MaxPriceDeviations.Profit = v.GetFloat64("max-price-deviations.profit")
	cfg.MaxPriceDeviations.Loss = v.GetFloat64("max-price-deviations.loss")
	cfg.MaxPriceDeviations.Fee = v.GetFloat64("max-price-deviations.fee")
	cfg.AllowedOrderVersions = v.GetIntSlice("allowed-order-versions")
	cfg.PriceAssets = v.GetStringSlice("price-assets")
	cfg.BlacklistedAssets = v.GetStringSlice("blacklisted-assets")
	cfg.BlacklistedAddresses = v.GetStringSlice("blacklisted-addresses")
	cfg.BlacklistedNames = v.GetStringSlice("blacklisted-names")
	cfg.AllowSelfTrade = v.GetBool("allow-self-trade")
	cfg.AdminKey = v.GetString("admin-key")
	cfg.Settlement.Brokers = v.GetStringSlice("settlement.brokers")
	cfg.Settlement.Topic = v.GetString("settlement.topic")
	cfg.Settlement.Interval = v.GetDuration("settlement.interval")

	if err := v.UnmarshalKey("matching-rules", &cfg.MatchingRules); err != nil {
		return nil, fmt.Errorf("config: matching-rules: %w", err)
	}

	switch cfg.EventsQueue.Type {
	case QueueLocal, QueueKafka:
	default:
		return nil, fmt.Errorf("config: events-queue.type must be local or kafka, got %q", cfg.EventsQueue.Type)
	}
	if cfg.EventsQueue.Type == QueueKafka && len(cfg.EventsQueue.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("config: events-queue.kafka.brokers is required for the kafka queue")
	}
	return cfg, nil
}

// ParseAsset decodes "NATIVE" or a 64-char hex asset id.
func ParseAsset(s string) (asset.Asset, error) {
	if strings.EqualFold(s, "NATIVE") || s == "" {
		return asset.Native, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != asset.IDSize {
		return asset.Asset{}, fmt.Errorf("config: bad asset id %q", s)
	}
	var id [asset.IDSize]byte
	copy(id[:], raw)
	return asset.Issued(id), nil
}

// ParseKey decodes a 64-char hex public key.
func ParseKey(s string) (order.PublicKey, error) {
	var pk order.PublicKey
	if s == "" {
		return pk, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(pk) {
		return pk, fmt.Errorf("config: bad public key %q", s)
	}
	copy(pk[:], raw)
	return pk, nil
}
