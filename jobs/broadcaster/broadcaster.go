// Package broadcaster drains the settlement outbox into a Kafka topic
// for the downstream transaction builder. Records move NEW -> SENT ->
// ACKED; anything not acknowledged returns to NEW and is retried on the
// next sweep.
package broadcaster

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"matcherd/outbox"
)

type Broadcaster struct {
	box      *outbox.Outbox
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
	logger   *zap.Logger
}

func New(box *outbox.Outbox, brokers []string, topic string, interval time.Duration, logger *zap.Logger) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Broadcaster{
		box:      box,
		producer: producer,
		topic:    topic,
		interval: interval,
		logger:   logger.Named("broadcaster"),
	}, nil
}

// Run sweeps the outbox until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	b.logger.Info("broadcaster started", zap.String("topic", b.topic))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broadcaster) sweep() {
	err := b.box.ScanPending(func(rec outbox.Record) error {
		if err := b.box.MarkSent(rec); err != nil {
			return err
		}
		_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: b.topic,
			Value: sarama.ByteEncoder(rec.Payload),
		})
		if err != nil {
			b.logger.Warn("settlement publish failed, will retry", zap.Error(err))
			return b.box.MarkFailed(rec)
		}
		return b.box.MarkAcked(rec)
	})
	if err != nil {
		b.logger.Error("outbox sweep failed", zap.Error(err))
		return
	}
	if err := b.box.TruncateAcked(); err != nil {
		b.logger.Error("outbox truncate failed", zap.Error(err))
	}
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
