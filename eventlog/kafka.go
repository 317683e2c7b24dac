package eventlog

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"matcherd/domain/materr"
	"matcherd/infra/backoff"
)

// KafkaConfig tunes the distributed single-partition log.
type KafkaConfig struct {
	Brokers    []string
	Topic      string
	BufferSize int           // producer queue capacity and consumer batch size
	MaxWait    time.Duration // consumer batch window
	Backoff    backoff.Policy
}

func (c *KafkaConfig) defaults() {
	if c.BufferSize == 0 {
		c.BufferSize = 100
	}
	if c.MaxWait == 0 {
		c.MaxWait = 10 * time.Millisecond
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.Default
	}
}

// KafkaLog is the distributed log: a single-partition topic written by
// a backpressured buffered producer and tailed with windowed batches.
type KafkaLog struct {
	cfg      KafkaConfig
	producer sarama.SyncProducer
	logger   *zap.Logger

	pending chan *pendingAppend
	done    chan struct{}
}

type pendingAppend struct {
	event   Event
	payload []byte
	result  chan appendResult
}

type appendResult struct {
	appended Appended
	err      error
}

// OpenKafka connects the producer and starts the send loop. Consumers
// are created per Tail call.
func OpenKafka(cfg KafkaConfig, logger *zap.Logger) (*KafkaLog, error) {
	cfg.defaults()

	scfg := sarama.NewConfig()
	scfg.Producer.Return.Successes = true
	scfg.Producer.RequiredAcks = sarama.WaitForAll
	scfg.Producer.Idempotent = true
	scfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, scfg)
	if err != nil {
		return nil, materr.Fatal(err, "eventlog: connect kafka producer")
	}

	l := &KafkaLog{
		cfg:      cfg,
		producer: producer,
		logger:   logger.Named("kafka-log"),
		pending:  make(chan *pendingAppend, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	go l.sendLoop()
	return l, nil
}

// Append enqueues the event into the bounded producer buffer. A full
// buffer fails fast so the caller can shed load.
func (l *KafkaLog) Append(ctx context.Context, e Event) (Appended, error) {
	payload, err := e.MarshalBinary()
	if err != nil {
		return Appended{}, err
	}
	p := &pendingAppend{event: e, payload: payload, result: make(chan appendResult, 1)}
	select {
	case l.pending <- p:
	default:
		return Appended{}, materr.Capacity(materr.CodeQueueFull, "eventlog: producer buffer full")
	}
	select {
	case <-ctx.Done():
		return Appended{}, ctx.Err()
	case r := <-p.result:
		return r.appended, r.err
	}
}

func (l *KafkaLog) sendLoop() {
	retryable := func(err error) bool {
		switch err {
		case sarama.ErrNotLeaderForPartition, sarama.ErrLeaderNotAvailable,
			sarama.ErrRequestTimedOut, sarama.ErrNetworkException:
			return true
		}
		return false
	}
	ctx := context.Background()
	for {
		select {
		case <-l.done:
			return
		case p := <-l.pending:
			msg := &sarama.ProducerMessage{
				Topic: l.cfg.Topic,
				Key:   sarama.ByteEncoder(p.event.Pair.Bytes()),
				Value: sarama.ByteEncoder(p.payload),
			}
			var partition int32
			var offset int64
			err := l.cfg.Backoff.Retry(ctx, retryable, func() error {
				var sendErr error
				partition, offset, sendErr = l.producer.SendMessage(msg)
				if sendErr != nil {
					l.logger.Warn("produce failed", zap.Error(sendErr))
				}
				return sendErr
			})
			if err != nil {
				p.result <- appendResult{err: materr.Transient(materr.CodeQueueUnavailable, err, "eventlog: produce")}
				continue
			}
			_ = partition // single-partition topic
			p.result <- appendResult{appended: Appended{Offset: offset, Timestamp: time.Now().UnixMilli()}}
		}
	}
}

// EndOffset asks the partition leader for its last offset.
func (l *KafkaLog) EndOffset(ctx context.Context) (int64, error) {
	conn, err := kafkago.DialLeader(ctx, "tcp", l.cfg.Brokers[0], l.cfg.Topic, 0)
	if err != nil {
		return 0, materr.Transient(materr.CodeQueueUnavailable, err, "eventlog: dial leader")
	}
	defer conn.Close()
	last, err := conn.ReadLastOffset()
	if err != nil {
		return 0, materr.Transient(materr.CodeQueueUnavailable, err, "eventlog: read last offset")
	}
	return last - 1, nil
}

// Tail consumes the partition from fromOffset, grouping messages into
// batches of up to BufferSize within the MaxWait window.
func (l *KafkaLog) Tail(ctx context.Context, fromOffset int64) (<-chan Batch, error) {
	if fromOffset < 0 {
		fromOffset = 0
	}
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   l.cfg.Brokers,
		Topic:     l.cfg.Topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10 << 20,
		MaxWait:   l.cfg.MaxWait,
	})
	if err := reader.SetOffset(fromOffset); err != nil {
		_ = reader.Close()
		return nil, materr.Transient(materr.CodeQueueUnavailable, err, "eventlog: seek consumer")
	}

	out := make(chan Batch)
	go l.consumeLoop(ctx, reader, out)
	return out, nil
}

func (l *KafkaLog) consumeLoop(ctx context.Context, reader *kafkago.Reader, out chan<- Batch) {
	defer close(out)
	defer reader.Close()

	var batch Batch
	flush := func() bool {
		if len(batch.Events) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case out <- batch:
			batch = Batch{}
			return true
		}
	}

	for {
		select {
		case <-l.done:
			return
		default:
		}
		readCtx, cancel := context.WithTimeout(ctx, l.cfg.MaxWait)
		msg, err := reader.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// idle window elapsed; hand over what we have
			if !flush() {
				return
			}
			continue
		}
		ev, err := UnmarshalEvent(msg.Value)
		if err != nil {
			l.logger.Error("malformed event skipped",
				zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}
		ev.Offset = msg.Offset
		ev.Timestamp = msg.Time.UnixMilli()
		batch.Events = append(batch.Events, ev)
		if len(batch.Events) >= l.cfg.BufferSize {
			if !flush() {
				return
			}
		}
	}
}

func (l *KafkaLog) Close() error {
	close(l.done)
	return l.producer.Close()
}
