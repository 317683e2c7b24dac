package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"matcherd/domain/materr"
)

// LocalConfig tunes the single-process log.
type LocalConfig struct {
	Dir       string
	BatchSize int           // max events per Tail batch
	MaxWait   time.Duration // Tail flush window when the log is idle
}

func (c *LocalConfig) defaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.MaxWait == 0 {
		c.MaxWait = 10 * time.Millisecond
	}
}

// LocalLog persists events synchronously to Pebble, keyed by big-endian
// offset so iteration order is offset order.
type LocalLog struct {
	cfg LocalConfig
	db  *pebble.DB

	mu     sync.Mutex
	end    int64 // offset of the last stored event, -1 when empty
	notify chan struct{}
	closed bool
}

const eventKeyPrefix = 'e'

func eventKey(offset int64) []byte {
	key := make([]byte, 9)
	key[0] = eventKeyPrefix
	binary.BigEndian.PutUint64(key[1:], uint64(offset))
	return key
}

// OpenLocal opens (or creates) the log and recovers the end offset by
// seeking to the last stored key.
func OpenLocal(cfg LocalConfig) (*LocalLog, error) {
	cfg.defaults()
	db, err := pebble.Open(cfg.Dir, &pebble.Options{})
	if err != nil {
		return nil, materr.Fatal(err, "eventlog: open local log at %s", cfg.Dir)
	}

	l := &LocalLog{cfg: cfg, db: db, end: -1, notify: make(chan struct{})}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(0),
		UpperBound: []byte{eventKeyPrefix + 1},
	})
	if err != nil {
		_ = db.Close()
		return nil, materr.Fatal(err, "eventlog: scan local log")
	}
	if iter.Last() {
		l.end = int64(binary.BigEndian.Uint64(iter.Key()[1:]))
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, materr.Fatal(err, "eventlog: scan local log")
	}
	return l, nil
}

// Append stores the event with a synchronous write. The offset becomes
// visible to Tail only after the write succeeded, so a failed append
// leaves no phantom offset.
func (l *LocalLog) Append(ctx context.Context, e Event) (Appended, error) {
	payload, err := e.MarshalBinary()
	if err != nil {
		return Appended{}, err
	}
	ts := time.Now().UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Appended{}, materr.Transient(materr.CodeQueueUnavailable, nil, "eventlog: log closed")
	}
	next := l.end + 1
	if err := l.db.Set(eventKey(next), encodeRecord(ts, payload), pebble.Sync); err != nil {
		return Appended{}, materr.Transient(materr.CodeQueueUnavailable, err, "eventlog: append")
	}
	l.end = next
	close(l.notify)
	l.notify = make(chan struct{})
	return Appended{Offset: next, Timestamp: ts}, nil
}

// EndOffset returns the last stored offset, -1 when empty.
func (l *LocalLog) EndOffset(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.end, nil
}

// Tail streams batches from fromOffset. The reader never skips: a batch
// contains consecutive offsets, and the next batch picks up where the
// previous one ended.
func (l *LocalLog) Tail(ctx context.Context, fromOffset int64) (<-chan Batch, error) {
	if fromOffset < 0 {
		fromOffset = 0
	}
	out := make(chan Batch)
	go l.tailLoop(ctx, fromOffset, out)
	return out, nil
}

func (l *LocalLog) tailLoop(ctx context.Context, pos int64, out chan<- Batch) {
	defer close(out)
	for {
		// Reads hold the lock so Close cannot shut the DB under them.
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		batch, err := l.readBatch(pos)
		l.mu.Unlock()
		if err != nil {
			return
		}
		if len(batch.Events) == 0 {
			l.mu.Lock()
			wait := l.notify
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-wait:
			case <-time.After(l.cfg.MaxWait):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- batch:
			pos = batch.Last() + 1
		}
	}
}

func (l *LocalLog) readBatch(from int64) (Batch, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(from),
		UpperBound: []byte{eventKeyPrefix + 1},
	})
	if err != nil {
		return Batch{}, err
	}
	defer iter.Close()

	var batch Batch
	for ok := iter.First(); ok && len(batch.Events) < l.cfg.BatchSize; ok = iter.Next() {
		offset := int64(binary.BigEndian.Uint64(iter.Key()[1:]))
		ts, payload, err := decodeRecord(iter.Value())
		if err != nil {
			return Batch{}, err
		}
		ev, err := UnmarshalEvent(payload)
		if err != nil {
			return Batch{}, err
		}
		ev.Offset = offset
		ev.Timestamp = ts
		batch.Events = append(batch.Events, ev)
	}
	return batch, iter.Error()
}

func (l *LocalLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("eventlog: already closed")
	}
	l.closed = true
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()
	return l.db.Close()
}
