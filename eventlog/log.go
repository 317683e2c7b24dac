package eventlog

import (
	"context"

	"google.golang.org/protobuf/encoding/protowire"
)

// Appended reports where an event landed.
type Appended struct {
	Offset    int64
	Timestamp int64
}

// Batch is one ordered, gapless slice of the log.
type Batch struct {
	Events []Event
}

// Last returns the offset of the final event in the batch.
func (b Batch) Last() int64 {
	if len(b.Events) == 0 {
		return -1
	}
	return b.Events[len(b.Events)-1].Offset
}

// Log is the ordered command queue contract. Appends are linearized
// by the log; delivery through Tail is at-least-once in offset order
// with no gaps inside the stream.
type Log interface {
	// Append durably stores the event and returns its offset and
	// log-local timestamp. The future fails rather than leaving a
	// phantom offset visible to consumers.
	Append(ctx context.Context, e Event) (Appended, error)

	// Tail streams batches starting at fromOffset. The channel closes
	// when ctx is done or the log closes.
	Tail(ctx context.Context, fromOffset int64) (<-chan Batch, error)

	// EndOffset is the offset of the last stored event, -1 when empty.
	EndOffset(ctx context.Context) (int64, error)

	Close() error
}

// Stored record value framing (shared by both backends' persistence):
// protobuf wire, field 1 = timestamp varint, field 2 = payload bytes.

func encodeRecord(timestamp int64, payload []byte) []byte {
	buf := protowire.AppendTag(nil, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(timestamp))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	return protowire.AppendBytes(buf, payload)
}

func decodeRecord(data []byte) (timestamp int64, payload []byte, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}
			timestamp = int64(v)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}
			payload = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return timestamp, payload, nil
}
