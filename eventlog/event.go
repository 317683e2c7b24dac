// Package eventlog defines the ordered, replayable command queue that
// sequences every mutating operation, and its two interchangeable
// backends: a single-process Pebble log and a single-partition Kafka
// topic.
package eventlog

import (
	"errors"
	"fmt"

	"matcherd/domain/asset"
	"matcherd/domain/order"
)

// Type tags an event on the wire.
type Type uint8

const (
	TypePlaced Type = iota + 1
	TypeCanceled
	TypeBookDeleted
)

func (t Type) String() string {
	switch t {
	case TypePlaced:
		return "placed"
	case TypeCanceled:
		return "canceled"
	case TypeBookDeleted:
		return "book-deleted"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Event is one entry of the log. Offset and Timestamp are assigned by
// the log on append and are zero before that.
type Event struct {
	Offset    int64
	Timestamp int64 // unix millis, log-local clock
	Type      Type

	Pair      asset.Pair
	Order     *order.Order    // TypePlaced
	OrderID   order.ID        // TypeCanceled
	Requestor order.PublicKey // TypeCanceled
}

// Placed wraps an admitted order.
func Placed(o *order.Order) Event {
	return Event{Type: TypePlaced, Pair: o.Pair, Order: o}
}

// Canceled asks the pair's worker to remove an order.
func Canceled(pair asset.Pair, id order.ID, requestor order.PublicKey) Event {
	return Event{Type: TypeCanceled, Pair: pair, OrderID: id, Requestor: requestor}
}

// BookDeleted removes a whole book; resting orders are auto-cancelled
// first by the worker.
func BookDeleted(pair asset.Pair) Event {
	return Event{Type: TypeBookDeleted, Pair: pair}
}

// MarshalBinary renders the tag byte plus the type-specific payload.
func (e *Event) MarshalBinary() ([]byte, error) {
	switch e.Type {
	case TypePlaced:
		if e.Order == nil {
			return nil, errors.New("eventlog: placed event without order")
		}
		ob, err := e.Order.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return append([]byte{byte(TypePlaced)}, ob...), nil
	case TypeCanceled:
		buf := append([]byte{byte(TypeCanceled)}, e.Pair.Bytes()...)
		buf = append(buf, e.OrderID[:]...)
		return append(buf, e.Requestor[:]...), nil
	case TypeBookDeleted:
		return append([]byte{byte(TypeBookDeleted)}, e.Pair.Bytes()...), nil
	default:
		return nil, fmt.Errorf("eventlog: unknown event type %d", e.Type)
	}
}

// UnmarshalEvent decodes an event payload. Offset and Timestamp are
// left for the caller, which knows them from the log position.
func UnmarshalEvent(data []byte) (Event, error) {
	if len(data) < 1 {
		return Event{}, errors.New("eventlog: empty event")
	}
	switch Type(data[0]) {
	case TypePlaced:
		o, _, err := order.Unmarshal(data[1:])
		if err != nil {
			return Event{}, fmt.Errorf("eventlog: placed: %w", err)
		}
		return Event{Type: TypePlaced, Pair: o.Pair, Order: o}, nil
	case TypeCanceled:
		pair, n, err := asset.ReadPair(data[1:])
		if err != nil {
			return Event{}, fmt.Errorf("eventlog: canceled: %w", err)
		}
		rest := data[1+n:]
		if len(rest) < 64 {
			return Event{}, errors.New("eventlog: canceled: short payload")
		}
		ev := Event{Type: TypeCanceled, Pair: pair}
		copy(ev.OrderID[:], rest[:32])
		copy(ev.Requestor[:], rest[32:64])
		return ev, nil
	case TypeBookDeleted:
		pair, _, err := asset.ReadPair(data[1:])
		if err != nil {
			return Event{}, fmt.Errorf("eventlog: book-deleted: %w", err)
		}
		return Event{Type: TypeBookDeleted, Pair: pair}, nil
	default:
		return Event{}, fmt.Errorf("eventlog: unknown tag %d", data[0])
	}
}
