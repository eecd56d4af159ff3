package perp

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/errs"
)

// EventType discriminates committed match-engine events.
type EventType uint8

const (
	EventFill EventType = iota
	EventOut
	EventLiquidate
)

func (t EventType) String() string {
	switch t {
	case EventFill:
		return "fill"
	case EventOut:
		return "out"
	case EventLiquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

// Event is one committed event from the external matching venue. SeqNum
// is assigned at enqueue time and is the idempotency marker: each event
// is dequeued exactly once.
type Event struct {
	Type      EventType
	SeqNum    uint64
	Timestamp int64

	// Fill fields.
	Maker        uuid.UUID
	Taker        uuid.UUID
	MakerOrderID uint64
	TakerSide    uint8 // 0 = bid (taker buys), 1 = ask
	Price        decimal.Decimal
	Quantity     int64 // lots
	MakerRested  int64 // seconds the maker order rested, for mining

	// Out fields: an order removed from the book without matching.
	Owner   uuid.UUID
	OrderID uint64
}

// EventQueue is the per-market committed event buffer. NextSeqNum is
// the marker assigned to the next enqueued event; ConsumedSeqNum is the
// highest marker ever consumed.
type EventQueue struct {
	Events         []Event
	NextSeqNum     uint64
	ConsumedSeqNum uint64
}

// Push appends an event, stamping its sequence marker.
func (q *EventQueue) Push(e Event) uint64 {
	q.NextSeqNum++
	e.SeqNum = q.NextSeqNum
	q.Events = append(q.Events, e)
	return e.SeqNum
}

// Len returns the number of pending events.
func (q *EventQueue) Len() int { return len(q.Events) }

// Peek returns the head without consuming it.
func (q *EventQueue) Peek() (Event, bool) {
	if len(q.Events) == 0 {
		return Event{}, false
	}
	return q.Events[0], true
}

// Pop consumes the head event, enforcing exactly-once delivery: a
// marker at or below the consumed watermark means the same event is
// being applied twice, and a gap means an event was lost. Both are
// invariant violations, never silent no-ops.
func (q *EventQueue) Pop() (Event, error) {
	if len(q.Events) == 0 {
		return Event{}, errs.Newf(errs.CodeInvalidState, "event queue empty")
	}
	e := q.Events[0]

	if e.SeqNum <= q.ConsumedSeqNum {
		return Event{}, errs.Newf(errs.CodeFatal, "event %d already consumed (watermark %d)", e.SeqNum, q.ConsumedSeqNum)
	}
	if e.SeqNum != q.ConsumedSeqNum+1 {
		return Event{}, errs.Newf(errs.CodeFatal, "event gap: expected %d, head is %d", q.ConsumedSeqNum+1, e.SeqNum)
	}

	q.Events = q.Events[1:]
	q.ConsumedSeqNum = e.SeqNum
	return e, nil
}

// Clone returns a deep copy.
func (q *EventQueue) Clone() *EventQueue {
	cp := *q
	cp.Events = append([]Event(nil), q.Events...)
	return &cp
}
