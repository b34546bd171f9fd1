package event

import (
	"github.com/google/uuid"

	"dex_go/pkg/quant"
)

// Sink receives flushed events, in sequence order.
type Sink interface {
	Publish(ev Event)
}

// Buffer collects the events of one top-level call. Stamp assigns the
// sequence number, timestamp and call id on emission; Flush hands the
// batch to the sink, Discard drops it. A reverted call discards, so
// downstream consumers never see its transitions.
type Buffer struct {
	nextSeq uint64
	pending []Event
}

// NewBuffer starts sequence numbering at next (1 for an empty stream).
func NewBuffer(next uint64) *Buffer {
	if next == 0 {
		panic("CORE_EVENT_SEQ_ZERO")
	}
	return &Buffer{nextSeq: next}
}

// NextSeq returns the sequence number the next emitted event will carry.
func (b *Buffer) NextSeq() uint64 { return b.nextSeq }

// Begin returns a fresh call id for stamping one call's events.
func (b *Buffer) Begin() uuid.UUID { return uuid.New() }

// Stamp fills in the base fields and buffers the event. The passed
// pointer must outlive the flush.
func (b *Buffer) Stamp(base *BaseEvent, ts quant.TimeStamp, call uuid.UUID, ev Event) {
	base.Seq = b.nextSeq
	base.Ts = ts
	base.Call = call
	b.nextSeq++
	b.pending = append(b.pending, ev)
}

// Flush publishes all pending events in order and clears the buffer.
func (b *Buffer) Flush(sink Sink) {
	for _, ev := range b.pending {
		sink.Publish(ev)
	}
	b.pending = b.pending[:0]
}

// Discard drops all pending events and rewinds the sequence counter so
// the next call reuses the numbers. Sequence ids stay gapless.
func (b *Buffer) Discard() {
	b.nextSeq -= uint64(len(b.pending))
	b.pending = b.pending[:0]
}

// Pending returns the number of buffered events.
func (b *Buffer) Pending() int { return len(b.pending) }
