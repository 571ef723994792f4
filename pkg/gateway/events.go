package gateway

import (
	"sync/atomic"
	"time"

	"github.com/jwoglom/wundergate/pkg/frame"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	log "github.com/sirupsen/logrus"
)

// EventType classifies trace events
type EventType string

const (
	EventTransmit EventType = "tx"
	EventReceive  EventType = "rx"
	EventPublish  EventType = "publish"
	EventDrop     EventType = "drop"
	EventLock     EventType = "lock"
	EventRelease  EventType = "release"
	EventDispatch EventType = "dispatch"
)

// Event is one entry of the live frame trace
type Event struct {
	Type    EventType   `json:"type"`
	Time    time.Time   `json:"time"`
	Slot    string      `json:"slot,omitempty"`
	Frame   *frame.View `json:"frame,omitempty"`
	Handled *bool       `json:"handled,omitempty"`
}

// DefaultTraceSize is the number of events kept when no size is configured
const DefaultTraceSize = 1024

// Trace is a bounded, overwrite-oldest event log. Recording never blocks, so it can be
// fed from the completion path; a single consumer drains it.
type Trace struct {
	ring        mpmc.RichOverlappedRingBuffer[Event]
	recorded    atomic.Uint64
	overwritten atomic.Uint64
}

// NewTrace creates a trace holding up to size events
func NewTrace(size uint32) *Trace {
	if size == 0 {
		size = DefaultTraceSize
	}
	return &Trace{
		ring: mpmc.NewOverlappedRingBuffer[Event](size),
	}
}

// Record appends an event, dropping the oldest one when full
func (t *Trace) Record(e Event) {
	if t == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	overwrites, err := t.ring.EnqueueM(e)
	if err != nil {
		log.Tracef("trace enqueue failed: %v", err)
		return
	}
	t.recorded.Add(1)
	t.overwritten.Add(uint64(overwrites))
}

// Drain removes and returns up to limit buffered events, oldest first
func (t *Trace) Drain(limit int) []Event {
	var out []Event
	for len(out) < limit && !t.ring.IsEmpty() {
		e, err := t.ring.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	return out
}

// Recorded returns how many events were recorded and how many were overwritten unread
func (t *Trace) Recorded() (recorded, overwritten uint64) {
	return t.recorded.Load(), t.overwritten.Load()
}

func frameEvent(typ EventType, slot string, f frame.Frame) Event {
	v := f.View()
	return Event{Type: typ, Slot: slot, Frame: &v}
}
