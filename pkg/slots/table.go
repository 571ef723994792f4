package slots

import (
	"sync/atomic"

	"github.com/jwoglom/wundergate/pkg/frame"

	log "github.com/sirupsen/logrus"
)

// Status is the lifecycle state of a slot.
type Status uint8

const (
	// Empty slots hold no pending data and may be overwritten.
	Empty Status = iota
	// Full slots hold data awaiting one transmission.
	Full
	// Lock slots are retransmitted on every opportunity until explicitly cleared.
	Lock
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Full:
		return "FULL"
	case Lock:
		return "LOCK"
	default:
		return "UNKNOWN"
	}
}

// Entry is an immutable view of a slot. A slot changes by swapping in a new Entry, so a
// reader always sees a frame and status that were written together.
type Entry struct {
	Frame  frame.Frame
	Status Status
}

// Pending reports whether the entry is eligible for transmission.
func (e *Entry) Pending() bool {
	return e.Status == Full || e.Status == Lock
}

// ID indexes a slot: client slots are 0..N-1, followed by the onboard slot and the
// response slot.
type ID int

type slot struct {
	cur atomic.Pointer[Entry]
}

var emptyEntry = &Entry{Frame: frame.Blank(), Status: Empty}

// Table is the fixed set of per-endpoint slots. It is sized once and never reallocated;
// every method is safe to call from any goroutine and none of them blocks.
type Table struct {
	addr  frame.Addressing
	slots []slot
}

// New creates a table with every slot Empty and filled with filler bytes.
func New(addr frame.Addressing) *Table {
	t := &Table{
		addr:  addr,
		slots: make([]slot, addr.Clients()+2),
	}
	for i := range t.slots {
		t.slots[i].cur.Store(emptyEntry)
	}
	return t
}

// Addressing returns the endpoint addressing the table was sized for.
func (t *Table) Addressing() frame.Addressing { return t.addr }

// Clients returns the number of client slots.
func (t *Table) Clients() int { return t.addr.Clients() }

// Onboard returns the id of the onboard slot.
func (t *Table) Onboard() ID { return ID(t.addr.Clients()) }

// Response returns the id of the response slot.
func (t *Table) Response() ID { return ID(t.addr.Clients() + 1) }

// Route returns the slot a frame with the given endpoint id is stored in. Response ids
// share the response slot; client and onboard ids map to their own slot.
func (t *Table) Route(endpointID byte) (ID, bool) {
	ep := t.addr.Endpoint(endpointID)
	switch ep.Kind() {
	case frame.KindClient, frame.KindOnboard:
		return ID(ep.ID()), true
	case frame.KindResponse:
		return t.Response(), true
	default:
		return 0, false
	}
}

// Load returns the current entry of a slot.
func (t *Table) Load(id ID) *Entry {
	return t.slots[id].cur.Load()
}

// Publish stores f in the slot selected by its endpoint id and marks it Full. A locked
// slot keeps its content and the new frame is dropped.
func (t *Table) Publish(f frame.Frame) bool {
	id, ok := t.Route(f.EndpointID)
	if !ok {
		log.Warnf("publish to unroutable endpoint 0x%02x dropped", f.EndpointID)
		return false
	}

	next := &Entry{Frame: f, Status: Full}
	s := &t.slots[id]
	for {
		cur := s.cur.Load()
		if cur.Status == Lock {
			log.Warnf("slot %d locked, publish dropped: %s", id, f)
			return false
		}
		if s.cur.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// PublishLocked stores f in the slot of a client or onboard endpoint and locks it in one
// step, so the slot can never be locked holding anything but f. A slot that is already
// locked keeps its content.
func (t *Table) PublishLocked(f frame.Frame) bool {
	id, ok := t.Route(f.EndpointID)
	if !ok || id > t.Onboard() {
		log.Warnf("locked publish to endpoint 0x%02x dropped", f.EndpointID)
		return false
	}

	next := &Entry{Frame: f, Status: Lock}
	s := &t.slots[id]
	for {
		cur := s.cur.Load()
		if cur.Status == Lock {
			log.Warnf("slot %d locked, publish dropped: %s", id, f)
			return false
		}
		if s.cur.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Lock forces a client or onboard slot into Lock, keeping its current frame.
func (t *Table) Lock(id ID) bool {
	if id < 0 || id > t.Onboard() {
		return false
	}
	s := &t.slots[id]
	for {
		cur := s.cur.Load()
		if cur.Status == Lock {
			return true
		}
		if s.cur.CompareAndSwap(cur, &Entry{Frame: cur.Frame, Status: Lock}) {
			return true
		}
	}
}

// Clear forces a slot back to Empty with filler content, whatever its status.
func (t *Table) Clear(id ID) {
	t.slots[id].cur.Store(emptyEntry)
}

// Retire frees a slot after the transfer of sent completed. Only a Full slot still holding
// the entry that was transmitted becomes Empty; a locked slot, or one republished since
// the transfer started, is left untouched.
func (t *Table) Retire(id ID, sent *Entry) bool {
	if sent == nil || sent.Status != Full {
		return false
	}
	return t.slots[id].cur.CompareAndSwap(sent, emptyEntry)
}

// Info describes one slot for diagnostics.
type Info struct {
	ID       ID
	Endpoint string
	Status   Status
	Frame    frame.Frame
}

// Snapshot returns the state of every slot.
func (t *Table) Snapshot() []Info {
	out := make([]Info, 0, len(t.slots))
	for i := range t.slots {
		e := t.slots[i].cur.Load()
		out = append(out, Info{
			ID:       ID(i),
			Endpoint: t.Label(ID(i)),
			Status:   e.Status,
			Frame:    e.Frame,
		})
	}
	return out
}

// Label names the endpoint a slot serves.
func (t *Table) Label(id ID) string {
	switch id {
	case t.Onboard():
		return t.addr.Onboard().String()
	case t.Response():
		return frame.KindResponse.String()
	default:
		return t.addr.Client(uint8(id)).String()
	}
}
