package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwoglom/wundergate/pkg/frame"
	"github.com/jwoglom/wundergate/pkg/link"
	"github.com/jwoglom/wundergate/pkg/slots"

	log "github.com/sirupsen/logrus"
)

// Onboard is the local controller that owns the onboard slot.
type Onboard interface {
	// OnSendComplete is called from the completion path once an onboard frame went out.
	OnSendComplete()
	// Idle reports whether no local operation is in progress.
	Idle() bool
}

// Handler consumes inbound frames. Dispatch runs on the completion path and must not
// block; it reports whether the frame was handled.
type Handler interface {
	Dispatch(f frame.Frame) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(f frame.Frame) bool

// Dispatch implements Handler.
func (fn HandlerFunc) Dispatch(f frame.Frame) bool { return fn(f) }

// selection records the slot entry copied into the transmit buffer.
type selection struct {
	id    slots.ID
	entry *slots.Entry
}

type counters struct {
	polls      atomic.Uint64
	transfers  atomic.Uint64
	onboard    atomic.Uint64
	response   atomic.Uint64
	client     atomic.Uint64
	retired    atomic.Uint64
	deferred   atomic.Uint64
	handled    atomic.Uint64
	unhandled  atomic.Uint64
	published  atomic.Uint64
	dropped    atomic.Uint64
	releases   atomic.Uint64
	unexpected atomic.Uint64
}

// Stats is a point-in-time copy of the multiplexer counters.
type Stats struct {
	Polls        uint64 `json:"polls"`
	Transfers    uint64 `json:"transfers"`
	OnboardSent  uint64 `json:"onboardSent"`
	ResponseSent uint64 `json:"responseSent"`
	ClientSent   uint64 `json:"clientSent"`
	Retired      uint64 `json:"retired"`
	Deferred     uint64 `json:"deferred"`
	Handled      uint64 `json:"handled"`
	Unhandled    uint64 `json:"unhandled"`
	Published    uint64 `json:"published"`
	Dropped      uint64 `json:"dropped"`
	Releases     uint64 `json:"releases"`
	Unsolicited  uint64 `json:"unsolicited"`
	Busy         bool   `json:"busy"`
}

// Mux multiplexes the slot table over a single half-duplex link. Poll runs on the
// background context; Complete runs on the driver's completion context. The busy flag is
// the only gate between them: Poll only flips it FREE to BUSY, Complete and Release only
// flip it back.
type Mux struct {
	table   *slots.Table
	driver  link.Driver
	buffers *link.Buffers
	trace   *Trace

	busy     atomic.Bool
	selected atomic.Pointer[selection]

	// pollMu serializes background callers of Poll; Complete never takes it.
	pollMu sync.Mutex
	cursor int

	onboard Onboard
	handler Handler

	stats counters
}

// New creates a multiplexer over table and driver. The cursor starts on the last client
// so the first scan begins at client 0.
func New(table *slots.Table, driver link.Driver) *Mux {
	return &Mux{
		table:   table,
		driver:  driver,
		buffers: link.NewBuffers(),
		cursor:  table.Clients() - 1,
	}
}

// SetOnboard sets the onboard collaborator. Call before Start.
func (m *Mux) SetOnboard(o Onboard) { m.onboard = o }

// SetHandler sets the inbound frame handler. Call before Start.
func (m *Mux) SetHandler(h Handler) { m.handler = h }

// SetTrace enables event tracing. Call before Start.
func (m *Mux) SetTrace(t *Trace) { m.trace = t }

// Table returns the slot table.
func (m *Mux) Table() *slots.Table { return m.table }

// Buffers returns the link buffers handed to the driver.
func (m *Mux) Buffers() *link.Buffers { return m.buffers }

// Start arms the driver with the link buffers and the completion handler.
func (m *Mux) Start() error {
	if err := m.driver.Begin(m.buffers, m.Complete); err != nil {
		return fmt.Errorf("failed to start link: %w", err)
	}
	log.Infof("Gateway started with %d client slots", m.table.Clients())
	return nil
}

// Publish stores f in its slot and marks it Full. It is safe from any goroutine,
// including handlers running on the completion path.
func (m *Mux) Publish(f frame.Frame) bool {
	ok := m.table.Publish(f)
	if ok {
		m.stats.published.Add(1)
		m.trace.Record(frameEvent(EventPublish, m.slotLabel(f.EndpointID), f))
	} else {
		m.stats.dropped.Add(1)
		m.trace.Record(frameEvent(EventDrop, m.slotLabel(f.EndpointID), f))
	}
	return ok
}

// PublishLocked stores f in its slot already locked, so it is resent until released.
func (m *Mux) PublishLocked(f frame.Frame) bool {
	ok := m.table.PublishLocked(f)
	if ok {
		m.stats.published.Add(1)
		m.trace.Record(frameEvent(EventLock, m.slotLabel(f.EndpointID), f))
	} else {
		m.stats.dropped.Add(1)
		m.trace.Record(frameEvent(EventDrop, m.slotLabel(f.EndpointID), f))
	}
	return ok
}

// Lock pins the slot of a client or onboard endpoint so it is resent until released.
func (m *Mux) Lock(endpointID byte) bool {
	id, ok := m.table.Route(endpointID)
	if !ok || !m.table.Lock(id) {
		log.Warnf("Cannot lock endpoint 0x%02x", endpointID)
		return false
	}
	m.trace.Record(Event{Type: EventLock, Slot: m.slotLabel(endpointID)})
	return true
}

// Release forces the slot of an endpoint back to Empty and frees the busy flag. It is the
// abort path; normal traffic is retired by Complete.
func (m *Mux) Release(endpointID byte) bool {
	id, ok := m.table.Route(endpointID)
	if !ok {
		log.Warnf("Cannot release endpoint 0x%02x", endpointID)
		return false
	}
	m.table.Clear(id)
	m.busy.Store(false)
	m.stats.releases.Add(1)
	m.trace.Record(Event{Type: EventRelease, Slot: m.slotLabel(endpointID)})
	log.Debugf("Released slot %d", id)
	return true
}

// Busy reports the transmit busy flag.
func (m *Mux) Busy() bool { return m.busy.Load() }

// Poll checks for outbound work. When the link is idle and the peer is listening it
// copies the winning slot into the transmit buffer, marks the link busy and asserts
// ready. The slot itself is left untouched until the transfer completes.
func (m *Mux) Poll() bool {
	if !m.pollMu.TryLock() {
		return false
	}
	defer m.pollMu.Unlock()

	m.stats.polls.Add(1)
	if m.busy.Load() || !m.driver.PeerSelected() {
		return false
	}

	id, entry, ok := m.arbitrate()
	if !ok {
		return false
	}
	if !m.busy.CompareAndSwap(false, true) {
		return false
	}

	// The frame is in the transmit buffer before the selection becomes visible to
	// Complete, so a retired selection was always on the wire.
	m.buffers.LoadTx(entry.Frame.Encode())
	m.selected.Store(&selection{id: id, entry: entry})
	m.driver.AssertReady(true)

	switch id {
	case m.table.Onboard():
		m.stats.onboard.Add(1)
	case m.table.Response():
		m.stats.response.Add(1)
	default:
		m.stats.client.Add(1)
	}
	log.Debugf("Selected slot %d (%s)", id, entry.Status)
	frame.LogFrame("TX", entry.Frame)
	m.trace.Record(frameEvent(EventTransmit, m.table.Label(id), entry.Frame))
	return true
}

// arbitrate picks the next slot: onboard, then response, then the next pending client
// after the cursor. Only Poll calls it, with pollMu held.
func (m *Mux) arbitrate() (slots.ID, *slots.Entry, bool) {
	if e := m.table.Load(m.table.Onboard()); e.Status == slots.Full {
		return m.table.Onboard(), e, true
	}
	if e := m.table.Load(m.table.Response()); e.Status == slots.Full {
		return m.table.Response(), e, true
	}

	n := m.table.Clients()
	for i := 0; i < n; i++ {
		m.cursor = (m.cursor + 1) % n
		id := slots.ID(m.cursor)
		if e := m.table.Load(id); e.Pending() && m.driver.PeerSelected() {
			return id, e, true
		}
	}
	return 0, nil, false
}

// Complete handles a finished transfer: it retires the slot that was sent, resets the
// transmit buffer, drops ready, frees the link and dispatches the received frame. It is
// called by the driver and never blocks.
func (m *Mux) Complete() {
	m.stats.transfers.Add(1)

	sel := m.selected.Swap(nil)
	if sel == nil {
		// Unsolicited transfer: a Poll may be between taking the busy flag and publishing
		// its selection, so the link state is left to it.
		m.stats.unexpected.Add(1)
		log.Tracef("Transfer completed with nothing selected")
		m.dispatchReceived()
		return
	}

	m.retire(sel)
	m.buffers.ResetTx()
	// Ready drops before busy is freed; the next Poll may raise it again at once.
	m.driver.AssertReady(false)
	m.busy.Store(false)
	m.dispatchReceived()
}

func (m *Mux) dispatchReceived() {
	in := frame.Decode(m.buffers.Rx())
	frame.LogFrame("RX", in)
	m.trace.Record(frameEvent(EventReceive, "", in))
	m.dispatch(in)
}

func (m *Mux) retire(sel *selection) {
	if sel.id == m.table.Onboard() {
		if m.table.Retire(sel.id, sel.entry) {
			m.stats.retired.Add(1)
		}
		if m.onboard != nil {
			m.onboard.OnSendComplete()
		}
		return
	}

	if m.onboard != nil && !m.onboard.Idle() {
		m.stats.deferred.Add(1)
		log.Debugf("Onboard busy, slot %d kept", sel.id)
		return
	}

	// Locked client slots survive; Retire only frees the Full entry that was sent.
	if m.table.Retire(sel.id, sel.entry) {
		m.stats.retired.Add(1)
	}
}

func (m *Mux) dispatch(in frame.Frame) {
	if m.handler == nil {
		return
	}
	handled := m.handler.Dispatch(in)
	if handled {
		m.stats.handled.Add(1)
	} else {
		m.stats.unhandled.Add(1)
	}
	if !in.IsBlank() {
		ev := frameEvent(EventDispatch, "", in)
		ev.Handled = &handled
		m.trace.Record(ev)
	}
}

// Run polls every interval until ctx is done.
func (m *Mux) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("Starting poll loop with interval: %v", interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping poll loop")
			return ctx.Err()
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Stats returns a copy of the counters.
func (m *Mux) Stats() Stats {
	return Stats{
		Polls:        m.stats.polls.Load(),
		Transfers:    m.stats.transfers.Load(),
		OnboardSent:  m.stats.onboard.Load(),
		ResponseSent: m.stats.response.Load(),
		ClientSent:   m.stats.client.Load(),
		Retired:      m.stats.retired.Load(),
		Deferred:     m.stats.deferred.Load(),
		Handled:      m.stats.handled.Load(),
		Unhandled:    m.stats.unhandled.Load(),
		Published:    m.stats.published.Load(),
		Dropped:      m.stats.dropped.Load(),
		Releases:     m.stats.releases.Load(),
		Unsolicited:  m.stats.unexpected.Load(),
		Busy:         m.busy.Load(),
	}
}

// Snapshot returns the state of every slot.
func (m *Mux) Snapshot() []slots.Info {
	return m.table.Snapshot()
}

func (m *Mux) slotLabel(endpointID byte) string {
	id, ok := m.table.Route(endpointID)
	if !ok {
		return m.table.Addressing().Endpoint(endpointID).String()
	}
	return m.table.Label(id)
}
