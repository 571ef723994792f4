package onboard

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jwoglom/wundergate/pkg/frame"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	log "github.com/sirupsen/logrus"
)

// DefaultQueueSize is the number of outbound onboard frames held while one is in flight.
const DefaultQueueSize = 16

// DefaultDiscoveryTimeout bounds a discovery when no other limit is set.
const DefaultDiscoveryTimeout = 30 * time.Second

// Publisher stores a frame in the slot of its endpoint.
type Publisher interface {
	Publish(f frame.Frame) bool
}

// Discoverer searches for client boards advertising one of services. Discover returns
// once expected clients are connected, the search ends on its own, or ctx is done.
type Discoverer interface {
	Discover(ctx context.Context, services []uint16, expected int) error
}

// discovery is one running search; it is finished at most once.
type discovery struct {
	cancel context.CancelFunc
}

// Controller is the gateway's local endpoint. It owns the onboard slot, tracks the
// mode and state the host puts it in, and keeps the host-written configuration in a Store.
// Its methods never block, so they may be called from the completion path.
type Controller struct {
	addr     frame.Addressing
	pub      Publisher
	store    *Store
	revision string

	mode     atomic.Int32
	state    atomic.Int32
	security atomic.Pointer[SecurityParams]

	// Frames wait here until the onboard slot is free; inflight is set while one is
	// published and not yet sent.
	queue    mpmc.RichOverlappedRingBuffer[frame.Frame]
	inflight atomic.Bool

	discoverer       Discoverer
	discoveryTimeout time.Duration
	active           atomic.Pointer[discovery]

	sent       atomic.Uint64
	overwrites atomic.Uint64
}

// Status is a snapshot of the controller for diagnostics.
type Status struct {
	Mode     string         `json:"mode"`
	State    string         `json:"state"`
	Security SecurityParams `json:"security"`
	Sent     uint64         `json:"sent"`
	Lost     uint64         `json:"lost"`
	InFlight bool           `json:"inFlight"`

	Discovering bool `json:"discovering"`
}

// NewController creates a controller in run mode, idle, with the run security parameters.
func NewController(addr frame.Addressing, pub Publisher, store *Store, revision string) *Controller {
	c := &Controller{
		addr:     addr,
		pub:      pub,
		store:    store,
		revision: revision,
		queue:    mpmc.NewOverlappedRingBuffer[frame.Frame](DefaultQueueSize),

		discoveryTimeout: DefaultDiscoveryTimeout,
	}
	c.mode.Store(int32(ModeRun))
	c.state.Store(int32(StateIdle))
	c.security.Store(&RunSecurity)
	return c
}

// Store returns the configuration store.
func (c *Controller) Store() *Store { return c.store }

// SetDiscoverer sets what searches for clients in discovery mode and how long a search may
// run. Without a discoverer a discovery only ends on the timeout or a host command. Call
// before Start.
func (c *Controller) SetDiscoverer(d Discoverer, timeout time.Duration) {
	c.discoverer = d
	if timeout > 0 {
		c.discoveryTimeout = timeout
	}
}

// Start announces the firmware revision to the host.
func (c *Controller) Start() {
	log.Infof("Onboard controller starting, firmware revision %s", c.revision)
	c.Send(frame.FieldFirmwareRevision, frame.OpWrite, []byte(c.revision))
}

// Send queues a frame on the onboard endpoint.
func (c *Controller) Send(field frame.FieldID, op frame.Operation, payload []byte) {
	id := c.addr.Onboard().ID()
	f := frame.New(id, field, id, op, payload)
	overwrites, err := c.queue.EnqueueM(f)
	if err != nil {
		log.Warnf("Onboard frame not queued: %v", err)
		return
	}
	if overwrites > 0 {
		c.overwrites.Add(uint64(overwrites))
		log.Warnf("Onboard queue full, %d frame(s) lost", overwrites)
	}
	c.pump()
}

// pump publishes the next queued frame unless one is still in flight.
func (c *Controller) pump() {
	for {
		if !c.inflight.CompareAndSwap(false, true) {
			return
		}
		f, err := c.queue.Dequeue()
		if err == nil {
			if c.pub.Publish(f) {
				return
			}
			log.Warnf("Onboard slot refused frame: %s", f)
			c.inflight.Store(false)
			continue
		}
		c.inflight.Store(false)
		// A frame queued between Dequeue and the store above would otherwise wait for
		// the next Send.
		if c.queue.IsEmpty() {
			return
		}
	}
}

// OnSendComplete is called when the onboard frame has been transferred.
func (c *Controller) OnSendComplete() {
	c.sent.Add(1)
	c.inflight.Store(false)
	c.pump()
}

// Idle reports whether no local operation is in progress.
func (c *Controller) Idle() bool {
	return State(c.state.Load()) == StateIdle
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode { return Mode(c.mode.Load()) }

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// ModeState returns the mode and state together.
func (c *Controller) ModeState() (Mode, State) {
	return c.Mode(), c.State()
}

// Security returns the active security parameters.
func (c *Controller) Security() SecurityParams { return *c.security.Load() }

// SetMode switches the operating mode. Entering discovery marks the controller busy and
// starts a search that ends with a discovery-complete frame to the host. Leaving discovery
// ends the search early.
func (c *Controller) SetMode(m Mode) bool {
	if m < ModeRun || m > ModeDiscovery {
		log.Warnf("Invalid onboard mode %d", m)
		return false
	}
	old := Mode(c.mode.Swap(int32(m)))
	log.Infof("Onboard mode %s -> %s", old, m)

	if m == ModeDiscovery {
		c.state.Store(int32(StateBusy))
		c.startDiscovery()
	} else if d := c.active.Load(); d != nil {
		d.cancel()
	}
	return true
}

// SetState sets the controller state. Going idle abandons a running discovery without
// reporting it complete.
func (c *Controller) SetState(s State) bool {
	if s != StateIdle && s != StateBusy {
		log.Warnf("Invalid onboard state %d", s)
		return false
	}
	if s == StateIdle {
		if d := c.active.Swap(nil); d != nil {
			d.cancel()
			log.Info("Discovery stopped")
		}
	}
	c.state.Store(int32(s))
	log.Debugf("Onboard state %s", s)
	return true
}

// startDiscovery runs the discoverer in the background. A search still running is
// replaced and will not report completion.
func (c *Controller) startDiscovery() {
	ctx, cancel := context.WithTimeout(context.Background(), c.discoveryTimeout)
	d := &discovery{cancel: cancel}
	if prev := c.active.Swap(d); prev != nil {
		prev.cancel()
	}

	services := c.searchServices()
	expected := len(c.store.Clients())
	log.Infof("Discovery started: %d service(s), %d client(s), timeout %v", len(services), expected, c.discoveryTimeout)

	go func() {
		if c.discoverer == nil {
			<-ctx.Done()
		} else if err := c.discoverer.Discover(ctx, services, expected); err != nil && ctx.Err() == nil {
			log.Errorf("Discovery failed: %v", err)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Infof("Discovery timed out after %v", c.discoveryTimeout)
		}
		c.finishDiscovery(d)
	}()
}

// searchServices returns the stored services used while onboarding clients.
func (c *Controller) searchServices() []uint16 {
	var out []uint16
	for _, svc := range c.store.DiscoveryServices() {
		if svc.UseMode == UseOnboard || svc.UseMode == UseAlways {
			out = append(out, svc.UUID)
		}
	}
	return out
}

func (c *Controller) finishDiscovery(d *discovery) {
	if !c.active.CompareAndSwap(d, nil) {
		return
	}
	d.cancel()
	c.completeDiscovery()
}

func (c *Controller) completeDiscovery() {
	c.state.Store(int32(StateIdle))
	log.Infof("Discovery complete")
	c.Send(frame.FieldConfigDiscoveryComplete, frame.OpNone, nil)
}

// SetRunSecurityParams selects the security parameters used in run mode.
func (c *Controller) SetRunSecurityParams() bool {
	c.security.Store(&RunSecurity)
	log.Debugf("Security parameters: %s", RunSecurity.Name)
	return true
}

// SetDiscoverySecurityParams selects the security parameters used while discovering.
func (c *Controller) SetDiscoverySecurityParams() bool {
	c.security.Store(&DiscoverySecurity)
	log.Debugf("Security parameters: %s", DiscoverySecurity.Name)
	return true
}

// DiscoveryComplete ends the running discovery, frees the controller and tells the host.
// A discovery is reported complete once.
func (c *Controller) DiscoveryComplete() {
	if d := c.active.Load(); d != nil {
		c.finishDiscovery(d)
		return
	}
	if c.state.CompareAndSwap(int32(StateBusy), int32(StateIdle)) {
		c.completeDiscovery()
	}
}

// StoreDiscoveryService stores a packed discovery service descriptor.
func (c *Controller) StoreDiscoveryService(data []byte) bool {
	svc, err := ParseDiscoveryService(data)
	if err != nil {
		log.Warnf("Discovery service rejected: %v", err)
		return false
	}
	if err := c.store.AddDiscoveryService(svc); err != nil {
		log.Warnf("Discovery service 0x%04x rejected: %v", svc.UUID, err)
		return false
	}
	log.Debugf("Stored discovery service 0x%04x (type %d, use %d)", svc.UUID, svc.Type, svc.UseMode)
	return true
}

// StoreClientDeviceName stores the device name of a client slot.
func (c *Controller) StoreClientDeviceName(index uint8, data []byte) bool {
	return c.stored("device name", index, c.store.SetClientName(index, data))
}

// StorePasskey stores the passkey of a client slot.
func (c *Controller) StorePasskey(index uint8, data []byte) bool {
	return c.stored("passkey", index, c.store.SetPasskey(index, data))
}

// StoreClientUUID stores the sensor id of a client slot.
func (c *Controller) StoreClientUUID(index uint8, data []byte) bool {
	return c.stored("uuid", index, c.store.SetClientUUID(index, data))
}

func (c *Controller) stored(what string, index uint8, err error) bool {
	if err != nil {
		log.Warnf("Client %d %s rejected: %v", index, what, err)
		return false
	}
	log.Debugf("Stored client %d %s", index, what)
	return true
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	return Status{
		Mode:     c.Mode().String(),
		State:    c.State().String(),
		Security: c.Security(),
		Sent:     c.sent.Load(),
		Lost:     c.overwrites.Load(),
		InFlight: c.inflight.Load(),

		Discovering: c.active.Load() != nil,
	}
}
