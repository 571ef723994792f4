package dispatch

import (
	"encoding/binary"

	"github.com/jwoglom/wundergate/pkg/clients"
	"github.com/jwoglom/wundergate/pkg/frame"
	"github.com/jwoglom/wundergate/pkg/onboard"

	log "github.com/sirupsen/logrus"
)

// Publisher stores a frame in the slot of its endpoint.
type Publisher interface {
	Publish(f frame.Frame) bool
}

// Registry finds connected clients by index.
type Registry interface {
	FindClient(index uint8) (*clients.Client, bool)
}

// Characteristics performs characteristic operations on a client. Both calls must return
// without waiting for the radio; results are published later.
type Characteristics interface {
	Read(c *clients.Client, uuid uint16) bool
	Write(c *clients.Client, uuid uint16, value []byte) bool
}

// Onboard receives the configuration commands.
type Onboard interface {
	SetMode(m onboard.Mode) bool
	SetState(s onboard.State) bool
	SetRunSecurityParams() bool
	SetDiscoverySecurityParams() bool
	StoreDiscoveryService(data []byte) bool
	StoreClientDeviceName(index uint8, data []byte) bool
	StorePasskey(index uint8, data []byte) bool
	StoreClientUUID(index uint8, data []byte) bool
}

// Dispatcher classifies inbound frames and hands them to the collaborator that owns them.
// It implements gateway.Handler and runs on the completion path.
type Dispatcher struct {
	addr     frame.Addressing
	pub      Publisher
	registry Registry
	chars    Characteristics
	onboard  Onboard

	commands map[frame.FieldID]Command
}

// New creates a dispatcher with the standard configuration commands registered.
func New(addr frame.Addressing, pub Publisher, registry Registry, chars Characteristics, ob Onboard) *Dispatcher {
	d := &Dispatcher{
		addr:     addr,
		pub:      pub,
		registry: registry,
		chars:    chars,
		onboard:  ob,
		commands: make(map[frame.FieldID]Command),
	}
	d.registerCommands()
	return d
}

// Dispatch handles one inbound frame and reports whether it was handled.
func (d *Dispatcher) Dispatch(f frame.Frame) bool {
	ep := d.addr.Endpoint(f.EndpointID)

	switch {
	case f.EndpointID < frame.ResponseOK && (f.FieldID == frame.FieldReadChar || f.FieldID == frame.FieldWriteChar):
		return d.characteristic(ep, f)
	case ep.Kind() == frame.KindConfig:
		return d.config(f)
	default:
		if !f.IsBlank() {
			log.Debugf("Unhandled frame for %s: %s", ep, f)
		}
		return false
	}
}

func (d *Dispatcher) characteristic(ep frame.Endpoint, f frame.Frame) bool {
	index, ok := ep.ClientIndex()
	if !ok {
		log.Debugf("Characteristic request for %s, no such client", ep)
		d.respond(frame.ResponseNotFound)
		return true
	}

	c, ok := d.registry.FindClient(index)
	if !ok {
		log.Debugf("Client %d not found", index)
		d.respond(frame.ResponseNotFound)
		return true
	}
	if !c.State().Servable() {
		log.Debugf("Client %d busy (%s)", index, c.State())
		d.respond(frame.ResponseBusy)
		return true
	}

	uuid := binary.LittleEndian.Uint16(f.Payload[0:2])
	if f.Operation != frame.OpWrite {
		log.Debugf("Read 0x%04x from client %d", uuid, index)
		return d.chars.Read(c, uuid)
	}

	n := int(f.Payload[2])
	if limit := frame.PayloadSize - 3; n > limit {
		log.Warnf("Write length %d to client %d clamped to %d", n, index, limit)
		n = limit
	}
	value := make([]byte, n)
	copy(value, f.Payload[3:3+n])
	log.Debugf("Write 0x%04x to client %d: % x", uuid, index, value)
	return d.chars.Write(c, uuid, value)
}

// respond publishes an error response to the host.
func (d *Dispatcher) respond(code byte) {
	id := d.addr.Onboard().ID()
	d.pub.Publish(frame.New(code, frame.FieldRunError, id, frame.OpNone, nil))
}
