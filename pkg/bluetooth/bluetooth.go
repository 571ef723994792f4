package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jwoglom/wundergate/pkg/clients"
	"github.com/jwoglom/wundergate/pkg/frame"
	"github.com/jwoglom/wundergate/pkg/sensors"

	log "github.com/sirupsen/logrus"
)

// DefaultQueueDepth is the number of characteristic requests waiting for the radio.
const DefaultQueueDepth = 32

var (
	ErrQueueFull         = errors.New("request queue full")
	ErrNotConnected      = errors.New("peripheral not connected")
	ErrUnknownChar       = errors.New("characteristic not found")
	ErrBluetoothDisabled = errors.New("bluetooth disabled")
	ErrUnsupported       = errors.New("bluetooth not supported on this platform")
)

// Radio finds client boards and performs characteristic operations on them. Calls may
// block for the duration of a radio round trip.
type Radio interface {
	// Discover searches for boards advertising one of services until expected of them are
	// running, or ctx is done.
	Discover(ctx context.Context, services []uint16, expected int) error
	ReadCharacteristic(address string, uuid uint16) ([]byte, error)
	WriteCharacteristic(address string, uuid uint16, value []byte) error
	Close() error
}

// IndexFunc resolves the client index of an advertised device name.
type IndexFunc func(name string) (uint8, bool)

// NotifyFunc receives a characteristic value pushed by a client.
type NotifyFunc func(index uint8, uuid uint16, value []byte)

// NameIndex matches advertised names against names; a name's position is its client index.
func NameIndex(names func() []string) IndexFunc {
	return func(name string) (uint8, bool) {
		if name == "" {
			return 0, false
		}
		for i, n := range names() {
			if n == name {
				return uint8(i), true
			}
		}
		return 0, false
	}
}

// Publisher stores a frame in the slot of its endpoint.
type Publisher interface {
	Publish(f frame.Frame) bool
}

// Offline is a Radio with no adapter behind it.
type Offline struct{}

// Discover finds nothing; the discovery window stays open until ctx is done.
func (Offline) Discover(ctx context.Context, _ []uint16, _ int) error {
	<-ctx.Done()
	return ctx.Err()
}

func (Offline) ReadCharacteristic(string, uint16) ([]byte, error) {
	return nil, ErrBluetoothDisabled
}

func (Offline) WriteCharacteristic(string, uint16, []byte) error {
	return ErrBluetoothDisabled
}

func (Offline) Close() error { return nil }

type requestKind int

const (
	requestRead requestKind = iota
	requestWrite
)

type request struct {
	kind    requestKind
	index   uint8
	address string
	uuid    uint16
	value   []byte
}

// Central executes characteristic requests for the gateway. Read and Write only queue the
// request; a worker performs it on the radio and publishes the outcome.
type Central struct {
	addr  frame.Addressing
	pub   Publisher
	radio Radio

	requests chan request
	wg       sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// NewCentral creates a central over radio. depth bounds the request queue.
func NewCentral(addr frame.Addressing, pub Publisher, radio Radio, depth int) *Central {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Central{
		addr:     addr,
		pub:      pub,
		radio:    radio,
		requests: make(chan request, depth),
	}
}

// Read queues a read of uuid on client c.
func (b *Central) Read(c *clients.Client, uuid uint16) bool {
	return b.enqueue(request{kind: requestRead, index: c.Index(), address: c.Address(), uuid: uuid})
}

// Write queues a write of value to uuid on client c.
func (b *Central) Write(c *clients.Client, uuid uint16, value []byte) bool {
	v := make([]byte, len(value))
	copy(v, value)
	return b.enqueue(request{kind: requestWrite, index: c.Index(), address: c.Address(), uuid: uuid, value: v})
}

func (b *Central) enqueue(r request) bool {
	select {
	case b.requests <- r:
		return true
	default:
		b.rejected.Add(1)
		log.Warnf("pkg bluetooth; %v, request for client %d dropped", ErrQueueFull, r.index)
		return false
	}
}

// Run performs queued requests until ctx is done.
func (b *Central) Run(ctx context.Context) error {
	b.wg.Add(1)
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-b.requests:
			b.perform(r)
		}
	}
}

func (b *Central) perform(r request) {
	switch r.kind {
	case requestRead:
		value, err := b.radio.ReadCharacteristic(r.address, r.uuid)
		if err != nil {
			b.fail(r, err)
			return
		}
		b.completed.Add(1)
		b.Notify(r.index, r.uuid, value)

	case requestWrite:
		if err := b.radio.WriteCharacteristic(r.address, r.uuid, r.value); err != nil {
			b.fail(r, err)
			return
		}
		b.completed.Add(1)
		log.Debugf("pkg bluetooth; wrote 0x%04x on client %d", r.uuid, r.index)
		b.respond(frame.ResponseOK, frame.FieldRunWriteRspOK, r.index)
	}
}

func (b *Central) fail(r request, err error) {
	b.failed.Add(1)
	log.Errorf("pkg bluetooth; client %d characteristic 0x%04x: %v", r.index, r.uuid, err)
	b.respond(frame.ResponseError, frame.FieldRunError, r.index)
}

func (b *Central) respond(code byte, field frame.FieldID, index uint8) {
	b.pub.Publish(frame.New(code, field, index, frame.OpNone, nil))
}

// Notify publishes a characteristic value of client index to the host. Values longer
// than the sensor's message size are cut to it.
func (b *Central) Notify(index uint8, uuid uint16, value []byte) {
	field, ok := sensors.FieldForChar(uuid)
	if !ok {
		log.Debugf("pkg bluetooth; value of unmapped characteristic 0x%04x from client %d ignored", uuid, index)
		return
	}
	if n := sensors.MessageSize(sensors.Kind(index), field); n > 0 && len(value) > n {
		value = value[:n]
	}
	ep := b.addr.Client(index)
	if ep.Kind() != frame.KindClient {
		log.Warnf("pkg bluetooth; value for %s ignored", ep)
		return
	}
	b.pub.Publish(frame.New(ep.ID(), field, index, frame.OpRead, value))
}

// Stats describes the request counters.
type Stats struct {
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Stats returns the request counters.
func (b *Central) Stats() Stats {
	return Stats{
		Queued:    len(b.requests),
		Completed: b.completed.Load(),
		Failed:    b.failed.Load(),
		Rejected:  b.rejected.Load(),
	}
}

// Close waits for Run to return and closes the radio. Cancel the context given to Run
// first.
func (b *Central) Close() error {
	b.wg.Wait()
	if err := b.radio.Close(); err != nil {
		return fmt.Errorf("failed to close radio: %w", err)
	}
	return nil
}
