//go:build linux

package bluetooth

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jwoglom/wundergate/pkg/clients"
	"github.com/jwoglom/wundergate/pkg/sensors"

	"github.com/paypal/gatt"
	log "github.com/sirupsen/logrus"
)

// DefaultClientOptions contains the default options for the BLE central on Linux
var DefaultClientOptions = []gatt.Option{
	gatt.LnxMaxConnections(sensors.Count),
	gatt.LnxDeviceID(-1, false),
}

// discoveryCheckInterval is how often a discovery checks for connected clients.
const discoveryCheckInterval = 250 * time.Millisecond

type peer struct {
	p     gatt.Peripheral
	index uint8
	chars map[uint16]*gatt.Characteristic
}

// Gatt is the Linux HCI central. It scans for the configured sensor boards, connects to
// them, registers them as clients and forwards their notifications.
type Gatt struct {
	device   gatt.Device
	registry *clients.Registry
	lookup   IndexFunc
	notify   NotifyFunc

	mu    sync.Mutex
	peers map[string]*peer
}

// Open brings up the default HCI adapter and starts scanning once it is powered on.
func Open(registry *clients.Registry, lookup IndexFunc, notify NotifyFunc) (*Gatt, error) {
	d, err := gatt.NewDevice(DefaultClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	g := &Gatt{
		device:   d,
		registry: registry,
		lookup:   lookup,
		notify:   notify,
		peers:    make(map[string]*peer),
	}

	d.Handle(
		gatt.PeripheralDiscovered(g.onDiscovered),
		gatt.PeripheralConnected(g.onConnected),
		gatt.PeripheralDisconnected(g.onDisconnected),
	)

	onStateChanged := func(d gatt.Device, s gatt.State) {
		log.Infof("pkg bluetooth; adapter state: %s", s)
		switch s {
		case gatt.StatePoweredOn:
			d.Scan([]gatt.UUID{}, false)
		default:
			d.StopScanning()
		}
	}

	if err := d.Init(onStateChanged); err != nil {
		return nil, fmt.Errorf("could not init bluetooth: %w", err)
	}
	return g, nil
}

// Discover scans only for boards advertising one of services until expected clients are
// running or ctx is done, then goes back to the open scan that reconnects known boards.
func (g *Gatt) Discover(ctx context.Context, services []uint16, expected int) error {
	filter := make([]gatt.UUID, 0, len(services))
	for _, uuid := range services {
		filter = append(filter, gatt.UUID16(uuid))
	}

	log.Infof("pkg bluetooth; discovery scan for %d service(s), expecting %d client(s)", len(filter), expected)
	g.device.StopScanning()
	g.device.Scan(filter, false)
	defer func() {
		g.device.StopScanning()
		g.device.Scan([]gatt.UUID{}, false)
	}()

	ticker := time.NewTicker(discoveryCheckInterval)
	defer ticker.Stop()
	for {
		if n := g.running(); expected > 0 && n >= expected {
			log.Infof("pkg bluetooth; discovery found all %d client(s)", n)
			return nil
		}
		select {
		case <-ctx.Done():
			log.Infof("pkg bluetooth; discovery ended with %d client(s) running", g.running())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// running counts the connected peers whose client is running.
func (g *Gatt) running() int {
	g.mu.Lock()
	indexes := make([]uint8, 0, len(g.peers))
	for _, pr := range g.peers {
		indexes = append(indexes, pr.index)
	}
	g.mu.Unlock()

	n := 0
	for _, index := range indexes {
		if c, ok := g.registry.FindClient(index); ok && c.State() == clients.StateRunning {
			n++
		}
	}
	return n
}

func (g *Gatt) onDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	index, ok := g.lookup(a.LocalName)
	if !ok {
		return
	}

	g.mu.Lock()
	_, known := g.peers[p.ID()]
	if !known {
		g.peers[p.ID()] = &peer{p: p, index: index, chars: make(map[uint16]*gatt.Characteristic)}
	}
	g.mu.Unlock()
	if known {
		return
	}

	log.Infof("pkg bluetooth; found %s (%s) rssi=%d, connecting as client %d", a.LocalName, p.ID(), rssi, index)
	c := g.registry.Add(index, a.LocalName, p.ID())
	c.SetState(clients.StateConnecting)
	p.Device().Connect(p)
}

func (g *Gatt) onConnected(p gatt.Peripheral, err error) {
	g.mu.Lock()
	pr, ok := g.peers[p.ID()]
	g.mu.Unlock()
	if !ok {
		log.Warnf("pkg bluetooth; connected to unexpected peripheral %s", p.ID())
		p.Device().CancelConnection(p)
		return
	}
	if err != nil {
		log.Errorf("pkg bluetooth; connect to %s failed: %v", p.ID(), err)
		g.forget(p.ID())
		return
	}

	c, _ := g.registry.FindClient(pr.index)
	if c != nil {
		c.SetState(clients.StateDiscovery)
	}

	if err := g.discover(pr); err != nil {
		log.Errorf("pkg bluetooth; discovery on %s failed: %v", p.ID(), err)
		p.Device().CancelConnection(p)
		return
	}

	if c != nil {
		c.SetState(clients.StateRunning)
	}
	log.Infof("pkg bluetooth; client %d running (%d characteristics)", pr.index, len(pr.chars))
}

// discover records the characteristics of a peripheral and subscribes to its data.
func (g *Gatt) discover(pr *peer) error {
	services, err := pr.p.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", err)
	}

	chars := make(map[uint16]*gatt.Characteristic)
	for _, s := range services {
		cs, err := pr.p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return fmt.Errorf("failed to discover characteristics of %s: %w", s.UUID(), err)
		}
		for _, c := range cs {
			for _, uuid := range sensors.Characteristics() {
				if c.UUID().Equal(gatt.UUID16(uuid)) {
					chars[uuid] = c
				}
			}
		}
	}

	g.mu.Lock()
	pr.chars = chars
	g.mu.Unlock()

	if c, ok := chars[sensors.CharDataR]; ok && c.Properties()&gatt.CharNotify != 0 {
		if _, err := pr.p.DiscoverDescriptors(nil, c); err != nil {
			return fmt.Errorf("failed to discover descriptors: %w", err)
		}
		index := pr.index
		err := pr.p.SetNotifyValue(c, func(_ *gatt.Characteristic, b []byte, err error) {
			if err != nil {
				log.Warnf("pkg bluetooth; notification from client %d: %v", index, err)
				return
			}
			log.Tracef("pkg bluetooth; client %d notified %s", index, hex.EncodeToString(b))
			g.notify(index, sensors.CharDataR, b)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	return nil
}

func (g *Gatt) onDisconnected(p gatt.Peripheral, err error) {
	log.Infof("pkg bluetooth; %s disconnected: %v", p.ID(), err)
	g.forget(p.ID())
}

func (g *Gatt) forget(id string) {
	g.mu.Lock()
	pr, ok := g.peers[id]
	delete(g.peers, id)
	g.mu.Unlock()

	if ok {
		g.registry.Remove(pr.index)
	}
}

func (g *Gatt) characteristic(address string, uuid uint16) (gatt.Peripheral, *gatt.Characteristic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pr, ok := g.peers[address]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotConnected, address)
	}
	c, ok := pr.chars[uuid]
	if !ok {
		return nil, nil, fmt.Errorf("%w: 0x%04x on %s", ErrUnknownChar, uuid, address)
	}
	return pr.p, c, nil
}

// ReadCharacteristic implements Radio.
func (g *Gatt) ReadCharacteristic(address string, uuid uint16) ([]byte, error) {
	p, c, err := g.characteristic(address, uuid)
	if err != nil {
		return nil, err
	}
	b, err := p.ReadCharacteristic(c)
	if err != nil {
		return nil, fmt.Errorf("read 0x%04x: %w", uuid, err)
	}
	log.Tracef("pkg bluetooth; read 0x%04x from %s: %s", uuid, address, hex.EncodeToString(b))
	return b, nil
}

// WriteCharacteristic implements Radio.
func (g *Gatt) WriteCharacteristic(address string, uuid uint16, value []byte) error {
	p, c, err := g.characteristic(address, uuid)
	if err != nil {
		return err
	}
	if err := p.WriteCharacteristic(c, value, false); err != nil {
		return fmt.Errorf("write 0x%04x: %w", uuid, err)
	}
	return nil
}

// Close stops scanning and drops every connection.
func (g *Gatt) Close() error {
	g.device.StopScanning()

	g.mu.Lock()
	peers := make([]gatt.Peripheral, 0, len(g.peers))
	for _, pr := range g.peers {
		peers = append(peers, pr.p)
	}
	g.mu.Unlock()

	for _, p := range peers {
		g.device.CancelConnection(p)
	}
	return nil
}
