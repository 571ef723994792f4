package onboard

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwoglom/wundergate/pkg/sensors"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	ErrServicesFull  = errors.New("discovery service list full")
	ErrClientIndex   = errors.New("client index out of range")
	ErrInvalidLength = errors.New("invalid length")
)

// UseMode tells when a discovery service is used.
type UseMode uint8

const (
	UseNever UseMode = iota
	UseOnboard
	UseRun
	UseAlways
)

// DiscoveryService is a service the gateway looks for while discovering clients.
type DiscoveryService struct {
	UUID    uint16  `json:"uuid"`
	Type    uint8   `json:"type"`
	UseMode UseMode `json:"useMode"`
}

// discoveryServiceSize is the packed size: uuid(2, little endian) | type(1) | use mode(1).
const discoveryServiceSize = 4

// ParseDiscoveryService decodes a packed discovery service descriptor.
func ParseDiscoveryService(data []byte) (DiscoveryService, error) {
	if len(data) < discoveryServiceSize {
		return DiscoveryService{}, fmt.Errorf("%w: discovery service needs %d bytes, got %d",
			ErrInvalidLength, discoveryServiceSize, len(data))
	}
	svc := DiscoveryService{
		UUID:    binary.LittleEndian.Uint16(data),
		Type:    data[2],
		UseMode: UseMode(data[3]),
	}
	if svc.UseMode > UseAlways {
		return DiscoveryService{}, fmt.Errorf("unknown use mode %d", svc.UseMode)
	}
	return svc, nil
}

// ClientConfig is what the gateway remembers about one client slot.
type ClientConfig struct {
	Name    string `json:"name"`
	Passkey string `json:"passkey,omitempty"`
	UUID    string `json:"uuid,omitempty"`
}

type storeFile struct {
	Services []DiscoveryService `json:"services"`
	Clients  []ClientConfig     `json:"clients"`
}

// storeState is one immutable version of the store contents. Writers build a new state
// and swap it in; nothing reachable from a published state is modified again.
type storeState struct {
	services *orderedmap.OrderedMap[uint16, DiscoveryService]
	clients  []ClientConfig
}

func (st *storeState) withServices() *storeState {
	services := orderedmap.New[uint16, DiscoveryService]()
	for pair := st.services.Oldest(); pair != nil; pair = pair.Next() {
		services.Set(pair.Key, pair.Value)
	}
	return &storeState{services: services, clients: st.clients}
}

func (st *storeState) withClients() *storeState {
	return &storeState{services: st.services, clients: append([]ClientConfig(nil), st.clients...)}
}

// Store holds the configuration written by the host in config mode. Setters run on the
// completion path, so they never wait on a lock: each one swaps in a new version of the
// contents. Setters only touch memory; Save writes the file.
type Store struct {
	path  string
	state atomic.Pointer[storeState]
	dirty atomic.Bool

	// saveMu serializes writers of the file.
	saveMu sync.Mutex
}

// NewStore creates an in-memory store with the default device names. An empty path
// disables persistence.
func NewStore(path string, clients int) *Store {
	st := &storeState{
		services: orderedmap.New[uint16, DiscoveryService](),
		clients:  make([]ClientConfig, clients),
	}
	for i := range st.clients {
		st.clients[i].Name = sensors.Kind(i).DefaultName()
	}
	s := &Store{path: path}
	s.state.Store(st)
	return s
}

// LoadStore creates a store and fills it from path if the file exists.
func LoadStore(path string, clients int) (*Store, error) {
	s := NewStore(path, clients)
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("No store at %s, using defaults", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store: %w", err)
	}

	var file storeFile
	if err := jsoniter.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse store %s: %w", path, err)
	}

	st := s.state.Load().withServices().withClients()
	for _, svc := range file.Services {
		if st.services.Len() >= sensors.MaxDiscoveryServices {
			break
		}
		st.services.Set(svc.UUID, svc)
	}
	for i, c := range file.Clients {
		if i >= len(st.clients) {
			break
		}
		st.clients[i] = c
	}
	s.state.Store(st)
	log.Infof("Loaded store from %s: %d services, %d clients", path, st.services.Len(), len(file.Clients))
	return s, nil
}

// modify swaps in the state returned by fn and marks the store dirty. fn must not change
// cur and may run more than once.
func (s *Store) modify(fn func(cur *storeState) (*storeState, error)) error {
	for {
		cur := s.state.Load()
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if s.state.CompareAndSwap(cur, next) {
			s.dirty.Store(true)
			return nil
		}
	}
}

// AddDiscoveryService adds svc, or updates the entry with the same UUID.
func (s *Store) AddDiscoveryService(svc DiscoveryService) error {
	return s.modify(func(cur *storeState) (*storeState, error) {
		if _, ok := cur.services.Get(svc.UUID); !ok && cur.services.Len() >= sensors.MaxDiscoveryServices {
			return nil, ErrServicesFull
		}
		next := cur.withServices()
		next.services.Set(svc.UUID, svc)
		return next, nil
	})
}

// DiscoveryServices returns the services in the order they were added.
func (s *Store) DiscoveryServices() []DiscoveryService {
	st := s.state.Load()
	out := make([]DiscoveryService, 0, st.services.Len())
	for pair := st.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// SetClientName stores a device name. The name ends at the first NUL or filler byte.
func (s *Store) SetClientName(index uint8, data []byte) error {
	if n := bytes.IndexAny(data, "\x00\xff"); n >= 0 {
		data = data[:n]
	}
	if len(data) == 0 || len(data) > sensors.NameMaxLen {
		return fmt.Errorf("%w: device name is %d bytes", ErrInvalidLength, len(data))
	}
	name := string(data)
	return s.update(index, func(c *ClientConfig) { c.Name = name })
}

// SetPasskey stores the passkey from the head of data.
func (s *Store) SetPasskey(index uint8, data []byte) error {
	if len(data) < sensors.PasskeyLen {
		return fmt.Errorf("%w: passkey is %d bytes", ErrInvalidLength, len(data))
	}
	key := hex.EncodeToString(data[:sensors.PasskeyLen])
	return s.update(index, func(c *ClientConfig) { c.Passkey = key })
}

// SetClientUUID stores the sensor id from the head of data.
func (s *Store) SetClientUUID(index uint8, data []byte) error {
	if len(data) < sensors.UUIDLen {
		return fmt.Errorf("%w: uuid is %d bytes", ErrInvalidLength, len(data))
	}
	id := hex.EncodeToString(data[:sensors.UUIDLen])
	return s.update(index, func(c *ClientConfig) { c.UUID = id })
}

func (s *Store) update(index uint8, fn func(c *ClientConfig)) error {
	return s.modify(func(cur *storeState) (*storeState, error) {
		if int(index) >= len(cur.clients) {
			return nil, fmt.Errorf("%w: %d", ErrClientIndex, index)
		}
		next := cur.withClients()
		fn(&next.clients[index])
		return next, nil
	})
}

// Client returns the stored configuration of a client slot.
func (s *Store) Client(index uint8) (ClientConfig, bool) {
	st := s.state.Load()
	if int(index) >= len(st.clients) {
		return ClientConfig{}, false
	}
	return st.clients[index], true
}

// Clients returns the configuration of every client slot.
func (s *Store) Clients() []ClientConfig {
	return append([]ClientConfig(nil), s.state.Load().clients...)
}

// Dirty reports whether the store changed since it was last saved.
func (s *Store) Dirty() bool { return s.dirty.Load() }

// Save writes the store to its file.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	// Cleared before the state is read, so a change racing with the save marks it again.
	s.dirty.Store(false)
	st := s.state.Load()
	file := storeFile{
		Services: make([]DiscoveryService, 0, st.services.Len()),
		Clients:  st.clients,
	}
	for pair := st.services.Oldest(); pair != nil; pair = pair.Next() {
		file.Services = append(file.Services, pair.Value)
	}

	if s.path == "" {
		return nil
	}

	out, err := jsoniter.MarshalIndent(file, "", "  ")
	if err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("failed to encode store: %w", err)
	}
	if err := os.WriteFile(s.path, out, 0644); err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("failed to write store: %w", err)
	}
	log.Debugf("Saved store to %s", s.path)
	return nil
}

// Run saves the store whenever it is dirty, checking every interval, and once more when ctx
// is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.Dirty() {
				if err := s.Save(); err != nil {
					log.Errorf("Failed to save store: %v", err)
				}
			}
			return ctx.Err()
		case <-ticker.C:
			if !s.Dirty() {
				continue
			}
			if err := s.Save(); err != nil {
				log.Errorf("Failed to save store: %v", err)
			}
		}
	}
}
