package clients

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	log "github.com/sirupsen/logrus"
)

// State is the connection state of a client.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateDiscovery
	StateRunning
	StateWait
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateDiscovery:
		return "discovery"
	case StateRunning:
		return "running"
	case StateWait:
		return "wait"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Servable reports whether characteristic requests may be issued in this state.
func (s State) Servable() bool {
	return s == StateRunning || s == StateWait
}

// Client is a connected sensor board.
type Client struct {
	index   uint8
	name    string
	address string
	state   atomic.Int32
}

// Index returns the client index, which is also its endpoint id.
func (c *Client) Index() uint8 { return c.index }

// Name returns the advertised device name.
func (c *Client) Name() string { return c.name }

// Address returns the peripheral address.
func (c *Client) Address() string { return c.address }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// SetState updates the connection state.
func (c *Client) SetState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		log.Debugf("Client %d (%s): %s -> %s", c.index, c.name, old, s)
	}
}

// Info is a serializable view of a client.
type Info struct {
	Index   uint8  `json:"index"`
	Name    string `json:"name"`
	Address string `json:"address"`
	State   string `json:"state"`
}

// Registry holds the connected clients keyed by index. Lookups are lock-free so they can be
// made from the completion path.
type Registry struct {
	clients *hashmap.Map[uint8, *Client]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: hashmap.New[uint8, *Client]()}
}

// Add registers a client at index, or returns the existing one.
func (r *Registry) Add(index uint8, name, address string) *Client {
	c, loaded := r.clients.GetOrInsert(index, &Client{index: index, name: name, address: address})
	if !loaded {
		log.Infof("Client %d registered: %s (%s)", index, name, address)
	}
	return c
}

// Remove forgets the client at index.
func (r *Registry) Remove(index uint8) bool {
	c, ok := r.clients.Get(index)
	if !ok {
		return false
	}
	c.SetState(StateDisconnected)
	r.clients.Del(index)
	log.Infof("Client %d removed", index)
	return true
}

// FindClient returns the client registered at index.
func (r *Registry) FindClient(index uint8) (*Client, bool) {
	return r.clients.Get(index)
}

// Len returns the number of registered clients.
func (r *Registry) Len() int { return r.clients.Len() }

// List returns every client ordered by index.
func (r *Registry) List() []Info {
	out := make([]Info, 0, r.clients.Len())
	r.clients.Range(func(_ uint8, c *Client) bool {
		out = append(out, Info{
			Index:   c.index,
			Name:    c.name,
			Address: c.address,
			State:   c.State().String(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
