package frame

import "fmt"

// Reserved endpoint ids. Client ids occupy 0..N-1 and the onboard endpoint is N, so
// they depend on the configured client count (see Addressing).
const (
	ResponseOK       byte = 0x64
	ResponseError    byte = 0x65
	ResponseBusy     byte = 0x66
	ResponseNotFound byte = 0x67

	ConfigID byte = 0xC8
	ErrorID  byte = 0xFF

	// MaxClients keeps client and onboard ids clear of the response range.
	MaxClients = int(ResponseOK) - 1
)

// Kind is the address space an endpoint id belongs to.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindClient
	KindOnboard
	KindResponse
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindOnboard:
		return "onboard"
	case KindResponse:
		return "response"
	case KindConfig:
		return "config"
	default:
		return "invalid"
	}
}

// Endpoint is an endpoint id decoded into its address space.
type Endpoint struct {
	kind Kind
	id   byte
}

// Kind returns the address space of the endpoint.
func (e Endpoint) Kind() Kind { return e.kind }

// ID returns the on-wire endpoint id.
func (e Endpoint) ID() byte { return e.id }

// ClientIndex returns the client index for client endpoints.
func (e Endpoint) ClientIndex() (uint8, bool) {
	if e.kind != KindClient {
		return 0, false
	}
	return e.id, true
}

func (e Endpoint) String() string {
	switch e.kind {
	case KindClient:
		return fmt.Sprintf("client[%d]", e.id)
	case KindResponse:
		return fmt.Sprintf("response(0x%02x)", e.id)
	case KindInvalid:
		return fmt.Sprintf("invalid(0x%02x)", e.id)
	default:
		return e.kind.String()
	}
}

// Response returns the response endpoint for one of the Response* codes.
func Response(code byte) Endpoint {
	if code < ResponseOK || code > ResponseNotFound {
		return Endpoint{kind: KindInvalid, id: code}
	}
	return Endpoint{kind: KindResponse, id: code}
}

// Config returns the configuration endpoint.
func Config() Endpoint {
	return Endpoint{kind: KindConfig, id: ConfigID}
}

// Addressing decodes endpoint ids for a gateway serving a fixed number of clients.
type Addressing struct {
	clients uint8
}

// NewAddressing returns the addressing for the given client count.
func NewAddressing(clients int) (Addressing, error) {
	if clients < 1 || clients > MaxClients {
		return Addressing{}, fmt.Errorf("client count %d out of range 1..%d", clients, MaxClients)
	}
	return Addressing{clients: uint8(clients)}, nil
}

// MustAddressing is like NewAddressing but panics on an invalid count.
func MustAddressing(clients int) Addressing {
	a, err := NewAddressing(clients)
	if err != nil {
		panic(err)
	}
	return a
}

// Clients returns the number of client endpoints.
func (a Addressing) Clients() int { return int(a.clients) }

// Client returns the endpoint of client index i.
func (a Addressing) Client(i uint8) Endpoint {
	if i >= a.clients {
		return Endpoint{kind: KindInvalid, id: i}
	}
	return Endpoint{kind: KindClient, id: i}
}

// Onboard returns the onboard (central) endpoint.
func (a Addressing) Onboard() Endpoint {
	return Endpoint{kind: KindOnboard, id: a.clients}
}

// Endpoint decodes an on-wire endpoint id.
func (a Addressing) Endpoint(id byte) Endpoint {
	switch {
	case id < a.clients:
		return Endpoint{kind: KindClient, id: id}
	case id == a.clients:
		return Endpoint{kind: KindOnboard, id: id}
	case id >= ResponseOK && id <= ResponseNotFound:
		return Endpoint{kind: KindResponse, id: id}
	case id == ConfigID:
		return Endpoint{kind: KindConfig, id: id}
	default:
		return Endpoint{kind: KindInvalid, id: id}
	}
}
