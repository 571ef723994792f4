package onboard

import "fmt"

// Mode is the operating mode of the gateway's local controller.
type Mode int32

const (
	ModeRun Mode = iota
	ModeConfig
	ModeDiscovery
)

func (m Mode) String() string {
	switch m {
	case ModeRun:
		return "run"
	case ModeConfig:
		return "config"
	case ModeDiscovery:
		return "discovery"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// State tells whether a local operation is in progress.
type State int32

const (
	StateIdle State = iota
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// IOCaps is the input/output capability advertised during pairing.
type IOCaps uint8

const (
	IOCapsDisplayOnly IOCaps = iota
	IOCapsDisplayYesNo
	IOCapsKeyboardOnly
	IOCapsNone
	IOCapsKeyboardDisplay
)

// SecurityParams is the pairing configuration used when connecting to clients.
type SecurityParams struct {
	Name       string `json:"name"`
	Bond       bool   `json:"bond"`
	MITM       bool   `json:"mitm"`
	IOCaps     IOCaps `json:"ioCaps"`
	OOB        bool   `json:"oob"`
	MinKeySize uint8  `json:"minKeySize"`
	MaxKeySize uint8  `json:"maxKeySize"`
}

var (
	// RunSecurity pairs with passkey entry so stored passkeys are used.
	RunSecurity = SecurityParams{
		Name:       "run",
		Bond:       true,
		MITM:       true,
		IOCaps:     IOCapsKeyboardOnly,
		MinKeySize: 7,
		MaxKeySize: 16,
	}

	// DiscoverySecurity pairs without authentication while new boards are found.
	DiscoverySecurity = SecurityParams{
		Name:       "discovery",
		IOCaps:     IOCapsNone,
		MinKeySize: 7,
		MaxKeySize: 16,
	}
)
