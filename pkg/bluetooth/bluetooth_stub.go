//go:build !linux

package bluetooth

import (
	"github.com/jwoglom/wundergate/pkg/clients"

	log "github.com/sirupsen/logrus"
)

// Gatt is the BLE central (stub for non-Linux platforms)
type Gatt struct {
	Offline
}

// Open reports that no adapter is available on this platform
func Open(registry *clients.Registry, lookup IndexFunc, notify NotifyFunc) (*Gatt, error) {
	log.Warn("Bluetooth is only supported on Linux.")
	return nil, ErrUnsupported
}
