package dispatch

import (
	"github.com/jwoglom/wundergate/pkg/frame"
	"github.com/jwoglom/wundergate/pkg/onboard"

	log "github.com/sirupsen/logrus"
)

// Command handles one configuration field.
type Command struct {
	Name   string
	Handle func(f frame.Frame) bool
}

func (d *Dispatcher) registerCommands() {
	ob := d.onboard

	d.RegisterCommand(frame.FieldRun, "run", func(frame.Frame) bool {
		ob.SetRunSecurityParams()
		return ob.SetMode(onboard.ModeRun)
	})
	d.RegisterCommand(frame.FieldConfigStart, "config-start", func(frame.Frame) bool {
		return ob.SetMode(onboard.ModeConfig)
	})
	d.RegisterCommand(frame.FieldConfigStartDiscovery, "start-discovery", func(frame.Frame) bool {
		ob.SetDiscoverySecurityParams()
		return ob.SetMode(onboard.ModeDiscovery)
	})
	d.RegisterCommand(frame.FieldConfigStop, "stop", func(frame.Frame) bool {
		return ob.SetState(onboard.StateIdle)
	})
	d.RegisterCommand(frame.FieldConfigAddDiscoveryService, "add-discovery-service", func(f frame.Frame) bool {
		return ob.StoreDiscoveryService(f.Payload[:])
	})
	d.RegisterCommand(frame.FieldConfigAddClientCharacteristic, "add-client-characteristic", func(frame.Frame) bool {
		return false
	})
	d.RegisterCommand(frame.FieldConfigClientName, "client-name", func(f frame.Frame) bool {
		return ob.StoreClientDeviceName(f.ClientIndex, f.Payload[:])
	})
	d.RegisterCommand(frame.FieldConfigClientPass, "client-pass", func(f frame.Frame) bool {
		return ob.StorePasskey(f.ClientIndex, f.Payload[:])
	})
	d.RegisterCommand(frame.FieldConfigClientUUID, "client-uuid", func(f frame.Frame) bool {
		return ob.StoreClientUUID(f.ClientIndex, f.Payload[:])
	})

	log.Debugf("Registered %d config commands", len(d.commands))
}

// RegisterCommand sets the handler of a configuration field, replacing any previous one.
// Call before the gateway starts.
func (d *Dispatcher) RegisterCommand(field frame.FieldID, name string, handle func(f frame.Frame) bool) {
	d.commands[field] = Command{Name: name, Handle: handle}
}

func (d *Dispatcher) config(f frame.Frame) bool {
	cmd, ok := d.commands[f.FieldID]
	if !ok {
		log.Debugf("Unhandled config field %d", f.FieldID)
		return false
	}
	handled := cmd.Handle(f)
	log.Debugf("Config %s: handled=%v", cmd.Name, handled)
	return handled
}

// GetStats returns dispatcher statistics
func (d *Dispatcher) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"configCommands": len(d.commands),
		"clients":        d.addr.Clients(),
	}
}
