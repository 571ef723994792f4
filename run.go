package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jwoglom/wundergate/pkg/api"
	"github.com/jwoglom/wundergate/pkg/bluetooth"
	"github.com/jwoglom/wundergate/pkg/clients"
	"github.com/jwoglom/wundergate/pkg/config"
	"github.com/jwoglom/wundergate/pkg/dispatch"
	"github.com/jwoglom/wundergate/pkg/frame"
	"github.com/jwoglom/wundergate/pkg/gateway"
	"github.com/jwoglom/wundergate/pkg/link"
	"github.com/jwoglom/wundergate/pkg/onboard"
	"github.com/jwoglom/wundergate/pkg/sensors"
	"github.com/jwoglom/wundergate/pkg/slots"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	linkKind   string
	apiListen  string
	withBLE    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway",
	Long: `Starts the gateway: opens the link to the host, the onboard controller, the
client registry and (optionally) the BLE central and monitor API.

Configuration is read from --config, or from $WUNDERGATE_CONFIG. Flags override
the file.`,
	Args: cobra.NoArgs,
	RunE: runGateway,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration")
	runCmd.Flags().StringVar(&linkKind, "link", "", "Link driver (loopback, serial, pty, process)")
	runCmd.Flags().StringVar(&apiListen, "api", "", "Serve the monitor API on this address")
	runCmd.Flags().BoolVar(&withBLE, "ble", false, "Enable the BLE central")

	// run is also the default command
	rootCmd.Flags().AddFlagSet(runCmd.Flags())
	rootCmd.Args = cobra.NoArgs
	rootCmd.RunE = runGateway
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if linkKind != "" {
		cfg.Link.Kind = config.LinkKind(linkKind)
	}
	if apiListen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = apiListen
	}
	if withBLE {
		cfg.Bluetooth.Enabled = true
	}

	if !cmd.Flags().Changed("log-level") && !traceLevel && !infoLevel {
		if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
			log.SetLevel(level)
		} else {
			log.Warnf("Ignoring log level %q from config: %v", cfg.LogLevel, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// gatewayRuntime holds the wired components of a running gateway.
type gatewayRuntime struct {
	cfg      *config.Config
	mux      *gateway.Mux
	trace    *gateway.Trace
	driver   link.Driver
	store    *onboard.Store
	ctrl     *onboard.Controller
	registry *clients.Registry
	central  *bluetooth.Central
	api      *api.Server
}

func openLink(cfg config.LinkConfig) (link.Driver, error) {
	switch cfg.Kind {
	case config.LinkLoopback:
		return link.NewLoopback(), nil
	case config.LinkSerial:
		return link.OpenSerial(cfg.Device, cfg.Baud)
	case config.LinkPTY:
		return link.OpenPTY()
	case config.LinkProcess:
		return link.SpawnProcess(cfg.Command)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidLink, cfg.Kind)
	}
}

func openRadio(cfg *config.Config, registry *clients.Registry, store *onboard.Store, notify bluetooth.NotifyFunc) bluetooth.Radio {
	if !cfg.Bluetooth.Enabled {
		log.Info("BLE central disabled, characteristic requests will fail")
		return bluetooth.Offline{}
	}

	lookup := bluetooth.NameIndex(func() []string {
		configs := store.Clients()
		names := make([]string, len(configs))
		for i, c := range configs {
			names[i] = c.Name
		}
		return names
	})

	radio, err := bluetooth.Open(registry, lookup, notify)
	if err != nil {
		log.Errorf("Could not start BLE: %s", err)
		return bluetooth.Offline{}
	}
	return radio
}

func buildGateway(cfg *config.Config) (*gatewayRuntime, error) {
	addr, err := frame.NewAddressing(cfg.Clients)
	if err != nil {
		return nil, err
	}

	driver, err := openLink(cfg.Link)
	if err != nil {
		return nil, err
	}

	rt := &gatewayRuntime{
		cfg:      cfg,
		driver:   driver,
		trace:    gateway.NewTrace(cfg.TraceSize),
		registry: clients.NewRegistry(),
	}
	rt.mux = gateway.New(slots.New(addr), driver)
	rt.mux.SetTrace(rt.trace)

	rt.store, err = onboard.LoadStore(cfg.StorePath, cfg.Clients)
	if err != nil {
		driver.Close()
		return nil, err
	}
	rt.ctrl = onboard.NewController(addr, rt.mux, rt.store, cfg.Revision)
	rt.mux.SetOnboard(rt.ctrl)

	// The radio delivers notifications through the central, which is built after it.
	var central *bluetooth.Central
	radio := openRadio(cfg, rt.registry, rt.store, func(index uint8, uuid uint16, value []byte) {
		central.Notify(index, uuid, value)
	})
	central = bluetooth.NewCentral(addr, rt.mux, radio, cfg.Bluetooth.QueueDepth)
	rt.central = central
	rt.ctrl.SetDiscoverer(radio, cfg.Bluetooth.DiscoveryTimeout)

	d := dispatch.New(addr, rt.mux, rt.registry, rt.central, rt.ctrl)
	rt.mux.SetHandler(d)

	if cfg.API.Enabled {
		rt.api = api.New(rt.mux, rt.trace)
		rt.api.AddStatus("onboard", func() interface{} { return rt.ctrl.Status() })
		rt.api.AddStatus("clients", func() interface{} { return rt.registry.List() })
		rt.api.AddStatus("bluetooth", func() interface{} { return rt.central.Stats() })
		rt.api.AddStatus("commands", func() interface{} { return d.GetStats() })
		rt.api.AddStatus("store", func() interface{} {
			return map[string]interface{}{
				"services": rt.store.DiscoveryServices(),
				"clients":  rt.store.Clients(),
			}
		})
	}
	return rt, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Info("Starting Wundergate")
	log.Infof("Clients: %d, onboard endpoint 0x%02x", cfg.Clients, byte(cfg.Clients))
	log.Info("Relayr service UUID: ", sensors.ServiceRelayr)

	rt, err := buildGateway(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.central.Close(); err != nil {
			log.Warnf("Error closing BLE: %v", err)
		}
		if err := rt.driver.Close(); err != nil {
			log.Warnf("Error closing link: %v", err)
		}
	}()

	if err := rt.mux.Start(); err != nil {
		return err
	}
	rt.ctrl.Start()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rt.serve(ctx)
}

// serve runs every background loop until ctx is done or one of them fails.
func (rt *gatewayRuntime) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			log.Errorf("%s stopped: %v", name, err)
			errOnce.Do(func() {
				firstErr = fmt.Errorf("%s: %w", name, err)
				cancel()
			})
		}()
	}

	spawn("poll loop", func(ctx context.Context) error {
		return rt.mux.Run(ctx, rt.cfg.PollInterval)
	})
	spawn("BLE worker", rt.central.Run)
	spawn("store", func(ctx context.Context) error {
		return rt.store.Run(ctx, rt.cfg.SaveInterval)
	})

	if lb, ok := rt.driver.(*link.Loopback); ok {
		spawn("loopback master", func(ctx context.Context) error {
			return lb.Serve(ctx, rt.cfg.Link.Interval, func(f frame.Frame) {
				frame.LogFrame("Host received", f)
			})
		})
	}

	if rt.api != nil {
		spawn("API", func(ctx context.Context) error {
			return rt.api.Start(ctx, rt.cfg.API.Listen)
		})
		spawn("trace broadcast", func(ctx context.Context) error {
			return rt.api.Broadcast(ctx, 50*time.Millisecond)
		})
	}

	log.Info("Gateway running, waiting for the link master...")
	<-ctx.Done()
	wg.Wait()

	stats := rt.mux.Stats()
	log.Infof("Gateway stopped: %d transfers, %d handled, %d dropped", stats.Transfers, stats.Handled, stats.Dropped)
	return firstErr
}
