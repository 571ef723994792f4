package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/jwoglom/wundergate/pkg/gateway"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	monitorAddr    string
	monitorFilter  []string
	monitorNoColor bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Follow the frame trace of a running gateway",
	Long: `Connects to the WebSocket of a gateway started with the monitor API enabled
and prints every trace event.

Examples:
  # Follow everything
  wundergate monitor --addr localhost:8080

  # Only frames exchanged with the link master
  wundergate monitor --type tx,rx`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorAddr, "addr", "localhost:8080", "Address of the gateway API")
	monitorCmd.Flags().StringSliceVar(&monitorFilter, "type", nil, "Only show these event types (tx, rx, publish, drop, lock, release, dispatch)")
	monitorCmd.Flags().BoolVar(&monitorNoColor, "no-color", false, "Disable colored output")
}

var eventColors = map[gateway.EventType]*color.Color{
	gateway.EventTransmit: color.New(color.FgGreen),
	gateway.EventReceive:  color.New(color.FgCyan),
	gateway.EventPublish:  color.New(color.FgBlue),
	gateway.EventDrop:     color.New(color.FgRed, color.Bold),
	gateway.EventLock:     color.New(color.FgYellow),
	gateway.EventRelease:  color.New(color.FgYellow),
	gateway.EventDispatch: color.New(color.FgMagenta),
}

// eventPrinter formats trace events for a terminal.
type eventPrinter struct {
	out    io.Writer
	filter map[gateway.EventType]bool
}

func newEventPrinter(out io.Writer, types []string) *eventPrinter {
	p := &eventPrinter{out: out}
	if len(types) > 0 {
		p.filter = make(map[gateway.EventType]bool, len(types))
		for _, t := range types {
			p.filter[gateway.EventType(t)] = true
		}
	}
	return p
}

func (p *eventPrinter) print(e gateway.Event) {
	if p.filter != nil && !p.filter[e.Type] {
		return
	}

	c, ok := eventColors[e.Type]
	if !ok {
		c = color.New(color.Reset)
	}

	line := c.Sprintf("%-8s", e.Type)
	line += " " + e.Time.Format("15:04:05.000")
	if e.Slot != "" {
		line += fmt.Sprintf(" %-12s", e.Slot)
	}
	if e.Frame != nil {
		line += fmt.Sprintf(" ep=0x%02x field=%-3d client=%-3d op=%-5s %s",
			e.Frame.Endpoint, e.Frame.Field, e.Frame.Client, e.Frame.Operation, e.Frame.Payload)
	}
	if e.Handled != nil && !*e.Handled {
		line += color.New(color.Faint).Sprint(" (unhandled)")
	}
	fmt.Fprintln(p.out, line)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if monitorNoColor || !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	u := url.URL{Scheme: "ws", Host: monitorAddr, Path: "/ws"}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	defer conn.Close()
	log.Infof("Connected to %s", u.String())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return followEvents(ctx, conn, newEventPrinter(os.Stdout, monitorFilter))
}

func followEvents(ctx context.Context, conn *websocket.Conn, p *eventPrinter) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		// The server also sends stats snapshots, which carry no time.
		if jsoniter.Get(data, "type").ToString() == "stats" {
			log.Debugf("Gateway stats: %s", jsoniter.Get(data, "stats").ToString())
			continue
		}

		var e gateway.Event
		if err := jsoniter.Unmarshal(data, &e); err != nil {
			log.Warnf("Bad event: %v", err)
			continue
		}
		p.print(e)
	}
}
