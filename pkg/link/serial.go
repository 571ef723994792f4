package link

import (
	"os"

	"github.com/creack/pty"
	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// OpenSerial opens a serial device as a stream link (8N1).
func OpenSerial(device string, baud uint) (*Stream, error) {
	port, err := serial.Open(serial.OpenOptions{
		PortName:        device,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", device)
	}
	log.Infof("Opened serial link %s at %d baud", device, baud)
	return NewStream(device, port), nil
}

// PTY is a stream link over a pseudo-terminal. A peer emulator opens TTYName.
type PTY struct {
	*Stream
	tty *os.File
}

// OpenPTY allocates a raw-mode pseudo-terminal pair and drives the link over its master.
func OpenPTY() (*PTY, error) {
	master, tty, err := pty.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open pty")
	}
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		master.Close()
		tty.Close()
		return nil, errors.Wrapf(err, "set %s to raw mode", tty.Name())
	}

	log.Infof("PTY link ready, connect the peer to %s", tty.Name())
	return &PTY{Stream: NewStream(tty.Name(), master), tty: tty}, nil
}

// TTYName returns the path of the terminal side.
func (p *PTY) TTYName() string { return p.tty.Name() }

// Close closes both sides of the terminal.
func (p *PTY) Close() error {
	err := p.Stream.Close()
	if cerr := p.tty.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "close tty")
	}
	return err
}
