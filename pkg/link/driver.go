package link

import (
	"errors"
	"sync/atomic"

	"github.com/jwoglom/wundergate/pkg/frame"
)

var (
	// ErrClosed is returned by drivers used after Close.
	ErrClosed = errors.New("link closed")
	// ErrNotStarted is returned when a transfer is attempted before Begin.
	ErrNotStarted = errors.New("link not started")
)

// Driver is the transport peripheral the gateway sits behind. The remote side (the link
// master) clocks every transfer; the gateway only arms buffers and signals readiness.
type Driver interface {
	// Begin hands the driver the link buffers. done is called once per completed transfer,
	// after the inbound frame has been stored in buf. It must not be called concurrently
	// with itself.
	Begin(buf *Buffers, done func()) error

	// PeerSelected reports the level of the remote select line: true while the peer is idle
	// and a transfer may be prepared.
	PeerSelected() bool

	// AssertReady drives the ready-to-send line seen by the peer.
	AssertReady(ready bool)

	Close() error
}

// Buffers holds the single transmit and receive frame handed to the driver. Swapping
// whole frames through atomic pointers keeps both sides wait-free.
type Buffers struct {
	tx atomic.Pointer[frame.Raw]
	rx atomic.Pointer[frame.Raw]
}

// NewBuffers returns buffers filled with filler bytes.
func NewBuffers() *Buffers {
	b := &Buffers{}
	b.ResetTx()
	blank := frame.Blank().Encode()
	b.rx.Store(&blank)
	return b
}

// LoadTx copies r into the transmit buffer.
func (b *Buffers) LoadTx(r frame.Raw) {
	b.tx.Store(&r)
}

// ResetTx fills the transmit buffer with filler bytes.
func (b *Buffers) ResetTx() {
	blank := frame.Blank().Encode()
	b.tx.Store(&blank)
}

// Tx returns a copy of the transmit buffer.
func (b *Buffers) Tx() frame.Raw {
	return *b.tx.Load()
}

// Rx returns a copy of the last received frame.
func (b *Buffers) Rx() frame.Raw {
	return *b.rx.Load()
}

// Exchange performs the full-duplex half of a transfer: in becomes the received frame and
// the frame clocked out to the peer is returned.
func (b *Buffers) Exchange(in frame.Raw) frame.Raw {
	b.rx.Store(&in)
	return *b.tx.Load()
}
