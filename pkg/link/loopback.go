package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwoglom/wundergate/pkg/frame"

	log "github.com/sirupsen/logrus"
)

// Loopback is an in-process driver. The caller plays the link master: it toggles the
// select line and clocks transfers with Transfer.
type Loopback struct {
	mu       sync.Mutex
	buf      *Buffers
	done     func()
	selected atomic.Bool
	ready    atomic.Bool
	closed   atomic.Bool
}

// NewLoopback returns a loopback driver whose peer starts idle.
func NewLoopback() *Loopback {
	l := &Loopback{}
	l.selected.Store(true)
	return l
}

// Begin implements Driver.
func (l *Loopback) Begin(buf *Buffers, done func()) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = buf
	l.done = done
	return nil
}

// PeerSelected implements Driver.
func (l *Loopback) PeerSelected() bool { return l.selected.Load() }

// AssertReady implements Driver.
func (l *Loopback) AssertReady(ready bool) { l.ready.Store(ready) }

// SetPeerSelected sets the level of the select line.
func (l *Loopback) SetPeerSelected(selected bool) { l.selected.Store(selected) }

// Ready reports the ready-to-send line.
func (l *Loopback) Ready() bool { return l.ready.Load() }

// Transfer clocks one frame through the link: in is delivered to the gateway and the
// frame in the transmit buffer is returned. The completion callback runs before Transfer
// returns.
func (l *Loopback) Transfer(in frame.Frame) (frame.Frame, error) {
	if l.closed.Load() {
		return frame.Frame{}, ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf == nil {
		return frame.Frame{}, ErrNotStarted
	}

	out := frame.Decode(l.buf.Exchange(in.Encode()))
	if l.done != nil {
		l.done()
	}
	return out, nil
}

// Close implements Driver.
func (l *Loopback) Close() error {
	l.closed.Store(true)
	return nil
}

// Serve runs a minimal master: every interval, if the gateway signals ready, it clocks a
// filler frame and passes what came back to sink. It returns when ctx is done.
func (l *Loopback) Serve(ctx context.Context, interval time.Duration, sink func(frame.Frame)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("Loopback master polling every %v", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !l.Ready() {
				continue
			}
			out, err := l.Transfer(frame.Blank())
			if err != nil {
				return err
			}
			if sink != nil {
				sink(out)
			}
		}
	}
}
