package link

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/jwoglom/wundergate/pkg/frame"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// Byte protocol spoken over a stream link. Every message is a one byte tag followed by a
// fixed body.
//
//	peer -> gateway: 'X' + frame (24)   transfer, peer frame in
//	                 'S' + level (1)    select line, 1 = peer idle
//	gateway -> peer: 'X' + frame (24)   transfer reply, gateway frame out
//	                 'R' + level (1)    ready-to-send line
const (
	TagTransfer byte = 'X'
	TagSelect   byte = 'S'
	TagReady    byte = 'R'
)

const (
	rxBufferSize = 4096
	txQueueDepth = 256
)

// Stream drives the link over any byte stream, such as a serial port or a PTY.
type Stream struct {
	name string
	rwc  io.ReadWriteCloser
	rb   *ringbuffer.RingBuffer
	out  chan []byte

	mu   sync.Mutex
	buf  *Buffers
	done func()

	selected atomic.Bool
	ready    atomic.Bool
	started  atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStream wraps rwc. The peer is assumed idle until it says otherwise.
func NewStream(name string, rwc io.ReadWriteCloser) *Stream {
	s := &Stream{
		name:   name,
		rwc:    rwc,
		rb:     ringbuffer.New(rxBufferSize),
		out:    make(chan []byte, txQueueDepth),
		closed: make(chan struct{}),
	}
	s.selected.Store(true)
	return s
}

// Name returns the device the stream is attached to.
func (s *Stream) Name() string { return s.name }

// Begin implements Driver and starts the reader and writer goroutines.
func (s *Stream) Begin(buf *Buffers, done func()) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	s.buf = buf
	s.done = done
	s.mu.Unlock()

	if s.started.CompareAndSwap(false, true) {
		s.wg.Add(2)
		go s.rxLoop()
		go s.txLoop()
		log.Infof("Link stream %s started", s.name)
	}
	return nil
}

// PeerSelected implements Driver.
func (s *Stream) PeerSelected() bool { return s.selected.Load() }

// AssertReady implements Driver. The level is queued to the writer and never blocks.
func (s *Stream) AssertReady(ready bool) {
	s.ready.Store(ready)
	level := byte(0)
	if ready {
		level = 1
	}
	s.enqueue([]byte{TagReady, level})
}

// Close implements Driver.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.rwc.Close()
		s.wg.Wait()
	})
	return errors.Wrapf(err, "close %s", s.name)
}

func (s *Stream) enqueue(msg []byte) {
	select {
	case s.out <- msg:
	default:
		log.Warnf("Link stream %s: write queue full, dropped tag %q", s.name, msg[0])
	}
}

func (s *Stream) txLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.out:
			if _, err := s.rwc.Write(msg); err != nil {
				if s.isClosed() {
					return
				}
				log.Errorf("Link stream %s: %v", s.name, errors.Wrap(err, "write"))
			}
		}
	}
}

func (s *Stream) rxLoop() {
	defer s.wg.Done()

	chunk := make([]byte, 256)
	var tag byte
	for {
		n, err := s.rwc.Read(chunk)
		if n > 0 {
			if w, werr := s.rb.Write(chunk[:n]); werr != nil {
				log.Warnf("Link stream %s: receive buffer overflow, dropped %d bytes", s.name, n-w)
			}
			tag = s.drain(tag)
		}
		if err != nil {
			if !s.isClosed() && err != io.EOF {
				log.Errorf("Link stream %s: %v", s.name, errors.Wrap(err, "read"))
			}
			return
		}
	}
}

// drain consumes every complete message in the receive buffer. tag is the message whose
// body is still incomplete, or 0; the pending tag is returned.
func (s *Stream) drain(tag byte) byte {
	var one [1]byte
	for {
		if tag == 0 {
			if n, _ := s.rb.TryRead(one[:]); n == 0 {
				return 0
			}
			tag = one[0]
		}

		switch tag {
		case TagSelect:
			if s.rb.Length() < 1 {
				return tag
			}
			s.rb.TryRead(one[:])
			s.selected.Store(one[0] != 0)
		case TagTransfer:
			if s.rb.Length() < frame.Size {
				return tag
			}
			var in frame.Raw
			s.rb.TryRead(in[:])
			s.transfer(in)
		default:
			log.Warnf("Link stream %s: unknown tag 0x%02x dropped", s.name, tag)
		}
		tag = 0
	}
}

func (s *Stream) transfer(in frame.Raw) {
	s.mu.Lock()
	buf, done := s.buf, s.done
	s.mu.Unlock()

	out := buf.Exchange(in)
	msg := make([]byte, 0, 1+frame.Size)
	msg = append(msg, TagTransfer)
	msg = append(msg, out[:]...)
	s.enqueue(msg)

	if done != nil {
		done()
	}
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
