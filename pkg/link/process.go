package link

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	expect "github.com/google/goexpect"
	"github.com/jwoglom/wundergate/pkg/frame"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Line protocol spoken with a spawned peer emulator:
//
//	peer -> gateway:  "SEL 0|1"      select line, 1 = peer idle
//	                  "XFER <hex>"   transfer, 24-byte frame in
//	gateway -> peer:  "MISO <hex>"   transfer reply
//	                  "RDY 0|1"      ready-to-send line
var peerLineRegex = regexp.MustCompile(`(SEL|XFER)\s+([0-9a-fA-F]+)\r?\n`)

const peerPollTimeout = 500 * time.Millisecond

// Process runs the link master as a child process, driven with goexpect. It is used to
// attach hardware-in-the-loop test rigs and scripted peers.
type Process struct {
	command string
	gexp    *expect.GExpect
	out     chan string

	mu   sync.Mutex
	buf  *Buffers
	done func()

	selected atomic.Bool
	started  atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// SpawnProcess starts the peer command and returns a driver for it.
func SpawnProcess(args []string) (*Process, error) {
	if len(args) == 0 {
		return nil, errors.New("empty link peer command")
	}
	command := strings.Join(args, " ")
	log.Infof("Spawning link peer: %s", command)
	gexp, _, err := expect.SpawnWithArgs(args, -1,
		expect.CheckDuration(100*time.Millisecond),
		expect.PartialMatch(true),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "spawn link peer %q", command)
	}

	p := &Process{
		command: command,
		gexp:    gexp,
		out:     make(chan string, txQueueDepth),
		closed:  make(chan struct{}),
	}
	p.selected.Store(true)
	return p, nil
}

// Begin implements Driver.
func (p *Process) Begin(buf *Buffers, done func()) error {
	if p.isClosed() {
		return ErrClosed
	}
	p.mu.Lock()
	p.buf = buf
	p.done = done
	p.mu.Unlock()

	if p.started.CompareAndSwap(false, true) {
		p.wg.Add(2)
		go p.expectLoop()
		go p.sendLoop()
	}
	return nil
}

// PeerSelected implements Driver.
func (p *Process) PeerSelected() bool { return p.selected.Load() }

// AssertReady implements Driver.
func (p *Process) AssertReady(ready bool) {
	level := 0
	if ready {
		level = 1
	}
	p.enqueue(fmt.Sprintf("RDY %d\n", level))
}

// Close terminates the child process.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.gexp.Close()
		p.wg.Wait()
	})
	return errors.Wrapf(err, "close link peer %q", p.command)
}

func (p *Process) enqueue(line string) {
	select {
	case p.out <- line:
	default:
		log.Warnf("Link peer: send queue full, dropped %q", line)
	}
}

func (p *Process) sendLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case line := <-p.out:
			if err := p.gexp.Send(line); err != nil {
				if p.isClosed() {
					return
				}
				log.Errorf("Link peer: %v", errors.Wrap(err, "send"))
			}
		}
	}
}

func (p *Process) expectLoop() {
	defer p.wg.Done()
	for !p.isClosed() {
		_, match, err := p.gexp.Expect(peerLineRegex, peerPollTimeout)
		if err != nil {
			if _, ok := err.(expect.TimeoutError); ok {
				continue
			}
			if !p.isClosed() {
				log.Errorf("Link peer exited: %v", err)
			}
			return
		}
		if len(match) < 3 {
			continue
		}
		p.handleLine(match[1], match[2])
	}
}

func (p *Process) handleLine(kind, arg string) {
	switch kind {
	case "SEL":
		p.selected.Store(arg != "0")
	case "XFER":
		data, err := hex.DecodeString(arg)
		if err != nil {
			log.Warnf("Link peer: bad transfer %q: %v", arg, err)
			return
		}
		in, err := frame.Parse(data)
		if err != nil {
			log.Warnf("Link peer: %v", err)
			return
		}

		p.mu.Lock()
		buf, done := p.buf, p.done
		p.mu.Unlock()

		out := buf.Exchange(in.Encode())
		p.enqueue("MISO " + hex.EncodeToString(out[:]) + "\n")
		if done != nil {
			done()
		}
	}
}

func (p *Process) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
