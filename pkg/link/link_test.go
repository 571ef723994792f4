package link

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/jwoglom/wundergate/pkg/frame"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffers(t *testing.T) {
	b := NewBuffers()
	assert.True(t, frame.Decode(b.Tx()).IsBlank())
	assert.True(t, frame.Decode(b.Rx()).IsBlank())

	out := frame.New(0, frame.FieldSensorDataR, 0, frame.OpRead, []byte{1, 2, 3})
	in := frame.New(frame.ConfigID, frame.FieldConfigStop, 0, frame.OpNone, nil)
	b.LoadTx(out.Encode())

	got := b.Exchange(in.Encode())
	assert.Equal(t, out.Encode(), got)
	assert.Equal(t, in.Encode(), b.Rx())

	b.ResetTx()
	assert.True(t, frame.Decode(b.Tx()).IsBlank())
}

func TestLoopback(t *testing.T) {
	l := NewLoopback()
	assert.True(t, l.PeerSelected())

	_, err := l.Transfer(frame.Blank())
	assert.ErrorIs(t, err, ErrNotStarted)

	buf := NewBuffers()
	calls := 0
	require.NoError(t, l.Begin(buf, func() { calls++ }))

	out := frame.New(1, frame.FieldBatteryLevel, 1, frame.OpRead, []byte{80})
	buf.LoadTx(out.Encode())
	l.AssertReady(true)
	assert.True(t, l.Ready())

	in := frame.New(frame.ConfigID, frame.FieldRun, 0, frame.OpNone, nil)
	got, err := l.Transfer(in)
	require.NoError(t, err)
	assert.Equal(t, out, got)
	assert.Equal(t, in.Encode(), buf.Rx())
	assert.Equal(t, 1, calls)

	l.SetPeerSelected(false)
	assert.False(t, l.PeerSelected())

	require.NoError(t, l.Close())
	_, err = l.Transfer(in)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Begin(buf, nil), ErrClosed)
}

func newPipeStream(t *testing.T) (*Stream, net.Conn, *Buffers, chan frame.Raw) {
	t.Helper()
	gw, peer := net.Pipe()
	require.NoError(t, peer.SetDeadline(time.Now().Add(5*time.Second)))

	s := NewStream("pipe", gw)
	buf := NewBuffers()
	done := make(chan frame.Raw, 8)
	require.NoError(t, s.Begin(buf, func() { done <- buf.Rx() }))

	t.Cleanup(func() {
		peer.Close()
		s.Close()
	})
	return s, peer, buf, done
}

func TestStream_Transfer(t *testing.T) {
	_, peer, buf, done := newPipeStream(t)

	out := frame.New(2, frame.FieldSensorDataR, 2, frame.OpRead, []byte{0x10, 0x20})
	buf.LoadTx(out.Encode())

	in := frame.New(frame.ConfigID, frame.FieldConfigStart, 0, frame.OpNone, nil)
	msg := append([]byte{TagTransfer}, in.Bytes()...)

	// Split the transfer across two writes.
	go func() {
		peer.Write(msg[:7])
		peer.Write(msg[7:])
	}()

	reply := make([]byte, 1+frame.Size)
	_, err := io.ReadFull(peer, reply)
	require.NoError(t, err)
	assert.Equal(t, TagTransfer, reply[0])

	got, err := frame.Parse(reply[1:])
	require.NoError(t, err)
	assert.Equal(t, out, got)

	select {
	case rx := <-done:
		assert.Equal(t, in.Encode(), rx)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not signalled")
	}
}

func TestStream_SelectLine(t *testing.T) {
	s, peer, _, _ := newPipeStream(t)
	require.True(t, s.PeerSelected())

	go peer.Write([]byte{TagSelect, 0})
	assert.Eventually(t, func() bool { return !s.PeerSelected() }, 2*time.Second, 5*time.Millisecond)

	go peer.Write([]byte{TagSelect, 1})
	assert.Eventually(t, s.PeerSelected, 2*time.Second, 5*time.Millisecond)
}

func TestStream_AssertReady(t *testing.T) {
	s, peer, _, _ := newPipeStream(t)

	s.AssertReady(true)
	msg := make([]byte, 2)
	_, err := io.ReadFull(peer, msg)
	require.NoError(t, err)
	assert.Equal(t, []byte{TagReady, 1}, msg)

	s.AssertReady(false)
	_, err = io.ReadFull(peer, msg)
	require.NoError(t, err)
	assert.Equal(t, []byte{TagReady, 0}, msg)
}

func TestStream_UnknownTagSkipped(t *testing.T) {
	s, peer, _, _ := newPipeStream(t)

	go peer.Write([]byte{'?', TagSelect, 0})
	assert.Eventually(t, func() bool { return !s.PeerSelected() }, 2*time.Second, 5*time.Millisecond)
}

func TestStream_ClosedBegin(t *testing.T) {
	gw, peer := net.Pipe()
	defer peer.Close()

	s := NewStream("pipe", gw)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Begin(NewBuffers(), nil), ErrClosed)
}

func TestProcess_Script(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}

	in := frame.New(frame.ConfigID, frame.FieldConfigStop, 0, frame.OpNone, nil)
	script := fmt.Sprintf("echo SEL 0; echo XFER %s; sleep 5", hex.EncodeToString(in.Bytes()))

	p, err := SpawnProcess([]string{"sh", "-c", script})
	require.NoError(t, err)
	defer p.Close()

	buf := NewBuffers()
	done := make(chan frame.Raw, 1)
	require.NoError(t, p.Begin(buf, func() { done <- buf.Rx() }))

	select {
	case rx := <-done:
		assert.Equal(t, in.Encode(), rx)
	case <-time.After(5 * time.Second):
		t.Fatal("no transfer from peer")
	}
	assert.False(t, p.PeerSelected())
}
