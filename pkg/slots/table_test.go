package slots

import (
	"bytes"
	"sync"
	"testing"

	"github.com/jwoglom/wundergate/pkg/frame"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T) *Table {
	t.Helper()
	return New(frame.MustAddressing(4))
}

func TestNew_AllEmpty(t *testing.T) {
	tbl := newTable(t)

	snap := tbl.Snapshot()
	require.Len(t, snap, 6)
	for _, s := range snap {
		assert.Equal(t, Empty, s.Status, "slot %d", s.ID)
		assert.True(t, s.Frame.IsBlank(), "slot %d", s.ID)
	}
	assert.Equal(t, ID(4), tbl.Onboard())
	assert.Equal(t, ID(5), tbl.Response())
	assert.Equal(t, "onboard", snap[4].Endpoint)
	assert.Equal(t, "response", snap[5].Endpoint)
}

func TestRoute(t *testing.T) {
	tbl := newTable(t)

	tests := []struct {
		id   byte
		want ID
		ok   bool
	}{
		{0, 0, true},
		{3, 3, true},
		{4, tbl.Onboard(), true},
		{frame.ResponseOK, tbl.Response(), true},
		{frame.ResponseNotFound, tbl.Response(), true},
		{frame.ConfigID, 0, false},
		{9, 0, false},
		{frame.ErrorID, 0, false},
	}
	for _, tt := range tests {
		got, ok := tbl.Route(tt.id)
		assert.Equalf(t, tt.ok, ok, "id 0x%02x", tt.id)
		if tt.ok {
			assert.Equalf(t, tt.want, got, "id 0x%02x", tt.id)
		}
	}
}

func TestPublish(t *testing.T) {
	tbl := newTable(t)
	f := frame.New(1, frame.FieldSensorDataR, 1, frame.OpRead, []byte{1, 2})

	require.True(t, tbl.Publish(f))
	e := tbl.Load(1)
	assert.Equal(t, Full, e.Status)
	assert.Equal(t, f, e.Frame)

	g := frame.New(1, frame.FieldBatteryLevel, 1, frame.OpRead, []byte{99})
	require.True(t, tbl.Publish(g), "full slot is overwritten by fresher content")
	assert.Equal(t, g, tbl.Load(1).Frame)
}

func TestPublish_ResponseCodesShareSlot(t *testing.T) {
	tbl := newTable(t)

	require.True(t, tbl.Publish(frame.New(frame.ResponseBusy, frame.FieldRunError, 4, frame.OpNone, nil)))
	require.True(t, tbl.Publish(frame.New(frame.ResponseNotFound, frame.FieldRunError, 4, frame.OpNone, nil)))

	e := tbl.Load(tbl.Response())
	assert.Equal(t, Full, e.Status)
	assert.Equal(t, frame.ResponseNotFound, e.Frame.EndpointID)
}

func TestPublish_Unroutable(t *testing.T) {
	tbl := newTable(t)
	assert.False(t, tbl.Publish(frame.New(frame.ConfigID, frame.FieldRun, 0, frame.OpNone, nil)))
}

func TestPublish_LockedSlotIsUnchanged(t *testing.T) {
	tbl := newTable(t)
	locked := frame.New(2, frame.FieldSensorConfig, 2, frame.OpWrite, []byte{0x0F})

	require.True(t, tbl.Publish(locked))
	require.True(t, tbl.Lock(2))
	before := tbl.Load(2)

	for i := 0; i < 3; i++ {
		assert.False(t, tbl.Publish(frame.New(2, frame.FieldSensorDataR, 2, frame.OpRead, []byte{byte(i)})))
	}

	after := tbl.Load(2)
	assert.Same(t, before, after)
	assert.Equal(t, Lock, after.Status)
	assert.Equal(t, locked, after.Frame)
}

func TestPublishLocked(t *testing.T) {
	tbl := newTable(t)
	f := frame.New(2, frame.FieldSensorConfig, 2, frame.OpWrite, []byte{0x0F})

	require.True(t, tbl.PublishLocked(f))
	e := tbl.Load(2)
	assert.Equal(t, Lock, e.Status)
	assert.Equal(t, f, e.Frame)

	other := frame.New(2, frame.FieldSensorConfig, 2, frame.OpWrite, []byte{0x01})
	assert.False(t, tbl.PublishLocked(other), "locked slot keeps its frame")
	assert.False(t, tbl.Publish(other))
	assert.Same(t, e, tbl.Load(2))

	onboard := frame.New(4, frame.FieldConfigDiscoveryComplete, 0, frame.OpNone, nil)
	assert.True(t, tbl.PublishLocked(onboard))
	assert.Equal(t, Lock, tbl.Load(tbl.Onboard()).Status)

	assert.False(t, tbl.PublishLocked(frame.New(frame.ResponseOK, frame.FieldRun, 0, frame.OpNone, nil)), "response slot cannot be locked")
	assert.Equal(t, Empty, tbl.Load(tbl.Response()).Status)
	assert.False(t, tbl.PublishLocked(frame.New(frame.ConfigID, frame.FieldRun, 0, frame.OpNone, nil)))
}

// A racing Publish must never leave a slot locked around a frame other than the one
// published locked.
func TestPublishLocked_RacingPublish(t *testing.T) {
	for round := 0; round < 200; round++ {
		tbl := newTable(t)
		pinned := frame.New(1, frame.FieldSensorConfig, 1, frame.OpWrite, []byte{0xAA})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				tbl.Publish(frame.New(1, frame.FieldSensorDataR, 1, frame.OpRead, []byte{byte(i)}))
			}
		}()
		go func() {
			defer wg.Done()
			tbl.PublishLocked(pinned)
		}()
		wg.Wait()

		e := tbl.Load(1)
		require.Equal(t, Lock, e.Status)
		require.Equal(t, pinned, e.Frame, "round %d", round)
	}
}

func TestLock(t *testing.T) {
	tbl := newTable(t)

	assert.True(t, tbl.Lock(0))
	assert.Equal(t, Lock, tbl.Load(0).Status)
	assert.True(t, tbl.Lock(0), "locking twice is harmless")

	assert.True(t, tbl.Lock(tbl.Onboard()))
	assert.False(t, tbl.Lock(tbl.Response()), "response slot cannot be locked")
}

func TestClear(t *testing.T) {
	tbl := newTable(t)
	require.True(t, tbl.Publish(frame.New(3, frame.FieldSensorID, 3, frame.OpRead, []byte{7})))
	require.True(t, tbl.Lock(3))

	tbl.Clear(3)

	e := tbl.Load(3)
	assert.Equal(t, Empty, e.Status)
	assert.True(t, e.Frame.IsBlank())
	assert.True(t, tbl.Publish(frame.New(3, frame.FieldSensorID, 3, frame.OpRead, []byte{8})), "cleared slot accepts new content")
}

func TestRetire(t *testing.T) {
	tbl := newTable(t)

	t.Run("full slot becomes empty", func(t *testing.T) {
		require.True(t, tbl.Publish(frame.New(0, frame.FieldSensorDataR, 0, frame.OpRead, []byte{1})))
		sent := tbl.Load(0)

		assert.True(t, tbl.Retire(0, sent))
		assert.Equal(t, Empty, tbl.Load(0).Status)
		assert.True(t, tbl.Load(0).Frame.IsBlank())
	})

	t.Run("locked slot is kept", func(t *testing.T) {
		f := frame.New(1, frame.FieldSensorDataW, 1, frame.OpWrite, []byte{2})
		require.True(t, tbl.Publish(f))
		require.True(t, tbl.Lock(1))
		sent := tbl.Load(1)

		assert.False(t, tbl.Retire(1, sent))
		assert.Equal(t, Lock, tbl.Load(1).Status)
		assert.Equal(t, f, tbl.Load(1).Frame)
	})

	t.Run("republished slot is kept", func(t *testing.T) {
		require.True(t, tbl.Publish(frame.New(2, frame.FieldSensorDataR, 2, frame.OpRead, []byte{3})))
		sent := tbl.Load(2)
		fresh := frame.New(2, frame.FieldSensorDataR, 2, frame.OpRead, []byte{4})
		require.True(t, tbl.Publish(fresh))

		assert.False(t, tbl.Retire(2, sent))
		assert.Equal(t, Full, tbl.Load(2).Status)
		assert.Equal(t, fresh, tbl.Load(2).Frame)
	})

	t.Run("nil entry", func(t *testing.T) {
		assert.False(t, tbl.Retire(3, nil))
	})
}

func TestPublish_NoTornFrames(t *testing.T) {
	tbl := newTable(t)
	const writers = 4
	const rounds = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				b := byte(w*rounds + i)
				tbl.Publish(frame.New(0, frame.FieldSensorDataR, 0, frame.OpRead, bytes.Repeat([]byte{b}, frame.PayloadSize)))
				if i%7 == 0 {
					tbl.Retire(0, tbl.Load(0))
				}
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		e := tbl.Load(0)
		p := e.Frame.Payload
		if !bytes.Equal(p[:], bytes.Repeat([]byte{p[0]}, frame.PayloadSize)) {
			t.Fatalf("torn frame observed: %s", e.Frame)
		}
		select {
		case <-done:
			return
		default:
		}
	}
}
