package clients

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, ok := r.FindClient(0)
	assert.False(t, ok)

	c := r.Add(2, "WunderbarLIGHT", "aa:bb:cc:dd:ee:ff")
	assert.Equal(t, StateIdle, c.State())
	assert.Same(t, c, r.Add(2, "other", "00:00:00:00:00:00"))

	found, ok := r.FindClient(2)
	require.True(t, ok)
	assert.Equal(t, "WunderbarLIGHT", found.Name())

	r.Add(0, "WunderbarHTU", "11:22:33:44:55:66")
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, uint8(0), list[0].Index)
	assert.Equal(t, uint8(2), list[1].Index)

	assert.True(t, r.Remove(2))
	assert.False(t, r.Remove(2))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, r.Len())
}

func TestStateServable(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateIdle, false},
		{StateConnecting, false},
		{StateDiscovery, false},
		{StateRunning, true},
		{StateWait, true},
		{StateDisconnected, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Servable())
		})
	}
}

func TestRegistry_ConcurrentLookup(t *testing.T) {
	r := NewRegistry()
	c := r.Add(1, "WunderbarGYRO", "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if found, ok := r.FindClient(1); ok {
					_ = found.State().Servable()
				}
			}
		}()
	}
	for j := 0; j < 1000; j++ {
		if j%2 == 0 {
			c.SetState(StateRunning)
		} else {
			c.SetState(StateWait)
		}
	}
	wg.Wait()
	assert.True(t, c.State().Servable())
}
