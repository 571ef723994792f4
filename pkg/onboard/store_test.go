package onboard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jwoglom/wundergate/pkg/sensors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDiscoveryService(t *testing.T) {
	svc, err := ParseDiscoveryService([]byte{0x02, 0x20, 0x05, 0x02, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, DiscoveryService{UUID: 0x2002, Type: 5, UseMode: UseRun}, svc)

	_, err = ParseDiscoveryService([]byte{0x02, 0x20})
	assert.True(t, errors.Is(err, ErrInvalidLength))

	_, err = ParseDiscoveryService([]byte{0x02, 0x20, 0x00, 0x09})
	assert.Error(t, err)
}

func TestStore_DiscoveryServices(t *testing.T) {
	s := NewStore("", 6)

	for _, uuid := range []uint16{0x2000, 0x2001, 0x2002} {
		require.NoError(t, s.AddDiscoveryService(DiscoveryService{UUID: uuid, UseMode: UseAlways}))
	}
	assert.ErrorIs(t, s.AddDiscoveryService(DiscoveryService{UUID: 0x180F}), ErrServicesFull)

	// Updating an existing entry keeps its position.
	require.NoError(t, s.AddDiscoveryService(DiscoveryService{UUID: 0x2000, UseMode: UseNever}))

	services := s.DiscoveryServices()
	require.Len(t, services, 3)
	assert.Equal(t, uint16(0x2000), services[0].UUID)
	assert.Equal(t, UseNever, services[0].UseMode)
	assert.Equal(t, uint16(0x2002), services[2].UUID)
}

func TestStore_ClientFields(t *testing.T) {
	s := NewStore("", 6)

	cfg, ok := s.Client(3)
	require.True(t, ok)
	assert.Equal(t, "WunderbarMIC", cfg.Name)

	assert.ErrorIs(t, s.SetClientName(0, []byte("this name is too long")), ErrInvalidLength)
	assert.ErrorIs(t, s.SetClientName(0, []byte{0x00}), ErrInvalidLength)
	assert.ErrorIs(t, s.SetClientName(6, []byte("x")), ErrClientIndex)
	assert.NoError(t, s.SetClientName(0, []byte("Fourteen-chars")))

	_, ok = s.Client(6)
	assert.False(t, ok)
	assert.True(t, s.Dirty())
}

func TestStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := LoadStore(path, 6)
	require.NoError(t, err)
	require.NoError(t, s.AddDiscoveryService(DiscoveryService{UUID: 0x2001, Type: 1, UseMode: UseOnboard}))
	require.NoError(t, s.SetClientName(2, []byte("Lamp")))
	require.NoError(t, s.SetPasskey(2, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, s.Save())
	assert.False(t, s.Dirty())

	loaded, err := LoadStore(path, 6)
	require.NoError(t, err)
	assert.Equal(t, s.DiscoveryServices(), loaded.DiscoveryServices())
	assert.Equal(t, s.Clients(), loaded.Clients())

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err = LoadStore(path, 6)
	assert.Error(t, err)
}

func TestStore_RunSavesOnExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := NewStore(path, 6)
	require.NoError(t, s.SetClientName(1, []byte("Gyro")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.False(t, s.Dirty())
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	const clients = 6
	s := NewStore("", clients)
	before := s.state.Load()

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(index uint8) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				assert.NoError(t, s.SetClientName(index, []byte(fmt.Sprintf("dev%d-%d", index, n))))
				assert.NoError(t, s.SetPasskey(index, []byte{index, 1, 2, 3, 4, 5, 6, byte(n)}))
			}
		}(uint8(i))
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(uuid uint16) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				assert.NoError(t, s.AddDiscoveryService(DiscoveryService{UUID: uuid, Type: uint8(n), UseMode: UseRun}))
			}
		}(uint16(0x2000 + i))
	}
	wg.Wait()

	got := s.Clients()
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("dev%d-49", i), c.Name)
		assert.Equal(t, fmt.Sprintf("%02x01020304050631", i), c.Passkey)
	}
	services := s.DiscoveryServices()
	require.Len(t, services, 3)
	for _, svc := range services {
		assert.Equal(t, uint8(49), svc.Type)
	}

	// Earlier snapshots are never written through.
	assert.Equal(t, sensors.Kind(0).DefaultName(), before.clients[0].Name)
	assert.Zero(t, before.services.Len())
	assert.True(t, s.Dirty())
}

func TestStore_SaveFailureStaysDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := NewStore(path, 6)
	require.NoError(t, s.SetClientName(0, []byte("First")))
	require.NoError(t, s.Save())
	assert.False(t, s.Dirty())
	require.NoError(t, s.SetClientName(0, []byte("Second")))
	assert.True(t, s.Dirty())

	// The path is a directory, so the write fails.
	broken := NewStore(t.TempDir(), 6)
	require.NoError(t, broken.SetClientName(1, []byte("Lamp")))
	assert.Error(t, broken.Save())
	assert.True(t, broken.Dirty())
}
