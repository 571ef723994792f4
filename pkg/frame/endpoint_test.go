package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddressing_Bounds(t *testing.T) {
	_, err := NewAddressing(0)
	assert.Error(t, err)

	_, err = NewAddressing(MaxClients + 1)
	assert.Error(t, err)

	a, err := NewAddressing(4)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Clients())
}

func TestAddressing_Endpoint(t *testing.T) {
	a := MustAddressing(4)

	tests := []struct {
		id   byte
		kind Kind
	}{
		{0, KindClient},
		{3, KindClient},
		{4, KindOnboard},
		{5, KindInvalid},
		{9, KindInvalid},
		{ResponseOK, KindResponse},
		{ResponseNotFound, KindResponse},
		{ResponseNotFound + 1, KindInvalid},
		{ConfigID, KindConfig},
		{ErrorID, KindInvalid},
		{Filler, KindInvalid},
	}

	for _, tt := range tests {
		ep := a.Endpoint(tt.id)
		assert.Equalf(t, tt.kind, ep.Kind(), "id 0x%02x", tt.id)
		assert.Equal(t, tt.id, ep.ID())
	}
}

func TestEndpoint_ClientIndex(t *testing.T) {
	a := MustAddressing(6)

	idx, ok := a.Endpoint(2).ClientIndex()
	assert.True(t, ok)
	assert.Equal(t, uint8(2), idx)

	_, ok = a.Onboard().ClientIndex()
	assert.False(t, ok)

	_, ok = a.Client(6).ClientIndex()
	assert.False(t, ok, "index past client count is not a client")
}

func TestResponse(t *testing.T) {
	assert.Equal(t, KindResponse, Response(ResponseBusy).Kind())
	assert.Equal(t, KindInvalid, Response(ConfigID).Kind())
	assert.Equal(t, "config", Config().String())
	assert.Equal(t, "client[1]", MustAddressing(2).Client(1).String())
}
