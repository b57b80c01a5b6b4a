package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/testutil"
)

func TestNewDeviceRegistry(t *testing.T) {
	reg := NewDeviceRegistry(0, nil)
	assert.NotNil(t, reg)
	assert.Equal(t, 0, reg.Count())
}

func TestDeviceRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewDeviceRegistry(0, nil)
	transport := testutil.NewMockTransport()

	session := reg.Register("D1", transport)
	require.NotNil(t, session)
	assert.Equal(t, domain.DeviceIdentity("D1"), session.Identity)
	assert.True(t, session.Alive())
	assert.Equal(t, 0, session.Missed())

	found, ok := reg.Lookup("D1")
	assert.True(t, ok)
	assert.Same(t, session, found)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
}

func TestDeviceRegistry_RegisterReplacesAndTerminates(t *testing.T) {
	reg := NewDeviceRegistry(0, nil)
	first := testutil.NewMockTransport()
	second := testutil.NewMockTransport()

	reg.Register("D1", first)
	session := reg.Register("D1", second)

	assert.Equal(t, 1, reg.Count())
	assert.False(t, first.IsOpen())
	assert.True(t, first.Terminated(), "replaced transport must be terminated, not gracefully closed")
	assert.True(t, second.IsOpen())

	found, _ := reg.Lookup("D1")
	assert.Same(t, session, found)
}

func TestDeviceRegistry_RegisterSameTransportTwice(t *testing.T) {
	reg := NewDeviceRegistry(0, nil)
	transport := testutil.NewMockTransport()

	reg.Register("D1", transport)
	reg.Register("D1", transport)

	assert.True(t, transport.IsOpen())
	assert.Equal(t, 1, reg.Count())
}

func TestDeviceRegistry_DeregisterChecksHandle(t *testing.T) {
	reg := NewDeviceRegistry(0, nil)
	stale := testutil.NewMockTransport()
	current := testutil.NewMockTransport()

	reg.Register("D1", stale)
	reg.Register("D1", current)

	assert.False(t, reg.Deregister("D1", stale), "stale deregister must not evict the newer session")
	_, ok := reg.Lookup("D1")
	assert.True(t, ok)

	assert.True(t, reg.Deregister("D1", current))
	_, ok = reg.Lookup("D1")
	assert.False(t, ok)

	assert.False(t, reg.Deregister("D1", current))
}

func TestDeviceRegistry_RapidReconnectRace(t *testing.T) {
	reg := NewDeviceRegistry(0, nil)
	const n = 50

	transports := make([]*testutil.MockTransport, n)
	for i := range transports {
		transports[i] = testutil.NewMockTransport()
	}

	var wg sync.WaitGroup
	for _, tr := range transports {
		wg.Add(1)
		go func(tr *testutil.MockTransport) {
			defer wg.Done()
			reg.Register("D1", tr)
		}(tr)
	}
	wg.Wait()

	assert.Equal(t, 1, reg.Count())
	session, ok := reg.Lookup("D1")
	require.True(t, ok)

	open := 0
	for _, tr := range transports {
		if tr.IsOpen() {
			open++
			assert.Same(t, domain.Transport(tr), session.Transport)
		}
	}
	assert.Equal(t, 1, open, "exactly one transport may remain open for D1")
}

func TestDeviceRegistry_ForEachSnapshot(t *testing.T) {
	reg := NewDeviceRegistry(0, nil)
	for i := 0; i < 3; i++ {
		reg.Register(domain.DeviceIdentity(fmt.Sprintf("D%d", i)), testutil.NewMockTransport())
	}

	seen := map[domain.DeviceIdentity]bool{}
	reg.ForEach(func(s *domain.DeviceSession) {
		seen[s.Identity] = true
		// Mutating during iteration must not deadlock.
		reg.Deregister(s.Identity, s.Transport)
	})

	assert.Len(t, seen, 3)
	assert.Equal(t, 0, reg.Count())
}

func TestDeviceRegistry_RegisterIfRoom(t *testing.T) {
	reg := NewDeviceRegistry(2, nil)

	_, ok := reg.RegisterIfRoom("D1", testutil.NewMockTransport())
	require.True(t, ok)
	_, ok = reg.RegisterIfRoom("D2", testutil.NewMockTransport())
	require.True(t, ok)

	session, ok := reg.RegisterIfRoom("D3", testutil.NewMockTransport())
	assert.False(t, ok)
	assert.Nil(t, session)
	assert.Equal(t, 2, reg.Count())
	_, found := reg.Lookup("D3")
	assert.False(t, found)
}

func TestDeviceRegistry_RegisterIfRoomAllowsReplacementAtCapacity(t *testing.T) {
	reg := NewDeviceRegistry(1, nil)
	stale := testutil.NewMockTransport()
	_, ok := reg.RegisterIfRoom("D1", stale)
	require.True(t, ok)

	fresh := testutil.NewMockTransport()
	session, ok := reg.RegisterIfRoom("D1", fresh)
	require.True(t, ok)
	assert.Same(t, fresh, session.Transport)
	assert.True(t, stale.Terminated())
	assert.Equal(t, 1, reg.Count())
}

func TestDeviceRegistry_UnboundedRegisterIfRoom(t *testing.T) {
	reg := NewDeviceRegistry(0, nil)
	for i := 0; i < 10; i++ {
		_, ok := reg.RegisterIfRoom(domain.DeviceIdentity(fmt.Sprintf("D%d", i)), testutil.NewMockTransport())
		require.True(t, ok)
	}
	assert.Equal(t, 10, reg.Count())
}

func TestDeviceRegistry_CloseAll(t *testing.T) {
	reg := NewDeviceRegistry(0, nil)
	transports := []*testutil.MockTransport{
		testutil.NewMockTransport(),
		testutil.NewMockTransport(),
	}
	reg.Register("D1", transports[0])
	reg.Register("D2", transports[1])

	reg.CloseAll(domain.CloseGoingAway, domain.CloseReasonShutdown)

	assert.Equal(t, 0, reg.Count())
	for _, tr := range transports {
		assert.False(t, tr.IsOpen())
		assert.Equal(t, domain.CloseGoingAway, tr.CloseCode())
	}
}
