package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/server"
	"github.com/FreePeak/device-relay-gateway/internal/testutil"
)

type routerFixture struct {
	registry  *server.DeviceRegistry
	viewers   *server.ViewerSet
	directory *MockDeviceDirectory
	cache     *IdentityCache
	router    *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		registry:  server.NewDeviceRegistry(0, nil),
		viewers:   server.NewViewerSet(),
		directory: new(MockDeviceDirectory),
	}
	f.cache = NewIdentityCache(f.directory, nil)
	f.router = NewRouter(f.registry, f.viewers, f.cache, nil)
	return f
}

// addViewer maps user to device in the cache and joins a viewer for that user.
func (f *routerFixture) addViewer(t *testing.T, user domain.UserIdentity, device domain.DeviceIdentity) *testutil.MockTransport {
	t.Helper()
	f.directory.On("LookupUserDevice", mock.Anything, user).Return(device, nil).Maybe()
	_, ok := f.cache.Resolve(context.Background(), user)
	require.True(t, ok)

	transport := testutil.NewMockTransport()
	f.viewers.Add(domain.ViewerSession{User: user, Transport: transport})
	return transport
}

func TestRouter_SendToDevice(t *testing.T) {
	f := newRouterFixture(t)
	device := testutil.NewMockTransport()
	f.registry.Register("D1", device)

	assert.True(t, f.router.SendDirective(context.Background(), "D1", domain.DirectivePrimaryOn))
	assert.Equal(t, []string{"PRIMARY_ON"}, device.Sent())
}

func TestRouter_SendToOfflineDeviceIsDropped(t *testing.T) {
	f := newRouterFixture(t)
	assert.False(t, f.router.SendToDevice(context.Background(), "D1", []byte("PRIMARY_ON")))

	closed := testutil.NewMockTransport()
	f.registry.Register("D2", closed)
	closed.Disconnect()
	assert.False(t, f.router.SendToDevice(context.Background(), "D2", []byte("PRIMARY_ON")))
}

func TestRouter_SendToUserDevice(t *testing.T) {
	f := newRouterFixture(t)
	device := testutil.NewMockTransport()
	f.registry.Register("D1", device)
	f.directory.On("LookupUserDevice", mock.Anything, domain.UserIdentity("ann@example.com")).Return(domain.DeviceIdentity("D1"), nil)
	f.directory.On("LookupUserDevice", mock.Anything, domain.UserIdentity("bob@example.com")).Return(domain.DeviceIdentity(""), errors.New("unknown"))

	assert.True(t, f.router.SendToUserDevice(context.Background(), "ann@example.com", domain.DirectivePrimaryOff))
	assert.False(t, f.router.SendToUserDevice(context.Background(), "bob@example.com", domain.DirectivePrimaryOff))
	assert.Equal(t, []string{"PRIMARY_OFF"}, device.Sent())
}

func TestRouter_BroadcastIsolatesFailures(t *testing.T) {
	f := newRouterFixture(t)

	healthy := []*testutil.MockTransport{testutil.NewMockTransport(), testutil.NewMockTransport(), testutil.NewMockTransport()}
	broken := testutil.NewMockTransport()
	broken.SendFunc = func(ctx context.Context, payload []byte) error {
		return errors.New("connection reset by peer")
	}
	panicky := testutil.NewMockTransport()
	panicky.SendFunc = func(ctx context.Context, payload []byte) error {
		panic("write on nil conn")
	}

	f.registry.Register("D1", healthy[0])
	f.registry.Register("D2", broken)
	f.registry.Register("D3", healthy[1])
	f.registry.Register("D4", panicky)
	f.registry.Register("D5", healthy[2])

	report := f.router.BroadcastToDevices(context.Background(), []byte("AUTO_ON"))

	assert.Equal(t, 5, report.Attempted)
	assert.Equal(t, 3, report.Delivered)
	assert.ElementsMatch(t, []string{"D2", "D4"}, report.Failed)
	require.Error(t, report.Err())
	assert.Contains(t, report.Err().Error(), "connection reset by peer")

	for _, tr := range healthy {
		assert.Equal(t, []string{"AUTO_ON"}, tr.Sent())
	}
}

func TestRouter_BroadcastSkipsClosedTransports(t *testing.T) {
	f := newRouterFixture(t)
	open := testutil.NewMockTransport()
	closed := testutil.NewMockTransport()
	f.registry.Register("D1", open)
	f.registry.Register("D2", closed)
	closed.Disconnect()

	report := f.router.BroadcastToDevices(context.Background(), []byte("AUTO_ON"))
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Delivered)
	assert.NoError(t, report.Err())
}

func TestRouter_NotifyViewerStatus(t *testing.T) {
	f := newRouterFixture(t)
	annTab1 := f.addViewer(t, "ann@example.com", "D1")
	annTab2 := f.addViewer(t, "ann@example.com", "D1")
	bob := f.addViewer(t, "bob@example.com", "D2")

	report := f.router.NotifyViewerStatus(context.Background(), "D1", domain.StatusDisconnected)
	assert.Equal(t, 2, report.Delivered)

	for _, tab := range []*testutil.MockTransport{annTab1, annTab2} {
		sent := tab.Sent()
		require.Len(t, sent, 1)
		assert.JSONEq(t, `{"type":"device_status","device":"D1","status":"disconnected"}`, sent[0])
	}
	assert.Empty(t, bob.Sent())
}

func TestRouter_RelayDeviceMessage(t *testing.T) {
	f := newRouterFixture(t)
	viewer := f.addViewer(t, "ann@example.com", "D1")

	f.router.RelayDeviceMessage(context.Background(), "D1", []byte("temp=21.5"))

	sent := viewer.Sent()
	require.Len(t, sent, 1)
	var n domain.Notification
	require.NoError(t, json.Unmarshal([]byte(sent[0]), &n))
	assert.Equal(t, domain.NotificationDeviceMessage, n.Type)
	assert.Equal(t, "temp=21.5", n.Data)
}

func TestRouter_BroadcastTrigger(t *testing.T) {
	f := newRouterFixture(t)
	device := testutil.NewMockTransport()
	f.registry.Register("D1", device)
	viewer := f.addViewer(t, "bob@example.com", "D9")

	devices, viewers := f.router.BroadcastTrigger(context.Background(), "lunch")

	assert.Equal(t, 1, devices.Delivered)
	assert.Equal(t, 1, viewers.Delivered)
	assert.Equal(t, []string{"AUTO_ON"}, device.Sent())
	require.Len(t, viewer.Sent(), 1)
	assert.JSONEq(t, `{"type":"auto_trigger","message":"lunch"}`, viewer.Sent()[0])
}
