package usecases

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
)

// MockDeviceDirectory is a mock for the DeviceDirectory interface
type MockDeviceDirectory struct {
	mock.Mock
}

func (m *MockDeviceDirectory) LookupUserDevice(ctx context.Context, user domain.UserIdentity) (domain.DeviceIdentity, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(domain.DeviceIdentity), args.Error(1)
}

// MockAuthenticator is a mock for the Authenticator interface
type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, creds domain.Credentials) (*domain.AuthResult, error) {
	args := m.Called(ctx, creds)
	result, _ := args.Get(0).(*domain.AuthResult)
	return result, args.Error(1)
}

// MockTriggerSource is a mock for the TriggerSource interface
type MockTriggerSource struct {
	mock.Mock
}

func (m *MockTriggerSource) CheckGlobalTrigger(ctx context.Context) domain.TriggerState {
	args := m.Called(ctx)
	return args.Get(0).(domain.TriggerState)
}
