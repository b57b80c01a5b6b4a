// Package types provides the public types of the device relay gateway.
package types

import (
	"context"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
)

// DeviceIdentity names a physical controlled device.
type DeviceIdentity = domain.DeviceIdentity

// UserIdentity identifies an end user, typically an email address.
type UserIdentity = domain.UserIdentity

// Directive is a literal instruction sent to a device.
type Directive = domain.Directive

// Directives understood by device firmware.
const (
	DirectivePrimaryOn  = domain.DirectivePrimaryOn
	DirectivePrimaryOff = domain.DirectivePrimaryOff
	DirectiveAutoOn     = domain.DirectiveAutoOn
	DirectiveTryAgain   = domain.DirectiveTryAgain
)

// Credentials are supplied by a device when it connects.
type Credentials = domain.Credentials

// AuthResult is the outcome of a successful device authentication.
type AuthResult = domain.AuthResult

// TriggerState reports the global trigger.
type TriggerState = domain.TriggerState

// Trigger kinds.
const (
	TriggerNotTriggered = domain.TriggerNotTriggered
	TriggerActive       = domain.TriggerActive
	TriggerUnreachable  = domain.TriggerUnreachable
)

// Authenticator verifies device credentials. Returned errors reject the device.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*AuthResult, error)
}

// DeviceDirectory looks up the device a user controls.
type DeviceDirectory interface {
	LookupUserDevice(ctx context.Context, user UserIdentity) (DeviceIdentity, error)
}

// TriggerSource reports the state of the global trigger.
type TriggerSource interface {
	CheckGlobalTrigger(ctx context.Context) TriggerState
}

// NewAuthRejectedError builds the error an Authenticator returns for denied credentials.
func NewAuthRejectedError(message string, cause error) error {
	return domain.NewAuthRejectedError(message, cause)
}
