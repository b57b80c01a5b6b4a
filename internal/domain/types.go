package domain

import "encoding/json"

// DeviceIdentity names a physical controlled device. It is the registry key.
type DeviceIdentity string

// UserIdentity identifies an end user, typically an email address.
type UserIdentity string

// Directive is a literal instruction sent to a device as a text frame.
type Directive string

// Directives understood by device firmware.
const (
	DirectivePrimaryOn  Directive = "PRIMARY_ON"
	DirectivePrimaryOff Directive = "PRIMARY_OFF"
	DirectiveAutoOn     Directive = "AUTO_ON"
	DirectiveTryAgain   Directive = "TRY_AGAIN"
)

// IsCommand reports whether a viewer may send the directive to a device.
// TRY_AGAIN is reserved for the gateway.
func (d Directive) IsCommand() bool {
	switch d {
	case DirectivePrimaryOn, DirectivePrimaryOff, DirectiveAutoOn:
		return true
	}
	return false
}

// DirectiveFor maps the backend's primary flag to the initial directive.
func DirectiveFor(primaryOn bool) Directive {
	if primaryOn {
		return DirectivePrimaryOn
	}
	return DirectivePrimaryOff
}

// DeviceStatus is reported to viewers when a device comes or goes.
type DeviceStatus string

const (
	StatusConnected    DeviceStatus = "connected"
	StatusDisconnected DeviceStatus = "disconnected"
)

// Viewer notification types.
const (
	NotificationDeviceStatus  = "device_status"
	NotificationAutoTrigger   = "auto_trigger"
	NotificationDeviceMessage = "device_message"
)

// Notification is a structured message sent to viewers.
type Notification struct {
	Type    string         `json:"type"`
	Device  DeviceIdentity `json:"device,omitempty"`
	Status  DeviceStatus   `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    string         `json:"data,omitempty"`
}

// NewStatusNotification creates a device_status notification.
func NewStatusNotification(device DeviceIdentity, status DeviceStatus) Notification {
	return Notification{
		Type:   NotificationDeviceStatus,
		Device: device,
		Status: status,
	}
}

// NewTriggerNotification creates an auto_trigger notification.
func NewTriggerNotification(message string) Notification {
	return Notification{
		Type:    NotificationAutoTrigger,
		Message: message,
	}
}

// NewDeviceMessageNotification wraps an opaque device frame for viewers.
func NewDeviceMessageNotification(device DeviceIdentity, frame []byte) Notification {
	return Notification{
		Type:   NotificationDeviceMessage,
		Device: device,
		Data:   string(frame),
	}
}

// Encode serializes the notification for the wire.
func (n Notification) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// Credentials are supplied by a device when it connects.
type Credentials struct {
	Username string
	Password string
}

// AuthResult is the outcome of a successful device authentication.
type AuthResult struct {
	Device    DeviceIdentity
	Directive Directive
}

// TriggerKind classifies the result of a status poll.
type TriggerKind int

const (
	TriggerNotTriggered TriggerKind = iota
	TriggerActive
	TriggerUnreachable
)

// String returns the string representation of the trigger kind.
func (k TriggerKind) String() string {
	switch k {
	case TriggerNotTriggered:
		return "not_triggered"
	case TriggerActive:
		return "triggered"
	case TriggerUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// TriggerState is the result of checking the global trigger.
type TriggerState struct {
	Kind    TriggerKind
	Message string
	ID      string
}

// Triggered reports whether the backend announced an active window.
func (s TriggerState) Triggered() bool {
	return s.Kind == TriggerActive
}

// WebSocket close codes used by the gateway.
const (
	CloseGoingAway       = 1001
	CloseUnauthorized    = 1008
	CloseTryAgainLater   = 1013
	CloseNormal          = 1000
	CloseReasonShutdown  = "server shutting down"
	CloseReasonAuth      = "unauthorized"
	CloseReasonThrottled = "try again later"
)
