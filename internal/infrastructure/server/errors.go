package server

import "errors"

// Common errors in the server package
var (
	// ErrTransportClosed is returned when writing to a transport that is no longer open
	ErrTransportClosed = errors.New("transport is closed")

	// ErrRegistryFull is returned when the registry has reached its device capacity
	ErrRegistryFull = errors.New("device registry is full")

	// ErrAdmissionThrottled is returned when connections arrive faster than the admission rate
	ErrAdmissionThrottled = errors.New("connection admission throttled")

	// ErrInboundQueueFull is reported when a peer sends frames faster than they are consumed
	ErrInboundQueueFull = errors.New("inbound frame queue is full")
)
