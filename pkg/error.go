package pkg

import "errors"

// USB transport errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer or card operation timed out.
	ErrTimeout = errors.New("timeout")

	// ErrNotConfigured indicates the function is not configured.
	ErrNotConfigured = errors.New("not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidRequest indicates an invalid or unsupported control request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrAlreadyRunning indicates the stack is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the stack is not running.
	ErrNotRunning = errors.New("not running")

	// ErrClosed indicates the transport was closed.
	ErrClosed = errors.New("transport closed")

	// ErrReset indicates a bus reset was received.
	ErrReset = errors.New("bus reset")

	// ErrDescriptorTooShort indicates descriptor data is shorter than its
	// fixed layout.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates an unexpected bDescriptorType.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)

// IsTransient reports whether err is a transport condition the host recovers
// from on its own (stall, NAK-style timeout, bus reset), as opposed to a
// closed or misconfigured transport.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStall) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrReset)
}
