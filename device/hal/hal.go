package hal

import (
	"context"
	"encoding/binary"
)

// DirectionIn is the direction bit of an IN endpoint address.
const DirectionIn = 0x80

// SetupPacket represents a USB SETUP packet in the HAL layer.
// This is a fixed-size, zero-allocation structure for SETUP transactions.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes in the data stage
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// DeviceHAL is the transport a USB function runs on.
//
// It carries the control endpoint (EP0) and the data endpoints the CCID
// function uses. Enumeration, descriptors and speed negotiation are handled
// below this interface by the platform.
//
// All methods should be safe for concurrent use: the control loop and the
// bulk loop call into the HAL from separate goroutines.
type DeviceHAL interface {
	// Init prepares the transport. The context can be used to cancel initialization.
	Init(ctx context.Context) error

	// Start attaches the function to the bus.
	Start() error

	// Stop detaches the function and unblocks pending reads and writes.
	Stop() error

	// Control Endpoint (EP0) Operations

	// ReadSetup reads a SETUP packet from EP0.
	// Blocks until a SETUP packet is available or the context is cancelled.
	// Returns pkg.ErrReset when the host resets the bus.
	ReadSetup(ctx context.Context, out *SetupPacket) error

	// WriteEP0 writes the IN data stage of a control transfer.
	WriteEP0(ctx context.Context, data []byte) error

	// ReadEP0 reads the OUT data stage of a control transfer.
	// Returns the number of bytes read into buf.
	ReadEP0(ctx context.Context, buf []byte) (int, error)

	// StallEP0 stalls the control endpoint to reject a request.
	StallEP0() error

	// AckEP0 completes a control transfer with a zero-length status stage.
	AckEP0() error

	// Data Endpoint Operations

	// Read reads one transfer from an OUT endpoint into buf.
	// Blocks until data is received or the context is cancelled.
	Read(ctx context.Context, address uint8, buf []byte) (int, error)

	// Write writes one transfer to an IN endpoint.
	// Blocks until the data is taken by the host or the context is cancelled.
	Write(ctx context.Context, address uint8, data []byte) (int, error)

	// Stall stalls the specified endpoint.
	Stall(address uint8) error

	// ClearStall clears a stall condition on the specified endpoint.
	ClearStall(address uint8) error
}
