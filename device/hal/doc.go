// Package hal defines the transport interface a softccid reader function runs on.
//
// The HAL is the boundary between the CCID engine and whatever moves bytes
// to and from the USB host: a device controller driver, a Linux gadget
// endpoint file, or the in-memory [github.com/ardnew/softccid/device/hal/loopback]
// transport used by tests.
//
// # Interface Overview
//
// The [DeviceHAL] interface covers:
//
//   - Lifecycle (Init, Start, Stop)
//   - Control endpoint (EP0): SETUP reads, data stages, status ack and stall
//   - Data endpoints: bulk Read/Write, Stall and ClearStall
//
// Descriptors, enumeration and speed negotiation stay below the HAL; the
// platform is expected to have configured the function before Start returns.
//
// # Implementing a HAL
//
//  1. Create a type that implements all [DeviceHAL] methods
//  2. Return pkg.ErrReset from ReadSetup on a bus reset
//  3. Make Stop unblock every pending Read, Write and ReadSetup
//
// # Example
//
//	type gadgetHAL struct {
//	    ep0, bulkIn, bulkOut *os.File
//	}
//
//	func (h *gadgetHAL) Write(ctx context.Context, addr uint8, data []byte) (int, error) {
//	    return h.bulkIn.Write(data)
//	}
//
//	// ... implement remaining DeviceHAL methods
package hal
