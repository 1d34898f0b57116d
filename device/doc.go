// Package device implements the USB function side of a softccid reader.
//
// It is platform-agnostic and interacts with hardware via the
// [hal.DeviceHAL] interface defined in the
// [github.com/ardnew/softccid/device/hal] package. Enumeration is the
// platform's job; the stack picks up once the function is configured.
//
// # Architecture
//
//   - [SetupPacket] models the 8-byte SETUP packet and its bmRequestType fields
//   - [Stack] services EP0 on its own goroutine and exposes blocking
//     Read/Write/Stall on the data endpoints
//   - [ClassDriver] receives class requests and bus resets
//   - [InterfaceDescriptor] and [EndpointDescriptor] encode the descriptors a
//     class driver hands the platform for its configuration descriptor
//
// # Control Transfers
//
// For each SETUP the stack:
//
//  1. Reads the OUT data stage (host-to-device requests with wLength > 0)
//  2. Hands the request to the class driver
//  3. Sends the IN data stage, or a zero-length status for OUT requests
//  4. Stalls EP0 when the driver returns an error
//
// CLEAR_FEATURE(ENDPOINT_HALT) and SET_FEATURE(ENDPOINT_HALT) are serviced by
// the stack itself so the host can recover a stalled bulk endpoint.
//
// # Example
//
//	stack := device.NewStack(h)
//	stack.SetClassDriver(reader)
//	if err := stack.Start(ctx); err != nil {
//	    return err
//	}
//	defer stack.Stop()
//
// The CCID class driver lives in
// [github.com/ardnew/softccid/device/class/ccid].
package device
