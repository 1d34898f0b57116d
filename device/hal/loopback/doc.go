// Package loopback implements an in-memory HAL for the softccid device stack.
//
// A [HAL] pairs the device side, which satisfies [hal.DeviceHAL], with a
// [Host] handle that plays the USB host: it issues control transfers, queues
// bulk-OUT transfers, receives bulk-IN transfers and can reset the bus.
//
//	h := loopback.New()
//	stack := device.NewStack(h)
//	// ... register a class driver and start the stack
//
//	host := h.Host()
//	host.BulkOut(ctx, 0x01, msg)
//	resp, _ := host.BulkIn(ctx, 0x81)
//
// Endpoint halts are shared between both sides: a stalled endpoint fails
// transfers in either direction with pkg.ErrStall until cleared.
package loopback
