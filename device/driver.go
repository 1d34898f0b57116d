package device

// ClassDriver is implemented by the USB class function the stack serves.
type ClassDriver interface {
	// HandleSetup processes a class or vendor SETUP request.
	//
	// For host-to-device requests data holds the received OUT data stage.
	// For device-to-host requests data is a buffer of at most wLength bytes
	// that the driver fills with the IN data stage. The returned count is the
	// number of bytes of data to send (ignored for OUT requests).
	//
	// Returning pkg.ErrStall (or any other error) stalls EP0.
	HandleSetup(setup *SetupPacket, data []byte) (int, error)

	// Reset is called when the host resets the bus.
	Reset()

	// Close releases resources held by the class driver.
	Close() error
}
