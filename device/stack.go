package device

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/softccid/device/hal"
	"github.com/ardnew/softccid/pkg"
)

// MaxControlDataSize is the maximum data size for control transfers.
const MaxControlDataSize = 512

// Stack manages the USB function: it services EP0 on its own goroutine and
// gives the class driver blocking access to the data endpoints.
type Stack struct {
	hal    hal.DeviceHAL
	driver ClassDriver

	// State
	running bool
	mutex   sync.RWMutex
	loop    sync.WaitGroup

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Reusable setup packet for zero-allocation reads
	setupBuf hal.SetupPacket

	// EP0 data stage buffer, shared by OUT and IN stages
	ep0Buf [MaxControlDataSize]byte
}

// NewStack creates a new device stack on top of h.
func NewStack(h hal.DeviceHAL) *Stack {
	return &Stack{hal: h}
}

// SetClassDriver sets the class driver that receives class SETUP requests and
// bus reset notifications.
func (s *Stack) SetClassDriver(d ClassDriver) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.driver = d
}

func (s *Stack) classDriver() ClassDriver {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.driver
}

// Start starts the device stack.
func (s *Stack) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mutex.Unlock()

	if err := s.hal.Init(s.ctx); err != nil {
		s.cancel()
		return err
	}

	if err := s.hal.Start(); err != nil {
		s.cancel()
		return err
	}

	s.mutex.Lock()
	s.running = true
	s.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentStack, "device stack started")

	// Start the control transfer handler
	s.loop.Add(1)
	go s.controlLoop()

	return nil
}

// Stop stops the device stack and waits for the control loop to exit.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}

	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	driver := s.driver
	s.mutex.Unlock()

	err := s.hal.Stop()
	s.loop.Wait()

	if driver != nil {
		if cerr := driver.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return err
}

// IsRunning returns true if the stack is running.
func (s *Stack) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// controlLoop handles control transfers on EP0.
func (s *Stack) controlLoop() {
	defer s.loop.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.hal.ReadSetup(s.ctx, &s.setupBuf); err != nil {
			if s.ctx.Err() != nil || errors.Is(err, pkg.ErrClosed) {
				return
			}
			// Handle bus reset
			if errors.Is(err, pkg.ErrReset) {
				pkg.LogInfo(pkg.ComponentStack, "bus reset")
				if d := s.classDriver(); d != nil {
					d.Reset()
				}
				continue
			}
			pkg.LogWarn(pkg.ComponentStack, "error reading setup",
				"error", err)
			continue
		}

		var setup SetupPacket
		setup.fromHAL(&s.setupBuf)

		if err := s.handleSetup(&setup); err != nil {
			pkg.LogDebug(pkg.ComponentStack, "setup rejected",
				"error", err,
				"request", setup.String())
			if serr := s.hal.StallEP0(); serr != nil {
				pkg.LogWarn(pkg.ComponentStack, "EP0 stall failed",
					"error", serr)
			}
		}
	}
}

// handleSetup processes a single SETUP transaction.
func (s *Stack) handleSetup(setup *SetupPacket) error {
	pkg.LogDebug(pkg.ComponentStack, "setup received",
		"request", setup.String())

	if setup.IsStandard() {
		if err := s.handleStandard(setup); err != nil {
			return err
		}
		return s.hal.AckEP0()
	}

	driver := s.classDriver()
	if driver == nil {
		return pkg.ErrNotConfigured
	}

	length := int(setup.Length)
	if length > MaxControlDataSize {
		length = MaxControlDataSize
	}

	if setup.IsHostToDevice() {
		// Read the data stage before the driver sees the request
		n := 0
		if length > 0 {
			var err error
			n, err = s.hal.ReadEP0(s.ctx, s.ep0Buf[:length])
			if err != nil {
				return err
			}
		}
		if _, err := driver.HandleSetup(setup, s.ep0Buf[:n]); err != nil {
			return err
		}
		return s.hal.AckEP0()
	}

	n, err := driver.HandleSetup(setup, s.ep0Buf[:length])
	if err != nil {
		return err
	}
	if n > length {
		n = length
	}
	return s.hal.WriteEP0(s.ctx, s.ep0Buf[:n])
}

// handleStandard services the standard requests a function owns once the
// platform has configured it: endpoint halt control.
func (s *Stack) handleStandard(setup *SetupPacket) error {
	if !setup.IsEndpointRecipient() || setup.Value != FeatureEndpointHalt {
		return pkg.ErrInvalidRequest
	}
	addr := setup.EndpointAddress()
	switch setup.Request {
	case RequestClearFeature:
		pkg.LogDebug(pkg.ComponentStack, "clear halt", "endpoint", addr)
		return s.hal.ClearStall(addr)
	case RequestSetFeature:
		return s.hal.Stall(addr)
	default:
		return pkg.ErrInvalidRequest
	}
}

// Read performs a blocking read on an OUT endpoint.
func (s *Stack) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	if !s.IsRunning() {
		return 0, pkg.ErrNotRunning
	}
	return s.hal.Read(ctx, address, buf)
}

// Write performs a blocking write on an IN endpoint.
func (s *Stack) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	if !s.IsRunning() {
		return 0, pkg.ErrNotRunning
	}
	return s.hal.Write(ctx, address, data)
}

// Stall halts an endpoint until the host clears it.
func (s *Stack) Stall(address uint8) error {
	if !s.IsRunning() {
		return pkg.ErrNotRunning
	}
	pkg.LogDebug(pkg.ComponentStack, "stall", "endpoint", address)
	return s.hal.Stall(address)
}
