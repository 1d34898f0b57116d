package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softccid/device/hal"
	"github.com/ardnew/softccid/pkg"
)

// MaxEndpoints is the maximum number of data endpoints (1-15 IN and OUT).
const MaxEndpoints = 15

// QueueDepth is the number of transfers buffered per endpoint direction.
const QueueDepth = 16

type controlRequest struct {
	setup hal.SetupPacket
	data  []byte
}

type controlResult struct {
	data    []byte
	stalled bool
}

// HAL implements hal.DeviceHAL over in-process channels.
// The host side of the link is reached through [HAL.Host].
type HAL struct {
	setupCh chan controlRequest
	replyCh chan controlResult
	resetCh chan struct{}

	epOut [MaxEndpoints]chan []byte // host writes, device reads
	epIn  [MaxEndpoints]chan []byte // device writes, host reads

	// OUT stage data of the control transfer being serviced
	ep0Data []byte

	// Stall state, OUT at [0-14], IN at [15-29]
	stalled [MaxEndpoints * 2]bool

	mutex     sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once

	host *Host
}

// New creates a loopback HAL with empty endpoint queues.
func New() *HAL {
	h := &HAL{
		setupCh: make(chan controlRequest),
		replyCh: make(chan controlResult, 1),
		resetCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	for i := range h.epOut {
		h.epOut[i] = make(chan []byte, QueueDepth)
		h.epIn[i] = make(chan []byte, QueueDepth)
	}
	h.host = &Host{hal: h}
	return h
}

// Host returns the host-side handle of the link.
func (h *HAL) Host() *Host {
	return h.host
}

// endpointIndex maps an endpoint address to its queue and stall index.
func endpointIndex(address uint8) (num int, stallIdx int, err error) {
	n := int(address & 0x0F)
	if n == 0 || n > MaxEndpoints {
		return 0, 0, fmt.Errorf("endpoint 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	if address&hal.DirectionIn != 0 {
		return n - 1, n - 1 + MaxEndpoints, nil
	}
	return n - 1, n - 1, nil
}

func (h *HAL) isStalled(idx int) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.stalled[idx]
}

// Init implements hal.DeviceHAL.
func (h *HAL) Init(ctx context.Context) error {
	return ctx.Err()
}

// Start implements hal.DeviceHAL.
func (h *HAL) Start() error {
	select {
	case <-h.closeCh:
		return pkg.ErrClosed
	default:
	}
	pkg.LogDebug(pkg.ComponentHAL, "loopback HAL started")
	return nil
}

// Stop implements hal.DeviceHAL. A stopped HAL cannot be restarted.
func (h *HAL) Stop() error {
	h.closeOnce.Do(func() {
		close(h.closeCh)
	})
	pkg.LogDebug(pkg.ComponentHAL, "loopback HAL stopped")
	return nil
}

// ReadSetup implements hal.DeviceHAL.
func (h *HAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closeCh:
		return pkg.ErrClosed
	case <-h.resetCh:
		h.mutex.Lock()
		h.stalled = [MaxEndpoints * 2]bool{}
		h.mutex.Unlock()
		return pkg.ErrReset
	case req := <-h.setupCh:
		h.mutex.Lock()
		h.ep0Data = req.data
		h.mutex.Unlock()
		*out = req.setup
		return nil
	}
}

func (h *HAL) reply(res controlResult) error {
	select {
	case h.replyCh <- res:
		return nil
	case <-h.closeCh:
		return pkg.ErrClosed
	}
}

// WriteEP0 implements hal.DeviceHAL.
func (h *HAL) WriteEP0(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.reply(controlResult{data: append([]byte(nil), data...)})
}

// ReadEP0 implements hal.DeviceHAL.
func (h *HAL) ReadEP0(ctx context.Context, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	n := copy(buf, h.ep0Data)
	h.ep0Data = h.ep0Data[n:]
	return n, nil
}

// StallEP0 implements hal.DeviceHAL.
func (h *HAL) StallEP0() error {
	pkg.LogDebug(pkg.ComponentHAL, "EP0 stalled")
	return h.reply(controlResult{stalled: true})
}

// AckEP0 implements hal.DeviceHAL.
func (h *HAL) AckEP0() error {
	return h.reply(controlResult{})
}

// Read implements hal.DeviceHAL. A transfer larger than buf is truncated and
// reported with pkg.ErrBufferTooSmall alongside the bytes that fit.
func (h *HAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	num, idx, err := endpointIndex(address)
	if err != nil {
		return 0, err
	}
	if address&hal.DirectionIn != 0 {
		return 0, fmt.Errorf("read from IN endpoint 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	if h.isStalled(idx) {
		return 0, pkg.ErrStall
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.closeCh:
		return 0, pkg.ErrClosed
	case data := <-h.epOut[num]:
		n := copy(buf, data)
		if n < len(data) {
			return n, fmt.Errorf("%d byte transfer: %w", len(data), pkg.ErrBufferTooSmall)
		}
		return n, nil
	}
}

// Write implements hal.DeviceHAL.
func (h *HAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	num, idx, err := endpointIndex(address)
	if err != nil {
		return 0, err
	}
	if address&hal.DirectionIn == 0 {
		return 0, fmt.Errorf("write to OUT endpoint 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	if h.isStalled(idx) {
		return 0, pkg.ErrStall
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.closeCh:
		return 0, pkg.ErrClosed
	case h.epIn[num] <- append([]byte(nil), data...):
		return len(data), nil
	}
}

// Stall implements hal.DeviceHAL.
func (h *HAL) Stall(address uint8) error {
	_, idx, err := endpointIndex(address)
	if err != nil {
		return err
	}
	h.mutex.Lock()
	h.stalled[idx] = true
	h.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "endpoint stalled", "address", address)
	return nil
}

// ClearStall implements hal.DeviceHAL.
func (h *HAL) ClearStall(address uint8) error {
	_, idx, err := endpointIndex(address)
	if err != nil {
		return err
	}
	h.mutex.Lock()
	h.stalled[idx] = false
	h.mutex.Unlock()
	return nil
}

// Host is the host side of a loopback link.
type Host struct {
	hal *HAL

	// one control transfer at a time, as on a real bus
	controlMutex sync.Mutex
}

// Control performs a complete control transfer. For host-to-device requests
// data is the OUT stage; the returned slice is the IN stage (empty for a
// zero-length status). A stalled request returns pkg.ErrStall.
func (c *Host) Control(ctx context.Context, setup hal.SetupPacket, data []byte) ([]byte, error) {
	c.controlMutex.Lock()
	defer c.controlMutex.Unlock()

	req := controlRequest{setup: setup, data: append([]byte(nil), data...)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.hal.closeCh:
		return nil, pkg.ErrClosed
	case c.hal.setupCh <- req:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.hal.closeCh:
		return nil, pkg.ErrClosed
	case res := <-c.hal.replyCh:
		if res.stalled {
			return nil, pkg.ErrStall
		}
		return res.data, nil
	}
}

// BulkOut queues one transfer on an OUT endpoint.
func (c *Host) BulkOut(ctx context.Context, address uint8, data []byte) error {
	num, idx, err := endpointIndex(address &^ hal.DirectionIn)
	if err != nil {
		return err
	}
	if c.hal.isStalled(idx) {
		return pkg.ErrStall
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.hal.closeCh:
		return pkg.ErrClosed
	case c.hal.epOut[num] <- append([]byte(nil), data...):
		return nil
	}
}

// BulkIn receives one transfer from an IN endpoint.
func (c *Host) BulkIn(ctx context.Context, address uint8) ([]byte, error) {
	num, _, err := endpointIndex(address | hal.DirectionIn)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.hal.closeCh:
		return nil, pkg.ErrClosed
	case data := <-c.hal.epIn[num]:
		return data, nil
	}
}

// Stalled reports whether the endpoint is halted.
func (c *Host) Stalled(address uint8) bool {
	_, idx, err := endpointIndex(address)
	if err != nil {
		return false
	}
	return c.hal.isStalled(idx)
}

// ClearHalt clears an endpoint halt, as CLEAR_FEATURE(ENDPOINT_HALT) would.
func (c *Host) ClearHalt(address uint8) error {
	return c.hal.ClearStall(address)
}

// Reset signals a bus reset to the device. Endpoint halts are cleared when
// the device observes the reset.
func (c *Host) Reset() {
	select {
	case c.hal.resetCh <- struct{}{}:
	default:
	}
}

// Compile-time interface check
var _ hal.DeviceHAL = (*HAL)(nil)
