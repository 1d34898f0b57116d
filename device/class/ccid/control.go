package ccid

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softccid/device"
	"github.com/ardnew/softccid/pkg"
)

// HandleSetup processes class-specific SETUP requests addressed to the CCID
// interface. wValue carries the slot in its low byte and the sequence number
// in its high byte.
//
// ABORT is acknowledged with a zero-length status. GET_CLOCK_FREQUENCIES and
// GET_DATA_RATES reply with arrays of little-endian dwords. The remaining
// requests run the matching command: device-to-host requests reply with the
// RDR_to_PC message, host-to-device requests take their payload from the
// data stage and stall when the command fails. Unknown requests stall.
func (c *CCID) HandleSetup(setup *device.SetupPacket, data []byte) (int, error) {
	if !setup.IsClass() || !setup.IsInterfaceRecipient() {
		return 0, fmt.Errorf("%s: %w", setup, pkg.ErrStall)
	}
	if setup.InterfaceNumber() != c.cfg.Interface {
		return 0, fmt.Errorf("interface %d: %w", setup.InterfaceNumber(), pkg.ErrStall)
	}

	slot, seq := setup.ValueLow(), setup.ValueHigh()
	pkg.LogDebug(pkg.ComponentControl, "class request",
		"request", setup.Request,
		"slot", slot,
		"seq", seq,
		"length", setup.Length)

	switch setup.Request {
	case RequestAbort:
		c.abort.control(slot, seq)
		return 0, nil
	case RequestGetClockFrequencies:
		return putDwords(data, c.cfg.ClockFrequencies), nil
	case RequestGetDataRates:
		return putDwords(data, c.cfg.DataRates), nil
	}

	var out []byte
	if setup.IsHostToDevice() {
		out = data
	}
	payload, err := controlPayload(setup.Request, out)
	if err != nil {
		pkg.LogDebug(pkg.ComponentControl, "request rejected",
			"request", setup.Request,
			"error", err)
		return 0, err
	}

	h := header{Type: setup.Request, Slot: slot, Seq: seq}
	resp := c.proc.control(c.ctx, h, payload)

	if setup.IsHostToDevice() {
		if resp.Failed() {
			return 0, fmt.Errorf("%s: %w", resp.String(), pkg.ErrStall)
		}
		return 0, nil
	}
	return copy(data, resp.Bytes()), nil
}

// controlPayload builds the command a control request maps to. out is the
// OUT data stage, empty for device-to-host requests.
func controlPayload(request uint8, out []byte) (Payload, error) {
	switch request {
	case RequestIccPowerOn:
		return IccPowerOn{PowerSelect: PowerAuto}, nil
	case RequestIccPowerOff:
		return IccPowerOff{}, nil
	case RequestGetSlotStatus:
		return GetSlotStatus{}, nil
	case RequestGetParameters:
		return GetParameters{}, nil
	case RequestResetParameters:
		return ResetParameters{}, nil
	case RequestSetParameters:
		protocol := uint8(ProtocolT1)
		if len(out) == ParametersT0Size {
			protocol = ProtocolT0
		}
		return SetParameters{Protocol: protocol, Data: cloneBytes(out)}, nil
	case RequestEscape:
		return Escape{Data: cloneBytes(out)}, nil
	case RequestSetDataRateAndClock:
		if len(out) != DataRateAndClockSize {
			return nil, fmt.Errorf("data rate payload of %d bytes: %w", len(out), pkg.ErrStall)
		}
		return SetDataRateAndClockFrequency{
			ClockFrequency: binary.LittleEndian.Uint32(out[0:4]),
			DataRate:       binary.LittleEndian.Uint32(out[4:8]),
		}, nil
	case RequestGetTLVProperties, RequestSetTLVProperties, RequestGetFeature, RequestSetFeature:
		return propertyRequest{request: request, data: cloneBytes(out)}, nil
	default:
		return nil, fmt.Errorf("request 0x%02X: %w", request, pkg.ErrStall)
	}
}

// putDwords writes as many little-endian dwords of list as fit in buf.
func putDwords(buf []byte, list []uint32) int {
	n := 0
	for _, v := range list {
		if n+4 > len(buf) {
			break
		}
		binary.LittleEndian.PutUint32(buf[n:], v)
		n += 4
	}
	return n
}
