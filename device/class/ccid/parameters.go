package ccid

import "fmt"

// Parameters is the protocol data structure exchanged by GetParameters,
// SetParameters and ResetParameters. The T=0 layout carries the first five
// fields; T=1 adds IFSC and NadValue.
type Parameters struct {
	Protocol        uint8 // bProtocolNum
	FindexDindex    uint8 // bmFindexDindex
	TCCKS           uint8 // bmTCCKST0 / bmTCCKST1
	GuardTime       uint8 // bGuardTimeT0 / bGuardTimeT1
	WaitingIntegers uint8 // bWaitingIntegerT0 / bmWaitingIntegersT1
	ClockStop       uint8 // bClockStop
	IFSC            uint8 // bIFSC, T=1 only
	NadValue        uint8 // bNadValue, T=1 only
}

// DefaultT1Parameters returns the power-up T=1 parameters.
func DefaultT1Parameters() Parameters {
	return Parameters{
		Protocol:        ProtocolT1,
		FindexDindex:    0x11,
		TCCKS:           0x11,
		GuardTime:       0x00,
		WaitingIntegers: 0x9F,
		ClockStop:       0x00,
		IFSC:            0x40,
		NadValue:        0x00,
	}
}

// DefaultT0Parameters returns the power-up T=0 parameters.
func DefaultT0Parameters() Parameters {
	return Parameters{
		Protocol:        ProtocolT0,
		FindexDindex:    0x11,
		TCCKS:           0x00,
		GuardTime:       0x00,
		WaitingIntegers: 0x0A,
		ClockStop:       0x00,
	}
}

// parametersSize returns the wire size of the structure for a protocol, or
// false for a protocol CCID does not define.
func parametersSize(protocol uint8) (int, bool) {
	switch protocol {
	case ProtocolT0:
		return ParametersT0Size, true
	case ProtocolT1:
		return ParametersT1Size, true
	default:
		return 0, false
	}
}

// Size returns the number of bytes MarshalTo writes.
func (p Parameters) Size() int {
	n, _ := parametersSize(p.Protocol)
	return n
}

// MarshalTo writes the protocol data structure to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (p Parameters) MarshalTo(buf []byte) int {
	n := p.Size()
	if len(buf) < n {
		return 0
	}
	if n == 0 {
		return 0
	}
	buf[0] = p.FindexDindex
	buf[1] = p.TCCKS
	buf[2] = p.GuardTime
	buf[3] = p.WaitingIntegers
	buf[4] = p.ClockStop
	if p.Protocol == ProtocolT1 {
		buf[5] = p.IFSC
		buf[6] = p.NadValue
	}
	return n
}

// Bytes returns the protocol data structure as a new slice.
func (p Parameters) Bytes() []byte {
	buf := make([]byte, p.Size())
	p.MarshalTo(buf)
	return buf
}

// ParseParameters parses a protocol data structure for the given protocol.
func ParseParameters(protocol uint8, data []byte, out *Parameters) error {
	n, ok := parametersSize(protocol)
	if !ok {
		return fmt.Errorf("protocol %d: %w", protocol, SlotErrBadParameter)
	}
	if len(data) != n {
		return fmt.Errorf("T=%d parameters are %d bytes, got %d: %w",
			protocol, n, len(data), SlotErrBadLength)
	}
	*out = Parameters{
		Protocol:        protocol,
		FindexDindex:    data[0],
		TCCKS:           data[1],
		GuardTime:       data[2],
		WaitingIntegers: data[3],
		ClockStop:       data[4],
	}
	if protocol == ProtocolT1 {
		out.IFSC = data[5]
		out.NadValue = data[6]
	}
	return nil
}
