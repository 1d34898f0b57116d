package ccid

import (
	"encoding/binary"
	"fmt"
)

// Limits bounds the variable payloads accepted by DecodeMessage.
type Limits struct {
	MaxDataSize       int // XfrBlock and Secure abData
	MaxEscapeDataSize int // Escape abData
}

// Message is a decoded PC_to_RDR bulk-OUT message. The message type and
// dwLength are derived from Payload, so an encoded Message always carries a
// dwLength equal to its payload size.
type Message struct {
	Slot    uint8
	Seq     uint8
	Payload Payload
}

// Payload is the closed set of PC_to_RDR message bodies.
type Payload interface {
	// MessageType returns the bMessageType the payload is sent with.
	MessageType() uint8

	specific(h []byte)
	bodySize() int
	marshalBody(buf []byte)
}

// IccPowerOn activates the card and returns its ATR.
type IccPowerOn struct {
	PowerSelect uint8
}

// IccPowerOff deactivates the card.
type IccPowerOff struct{}

// GetSlotStatus reads the slot status.
type GetSlotStatus struct{}

// XfrBlock carries an APDU (or a block of a chained APDU) to the card.
type XfrBlock struct {
	BWI            uint8
	LevelParameter uint16
	Data           []byte
}

// GetParameters reads the negotiated protocol parameters.
type GetParameters struct{}

// ResetParameters restores the default protocol parameters.
type ResetParameters struct{}

// SetParameters selects a protocol and its parameters. Data is the raw
// protocol data structure, parsed by the processor so a bad protocol number
// can be reported against its own field.
type SetParameters struct {
	Protocol uint8
	Data     []byte
}

// Escape carries a vendor command.
type Escape struct {
	Data []byte
}

// IccClock stops or restarts the card clock.
type IccClock struct {
	Command uint8
}

// T0APDU changes the T=0 GET RESPONSE and ENVELOPE class bytes.
type T0APDU struct {
	Changes          uint8
	ClassGetResponse uint8
	ClassEnvelope    uint8
}

// Secure carries a PIN verification or modification block.
type Secure struct {
	BWI            uint8
	LevelParameter uint16
	Data           []byte
}

// Mechanical drives the slot mechanism.
type Mechanical struct {
	Function uint8
}

// Abort is the bulk-OUT half of the abort protocol.
type Abort struct{}

// SetDataRateAndClockFrequency selects an advertised clock frequency (kHz)
// and data rate (bps).
type SetDataRateAndClockFrequency struct {
	ClockFrequency uint32
	DataRate       uint32
}

func (IccPowerOn) MessageType() uint8                   { return MsgIccPowerOn }
func (IccPowerOff) MessageType() uint8                  { return MsgIccPowerOff }
func (GetSlotStatus) MessageType() uint8                { return MsgGetSlotStatus }
func (XfrBlock) MessageType() uint8                     { return MsgXfrBlock }
func (GetParameters) MessageType() uint8                { return MsgGetParameters }
func (ResetParameters) MessageType() uint8              { return MsgResetParameters }
func (SetParameters) MessageType() uint8                { return MsgSetParameters }
func (Escape) MessageType() uint8                       { return MsgEscape }
func (IccClock) MessageType() uint8                     { return MsgIccClock }
func (T0APDU) MessageType() uint8                       { return MsgT0APDU }
func (Secure) MessageType() uint8                       { return MsgSecure }
func (Mechanical) MessageType() uint8                   { return MsgMechanical }
func (Abort) MessageType() uint8                        { return MsgAbort }
func (SetDataRateAndClockFrequency) MessageType() uint8 { return MsgSetDataRateAndClockFrequency }

func (p IccPowerOn) specific(h []byte)               { h[0] = p.PowerSelect }
func (IccPowerOff) specific([]byte)                  {}
func (GetSlotStatus) specific([]byte)                {}
func (p XfrBlock) specific(h []byte)                 { putBlockSpecific(h, p.BWI, p.LevelParameter) }
func (GetParameters) specific([]byte)                {}
func (ResetParameters) specific([]byte)              {}
func (p SetParameters) specific(h []byte)            { h[0] = p.Protocol }
func (Escape) specific([]byte)                       {}
func (p IccClock) specific(h []byte)                 { h[0] = p.Command }
func (p T0APDU) specific(h []byte)                   { h[0], h[1], h[2] = p.Changes, p.ClassGetResponse, p.ClassEnvelope }
func (p Secure) specific(h []byte)                   { putBlockSpecific(h, p.BWI, p.LevelParameter) }
func (p Mechanical) specific(h []byte)               { h[0] = p.Function }
func (Abort) specific([]byte)                        {}
func (SetDataRateAndClockFrequency) specific([]byte) {}

func (IccPowerOn) bodySize() int                   { return 0 }
func (IccPowerOff) bodySize() int                  { return 0 }
func (GetSlotStatus) bodySize() int                { return 0 }
func (p XfrBlock) bodySize() int                   { return len(p.Data) }
func (GetParameters) bodySize() int                { return 0 }
func (ResetParameters) bodySize() int              { return 0 }
func (p SetParameters) bodySize() int              { return len(p.Data) }
func (p Escape) bodySize() int                     { return len(p.Data) }
func (IccClock) bodySize() int                     { return 0 }
func (T0APDU) bodySize() int                       { return 0 }
func (p Secure) bodySize() int                     { return len(p.Data) }
func (Mechanical) bodySize() int                   { return 0 }
func (Abort) bodySize() int                        { return 0 }
func (SetDataRateAndClockFrequency) bodySize() int { return DataRateAndClockSize }

func (IccPowerOn) marshalBody([]byte)                         {}
func (IccPowerOff) marshalBody([]byte)                        {}
func (GetSlotStatus) marshalBody([]byte)                      {}
func (p XfrBlock) marshalBody(buf []byte)                     { copy(buf, p.Data) }
func (GetParameters) marshalBody([]byte)                      {}
func (ResetParameters) marshalBody([]byte)                    {}
func (p SetParameters) marshalBody(buf []byte)                { copy(buf, p.Data) }
func (p Escape) marshalBody(buf []byte)                       { copy(buf, p.Data) }
func (IccClock) marshalBody([]byte)                           {}
func (T0APDU) marshalBody([]byte)                             {}
func (p Secure) marshalBody(buf []byte)                       { copy(buf, p.Data) }
func (Mechanical) marshalBody([]byte)                         {}
func (Abort) marshalBody([]byte)                              {}
func (p SetDataRateAndClockFrequency) marshalBody(buf []byte) { putRateAndClock(buf, p.ClockFrequency, p.DataRate) }

func putBlockSpecific(h []byte, bwi uint8, level uint16) {
	h[0] = bwi
	binary.LittleEndian.PutUint16(h[1:3], level)
}

func putRateAndClock(buf []byte, clock, rate uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], clock)
	binary.LittleEndian.PutUint32(buf[4:8], rate)
}

// Type returns the bMessageType of the message.
func (m *Message) Type() uint8 {
	return m.Payload.MessageType()
}

// Length returns the dwLength of the message.
func (m *Message) Length() uint32 {
	return uint32(m.Payload.bodySize())
}

// Size returns the encoded size of the message.
func (m *Message) Size() int {
	return HeaderSize + m.Payload.bodySize()
}

// MarshalTo writes the message to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (m *Message) MarshalTo(buf []byte) int {
	n := m.Size()
	if len(buf) < n {
		return 0
	}
	buf[0] = m.Type()
	binary.LittleEndian.PutUint32(buf[1:5], m.Length())
	buf[5] = m.Slot
	buf[6] = m.Seq
	buf[7], buf[8], buf[9] = 0, 0, 0
	m.Payload.specific(buf[7:10])
	m.Payload.marshalBody(buf[HeaderSize:n])
	return n
}

// Bytes returns the encoded message as a new slice.
func (m *Message) Bytes() []byte {
	buf := make([]byte, m.Size())
	m.MarshalTo(buf)
	return buf
}

// maxBodySize returns the largest dwLength accepted for a message type and
// whether that size is also the only size accepted.
func maxBodySize(msgType uint8, limits Limits) (limit int, fixed bool, ok bool) {
	switch msgType {
	case MsgIccPowerOn, MsgIccPowerOff, MsgGetSlotStatus, MsgGetParameters,
		MsgResetParameters, MsgIccClock, MsgT0APDU, MsgMechanical, MsgAbort:
		return 0, true, true
	case MsgSetDataRateAndClockFrequency:
		return DataRateAndClockSize, true, true
	case MsgSetParameters:
		return maxSetParametersSize, false, true
	case MsgXfrBlock, MsgSecure:
		return limits.MaxDataSize, false, true
	case MsgEscape:
		return limits.MaxEscapeDataSize, false, true
	default:
		return 0, false, false
	}
}

// DecodeMessage decodes one bulk-OUT transfer. Errors are returned as
// *DecodeError wrapping ErrMalformedHeader, ErrUnknownOpcode,
// ErrPayloadOverflow or ErrLengthMismatch. Variable payloads are copied, so
// the message does not alias buf.
func DecodeMessage(buf []byte, limits Limits) (Message, error) {
	if len(buf) < HeaderSize {
		return Message{}, &DecodeError{Err: fmt.Errorf("%d bytes: %w", len(buf), ErrMalformedHeader)}
	}

	derr := &DecodeError{
		Type:        buf[0],
		Length:      binary.LittleEndian.Uint32(buf[1:5]),
		Slot:        buf[5],
		Seq:         buf[6],
		HeaderValid: true,
	}

	limit, fixed, ok := maxBodySize(derr.Type, limits)
	if !ok {
		derr.Err = ErrUnknownOpcode
		return Message{}, derr
	}
	if uint64(derr.Length) > uint64(limit) {
		derr.Err = ErrPayloadOverflow
		return Message{}, derr
	}
	body := buf[HeaderSize:]
	if uint64(len(body)) != uint64(derr.Length) {
		derr.Err = ErrLengthMismatch
		return Message{}, derr
	}
	if fixed && len(body) != limit {
		derr.Err = ErrLengthMismatch
		return Message{}, derr
	}

	specific := buf[7:10]
	msg := Message{Slot: derr.Slot, Seq: derr.Seq}

	switch derr.Type {
	case MsgIccPowerOn:
		msg.Payload = IccPowerOn{PowerSelect: specific[0]}
	case MsgIccPowerOff:
		msg.Payload = IccPowerOff{}
	case MsgGetSlotStatus:
		msg.Payload = GetSlotStatus{}
	case MsgXfrBlock:
		msg.Payload = XfrBlock{
			BWI:            specific[0],
			LevelParameter: binary.LittleEndian.Uint16(specific[1:3]),
			Data:           cloneBytes(body),
		}
	case MsgGetParameters:
		msg.Payload = GetParameters{}
	case MsgResetParameters:
		msg.Payload = ResetParameters{}
	case MsgSetParameters:
		if n, known := parametersSize(specific[0]); known && n != len(body) {
			derr.Err = ErrLengthMismatch
			return Message{}, derr
		}
		msg.Payload = SetParameters{Protocol: specific[0], Data: cloneBytes(body)}
	case MsgEscape:
		msg.Payload = Escape{Data: cloneBytes(body)}
	case MsgIccClock:
		msg.Payload = IccClock{Command: specific[0]}
	case MsgT0APDU:
		msg.Payload = T0APDU{Changes: specific[0], ClassGetResponse: specific[1], ClassEnvelope: specific[2]}
	case MsgSecure:
		msg.Payload = Secure{
			BWI:            specific[0],
			LevelParameter: binary.LittleEndian.Uint16(specific[1:3]),
			Data:           cloneBytes(body),
		}
	case MsgMechanical:
		msg.Payload = Mechanical{Function: specific[0]}
	case MsgAbort:
		msg.Payload = Abort{}
	case MsgSetDataRateAndClockFrequency:
		msg.Payload = SetDataRateAndClockFrequency{
			ClockFrequency: binary.LittleEndian.Uint32(body[0:4]),
			DataRate:       binary.LittleEndian.Uint32(body[4:8]),
		}
	}

	return msg, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
