package ccid

import (
	"encoding/binary"
	"fmt"
)

// Response is an RDR_to_PC bulk-IN message.
type Response struct {
	Type     uint8
	Slot     uint8
	Seq      uint8
	Status   uint8 // bStatus: command status | ICC status
	Error    uint8 // bError
	Specific uint8 // bChainParameter, bClockStatus or bProtocolNum
	Data     []byte
}

// ICCStatus returns the ICC status bits of bStatus.
func (r *Response) ICCStatus() uint8 {
	return r.Status & iccStatusMask
}

// CommandStatus returns the command status bits of bStatus.
func (r *Response) CommandStatus() uint8 {
	return r.Status & commandStatusMask
}

// Failed reports whether the response carries a failed command status.
func (r *Response) Failed() bool {
	return r.CommandStatus() == CommandFailed
}

// Size returns the encoded size of the response.
func (r *Response) Size() int {
	return HeaderSize + len(r.Data)
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *Response) MarshalTo(buf []byte) int {
	n := r.Size()
	if len(buf) < n {
		return 0
	}
	buf[0] = r.Type
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(r.Data)))
	buf[5] = r.Slot
	buf[6] = r.Seq
	buf[7] = r.Status
	buf[8] = r.Error
	buf[9] = r.Specific
	copy(buf[HeaderSize:n], r.Data)
	return n
}

// Bytes returns the encoded response as a new slice.
func (r *Response) Bytes() []byte {
	buf := make([]byte, r.Size())
	r.MarshalTo(buf)
	return buf
}

// String returns a compact representation for logs.
func (r *Response) String() string {
	return fmt.Sprintf("RDR_to_PC[0x%02X] slot=%d seq=%d status=0x%02X error=0x%02X specific=0x%02X len=%d",
		r.Type, r.Slot, r.Seq, r.Status, r.Error, r.Specific, len(r.Data))
}

// DecodeResponse parses a bulk-IN message, as a host driver would.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < HeaderSize {
		return Response{}, fmt.Errorf("%d bytes: %w", len(buf), ErrMalformedHeader)
	}
	length := binary.LittleEndian.Uint32(buf[1:5])
	if uint64(length) != uint64(len(buf)-HeaderSize) {
		return Response{}, fmt.Errorf("dwLength %d with %d bytes: %w",
			length, len(buf)-HeaderSize, ErrLengthMismatch)
	}
	return Response{
		Type:     buf[0],
		Slot:     buf[5],
		Seq:      buf[6],
		Status:   buf[7],
		Error:    buf[8],
		Specific: buf[9],
		Data:     cloneBytes(buf[HeaderSize:]),
	}, nil
}

// responseTypeFor returns the RDR_to_PC type that answers a PC_to_RDR type.
// Unknown types are answered with a slot status.
func responseTypeFor(msgType uint8) uint8 {
	switch msgType {
	case MsgIccPowerOn, MsgXfrBlock, MsgSecure:
		return RspDataBlock
	case MsgGetParameters, MsgResetParameters, MsgSetParameters:
		return RspParameters
	case MsgEscape, RequestGetTLVProperties, RequestSetTLVProperties,
		RequestGetFeature, RequestSetFeature:
		return RspEscape
	case MsgSetDataRateAndClockFrequency:
		return RspDataRateAndClockFrequency
	default:
		return RspSlotStatus
	}
}

// header identifies the command a response answers.
type header struct {
	Type uint8
	Slot uint8
	Seq  uint8
}

func (h header) response(cmdStatus, icc uint8) Response {
	return Response{
		Type:   responseTypeFor(h.Type),
		Slot:   h.Slot,
		Seq:    h.Seq,
		Status: cmdStatus | (icc & iccStatusMask),
	}
}

// processed builds a successful response carrying specific and data.
func (h header) processed(icc, specific uint8, data []byte) Response {
	r := h.response(CommandProcessed, icc)
	r.Specific = specific
	r.Data = data
	return r
}

// failed builds a failure response with an empty payload.
func (h header) failed(icc uint8, err SlotError) Response {
	r := h.response(CommandFailed, icc)
	r.Error = uint8(err)
	return r
}
