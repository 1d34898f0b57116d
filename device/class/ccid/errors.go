package ccid

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softccid/pkg"
)

// Codec and processing errors.
var (
	// ErrMalformedHeader indicates a bulk-OUT transfer shorter than the CCID header.
	ErrMalformedHeader = errors.New("malformed CCID header")

	// ErrUnknownOpcode indicates a bMessageType outside the supported set.
	ErrUnknownOpcode = errors.New("unknown CCID message type")

	// ErrPayloadOverflow indicates a declared dwLength above the maximum for its message type.
	ErrPayloadOverflow = errors.New("CCID payload exceeds maximum size")

	// ErrLengthMismatch indicates dwLength disagrees with the bytes present or
	// with the fixed payload size of the message type.
	ErrLengthMismatch = errors.New("CCID length mismatch")

	// ErrInvalidSlot indicates a slot index at or above the configured slot count.
	ErrInvalidSlot = errors.New("invalid slot")

	// ErrCommandAborted indicates a command rejected by the abort latch.
	ErrCommandAborted = errors.New("command aborted")

	// ErrCardFault indicates the card collaborator reported a failure.
	ErrCardFault = errors.New("card fault")

	// ErrCommandNotSupported indicates a recognized command the reader does not implement.
	ErrCommandNotSupported = errors.New("command not supported")

	// ErrSlotBusy indicates the slot is processing another command.
	ErrSlotBusy = errors.New("slot busy")

	// ErrNoCard indicates there is no card in the slot.
	ErrNoCard = errors.New("no card present")

	// ErrInvalidConfig indicates a reader configuration that cannot be served.
	ErrInvalidConfig = errors.New("invalid CCID configuration")
)

// SlotError is a CCID bError value. Values below 0x80 are the offset of the
// offending header field; values from 0x80 up are slot error codes.
type SlotError uint8

// Slot error codes (CCID Rev 1.1 Table 6.2-2).
const (
	SlotErrCommandNotSupported    SlotError = 0x00
	SlotErrBadLength              SlotError = 0x01 // dwLength
	SlotErrBadSlot                SlotError = 0x05 // bSlot
	SlotErrBadParameter           SlotError = 0x07 // first message-specific byte
	SlotErrBadLevelParameter      SlotError = 0x08 // wLevelParameter
	SlotErrBadPayload             SlotError = 0x0A // first payload byte
	SlotErrCmdSlotBusy            SlotError = 0xE0
	SlotErrPINCancelled           SlotError = 0xEF
	SlotErrPINTimeout             SlotError = 0xF0
	SlotErrBusyWithAutoSequence   SlotError = 0xF2
	SlotErrDeactivatedProtocol    SlotError = 0xF3
	SlotErrProcedureByteConflict  SlotError = 0xF4
	SlotErrICCClassNotSupported   SlotError = 0xF5
	SlotErrICCProtocolUnsupported SlotError = 0xF6
	SlotErrBadATRTCK              SlotError = 0xF7
	SlotErrBadATRTS               SlotError = 0xF8
	SlotErrHWError                SlotError = 0xFB
	SlotErrXfrOverrun             SlotError = 0xFC
	SlotErrXfrParityError         SlotError = 0xFD
	SlotErrICCMute                SlotError = 0xFE
	SlotErrCmdAborted             SlotError = 0xFF
)

var slotErrorNames = map[SlotError]string{
	SlotErrCommandNotSupported:    "command not supported",
	SlotErrBadLength:              "bad dwLength",
	SlotErrBadSlot:                "bad slot",
	SlotErrBadParameter:           "bad parameter",
	SlotErrBadLevelParameter:      "bad level parameter",
	SlotErrBadPayload:             "bad payload",
	SlotErrCmdSlotBusy:            "CMD_SLOT_BUSY",
	SlotErrPINCancelled:           "PIN_CANCELLED",
	SlotErrPINTimeout:             "PIN_TIMEOUT",
	SlotErrBusyWithAutoSequence:   "BUSY_WITH_AUTO_SEQUENCE",
	SlotErrDeactivatedProtocol:    "DEACTIVATED_PROTOCOL",
	SlotErrProcedureByteConflict:  "PROCEDURE_BYTE_CONFLICT",
	SlotErrICCClassNotSupported:   "ICC_CLASS_NOT_SUPPORTED",
	SlotErrICCProtocolUnsupported: "ICC_PROTOCOL_NOT_SUPPORTED",
	SlotErrBadATRTCK:              "BAD_ATR_TCK",
	SlotErrBadATRTS:               "BAD_ATR_TS",
	SlotErrHWError:                "HW_ERROR",
	SlotErrXfrOverrun:             "XFR_OVERRUN",
	SlotErrXfrParityError:         "XFR_PARITY_ERROR",
	SlotErrICCMute:                "ICC_MUTE",
	SlotErrCmdAborted:             "CMD_ABORTED",
}

// Error implements error.
func (e SlotError) Error() string {
	if name, ok := slotErrorNames[e]; ok {
		return fmt.Sprintf("slot error 0x%02X (%s)", uint8(e), name)
	}
	return fmt.Sprintf("slot error 0x%02X", uint8(e))
}

// slotErrorFor maps a collaborator error to the bError reported to the host.
func slotErrorFor(err error) SlotError {
	var se SlotError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, pkg.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return SlotErrICCMute
	case errors.Is(err, ErrNoCard):
		return SlotErrICCMute
	case errors.Is(err, ErrCommandNotSupported):
		return SlotErrCommandNotSupported
	case errors.Is(err, ErrSlotBusy):
		return SlotErrCmdSlotBusy
	default:
		return SlotErrHWError
	}
}

// DecodeError reports why a bulk-OUT transfer could not be decoded. The
// header fields are valid when HeaderValid is set, which is the case for every
// cause except ErrMalformedHeader.
type DecodeError struct {
	Err         error
	Type        uint8
	Slot        uint8
	Seq         uint8
	Length      uint32
	HeaderValid bool
}

// Error implements error.
func (e *DecodeError) Error() string {
	if !e.HeaderValid {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: type=0x%02X slot=%d seq=%d length=%d",
		e.Err, e.Type, e.Slot, e.Seq, e.Length)
}

// Unwrap returns the underlying sentinel.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SlotError returns the bError reported for the failed message.
func (e *DecodeError) SlotError() SlotError {
	if errors.Is(e.Err, ErrUnknownOpcode) {
		return SlotErrCommandNotSupported
	}
	return SlotErrBadLength
}
