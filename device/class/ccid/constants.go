package ccid

import "github.com/ardnew/softccid/device"

// ClassCCID is the bInterfaceClass of a CCID function.
const ClassCCID = device.ClassSmartCard

// HeaderSize is the size of every CCID bulk message header in bytes.
const HeaderSize = 10

// PC_to_RDR message types (bulk-OUT).
const (
	MsgSetParameters                = 0x61
	MsgIccPowerOn                   = 0x62
	MsgIccPowerOff                  = 0x63
	MsgGetSlotStatus                = 0x65
	MsgSecure                       = 0x69
	MsgT0APDU                       = 0x6A
	MsgEscape                       = 0x6B
	MsgGetParameters                = 0x6C
	MsgResetParameters              = 0x6D
	MsgIccClock                     = 0x6E
	MsgXfrBlock                     = 0x6F
	MsgMechanical                   = 0x71
	MsgAbort                        = 0x72
	MsgSetDataRateAndClockFrequency = 0x73
)

// RDR_to_PC message types (bulk-IN).
const (
	RspDataBlock                 = 0x80
	RspSlotStatus                = 0x81
	RspParameters                = 0x82
	RspEscape                    = 0x83
	RspDataRateAndClockFrequency = 0x84
)

// Command status, bits 6-7 of bStatus.
const (
	CommandProcessed     = 0x00
	CommandFailed        = 0x40
	CommandTimeExtension = 0x80
	commandStatusMask    = 0xC0
)

// ICC status, bits 0-1 of bStatus.
const (
	ICCActive     = 0x00 // present and powered
	ICCInactive   = 0x01 // present, not powered
	ICCAbsent     = 0x02 // no card in the slot
	iccStatusMask = 0x03
)

// Clock status reported in bClockStatus of RDR_to_PC_SlotStatus.
const (
	ClockRunning        = 0x00
	ClockStoppedLow     = 0x01
	ClockStoppedHigh    = 0x02
	ClockStoppedUnknown = 0x03
)

// bChainParameter of RDR_to_PC_DataBlock and wLevelParameter of
// PC_to_RDR_XfrBlock.
const (
	ChainNone     = 0x00 // abData holds a complete APDU
	ChainBegin    = 0x01 // first block of a chain
	ChainEnd      = 0x02 // last block of a chain
	ChainMiddle   = 0x03 // intermediate block
	ChainContinue = 0x10 // empty block, the next block is requested
)

// bPowerSelect values of PC_to_RDR_IccPowerOn.
const (
	PowerAuto = 0x00
	Power5V   = 0x01
	Power3V   = 0x02
	Power1V8  = 0x03
)

// bProtocolNum values.
const (
	ProtocolT0 = 0x00
	ProtocolT1 = 0x01
)

// bClockCommand values of PC_to_RDR_IccClock.
const (
	ClockRestart = 0x00
	ClockStop    = 0x01
)

// bFunction values of PC_to_RDR_Mechanical.
const (
	MechanicalAccept  = 0x01
	MechanicalEject   = 0x02
	MechanicalCapture = 0x03
	MechanicalLock    = 0x04
	MechanicalUnlock  = 0x05
)

// Class-specific control requests. ABORT, GET_CLOCK_FREQUENCIES and
// GET_DATA_RATES are defined by CCID; the remaining codes mirror the bulk
// message types so a host can reach the same commands over EP0.
const (
	RequestAbort               = 0x01
	RequestGetClockFrequencies = 0x02
	RequestGetDataRates        = 0x03
	RequestSetParameters       = MsgSetParameters
	RequestIccPowerOn          = MsgIccPowerOn
	RequestIccPowerOff         = MsgIccPowerOff
	RequestGetSlotStatus       = MsgGetSlotStatus
	RequestEscape              = MsgEscape
	RequestGetParameters       = MsgGetParameters
	RequestResetParameters     = MsgResetParameters
	RequestSetDataRateAndClock = MsgSetDataRateAndClockFrequency
	RequestGetTLVProperties    = 0x74
	RequestSetTLVProperties    = 0x75
	RequestGetFeature          = 0x76
	RequestSetFeature          = 0x77
)

// Fixed payload sizes.
const (
	ParametersT0Size         = 5
	ParametersT1Size         = 7
	DataRateAndClockSize     = 8
	DefaultMaxEscapeDataSize = 256
	maxSetParametersSize     = ParametersT1Size
)

// MaxDataSize choices, selected by the memory profile in [Config].
const (
	MaxDataSizeLimited  = 255
	MaxDataSizeExtended = 65544
	MaxDataSizeDefault  = 1024
)
