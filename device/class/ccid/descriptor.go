package ccid

import (
	"encoding/binary"
	"slices"

	"github.com/ardnew/softccid/device"
	"github.com/ardnew/softccid/pkg"
)

// FunctionalDescriptorSize is the size of the CCID class descriptor in bytes.
const FunctionalDescriptorSize = 54

// DescriptorSetSize is the size of the interface descriptor set written by
// [CCID.MarshalDescriptors]: interface, functional and two bulk endpoints.
const DescriptorSetSize = device.InterfaceDescriptorSize + FunctionalDescriptorSize +
	2*device.EndpointDescriptorSize

// CCIDVersion is the bcdCCID of the class revision implemented.
const CCIDVersion = 0x0110

// bVoltageSupport bits.
const (
	Voltage5V  = 0x01
	Voltage3V  = 0x02
	Voltage1V8 = 0x04
)

// dwFeatures bits.
const (
	FeatureAutoVoltage  = 0x00000008
	FeatureAutoClock    = 0x00000010
	FeatureTPDU         = 0x00010000
	FeatureShortAPDU    = 0x00020000
	FeatureExtendedAPDU = 0x00040000
)

// FunctionalDescriptor is the Smart Card Device Class descriptor that
// follows the CCID interface descriptor.
type FunctionalDescriptor struct {
	Version              uint16 // bcdCCID
	MaxSlotIndex         uint8
	VoltageSupport       uint8
	Protocols            uint32 // bit 0 T=0, bit 1 T=1
	DefaultClock         uint32 // kHz
	MaximumClock         uint32 // kHz
	NumClockSupported    uint8
	DataRate             uint32 // bps
	MaxDataRate          uint32 // bps
	NumDataRateSupported uint8
	MaxIFSD              uint32
	SynchProtocols       uint32
	Mechanical           uint32
	Features             uint32
	MaxMessageLength     uint32 // dwMaxCCIDMessageLength
	ClassGetResponse     uint8
	ClassEnvelope        uint8
	LcdLayout            uint16
	PINSupport           uint8
	MaxBusySlots         uint8
}

// MarshalTo serializes the descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (d *FunctionalDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < FunctionalDescriptorSize {
		return 0
	}
	le := binary.LittleEndian
	buf[0] = FunctionalDescriptorSize
	buf[1] = device.DescriptorTypeSmartCard
	le.PutUint16(buf[2:4], d.Version)
	buf[4] = d.MaxSlotIndex
	buf[5] = d.VoltageSupport
	le.PutUint32(buf[6:10], d.Protocols)
	le.PutUint32(buf[10:14], d.DefaultClock)
	le.PutUint32(buf[14:18], d.MaximumClock)
	buf[18] = d.NumClockSupported
	le.PutUint32(buf[19:23], d.DataRate)
	le.PutUint32(buf[23:27], d.MaxDataRate)
	buf[27] = d.NumDataRateSupported
	le.PutUint32(buf[28:32], d.MaxIFSD)
	le.PutUint32(buf[32:36], d.SynchProtocols)
	le.PutUint32(buf[36:40], d.Mechanical)
	le.PutUint32(buf[40:44], d.Features)
	le.PutUint32(buf[44:48], d.MaxMessageLength)
	buf[48] = d.ClassGetResponse
	buf[49] = d.ClassEnvelope
	le.PutUint16(buf[50:52], d.LcdLayout)
	buf[52] = d.PINSupport
	buf[53] = d.MaxBusySlots
	return FunctionalDescriptorSize
}

// ParseFunctionalDescriptor parses a CCID class descriptor from data into out.
func ParseFunctionalDescriptor(data []byte, out *FunctionalDescriptor) error {
	if len(data) < FunctionalDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != device.DescriptorTypeSmartCard {
		return pkg.ErrDescriptorTypeMismatch
	}
	le := binary.LittleEndian
	*out = FunctionalDescriptor{
		Version:              le.Uint16(data[2:4]),
		MaxSlotIndex:         data[4],
		VoltageSupport:       data[5],
		Protocols:            le.Uint32(data[6:10]),
		DefaultClock:         le.Uint32(data[10:14]),
		MaximumClock:         le.Uint32(data[14:18]),
		NumClockSupported:    data[18],
		DataRate:             le.Uint32(data[19:23]),
		MaxDataRate:          le.Uint32(data[23:27]),
		NumDataRateSupported: data[27],
		MaxIFSD:              le.Uint32(data[28:32]),
		SynchProtocols:       le.Uint32(data[32:36]),
		Mechanical:           le.Uint32(data[36:40]),
		Features:             le.Uint32(data[40:44]),
		MaxMessageLength:     le.Uint32(data[44:48]),
		ClassGetResponse:     data[48],
		ClassEnvelope:        data[49],
		LcdLayout:            le.Uint16(data[50:52]),
		PINSupport:           data[52],
		MaxBusySlots:         data[53],
	}
	return nil
}

// Descriptor returns the class descriptor advertising the configuration.
// The configuration must have been validated.
func (c *Config) Descriptor() FunctionalDescriptor {
	d := FunctionalDescriptor{
		Version:              CCIDVersion,
		MaxSlotIndex:         uint8(max(c.Slots, 1) - 1),
		VoltageSupport:       Voltage5V | Voltage3V | Voltage1V8,
		DefaultClock:         c.ClockFrequencies[0],
		MaximumClock:         slices.Max(c.ClockFrequencies),
		NumClockSupported:    uint8(min(len(c.ClockFrequencies), 0xFF)),
		DataRate:             c.DataRates[0],
		MaxDataRate:          slices.Max(c.DataRates),
		NumDataRateSupported: uint8(min(len(c.DataRates), 0xFF)),
		Features:             FeatureAutoVoltage | FeatureShortAPDU,
		MaxMessageLength:     uint32(HeaderSize + c.MaxDataSize),
		ClassGetResponse:     0xFF,
		ClassEnvelope:        0xFF,
		MaxBusySlots:         1,
	}
	if c.T0 {
		d.Protocols |= 1 << ProtocolT0
	}
	if c.T1 {
		d.Protocols |= 1 << ProtocolT1
		d.MaxIFSD = 0xFE
	}
	if c.ExtendedAPDU {
		d.Features = d.Features&^FeatureShortAPDU | FeatureExtendedAPDU
	}
	return d
}

// MarshalDescriptors writes the interface descriptor set of the reader
// function to buf for the platform's configuration descriptor. maxPacket is
// the bulk endpoint wMaxPacketSize for the bus speed.
// Returns the number of bytes written, or 0 if buf is too small.
func (c *CCID) MarshalDescriptors(buf []byte, maxPacket uint16) int {
	if len(buf) < DescriptorSetSize {
		return 0
	}
	iface := device.InterfaceDescriptor{
		InterfaceNumber: c.cfg.Interface,
		NumEndpoints:    2,
		InterfaceClass:  ClassCCID,
	}
	fn := c.cfg.Descriptor()
	out := device.EndpointDescriptor{
		EndpointAddress: c.cfg.BulkOut,
		Attributes:      device.EndpointTypeBulk,
		MaxPacketSize:   maxPacket,
	}
	in := out
	in.EndpointAddress = c.cfg.BulkIn

	n := iface.MarshalTo(buf)
	n += fn.MarshalTo(buf[n:])
	n += out.MarshalTo(buf[n:])
	n += in.MarshalTo(buf[n:])
	return n
}
