package ccid

import (
	"fmt"
	"slices"
)

// Config describes the reader function.
type Config struct {
	// Slots is the number of card slots. Zero means one slot per card passed
	// to New, and at least one.
	Slots int

	// Interface is the bInterfaceNumber class requests must address.
	Interface uint8

	// BulkOut and BulkIn are the endpoint addresses of the CCID pipes.
	BulkOut uint8
	BulkIn  uint8

	// Supported TPDU protocols.
	T0 bool
	T1 bool

	// Memory profile used to derive MaxDataSize when it is zero.
	MemoryLimited bool
	ExtendedAPDU  bool

	// MaxDataSize bounds XfrBlock and Secure payloads and the size of each
	// DataBlock in a chained response.
	MaxDataSize int

	// MaxEscapeDataSize bounds Escape payloads in both directions.
	MaxEscapeDataSize int

	// ClockFrequencies (kHz) and DataRates (bps) advertised through
	// GET_CLOCK_FREQUENCIES and GET_DATA_RATES. The first entry of each is
	// the power-up default.
	ClockFrequencies []uint32
	DataRates        []uint32

	// DefaultParameters is restored by ResetParameters and at power-up.
	DefaultParameters Parameters
}

// DefaultConfig returns a T=0/T=1 reader on endpoints 0x01/0x82 with one slot
// per card.
func DefaultConfig() Config {
	return Config{
		Interface:         0,
		BulkOut:           0x01,
		BulkIn:            0x82,
		T0:                true,
		T1:                true,
		MaxEscapeDataSize: DefaultMaxEscapeDataSize,
		ClockFrequencies:  []uint32{4000, 8000},
		DataRates:         []uint32{10752, 21505, 43010},
		DefaultParameters: DefaultT1Parameters(),
	}
}

// Validate checks the configuration and fills derived fields.
func (c *Config) Validate() error {
	if !c.T0 && !c.T1 {
		return fmt.Errorf("no protocol enabled: %w", ErrInvalidConfig)
	}
	if !c.SupportsProtocol(c.DefaultParameters.Protocol) {
		return fmt.Errorf("default protocol T=%d not enabled: %w",
			c.DefaultParameters.Protocol, ErrInvalidConfig)
	}
	if c.Slots < 0 || c.Slots > 0x100 {
		return fmt.Errorf("%d slots: %w", c.Slots, ErrInvalidConfig)
	}
	if c.BulkOut&0x80 != 0 || c.BulkOut&0x0F == 0 {
		return fmt.Errorf("bulk-OUT endpoint 0x%02X: %w", c.BulkOut, ErrInvalidConfig)
	}
	if c.BulkIn&0x80 == 0 || c.BulkIn&0x0F == 0 {
		return fmt.Errorf("bulk-IN endpoint 0x%02X: %w", c.BulkIn, ErrInvalidConfig)
	}
	if len(c.ClockFrequencies) == 0 || len(c.DataRates) == 0 {
		return fmt.Errorf("empty clock or data rate table: %w", ErrInvalidConfig)
	}

	if c.MaxDataSize == 0 {
		switch {
		case c.MemoryLimited && c.T0:
			c.MaxDataSize = MaxDataSizeLimited
		case c.ExtendedAPDU:
			c.MaxDataSize = MaxDataSizeExtended
		default:
			c.MaxDataSize = MaxDataSizeDefault
		}
	}
	if c.MaxDataSize < 0 {
		return fmt.Errorf("MaxDataSize %d: %w", c.MaxDataSize, ErrInvalidConfig)
	}
	if c.MaxEscapeDataSize == 0 {
		c.MaxEscapeDataSize = DefaultMaxEscapeDataSize
	}
	if c.MaxEscapeDataSize < 0 {
		return fmt.Errorf("MaxEscapeDataSize %d: %w", c.MaxEscapeDataSize, ErrInvalidConfig)
	}
	return nil
}

// SupportsProtocol reports whether protocol is enabled.
func (c *Config) SupportsProtocol(protocol uint8) bool {
	switch protocol {
	case ProtocolT0:
		return c.T0
	case ProtocolT1:
		return c.T1
	default:
		return false
	}
}

// Limits returns the decode limits derived from the configuration.
func (c *Config) Limits() Limits {
	return Limits{
		MaxDataSize:       c.MaxDataSize,
		MaxEscapeDataSize: c.MaxEscapeDataSize,
	}
}

// bulkBufferSize returns the largest bulk message the reader exchanges.
func (c *Config) bulkBufferSize() int {
	n := c.MaxDataSize
	if c.MaxEscapeDataSize > n {
		n = c.MaxEscapeDataSize
	}
	if n < maxSetParametersSize {
		n = maxSetParametersSize
	}
	if n < DataRateAndClockSize {
		n = DataRateAndClockSize
	}
	return HeaderSize + n
}

func (c *Config) advertises(clock, rate uint32) bool {
	return slices.Contains(c.ClockFrequencies, clock) && slices.Contains(c.DataRates, rate)
}
