package ccid

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hsanjuan/go-nfctype4/apdu"

	"github.com/ardnew/softccid/pkg"
)

// DefaultATR is the answer-to-reset returned by a VirtualCard created
// without one: a T=1 card with TA1=0x11.
var DefaultATR = []byte{0x3B, 0x90, 0x11, 0x91, 0x81, 0x71, 0x40, 0x9F, 0x01, 0x3E}

// ISO 7816-4 instructions served by VirtualCard.
const (
	insSelect       = 0xA4
	insReadBinary   = 0xB0
	insUpdateBinary = 0xD6
)

// Status words.
var (
	swSuccess         = [2]byte{0x90, 0x00}
	swWrongLength     = [2]byte{0x67, 0x00}
	swNoFileSelected  = [2]byte{0x69, 0x86}
	swNotFound        = [2]byte{0x6A, 0x82}
	swWrongP1P2       = [2]byte{0x6B, 0x00}
	swINSNotSupported = [2]byte{0x6D, 0x00}
	swCLANotSupported = [2]byte{0x6E, 0x00}
)

// VirtualCard is an in-memory ISO 7816-4 card holding transparent elementary
// files. It serves SELECT by AID and by file identifier, READ BINARY and
// UPDATE BINARY, and answers Escape by echoing the command.
type VirtualCard struct {
	mutex sync.Mutex

	atr     []byte
	present bool
	powered bool
	clock   uint8
	params  Parameters

	files    map[uint16][]byte
	apps     [][]byte
	selected uint16
	hasFile  bool
}

// NewVirtualCard creates an inserted, unpowered card. A nil atr selects
// DefaultATR.
func NewVirtualCard(atr []byte) *VirtualCard {
	if atr == nil {
		atr = DefaultATR
	}
	return &VirtualCard{
		atr:     bytes.Clone(atr),
		present: true,
		params:  DefaultT1Parameters(),
		files:   make(map[uint16][]byte),
	}
}

// AddFile creates or replaces the transparent file fid.
func (v *VirtualCard) AddFile(fid uint16, data []byte) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.files[fid] = bytes.Clone(data)
}

// AddApplication registers an application identifier SELECT accepts.
func (v *VirtualCard) AddApplication(aid []byte) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.apps = append(v.apps, bytes.Clone(aid))
}

// File returns a copy of file fid.
func (v *VirtualCard) File(fid uint16) ([]byte, bool) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	data, ok := v.files[fid]
	return bytes.Clone(data), ok
}

// Insert places the card in the reader.
func (v *VirtualCard) Insert() {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.present = true
}

// Remove takes the card out of the reader, cutting its power.
func (v *VirtualCard) Remove() {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.present = false
	v.powered = false
	v.hasFile = false
}

// Present implements Presence.
func (v *VirtualCard) Present() bool {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.present
}

// Powered reports whether the card is activated.
func (v *VirtualCard) Powered() bool {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.powered
}

// Parameters returns the last protocol parameters applied.
func (v *VirtualCard) Parameters() Parameters {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.params
}

// PowerOn implements Card.
func (v *VirtualCard) PowerOn(ctx context.Context, voltage uint8) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if !v.present {
		return nil, SlotErrICCMute
	}
	v.powered = true
	v.clock = ClockRunning
	v.hasFile = false
	pkg.LogDebug(pkg.ComponentCard, "virtual card activated",
		"voltage", voltage)
	return bytes.Clone(v.atr), nil
}

// PowerOff implements Card.
func (v *VirtualCard) PowerOff(ctx context.Context) error {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.powered = false
	v.hasFile = false
	return nil
}

// SetParameters implements Card.
func (v *VirtualCard) SetParameters(ctx context.Context, params Parameters) error {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if !v.present {
		return SlotErrICCMute
	}
	v.params = params
	return nil
}

// Escape implements Escaper.
func (v *VirtualCard) Escape(ctx context.Context, data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

// SetClock implements ClockController. A stopped clock is held low.
func (v *VirtualCard) SetClock(ctx context.Context, stop bool) (uint8, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if !v.powered {
		return 0, SlotErrICCMute
	}
	v.clock = ClockRunning
	if stop {
		v.clock = ClockStoppedLow
	}
	return v.clock, nil
}

// Exchange implements Card. Malformed commands are answered with a status
// word, not an error.
func (v *VirtualCard) Exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if !v.present || !v.powered {
		return nil, SlotErrICCMute
	}
	if v.clock != ClockRunning {
		return nil, fmt.Errorf("clock stopped: %w", SlotErrICCMute)
	}

	var c apdu.CAPDU
	if _, err := c.Unmarshal(cmd); err != nil {
		pkg.LogDebug(pkg.ComponentCard, "malformed command APDU",
			pkg.Hex("apdu", cmd),
			"error", err)
		return respond(nil, swWrongLength)
	}
	if c.CLA != 0x00 {
		return respond(nil, swCLANotSupported)
	}

	switch c.INS {
	case insSelect:
		return v.selectFile(&c)
	case insReadBinary:
		return v.readBinary(&c)
	case insUpdateBinary:
		return v.updateBinary(&c)
	default:
		return respond(nil, swINSNotSupported)
	}
}

func (v *VirtualCard) selectFile(c *apdu.CAPDU) ([]byte, error) {
	switch c.P1 {
	case 0x04: // by DF name
		for _, aid := range v.apps {
			if bytes.Equal(aid, c.Data) {
				v.hasFile = false
				return respond(nil, swSuccess)
			}
		}
		return respond(nil, swNotFound)
	case 0x00: // by file identifier
		if len(c.Data) != 2 {
			return respond(nil, swWrongLength)
		}
		fid := binary.BigEndian.Uint16(c.Data)
		if _, ok := v.files[fid]; !ok {
			return respond(nil, swNotFound)
		}
		v.selected, v.hasFile = fid, true
		return respond(nil, swSuccess)
	default:
		return respond(nil, swWrongP1P2)
	}
}

func (v *VirtualCard) readBinary(c *apdu.CAPDU) ([]byte, error) {
	if !v.hasFile {
		return respond(nil, swNoFileSelected)
	}
	data := v.files[v.selected]
	offset := int(c.P1&0x7F)<<8 | int(c.P2)
	if offset > len(data) {
		return respond(nil, swWrongP1P2)
	}
	end := min(offset+expectedLength(c.Le), len(data))
	return respond(data[offset:end], swSuccess)
}

func (v *VirtualCard) updateBinary(c *apdu.CAPDU) ([]byte, error) {
	if !v.hasFile {
		return respond(nil, swNoFileSelected)
	}
	data := v.files[v.selected]
	offset := int(c.P1&0x7F)<<8 | int(c.P2)
	if offset > len(data) {
		return respond(nil, swWrongP1P2)
	}
	if end := offset + len(c.Data); end > len(data) {
		data = append(data, make([]byte, end-len(data))...)
	}
	copy(data[offset:], c.Data)
	v.files[v.selected] = data
	return respond(nil, swSuccess)
}

// expectedLength decodes an Le field. An empty field expects nothing; a
// zero value expects the maximum for its encoding.
func expectedLength(le []byte) int {
	switch len(le) {
	case 0:
		return 0
	case 1:
		if le[0] == 0 {
			return 256
		}
		return int(le[0])
	default:
		n := int(binary.BigEndian.Uint16(le[len(le)-2:]))
		if n == 0 {
			return 65536
		}
		return n
	}
}

func respond(body []byte, sw [2]byte) ([]byte, error) {
	r := apdu.RAPDU{
		ResponseBody: body,
		SW1:          sw[0],
		SW2:          sw[1],
	}
	return r.Marshal()
}

// Compile-time interface checks
var (
	_ Card            = (*VirtualCard)(nil)
	_ Presence        = (*VirtualCard)(nil)
	_ Escaper         = (*VirtualCard)(nil)
	_ ClockController = (*VirtualCard)(nil)
)
