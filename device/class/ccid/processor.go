package ccid

import (
	"context"
	"fmt"

	"github.com/ardnew/softccid/pkg"
)

// maxChainedCommand bounds a command APDU reassembled from chained XfrBlocks.
const maxChainedCommand = MaxDataSizeExtended

// propertyRequest is a TLV property or feature request arriving over EP0.
// It has no bulk-OUT encoding.
type propertyRequest struct {
	request uint8
	data    []byte
}

func (p propertyRequest) MessageType() uint8     { return p.request }
func (propertyRequest) specific([]byte)          {}
func (p propertyRequest) bodySize() int          { return len(p.data) }
func (p propertyRequest) marshalBody(buf []byte) { copy(buf, p.data) }

// processor applies commands to slots. Every entry point holds the slot's
// command lock for the whole command; card calls are made without the state
// lock, and state is written only after the card has answered.
type processor struct {
	cfg   *Config
	store *SlotStore
	abort *abortCoordinator
	cards []Card
}

func (p *processor) card(slot uint8) Card {
	if int(slot) < len(p.cards) {
		return p.cards[slot]
	}
	return nil
}

// bulk runs a decoded bulk-OUT message, including the abort latch checks.
func (p *processor) bulk(ctx context.Context, msg Message) Response {
	h := header{Type: msg.Type(), Slot: msg.Slot, Seq: msg.Seq}
	r, err := p.store.record(msg.Slot)
	if err != nil {
		pkg.LogDebug(pkg.ComponentCCID, "bulk-OUT for invalid slot",
			"type", h.Type,
			"slot", h.Slot,
			"seq", h.Seq)
		return h.failed(ICCAbsent, SlotErrBadSlot)
	}

	r.cmd.Lock()
	defer r.cmd.Unlock()
	p.prepare(ctx, msg.Slot, r)

	verdict, st, err := p.abort.admit(msg.Slot, h.Type, h.Seq)
	if err != nil {
		return h.failed(ICCAbsent, SlotErrBadSlot)
	}
	switch verdict {
	case admitAborted:
		return h.failed(st.ICC, SlotErrCmdAborted)
	case admitAbort:
		r.chain.reset()
		return h.processed(st.ICC, st.Clock, nil)
	}

	resp := p.execute(ctx, h, r, msg.Payload)

	// The control half of an abort may have armed the latch while the card
	// was busy. The command's effects stand; the host is told it was aborted.
	if p.abort.latched(msg.Slot) {
		r.chain.reset()
		st, _ = p.store.Get(msg.Slot)
		pkg.LogInfo(pkg.ComponentAbort, "in-flight command aborted",
			"slot", h.Slot,
			"seq", h.Seq,
			"type", h.Type)
		return h.failed(st.ICC, SlotErrCmdAborted)
	}
	return resp
}

// control runs a command on behalf of a control request. It does not wait
// for a busy slot and is not subject to the abort latch.
func (p *processor) control(ctx context.Context, h header, payload Payload) Response {
	r, err := p.store.record(h.Slot)
	if err != nil {
		return h.failed(ICCAbsent, SlotErrBadSlot)
	}
	if !r.cmd.TryLock() {
		st, _ := p.store.Get(h.Slot)
		pkg.LogDebug(pkg.ComponentControl, "slot busy",
			"slot", h.Slot,
			"request", h.Type)
		return h.failed(st.ICC, SlotErrCmdSlotBusy)
	}
	defer r.cmd.Unlock()
	p.prepare(ctx, h.Slot, r)
	return p.execute(ctx, h, r, payload)
}

// prepare reconciles the slot with the card's presence and drops chaining
// state that did not survive a reset or removal. The caller holds r.cmd.
func (p *processor) prepare(ctx context.Context, slot uint8, r *slotRecord) {
	r.syncChain()

	in := present(p.card(slot))
	r.mutex.Lock()
	absent := r.icc.Current() == StateAbsent
	var err error
	switch {
	case in && absent:
		err = r.fire(ctx, EventInsert)
	case !in && !absent:
		err = r.fire(ctx, EventRemove)
		r.chain.reset()
	}
	r.mutex.Unlock()

	if err != nil {
		pkg.LogWarn(pkg.ComponentSlot, "presence update failed",
			"slot", slot,
			"error", err)
	}
}

// cardFailed logs a collaborator failure and builds its response.
func (p *processor) cardFailed(h header, op string, err error) Response {
	st, _ := p.store.Get(h.Slot)
	code := slotErrorFor(err)
	pkg.LogWarn(pkg.ComponentCard, "card operation failed",
		"slot", h.Slot,
		"seq", h.Seq,
		"op", op,
		"error", fmt.Errorf("%w: %w", ErrCardFault, err),
		"bError", uint8(code))
	return h.failed(st.ICC, code)
}

func (p *processor) execute(ctx context.Context, h header, r *slotRecord, payload Payload) Response {
	st, _ := p.store.Get(h.Slot)
	card := p.card(h.Slot)

	pkg.LogDebug(pkg.ComponentCCID, "command",
		"type", h.Type,
		"slot", h.Slot,
		"seq", h.Seq,
		"icc", st.ICC)

	switch pl := payload.(type) {
	case IccPowerOn:
		return p.powerOn(ctx, h, st, card, pl)
	case IccPowerOff:
		return p.powerOff(ctx, h, r, st, card)
	case GetSlotStatus:
		return h.processed(st.ICC, st.Clock, nil)
	case GetParameters:
		if st.ICC == ICCAbsent {
			return h.failed(ICCAbsent, SlotErrICCMute)
		}
		return h.processed(st.ICC, st.Params.Protocol, st.Params.Bytes())
	case ResetParameters:
		return p.applyParameters(ctx, h, st, card, p.cfg.DefaultParameters)
	case SetParameters:
		return p.setParameters(ctx, h, st, card, pl)
	case XfrBlock:
		return p.xfrBlock(ctx, h, r, st, card, pl)
	case Escape:
		return p.escape(ctx, h, st, card, pl)
	case IccClock:
		return p.iccClock(ctx, h, st, card, pl)
	case T0APDU:
		return p.t0APDU(ctx, h, st, card, pl)
	case Secure:
		return p.secure(ctx, h, st, card, pl)
	case Mechanical:
		return p.mechanical(ctx, h, st, card, pl)
	case Abort:
		r.chain.reset()
		return h.processed(st.ICC, st.Clock, nil)
	case SetDataRateAndClockFrequency:
		return p.setDataRate(ctx, h, st, card, pl)
	case propertyRequest:
		return p.property(ctx, h, st, card, pl)
	default:
		return h.failed(st.ICC, SlotErrCommandNotSupported)
	}
}

func (p *processor) powerOn(ctx context.Context, h header, st Slot, card Card, pl IccPowerOn) Response {
	if pl.PowerSelect > Power1V8 {
		return h.failed(st.ICC, SlotErrBadParameter)
	}
	if st.ICC == ICCAbsent {
		return h.failed(ICCAbsent, SlotErrICCMute)
	}
	atr, err := card.PowerOn(ctx, pl.PowerSelect)
	if err != nil {
		return p.cardFailed(h, "power on", err)
	}
	if err := p.store.SetPower(ctx, h.Slot, EventPowerOn); err != nil {
		return p.cardFailed(h, "power on", err)
	}
	pkg.LogInfo(pkg.ComponentCCID, "ICC powered on",
		"slot", h.Slot,
		pkg.Hex("atr", atr))
	return h.processed(ICCActive, ChainNone, atr)
}

func (p *processor) powerOff(ctx context.Context, h header, r *slotRecord, st Slot, card Card) Response {
	if st.ICC == ICCAbsent {
		return h.processed(ICCAbsent, st.Clock, nil)
	}
	if err := card.PowerOff(ctx); err != nil {
		return p.cardFailed(h, "power off", err)
	}
	if err := p.store.SetPower(ctx, h.Slot, EventPowerOff); err != nil {
		return p.cardFailed(h, "power off", err)
	}
	r.chain.reset()
	st, _ = p.store.Get(h.Slot)
	return h.processed(st.ICC, st.Clock, nil)
}

func (p *processor) setParameters(ctx context.Context, h header, st Slot, card Card, pl SetParameters) Response {
	if !p.cfg.SupportsProtocol(pl.Protocol) {
		return h.failed(st.ICC, SlotErrBadParameter)
	}
	var params Parameters
	if err := ParseParameters(pl.Protocol, pl.Data, &params); err != nil {
		return h.failed(st.ICC, slotErrorFor(err))
	}
	return p.applyParameters(ctx, h, st, card, params)
}

func (p *processor) applyParameters(ctx context.Context, h header, st Slot, card Card, params Parameters) Response {
	if st.ICC == ICCAbsent {
		return h.failed(ICCAbsent, SlotErrICCMute)
	}
	if err := card.SetParameters(ctx, params); err != nil {
		return p.cardFailed(h, "set parameters", err)
	}
	if err := p.store.SetProtocol(h.Slot, params); err != nil {
		return h.failed(st.ICC, SlotErrBadSlot)
	}
	return h.processed(st.ICC, params.Protocol, params.Bytes())
}

func (p *processor) xfrBlock(ctx context.Context, h header, r *slotRecord, st Slot, card Card, pl XfrBlock) Response {
	if st.ICC != ICCActive {
		r.chain.reset()
		return h.failed(st.ICC, SlotErrICCMute)
	}

	switch pl.LevelParameter {
	case ChainNone:
		if r.chain.inCommand {
			r.chain.reset()
			return h.failed(st.ICC, SlotErrBadLevelParameter)
		}
		r.chain.response = nil
		return p.transmit(ctx, h, r, pl.Data)

	case ChainBegin:
		r.chain.reset()
		r.chain.inCommand = true
		r.chain.command = append(r.chain.command, pl.Data...)
		return h.processed(st.ICC, ChainContinue, nil)

	case ChainMiddle, ChainEnd:
		if !r.chain.inCommand {
			return h.failed(st.ICC, SlotErrBadLevelParameter)
		}
		if len(r.chain.command)+len(pl.Data) > maxChainedCommand {
			r.chain.reset()
			return h.failed(st.ICC, SlotErrXfrOverrun)
		}
		r.chain.command = append(r.chain.command, pl.Data...)
		if pl.LevelParameter == ChainMiddle {
			return h.processed(st.ICC, ChainContinue, nil)
		}
		apdu := r.chain.command
		r.chain.reset()
		return p.transmit(ctx, h, r, apdu)

	case ChainContinue:
		if len(r.chain.response) == 0 {
			return h.failed(st.ICC, SlotErrBadLevelParameter)
		}
		return p.nextBlock(h, r, false)

	default:
		return h.failed(st.ICC, SlotErrBadLevelParameter)
	}
}

// transmit exchanges a complete command APDU and returns the first (or only)
// DataBlock of the reply.
func (p *processor) transmit(ctx context.Context, h header, r *slotRecord, apdu []byte) Response {
	reply, err := p.card(h.Slot).Exchange(ctx, apdu)
	if err != nil {
		r.chain.reset()
		return p.cardFailed(h, "exchange", err)
	}
	if len(reply) <= p.cfg.MaxDataSize {
		return h.processed(ICCActive, ChainNone, reply)
	}
	r.chain.response = reply
	return p.nextBlock(h, r, true)
}

// nextBlock sends the next MaxDataSize bytes of a chained reply.
func (p *processor) nextBlock(h header, r *slotRecord, first bool) Response {
	n := len(r.chain.response)
	if n > p.cfg.MaxDataSize {
		n = p.cfg.MaxDataSize
	}
	block := r.chain.response[:n]
	r.chain.response = r.chain.response[n:]

	param := uint8(ChainMiddle)
	switch {
	case first:
		param = ChainBegin
	case len(r.chain.response) == 0:
		param = ChainEnd
	}
	if len(r.chain.response) == 0 {
		r.chain.response = nil
	}
	return h.processed(ICCActive, param, block)
}

func (p *processor) escape(ctx context.Context, h header, st Slot, card Card, pl Escape) Response {
	esc, ok := card.(Escaper)
	if !ok {
		return h.failed(st.ICC, SlotErrCommandNotSupported)
	}
	reply, err := esc.Escape(ctx, pl.Data)
	if err != nil {
		return p.cardFailed(h, "escape", err)
	}
	if len(reply) > p.cfg.MaxEscapeDataSize {
		return h.failed(st.ICC, SlotErrXfrOverrun)
	}
	return h.processed(st.ICC, 0, reply)
}

func (p *processor) iccClock(ctx context.Context, h header, st Slot, card Card, pl IccClock) Response {
	if pl.Command > ClockStop {
		return h.failed(st.ICC, SlotErrBadParameter)
	}
	clk, ok := card.(ClockController)
	if !ok {
		return h.failed(st.ICC, SlotErrCommandNotSupported)
	}
	if st.ICC != ICCActive {
		return h.failed(st.ICC, SlotErrICCMute)
	}
	status, err := clk.SetClock(ctx, pl.Command == ClockStop)
	if err != nil {
		return p.cardFailed(h, "clock", err)
	}
	if err := p.store.SetClock(h.Slot, status); err != nil {
		return h.failed(st.ICC, SlotErrBadSlot)
	}
	return h.processed(st.ICC, status, nil)
}

func (p *processor) t0APDU(ctx context.Context, h header, st Slot, card Card, pl T0APDU) Response {
	cfg, ok := card.(T0Configurer)
	if !ok || !p.cfg.T0 {
		return h.failed(st.ICC, SlotErrCommandNotSupported)
	}
	if err := cfg.ConfigureT0(ctx, pl.Changes, pl.ClassGetResponse, pl.ClassEnvelope); err != nil {
		return p.cardFailed(h, "T=0 APDU", err)
	}
	return h.processed(st.ICC, st.Clock, nil)
}

func (p *processor) secure(ctx context.Context, h header, st Slot, card Card, pl Secure) Response {
	sec, ok := card.(SecureExchanger)
	if !ok {
		return h.failed(st.ICC, SlotErrCommandNotSupported)
	}
	if st.ICC != ICCActive {
		return h.failed(st.ICC, SlotErrICCMute)
	}
	reply, err := sec.Secure(ctx, pl.LevelParameter, pl.Data)
	if err != nil {
		return p.cardFailed(h, "secure", err)
	}
	if len(reply) > p.cfg.MaxDataSize {
		return h.failed(st.ICC, SlotErrXfrOverrun)
	}
	return h.processed(st.ICC, ChainNone, reply)
}

func (p *processor) mechanical(ctx context.Context, h header, st Slot, card Card, pl Mechanical) Response {
	if pl.Function < MechanicalAccept || pl.Function > MechanicalUnlock {
		return h.failed(st.ICC, SlotErrBadParameter)
	}
	mech, ok := card.(Mechanism)
	if !ok {
		return h.failed(st.ICC, SlotErrCommandNotSupported)
	}
	if err := mech.Mechanical(ctx, pl.Function); err != nil {
		return p.cardFailed(h, "mechanical", err)
	}
	st, _ = p.store.Get(h.Slot)
	return h.processed(st.ICC, st.Clock, nil)
}

func (p *processor) setDataRate(ctx context.Context, h header, st Slot, card Card, pl SetDataRateAndClockFrequency) Response {
	if !p.cfg.advertises(pl.ClockFrequency, pl.DataRate) {
		return h.failed(st.ICC, SlotErrBadPayload)
	}
	clock, rate := pl.ClockFrequency, pl.DataRate
	if rc, ok := card.(RateController); ok {
		var err error
		clock, rate, err = rc.SetDataRateAndClock(ctx, clock, rate)
		if err != nil {
			return p.cardFailed(h, "set data rate", err)
		}
	}
	if err := p.store.SetDataRate(h.Slot, clock, rate); err != nil {
		return h.failed(st.ICC, SlotErrBadSlot)
	}
	var data [DataRateAndClockSize]byte
	putRateAndClock(data[:], clock, rate)
	return h.processed(st.ICC, 0, data[:])
}

func (p *processor) property(ctx context.Context, h header, st Slot, card Card, pl propertyRequest) Response {
	var (
		reply []byte
		err   error
	)
	switch pl.request {
	case RequestGetTLVProperties, RequestSetTLVProperties:
		ps, ok := card.(PropertyStore)
		if !ok {
			return h.failed(st.ICC, SlotErrCommandNotSupported)
		}
		if pl.request == RequestGetTLVProperties {
			reply, err = ps.GetTLVProperties(ctx)
		} else {
			err = ps.SetTLVProperties(ctx, pl.data)
		}
	case RequestGetFeature, RequestSetFeature:
		fp, ok := card.(FeatureProvider)
		if !ok {
			return h.failed(st.ICC, SlotErrCommandNotSupported)
		}
		if pl.request == RequestGetFeature {
			reply, err = fp.GetFeature(ctx)
		} else {
			err = fp.SetFeature(ctx, pl.data)
		}
	default:
		return h.failed(st.ICC, SlotErrCommandNotSupported)
	}
	if err != nil {
		return p.cardFailed(h, "property", err)
	}
	if len(reply) > p.cfg.MaxEscapeDataSize {
		return h.failed(st.ICC, SlotErrXfrOverrun)
	}
	return h.processed(st.ICC, 0, reply)
}
