package ccid

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"

	"github.com/ardnew/softccid/pkg"
)

// ICC states of a slot.
const (
	StateAbsent   = "absent"
	StateInactive = "inactive"
	StateActive   = "active"
)

// ICC events accepted by SlotStore.SetPower.
const (
	EventInsert   = "insert"
	EventRemove   = "remove"
	EventPowerOn  = "power_on"
	EventPowerOff = "power_off"
)

// Slot is a snapshot of one slot's state.
type Slot struct {
	// Most recent bulk-OUT message recorded for the slot
	LastType uint8
	LastSeq  uint8
	HasLast  bool

	// Abort latch: while Failing, bulk-OUT messages other than an Abort with
	// sequence AbortSeq are answered with CMD_ABORTED.
	Failing  bool
	AbortSeq uint8

	ICC            uint8 // ICCActive, ICCInactive or ICCAbsent
	Clock          uint8 // bClockStatus
	ClockFrequency uint32
	DataRate       uint32
	Params         Parameters
}

// chainState tracks XfrBlock chaining in both directions.
type chainState struct {
	command   []byte // command APDU blocks received so far
	inCommand bool
	response  []byte // response bytes not yet sent
}

func (c *chainState) reset() {
	*c = chainState{}
}

// slotRecord owns one slot. mutex guards state, epoch and the ICC machine;
// cmd serializes command processing and guards chain.
type slotRecord struct {
	mutex sync.Mutex
	state Slot
	icc   *fsm.FSM
	epoch uint64 // bumped by Reset

	cmd        sync.Mutex
	chain      chainState
	chainEpoch uint64
}

// syncChain drops chaining state left over from before a reset. The caller
// holds r.cmd.
func (r *slotRecord) syncChain() {
	r.mutex.Lock()
	epoch := r.epoch
	r.mutex.Unlock()
	if epoch != r.chainEpoch {
		r.chain.reset()
		r.chainEpoch = epoch
	}
}

// SlotStore holds exactly one record per configured slot for its lifetime.
type SlotStore struct {
	records []*slotRecord
	initial Slot
}

// NewSlotStore creates n slot records. Each starts, and returns on Reset, in
// the initial state with no card present; the ICC field of initial is ignored.
func NewSlotStore(n int, initial Slot) *SlotStore {
	s := &SlotStore{
		records: make([]*slotRecord, n),
		initial: initial,
	}
	for i := range s.records {
		r := &slotRecord{state: initial}
		r.icc = newICCMachine(i)
		s.records[i] = r
	}
	return s
}

func newICCMachine(slot int) *fsm.FSM {
	return fsm.NewFSM(
		StateAbsent,
		fsm.Events{
			{Name: EventInsert, Src: []string{StateAbsent}, Dst: StateInactive},
			{Name: EventRemove, Src: []string{StateInactive, StateActive}, Dst: StateAbsent},
			{Name: EventPowerOn, Src: []string{StateInactive, StateActive}, Dst: StateActive},
			{Name: EventPowerOff, Src: []string{StateInactive, StateActive}, Dst: StateInactive},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				pkg.LogDebug(pkg.ComponentSlot, "ICC state changed",
					"slot", slot,
					"event", e.Event,
					"from", e.Src,
					"to", e.Dst)
			},
		},
	)
}

func iccStatus(state string) uint8 {
	switch state {
	case StateActive:
		return ICCActive
	case StateInactive:
		return ICCInactive
	default:
		return ICCAbsent
	}
}

// Len returns the number of slots.
func (s *SlotStore) Len() int {
	return len(s.records)
}

func (s *SlotStore) record(slot uint8) (*slotRecord, error) {
	if int(slot) >= len(s.records) {
		return nil, fmt.Errorf("slot %d of %d: %w", slot, len(s.records), ErrInvalidSlot)
	}
	return s.records[slot], nil
}

// snapshot returns the record state. The caller holds r.mutex.
func (r *slotRecord) snapshot() Slot {
	st := r.state
	st.ICC = iccStatus(r.icc.Current())
	return st
}

// Get returns a snapshot of the slot, or false for an out-of-range slot.
func (s *SlotStore) Get(slot uint8) (Slot, bool) {
	r, err := s.record(slot)
	if err != nil {
		return Slot{}, false
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.snapshot(), true
}

// update applies fn to the slot state under the slot's state lock and
// returns the resulting snapshot.
func (s *SlotStore) update(slot uint8, fn func(st *Slot)) (Slot, error) {
	r, err := s.record(slot)
	if err != nil {
		return Slot{}, err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	fn(&r.state)
	return r.snapshot(), nil
}

// RecordBulkOut records the type and sequence of the latest bulk-OUT message.
func (s *SlotStore) RecordBulkOut(slot, msgType, seq uint8) error {
	_, err := s.update(slot, func(st *Slot) {
		st.LastType = msgType
		st.LastSeq = seq
		st.HasLast = true
	})
	return err
}

// SetFailing sets or clears the abort latch. seq is the sequence number of
// the Abort message that clears it.
func (s *SlotStore) SetFailing(slot uint8, failing bool, seq uint8) error {
	_, err := s.update(slot, func(st *Slot) {
		st.Failing = failing
		st.AbortSeq = seq
	})
	return err
}

// SetPower drives the ICC state machine. Power events on an empty slot return
// ErrNoCard; every other event that leaves the state unchanged is a no-op.
func (s *SlotStore) SetPower(ctx context.Context, slot uint8, event string) error {
	r, err := s.record(slot)
	if err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.fire(ctx, event)
}

// fire runs one ICC event. The caller holds r.mutex.
func (r *slotRecord) fire(ctx context.Context, event string) error {
	err := r.icc.Event(ctx, event)
	if err == nil {
		if event == EventRemove || event == EventPowerOff {
			r.state.Clock = ClockRunning
		}
		return nil
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		switch event {
		case EventPowerOn, EventPowerOff:
			return fmt.Errorf("%s: %w", event, ErrNoCard)
		default:
			return nil
		}
	}
	return err
}

// SetProtocol stores negotiated protocol parameters.
func (s *SlotStore) SetProtocol(slot uint8, params Parameters) error {
	_, err := s.update(slot, func(st *Slot) {
		st.Params = params
	})
	return err
}

// SetClock stores the clock status.
func (s *SlotStore) SetClock(slot, status uint8) error {
	_, err := s.update(slot, func(st *Slot) {
		st.Clock = status
	})
	return err
}

// SetDataRate stores the selected clock frequency and data rate.
func (s *SlotStore) SetDataRate(slot uint8, clock, rate uint32) error {
	_, err := s.update(slot, func(st *Slot) {
		st.ClockFrequency = clock
		st.DataRate = rate
	})
	return err
}

// Reset returns every slot to its initial state. Cards stay present but lose
// power.
func (s *SlotStore) Reset() {
	for i, r := range s.records {
		r.mutex.Lock()
		r.state = s.initial
		r.epoch++
		if r.icc.Current() == StateActive {
			if err := r.fire(context.Background(), EventPowerOff); err != nil {
				pkg.LogWarn(pkg.ComponentSlot, "reset power-off failed",
					"slot", i,
					"error", err)
			}
		}
		r.mutex.Unlock()
	}
}
