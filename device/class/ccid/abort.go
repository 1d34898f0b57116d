package ccid

import "github.com/ardnew/softccid/pkg"

// admission is the fate of a bulk-OUT message decided by the abort latch.
type admission int

const (
	admitProceed admission = iota // process normally
	admitAborted                  // answer CMD_ABORTED, no side effects
	admitAbort                    // an Abort the latch accepts, answer processed
)

// abortCoordinator resolves the two halves of the CCID abort protocol. Both
// halves run under the slot's state lock, so either arrival order leaves the
// latch clear once both have been seen.
type abortCoordinator struct {
	store *SlotStore
}

// control handles the control ABORT request for (slot, seq). It never fails
// at the control layer: an out-of-range slot is logged and acknowledged.
func (a *abortCoordinator) control(slot, seq uint8) {
	var armed bool
	_, err := a.store.update(slot, func(st *Slot) {
		if st.HasLast && st.LastType == MsgAbort && st.LastSeq == seq {
			// Bulk half already seen. A latch armed for an older seq stays
			// until its own Abort arrives or a new abort pair replaces it.
			return
		}
		st.Failing = true
		st.AbortSeq = seq
		armed = true
	})
	if err != nil {
		pkg.LogWarn(pkg.ComponentAbort, "control abort for invalid slot",
			"slot", slot,
			"seq", seq,
			"error", err)
		return
	}
	pkg.LogInfo(pkg.ComponentAbort, "control abort",
		"slot", slot,
		"seq", seq,
		"armed", armed)
}

// admit records a bulk-OUT message and decides whether it may proceed.
func (a *abortCoordinator) admit(slot, msgType, seq uint8) (admission, Slot, error) {
	verdict := admitProceed
	st, err := a.store.update(slot, func(st *Slot) {
		st.LastType = msgType
		st.LastSeq = seq
		st.HasLast = true

		switch {
		case !st.Failing:
			if msgType == MsgAbort {
				verdict = admitAbort
			}
		case msgType == MsgAbort && st.AbortSeq == seq:
			st.Failing = false
			verdict = admitAbort
		default:
			verdict = admitAborted
		}
	})
	if err != nil {
		return admitProceed, Slot{}, err
	}

	switch verdict {
	case admitAbort:
		pkg.LogInfo(pkg.ComponentAbort, "bulk abort",
			"slot", slot,
			"seq", seq,
			"latched", st.Failing)
	case admitAborted:
		pkg.LogDebug(pkg.ComponentAbort, "command rejected by abort latch",
			"slot", slot,
			"seq", seq,
			"type", msgType,
			"abortSeq", st.AbortSeq)
	}
	return verdict, st, nil
}

// latched reports whether the slot's abort latch is set.
func (a *abortCoordinator) latched(slot uint8) bool {
	st, ok := a.store.Get(slot)
	return ok && st.Failing
}
