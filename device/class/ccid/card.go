package ccid

import "context"

// Card is the card interface collaborator behind one slot.
//
// Errors may be a SlotError, which is reported to the host verbatim.
// pkg.ErrTimeout and context.DeadlineExceeded are reported as ICC_MUTE; any
// other error as HW_ERROR.
type Card interface {
	// PowerOn activates the card at the requested voltage (bPowerSelect) and
	// returns its ATR.
	PowerOn(ctx context.Context, voltage uint8) ([]byte, error)

	// PowerOff deactivates the card.
	PowerOff(ctx context.Context) error

	// Exchange sends a command APDU and returns the response APDU.
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)

	// SetParameters applies protocol parameters.
	SetParameters(ctx context.Context, params Parameters) error
}

// Presence is implemented by cards that can be inserted and removed.
// Cards without it are always present.
type Presence interface {
	Present() bool
}

// Escaper is implemented by cards that accept vendor escape commands.
type Escaper interface {
	Escape(ctx context.Context, data []byte) ([]byte, error)
}

// ClockController is implemented by cards whose clock can be stopped.
// SetClock returns the resulting bClockStatus.
type ClockController interface {
	SetClock(ctx context.Context, stop bool) (uint8, error)
}

// RateController is implemented by cards that accept a clock frequency and
// data rate. It returns the values actually applied.
type RateController interface {
	SetDataRateAndClock(ctx context.Context, clock, rate uint32) (uint32, uint32, error)
}

// T0Configurer is implemented by cards that accept T=0 class byte changes.
type T0Configurer interface {
	ConfigureT0(ctx context.Context, changes, classGetResponse, classEnvelope uint8) error
}

// SecureExchanger is implemented by readers with PIN entry.
type SecureExchanger interface {
	Secure(ctx context.Context, levelParameter uint16, data []byte) ([]byte, error)
}

// Mechanism is implemented by slots with an accept/eject/capture/lock mechanism.
type Mechanism interface {
	Mechanical(ctx context.Context, function uint8) error
}

// PropertyStore is implemented by cards exposing TLV properties.
type PropertyStore interface {
	GetTLVProperties(ctx context.Context) ([]byte, error)
	SetTLVProperties(ctx context.Context, data []byte) error
}

// FeatureProvider is implemented by cards exposing feature requests.
type FeatureProvider interface {
	GetFeature(ctx context.Context) ([]byte, error)
	SetFeature(ctx context.Context, data []byte) error
}

// present reports whether a card sits in the slot.
func present(card Card) bool {
	if card == nil {
		return false
	}
	if p, ok := card.(Presence); ok {
		return p.Present()
	}
	return true
}
