package ccid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ardnew/softccid/device"
	"github.com/ardnew/softccid/pkg"
)

// stallRetryInterval is how often Run polls a halted bulk-OUT endpoint.
const stallRetryInterval = 10 * time.Millisecond

// Transport moves CCID messages over the bulk endpoints.
// *device.Stack implements it.
type Transport interface {
	Read(ctx context.Context, address uint8, buf []byte) (int, error)
	Write(ctx context.Context, address uint8, data []byte) (int, error)
	Stall(address uint8) error
}

// CCID implements the USB CCID class driver.
type CCID struct {
	cfg   Config
	store *SlotStore
	abort *abortCoordinator
	proc  *processor

	mutex     sync.RWMutex
	transport Transport

	// Context for control-path commands, cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	// Bulk buffers, owned by Run
	outBuf []byte
	inBuf  []byte
}

// New creates a CCID class driver. cards[i] backs slot i; slots beyond the
// cards given stay empty.
func New(cfg Config, cards ...Card) (*CCID, error) {
	if cfg.Slots == 0 {
		cfg.Slots = max(len(cards), 1)
	}
	if len(cards) > cfg.Slots {
		return nil, fmt.Errorf("%d cards for %d slots: %w", len(cards), cfg.Slots, ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &CCID{cfg: cfg}
	c.store = NewSlotStore(cfg.Slots, Slot{
		Clock:          ClockRunning,
		ClockFrequency: cfg.ClockFrequencies[0],
		DataRate:       cfg.DataRates[0],
		Params:         cfg.DefaultParameters,
	})
	c.abort = &abortCoordinator{store: c.store}
	c.proc = &processor{
		cfg:   &c.cfg,
		store: c.store,
		abort: c.abort,
		cards: append([]Card(nil), cards...),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for i, card := range cards {
		if present(card) {
			if err := c.store.SetPower(c.ctx, uint8(i), EventInsert); err != nil {
				c.cancel()
				return nil, err
			}
		}
	}

	size := cfg.bulkBufferSize()
	c.outBuf = make([]byte, size)
	c.inBuf = make([]byte, size)

	pkg.LogDebug(pkg.ComponentCCID, "CCID created",
		"slots", cfg.Slots,
		"maxDataSize", cfg.MaxDataSize,
		"bulkOut", cfg.BulkOut,
		"bulkIn", cfg.BulkIn)

	return c, nil
}

// Config returns the validated configuration.
func (c *CCID) Config() Config {
	return c.cfg
}

// Slot returns a snapshot of a slot.
func (c *CCID) Slot(slot uint8) (Slot, bool) {
	return c.store.Get(slot)
}

// SetTransport sets the transport Run reads and writes through.
func (c *CCID) SetTransport(t Transport) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.transport = t
}

// Attach registers the driver with a device stack and uses the stack as its
// transport.
func (c *CCID) Attach(stack *device.Stack) {
	stack.SetClassDriver(c)
	c.SetTransport(stack)
}

func (c *CCID) getTransport() Transport {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.transport
}

// HandleBulkOut processes one bulk-OUT transfer and returns the bulk-IN
// response. An error is returned only when no response can be framed
// (a transfer shorter than the header); the caller should stall the
// bulk-OUT endpoint. Other decode failures are answered with a failed
// slot status.
func (c *CCID) HandleBulkOut(ctx context.Context, buf []byte) (Response, error) {
	msg, err := DecodeMessage(buf, c.cfg.Limits())
	if err != nil {
		var derr *DecodeError
		if !errors.As(err, &derr) || !derr.HeaderValid {
			return Response{}, err
		}
		pkg.LogWarn(pkg.ComponentCCID, "bulk-OUT rejected",
			"error", err)
		h := header{Type: derr.Type, Slot: derr.Slot, Seq: derr.Seq}
		st, ok := c.store.Get(derr.Slot)
		if !ok {
			// Slot range is checked before anything else in the message
			return h.failed(ICCAbsent, SlotErrBadSlot), nil
		}
		return h.failed(st.ICC, derr.SlotError()), nil
	}

	if pkg.LogEnabled(slog.LevelDebug) {
		pkg.LogDebug(pkg.ComponentCCID, "bulk-OUT",
			"type", msg.Type(),
			"slot", msg.Slot,
			"seq", msg.Seq,
			"length", msg.Length())
	}
	return c.proc.bulk(ctx, msg), nil
}

// Run is the bulk processing loop. It reads PC_to_RDR messages, processes
// them and writes the RDR_to_PC responses until ctx is cancelled or the
// transport closes. It should be called in a goroutine after the transport
// is set.
func (c *CCID) Run(ctx context.Context) error {
	t := c.getTransport()
	if t == nil {
		return pkg.ErrNotConfigured
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.serve(ctx, t)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, pkg.ErrClosed), errors.Is(err, pkg.ErrNotRunning):
			return err
		case errors.Is(err, pkg.ErrStall):
			// Wait for the host to clear the halt
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(stallRetryInterval):
			}
		case pkg.IsTransient(err):
			pkg.LogDebug(pkg.ComponentCCID, "bulk transfer retry",
				"error", err)
		default:
			pkg.LogWarn(pkg.ComponentCCID, "bulk transfer error",
				"error", err)
		}
	}
}

// serve handles one bulk-OUT transfer.
func (c *CCID) serve(ctx context.Context, t Transport) error {
	n, err := t.Read(ctx, c.cfg.BulkOut, c.outBuf)
	if err != nil && !errors.Is(err, pkg.ErrBufferTooSmall) {
		return err
	}

	resp, err := c.HandleBulkOut(ctx, c.outBuf[:n])
	if err != nil {
		pkg.LogWarn(pkg.ComponentCCID, "stalling bulk-OUT",
			"error", err)
		return t.Stall(c.cfg.BulkOut)
	}

	out := c.inBuf[:resp.MarshalTo(c.inBuf)]
	if len(out) == 0 {
		out = resp.Bytes()
	}
	if _, err := t.Write(ctx, c.cfg.BulkIn, out); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentCCID, "bulk-IN",
		"type", resp.Type,
		"slot", resp.Slot,
		"seq", resp.Seq,
		"status", resp.Status,
		"error", resp.Error)
	return nil
}

// Reset is called on a USB bus reset. Every slot returns to its initial
// state; the abort latch and chaining state are dropped.
func (c *CCID) Reset() {
	c.store.Reset()
	pkg.LogInfo(pkg.ComponentCCID, "CCID reset")
}

// Close releases resources held by the class driver.
func (c *CCID) Close() error {
	c.cancel()
	return nil
}

// Compile-time interface checks
var (
	_ device.ClassDriver = (*CCID)(nil)
	_ Transport          = (*device.Stack)(nil)
)
