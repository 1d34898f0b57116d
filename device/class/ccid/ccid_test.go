package ccid

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softccid/device"
	"github.com/ardnew/softccid/pkg"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// scriptCard is a Card whose replies are supplied by the test.
type scriptCard struct {
	mutex     sync.Mutex
	reply     func(apdu []byte) ([]byte, error)
	powerErr  error
	exchanges [][]byte
	params    []Parameters
}

func (s *scriptCard) PowerOn(ctx context.Context, voltage uint8) ([]byte, error) {
	if s.powerErr != nil {
		return nil, s.powerErr
	}
	return DefaultATR, nil
}

func (s *scriptCard) PowerOff(ctx context.Context) error {
	return nil
}

func (s *scriptCard) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	s.mutex.Lock()
	s.exchanges = append(s.exchanges, append([]byte(nil), apdu...))
	reply := s.reply
	s.mutex.Unlock()
	if reply == nil {
		return []byte{0x90, 0x00}, nil
	}
	return reply(apdu)
}

func (s *scriptCard) SetParameters(ctx context.Context, params Parameters) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.params = append(s.params, params)
	return nil
}

func (s *scriptCard) exchanged() [][]byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.exchanges
}

// blockingCard holds every Exchange until released.
type blockingCard struct {
	*VirtualCard
	entered chan struct{}
	release chan struct{}
}

func newBlockingCard() *blockingCard {
	return &blockingCard{
		VirtualCard: NewVirtualCard(nil),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (b *blockingCard) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.VirtualCard.Exchange(ctx, apdu)
}

func newTestReader(t *testing.T, cfg Config, cards ...Card) *CCID {
	t.Helper()
	c, err := New(cfg, cards...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// send encodes p as a bulk-OUT message and returns the reader's response.
func send(t *testing.T, c *CCID, slot, seq uint8, p Payload) Response {
	t.Helper()
	msg := Message{Slot: slot, Seq: seq, Payload: p}
	resp, err := c.HandleBulkOut(testContext(t), msg.Bytes())
	require.NoError(t, err)
	require.Equal(t, slot, resp.Slot, "bSlot echoed")
	require.Equal(t, seq, resp.Seq, "bSeq echoed")
	return resp
}

// controlAbort issues the control half of an abort.
func controlAbort(t *testing.T, c *CCID, slot, seq uint8) {
	t.Helper()
	var setup device.SetupPacket
	device.ClassInterfaceSetup(&setup, false, RequestAbort, uint16(seq)<<8|uint16(slot), c.cfg.Interface, 0)
	n, err := c.HandleSetup(&setup, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func requireProcessed(t *testing.T, resp Response) {
	t.Helper()
	require.False(t, resp.Failed(), "unexpected failure: %s", resp.String())
}

func requireFailed(t *testing.T, resp Response, want SlotError) {
	t.Helper()
	require.True(t, resp.Failed(), "unexpected success: %s", resp.String())
	require.Equal(t, uint8(want), resp.Error, "bError")
}

func poweredReader(t *testing.T, cfg Config, card Card) *CCID {
	t.Helper()
	c := newTestReader(t, cfg, card)
	requireProcessed(t, send(t, c, 0, 0, IccPowerOn{}))
	return c
}

func TestNew(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, c.Config().Slots)
	assert.Equal(t, MaxDataSizeDefault, c.Config().MaxDataSize)

	c, err = New(DefaultConfig(), NewVirtualCard(nil), NewVirtualCard(nil))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Config().Slots)

	cfg := DefaultConfig()
	cfg.Slots = 1
	_, err = New(cfg, NewVirtualCard(nil), NewVirtualCard(nil))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.T0, cfg.T1 = false, false
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.BulkIn = 0x02
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigMaxDataSize(t *testing.T) {
	tests := []struct {
		name     string
		limited  bool
		extended bool
		t0       bool
		want     int
	}{
		{"default", false, false, true, MaxDataSizeDefault},
		{"limited T=0", true, false, true, MaxDataSizeLimited},
		{"limited T=1 only", true, false, false, MaxDataSizeDefault},
		{"extended", false, true, true, MaxDataSizeExtended},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MemoryLimited = tt.limited
			cfg.ExtendedAPDU = tt.extended
			cfg.T0 = tt.t0
			require.NoError(t, cfg.Validate())
			assert.Equal(t, tt.want, cfg.MaxDataSize)
		})
	}
}

func TestReaderScenario(t *testing.T) {
	card := NewVirtualCard(nil)
	aid := []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}
	card.AddApplication(aid)
	c := newTestReader(t, DefaultConfig(), card)

	resp := send(t, c, 0, 1, IccPowerOn{})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(RspDataBlock), resp.Type)
	assert.Equal(t, DefaultATR, resp.Data)

	resp = send(t, c, 0, 2, GetSlotStatus{})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(RspSlotStatus), resp.Type)
	assert.Equal(t, uint8(ICCActive), resp.ICCStatus())
	assert.Equal(t, uint8(ClockRunning), resp.Specific)

	selectAID := append([]byte{0x00, 0xA4, 0x04, 0x00, byte(len(aid))}, aid...)
	resp = send(t, c, 0, 3, XfrBlock{Data: selectAID})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(RspDataBlock), resp.Type)
	assert.Equal(t, []byte{0x90, 0x00}, resp.Data)

	controlAbort(t, c, 0, 4)
	st, _ := c.Slot(0)
	assert.True(t, st.Failing)

	resp = send(t, c, 0, 4, XfrBlock{Data: selectAID})
	requireFailed(t, resp, SlotErrCmdAborted)

	resp = send(t, c, 0, 4, Abort{})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(RspSlotStatus), resp.Type)
	st, _ = c.Slot(0)
	assert.False(t, st.Failing)

	resp = send(t, c, 0, 5, XfrBlock{Data: selectAID})
	requireProcessed(t, resp)
}

func TestAbortOrdering(t *testing.T) {
	t.Run("control first", func(t *testing.T) {
		c := poweredReader(t, DefaultConfig(), NewVirtualCard(nil))
		controlAbort(t, c, 0, 7)
		requireProcessed(t, send(t, c, 0, 7, Abort{}))

		st, _ := c.Slot(0)
		assert.False(t, st.Failing)
		requireProcessed(t, send(t, c, 0, 8, GetSlotStatus{}))
	})

	t.Run("bulk first", func(t *testing.T) {
		c := poweredReader(t, DefaultConfig(), NewVirtualCard(nil))
		requireProcessed(t, send(t, c, 0, 7, Abort{}))
		controlAbort(t, c, 0, 7)

		st, _ := c.Slot(0)
		assert.False(t, st.Failing)
		assert.Equal(t, uint8(MsgAbort), st.LastType)
		requireProcessed(t, send(t, c, 0, 8, GetSlotStatus{}))
	})

	t.Run("concurrent", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			c := poweredReader(t, DefaultConfig(), NewVirtualCard(nil))
			seq := uint8(i + 1)

			var wg sync.WaitGroup
			var resp Response
			wg.Add(2)
			go func() {
				defer wg.Done()
				msg := Message{Seq: seq, Payload: Abort{}}
				resp, _ = c.HandleBulkOut(context.Background(), msg.Bytes())
			}()
			go func() {
				defer wg.Done()
				c.abort.control(0, seq)
			}()
			wg.Wait()

			requireProcessed(t, resp)
			st, _ := c.Slot(0)
			require.False(t, st.Failing, "iteration %d", i)
		}
	})
}

func TestAbortNonMatching(t *testing.T) {
	card := NewVirtualCard(nil)
	c := poweredReader(t, DefaultConfig(), card)
	before, _ := c.Slot(0)

	controlAbort(t, c, 0, 10)

	requireFailed(t, send(t, c, 0, 11, IccPowerOff{}), SlotErrCmdAborted)
	requireFailed(t, send(t, c, 0, 12, SetParameters{
		Protocol: ProtocolT0,
		Data:     DefaultT0Parameters().Bytes(),
	}), SlotErrCmdAborted)

	after, _ := c.Slot(0)
	assert.Equal(t, uint8(ICCActive), after.ICC)
	assert.Equal(t, before.Params, after.Params)
	assert.True(t, card.Powered())

	// An Abort for another sequence is itself aborted
	requireFailed(t, send(t, c, 0, 13, Abort{}), SlotErrCmdAborted)
	after, _ = c.Slot(0)
	assert.True(t, after.Failing)
	assert.Equal(t, uint8(10), after.AbortSeq)

	requireProcessed(t, send(t, c, 0, 10, Abort{}))
	after, _ = c.Slot(0)
	assert.False(t, after.Failing)
	requireProcessed(t, send(t, c, 0, 14, GetSlotStatus{}))
}

func TestAbortStaleLatch(t *testing.T) {
	c := poweredReader(t, DefaultConfig(), NewVirtualCard(nil))

	controlAbort(t, c, 0, 5)
	requireFailed(t, send(t, c, 0, 6, Abort{}), SlotErrCmdAborted)

	// The control half for seq 6 matches the recorded Abort, so the latch
	// for seq 5 stays armed
	controlAbort(t, c, 0, 6)
	st, _ := c.Slot(0)
	assert.True(t, st.Failing)
	assert.Equal(t, uint8(5), st.AbortSeq)
	requireFailed(t, send(t, c, 0, 7, GetSlotStatus{}), SlotErrCmdAborted)

	// A fresh abort pair replaces the stale latch
	controlAbort(t, c, 0, 8)
	st, _ = c.Slot(0)
	assert.Equal(t, uint8(8), st.AbortSeq)
	requireProcessed(t, send(t, c, 0, 8, Abort{}))
	requireProcessed(t, send(t, c, 0, 9, GetSlotStatus{}))
}

func TestAbortInFlight(t *testing.T) {
	card := newBlockingCard()
	card.AddFile(0x0101, []byte{1, 2, 3})
	c := poweredReader(t, DefaultConfig(), card)

	done := make(chan Response, 1)
	go func() {
		msg := Message{Seq: 1, Payload: XfrBlock{Data: []byte{0x00, 0xA4, 0x00, 0x00, 0x02, 0x01, 0x01}}}
		resp, _ := c.HandleBulkOut(context.Background(), msg.Bytes())
		done <- resp
	}()

	select {
	case <-card.entered:
	case <-time.After(time.Second):
		t.Fatal("exchange not started")
	}
	controlAbort(t, c, 0, 1)
	close(card.release)

	select {
	case resp := <-done:
		requireFailed(t, resp, SlotErrCmdAborted)
		assert.Equal(t, uint8(1), resp.Seq)
	case <-time.After(time.Second):
		t.Fatal("no response")
	}

	requireProcessed(t, send(t, c, 0, 1, Abort{}))
	st, _ := c.Slot(0)
	assert.False(t, st.Failing)
}

func TestAbortInvalidSlot(t *testing.T) {
	c := newTestReader(t, DefaultConfig(), NewVirtualCard(nil))
	controlAbort(t, c, 4, 1)

	st, _ := c.Slot(0)
	assert.False(t, st.Failing)
}

func TestInvalidSlot(t *testing.T) {
	c := newTestReader(t, DefaultConfig(), NewVirtualCard(nil))

	payloads := []Payload{
		IccPowerOn{},
		IccPowerOff{},
		GetSlotStatus{},
		XfrBlock{Data: []byte{0x00, 0xB0, 0x00, 0x00, 0x00}},
		GetParameters{},
		SetParameters{Protocol: ProtocolT1, Data: DefaultT1Parameters().Bytes()},
		Abort{},
	}
	for i, p := range payloads {
		resp := send(t, c, 1, uint8(i), p)
		requireFailed(t, resp, SlotErrBadSlot)
		assert.Equal(t, uint8(ICCAbsent), resp.ICCStatus())
		assert.Empty(t, resp.Data)
	}

	st, _ := c.Slot(0)
	assert.False(t, st.HasLast)
	assert.False(t, st.Failing)
	assert.Equal(t, uint8(ICCInactive), st.ICC)
}

func TestInvalidSlotRejectedMessage(t *testing.T) {
	c := newTestReader(t, DefaultConfig(), NewVirtualCard(nil))

	oversized := Message{Slot: 7, Seq: 4, Payload: XfrBlock{Data: make([]byte, MaxDataSizeDefault+1)}}
	frames := map[string][]byte{
		"oversized XfrBlock": oversized.Bytes(),
		"unknown type":       {0x50, 0, 0, 0, 0, 7, 4, 0, 0, 0},
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			resp, err := c.HandleBulkOut(testContext(t), frame)
			require.NoError(t, err)
			requireFailed(t, resp, SlotErrBadSlot)
			assert.Equal(t, uint8(7), resp.Slot)
			assert.Equal(t, uint8(4), resp.Seq)
			assert.Equal(t, uint8(ICCAbsent), resp.ICCStatus())
		})
	}
}

func TestPayloadBound(t *testing.T) {
	card := &scriptCard{}
	c := poweredReader(t, DefaultConfig(), card)

	msg := Message{Seq: 3, Payload: XfrBlock{Data: make([]byte, MaxDataSizeDefault+1)}}
	resp, err := c.HandleBulkOut(testContext(t), msg.Bytes())
	require.NoError(t, err)
	requireFailed(t, resp, SlotErrBadLength)
	assert.Equal(t, uint8(3), resp.Seq)
	assert.Empty(t, card.exchanged())

	st, _ := c.Slot(0)
	assert.Equal(t, uint8(MsgIccPowerOn), st.LastType, "rejected message not recorded")
}

func TestMalformedBulkOut(t *testing.T) {
	c := newTestReader(t, DefaultConfig(), NewVirtualCard(nil))

	_, err := c.HandleBulkOut(testContext(t), []byte{MsgGetSlotStatus, 0, 0})
	assert.ErrorIs(t, err, ErrMalformedHeader)

	resp, err := c.HandleBulkOut(testContext(t), []byte{0x50, 0, 0, 0, 0, 0, 9, 0, 0, 0})
	require.NoError(t, err)
	requireFailed(t, resp, SlotErrCommandNotSupported)
	assert.Equal(t, uint8(RspSlotStatus), resp.Type)
	assert.Equal(t, uint8(9), resp.Seq)
	assert.Equal(t, uint8(ICCInactive), resp.ICCStatus())
}

func TestPowerOn(t *testing.T) {
	t.Run("bad voltage", func(t *testing.T) {
		c := newTestReader(t, DefaultConfig(), NewVirtualCard(nil))
		requireFailed(t, send(t, c, 0, 1, IccPowerOn{PowerSelect: 4}), SlotErrBadParameter)
	})

	t.Run("no card", func(t *testing.T) {
		card := NewVirtualCard(nil)
		card.Remove()
		c := newTestReader(t, DefaultConfig(), card)
		resp := send(t, c, 0, 1, IccPowerOn{})
		requireFailed(t, resp, SlotErrICCMute)
		assert.Equal(t, uint8(ICCAbsent), resp.ICCStatus())
	})

	t.Run("empty slot", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Slots = 2
		c := newTestReader(t, cfg, NewVirtualCard(nil))
		requireFailed(t, send(t, c, 1, 1, IccPowerOn{}), SlotErrICCMute)
	})

	t.Run("card timeout", func(t *testing.T) {
		c := newTestReader(t, DefaultConfig(), &scriptCard{powerErr: pkg.ErrTimeout})
		resp := send(t, c, 0, 1, IccPowerOn{})
		requireFailed(t, resp, SlotErrICCMute)
		assert.Equal(t, uint8(ICCInactive), resp.ICCStatus())
	})

	t.Run("card fault", func(t *testing.T) {
		c := newTestReader(t, DefaultConfig(), &scriptCard{powerErr: assert.AnError})
		requireFailed(t, send(t, c, 0, 1, IccPowerOn{}), SlotErrHWError)
	})

	t.Run("idempotent", func(t *testing.T) {
		c := poweredReader(t, DefaultConfig(), NewVirtualCard(nil))
		resp := send(t, c, 0, 1, IccPowerOn{PowerSelect: Power5V})
		requireProcessed(t, resp)
		assert.Equal(t, uint8(ICCActive), resp.ICCStatus())
	})
}

func TestPowerOff(t *testing.T) {
	card := NewVirtualCard(nil)
	c := poweredReader(t, DefaultConfig(), card)

	resp := send(t, c, 0, 1, IccPowerOff{})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(RspSlotStatus), resp.Type)
	assert.Equal(t, uint8(ICCInactive), resp.ICCStatus())
	assert.False(t, card.Powered())

	requireFailed(t, send(t, c, 0, 2, XfrBlock{Data: []byte{0x00, 0xB0, 0x00, 0x00}}), SlotErrICCMute)

	card.Remove()
	resp = send(t, c, 0, 3, IccPowerOff{})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ICCAbsent), resp.ICCStatus())
}

func TestCardPresence(t *testing.T) {
	card := NewVirtualCard(nil)
	c := poweredReader(t, DefaultConfig(), card)

	card.Remove()
	resp := send(t, c, 0, 1, GetSlotStatus{})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ICCAbsent), resp.ICCStatus())

	card.Insert()
	resp = send(t, c, 0, 2, GetSlotStatus{})
	assert.Equal(t, uint8(ICCInactive), resp.ICCStatus())
}

func TestParametersCommands(t *testing.T) {
	card := &scriptCard{}
	c := poweredReader(t, DefaultConfig(), card)

	resp := send(t, c, 0, 1, GetParameters{})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(RspParameters), resp.Type)
	assert.Equal(t, uint8(ProtocolT1), resp.Specific)
	assert.Equal(t, DefaultT1Parameters().Bytes(), resp.Data)

	t0 := []byte{0x13, 0x00, 0x00, 0x0A, 0x00}
	resp = send(t, c, 0, 2, SetParameters{Protocol: ProtocolT0, Data: t0})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ProtocolT0), resp.Specific)
	assert.Equal(t, t0, resp.Data)

	resp = send(t, c, 0, 3, GetParameters{})
	assert.Equal(t, uint8(ProtocolT0), resp.Specific)
	assert.Equal(t, t0, resp.Data)

	resp = send(t, c, 0, 4, ResetParameters{})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ProtocolT1), resp.Specific)
	assert.Equal(t, DefaultT1Parameters().Bytes(), resp.Data)

	require.Len(t, card.params, 2)
	assert.Equal(t, DefaultT1Parameters(), card.params[1])

	requireFailed(t, send(t, c, 0, 5, SetParameters{Protocol: 0x05}), SlotErrBadParameter)

	cfg := DefaultConfig()
	cfg.T0 = false
	c = poweredReader(t, cfg, &scriptCard{})
	requireFailed(t, send(t, c, 0, 6, SetParameters{Protocol: ProtocolT0, Data: t0}), SlotErrBadParameter)
}

func TestGetParametersNoCard(t *testing.T) {
	card := NewVirtualCard(nil)
	card.Remove()
	c := newTestReader(t, DefaultConfig(), card)
	requireFailed(t, send(t, c, 0, 1, GetParameters{}), SlotErrICCMute)
}

func TestCommandChaining(t *testing.T) {
	card := &scriptCard{reply: func(apdu []byte) ([]byte, error) {
		return []byte{byte(len(apdu)), 0x90, 0x00}, nil
	}}
	cfg := DefaultConfig()
	cfg.MaxDataSize = 16
	c := poweredReader(t, cfg, card)

	resp := send(t, c, 0, 1, XfrBlock{LevelParameter: ChainBegin, Data: make([]byte, 16)})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ChainContinue), resp.Specific)
	assert.Empty(t, resp.Data)

	resp = send(t, c, 0, 2, XfrBlock{LevelParameter: ChainMiddle, Data: make([]byte, 16)})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ChainContinue), resp.Specific)

	resp = send(t, c, 0, 3, XfrBlock{LevelParameter: ChainEnd, Data: make([]byte, 4)})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ChainNone), resp.Specific)
	assert.Equal(t, []byte{36, 0x90, 0x00}, resp.Data)
	require.Len(t, card.exchanged(), 1)

	requireFailed(t, send(t, c, 0, 4, XfrBlock{LevelParameter: ChainMiddle, Data: []byte{1}}), SlotErrBadLevelParameter)
	requireFailed(t, send(t, c, 0, 5, XfrBlock{LevelParameter: 0x07}), SlotErrBadLevelParameter)

	// An unchained block in the middle of a chain breaks it
	requireProcessed(t, send(t, c, 0, 6, XfrBlock{LevelParameter: ChainBegin, Data: []byte{1}}))
	requireFailed(t, send(t, c, 0, 7, XfrBlock{Data: []byte{2}}), SlotErrBadLevelParameter)
	requireFailed(t, send(t, c, 0, 8, XfrBlock{LevelParameter: ChainEnd, Data: []byte{3}}), SlotErrBadLevelParameter)
}

func TestCommandChainingOverrun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExtendedAPDU = true
	card := &scriptCard{}
	c := poweredReader(t, cfg, card)

	requireProcessed(t, send(t, c, 0, 1, XfrBlock{LevelParameter: ChainBegin, Data: make([]byte, 40000)}))
	requireFailed(t, send(t, c, 0, 2, XfrBlock{LevelParameter: ChainEnd, Data: make([]byte, 40000)}), SlotErrXfrOverrun)
	assert.Empty(t, card.exchanged())
}

func TestResponseChaining(t *testing.T) {
	reply := make([]byte, 40)
	for i := range reply {
		reply[i] = byte(i)
	}
	card := &scriptCard{reply: func([]byte) ([]byte, error) { return reply, nil }}
	cfg := DefaultConfig()
	cfg.MaxDataSize = 16
	c := poweredReader(t, cfg, card)

	resp := send(t, c, 0, 1, XfrBlock{Data: []byte{0x00, 0xB0, 0x00, 0x00, 0x00}})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ChainBegin), resp.Specific)
	assert.Equal(t, reply[:16], resp.Data)

	resp = send(t, c, 0, 2, XfrBlock{LevelParameter: ChainContinue})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ChainMiddle), resp.Specific)
	assert.Equal(t, reply[16:32], resp.Data)

	resp = send(t, c, 0, 3, XfrBlock{LevelParameter: ChainContinue})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ChainEnd), resp.Specific)
	assert.Equal(t, reply[32:], resp.Data)

	requireFailed(t, send(t, c, 0, 4, XfrBlock{LevelParameter: ChainContinue}), SlotErrBadLevelParameter)
	assert.Len(t, card.exchanged(), 1)
}

func TestResponseChainingAbort(t *testing.T) {
	card := &scriptCard{reply: func([]byte) ([]byte, error) { return make([]byte, 40), nil }}
	cfg := DefaultConfig()
	cfg.MaxDataSize = 16
	c := poweredReader(t, cfg, card)

	requireProcessed(t, send(t, c, 0, 1, XfrBlock{Data: []byte{0x00, 0xB0, 0x00, 0x00, 0x00}}))
	controlAbort(t, c, 0, 2)
	requireProcessed(t, send(t, c, 0, 2, Abort{}))

	requireFailed(t, send(t, c, 0, 3, XfrBlock{LevelParameter: ChainContinue}), SlotErrBadLevelParameter)
}

func TestEscape(t *testing.T) {
	c := newTestReader(t, DefaultConfig(), NewVirtualCard(nil))
	resp := send(t, c, 0, 1, Escape{Data: []byte("hello")})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(RspEscape), resp.Type)
	assert.Equal(t, []byte("hello"), resp.Data)

	c = newTestReader(t, DefaultConfig(), &scriptCard{})
	resp = send(t, c, 0, 1, Escape{Data: []byte{1}})
	requireFailed(t, resp, SlotErrCommandNotSupported)
	assert.Equal(t, uint8(RspEscape), resp.Type)
}

func TestIccClock(t *testing.T) {
	card := NewVirtualCard(nil)
	card.AddFile(0x0101, []byte{1})
	c := newTestReader(t, DefaultConfig(), card)

	requireFailed(t, send(t, c, 0, 1, IccClock{Command: ClockStop}), SlotErrICCMute)
	requireProcessed(t, send(t, c, 0, 2, IccPowerOn{}))

	resp := send(t, c, 0, 3, IccClock{Command: ClockStop})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(ClockStoppedLow), resp.Specific)

	resp = send(t, c, 0, 4, GetSlotStatus{})
	assert.Equal(t, uint8(ClockStoppedLow), resp.Specific)

	requireFailed(t, send(t, c, 0, 5, XfrBlock{Data: []byte{0x00, 0xA4, 0x00, 0x00, 0x02, 0x01, 0x01}}), SlotErrICCMute)

	requireProcessed(t, send(t, c, 0, 6, IccClock{Command: ClockRestart}))
	requireProcessed(t, send(t, c, 0, 7, XfrBlock{Data: []byte{0x00, 0xA4, 0x00, 0x00, 0x02, 0x01, 0x01}}))

	requireFailed(t, send(t, c, 0, 8, IccClock{Command: 2}), SlotErrBadParameter)

	// Power-off restarts the clock
	requireProcessed(t, send(t, c, 0, 9, IccClock{Command: ClockStop}))
	resp = send(t, c, 0, 10, IccPowerOff{})
	assert.Equal(t, uint8(ClockRunning), resp.Specific)
}

func TestSetDataRate(t *testing.T) {
	c := newTestReader(t, DefaultConfig(), NewVirtualCard(nil))

	resp := send(t, c, 0, 1, SetDataRateAndClockFrequency{ClockFrequency: 8000, DataRate: 43010})
	requireProcessed(t, resp)
	assert.Equal(t, uint8(RspDataRateAndClockFrequency), resp.Type)
	assert.Equal(t, []byte{0x40, 0x1F, 0, 0, 0x02, 0xA8, 0, 0}, resp.Data)

	st, _ := c.Slot(0)
	assert.Equal(t, uint32(8000), st.ClockFrequency)
	assert.Equal(t, uint32(43010), st.DataRate)

	requireFailed(t, send(t, c, 0, 2, SetDataRateAndClockFrequency{ClockFrequency: 5000, DataRate: 43010}), SlotErrBadPayload)
	st, _ = c.Slot(0)
	assert.Equal(t, uint32(8000), st.ClockFrequency)
}

func TestUnsupportedCommands(t *testing.T) {
	c := poweredReader(t, DefaultConfig(), NewVirtualCard(nil))

	requireFailed(t, send(t, c, 0, 1, T0APDU{Changes: 1}), SlotErrCommandNotSupported)
	requireFailed(t, send(t, c, 0, 2, Secure{Data: []byte{0x00}}), SlotErrCommandNotSupported)
	requireFailed(t, send(t, c, 0, 3, Mechanical{Function: MechanicalEject}), SlotErrCommandNotSupported)
	requireFailed(t, send(t, c, 0, 4, Mechanical{Function: 9}), SlotErrBadParameter)
}

func TestReset(t *testing.T) {
	card := NewVirtualCard(nil)
	c := poweredReader(t, DefaultConfig(), card)
	requireProcessed(t, send(t, c, 0, 1, SetDataRateAndClockFrequency{ClockFrequency: 8000, DataRate: 21505}))
	controlAbort(t, c, 0, 9)
	requireFailed(t, send(t, c, 0, 2, GetSlotStatus{}), SlotErrCmdAborted)

	c.Reset()

	st, _ := c.Slot(0)
	assert.Equal(t, uint8(ICCInactive), st.ICC)
	assert.False(t, st.Failing)
	assert.Equal(t, uint32(4000), st.ClockFrequency)
	requireProcessed(t, send(t, c, 0, 3, GetSlotStatus{}))
}

func TestControlSlotBusy(t *testing.T) {
	card := newBlockingCard()
	c := poweredReader(t, DefaultConfig(), card)

	done := make(chan Response, 1)
	go func() {
		msg := Message{Seq: 1, Payload: XfrBlock{Data: []byte{0x00, 0xB0, 0x00, 0x00}}}
		resp, _ := c.HandleBulkOut(context.Background(), msg.Bytes())
		done <- resp
	}()
	<-card.entered

	var setup device.SetupPacket
	device.ClassInterfaceSetup(&setup, true, RequestGetSlotStatus, 2<<8, 0, 64)
	buf := make([]byte, 64)
	n, err := c.HandleSetup(&setup, buf)
	require.NoError(t, err)
	resp, err := DecodeResponse(buf[:n])
	require.NoError(t, err)
	requireFailed(t, resp, SlotErrCmdSlotBusy)
	assert.Equal(t, uint8(2), resp.Seq)

	device.ClassInterfaceSetup(&setup, false, RequestIccPowerOff, 3<<8, 0, 0)
	_, err = c.HandleSetup(&setup, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)

	close(card.release)
	resp = <-done
	requireProcessed(t, resp)
	assert.True(t, card.Powered())
}

// flakyTransport fails the first reads with err, then serves one message and
// reports the transport closed.
type flakyTransport struct {
	mutex    sync.Mutex
	failures int
	err      error
	msg      []byte
	written  [][]byte
	stalls   int
}

func (f *flakyTransport) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	switch {
	case f.failures > 0:
		f.failures--
		return 0, f.err
	case f.msg != nil:
		n := copy(buf, f.msg)
		f.msg = nil
		return n, nil
	}
	return 0, pkg.ErrClosed
}

func (f *flakyTransport) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return len(data), nil
}

func (f *flakyTransport) Stall(address uint8) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stalls++
	return nil
}

func TestRunRetriesTransientErrors(t *testing.T) {
	for _, err := range []error{pkg.ErrTimeout, pkg.ErrReset, pkg.ErrStall} {
		t.Run(err.Error(), func(t *testing.T) {
			c := newTestReader(t, DefaultConfig(), NewVirtualCard(nil))
			msg := Message{Seq: 5, Payload: GetSlotStatus{}}
			tr := &flakyTransport{failures: 3, err: err, msg: msg.Bytes()}
			c.SetTransport(tr)

			assert.ErrorIs(t, c.Run(testContext(t)), pkg.ErrClosed)
			require.Len(t, tr.written, 1)
			resp, derr := DecodeResponse(tr.written[0])
			require.NoError(t, derr)
			requireProcessed(t, resp)
			assert.Equal(t, uint8(5), resp.Seq)
			assert.Zero(t, tr.stalls)
		})
	}
}
