package mcp2515

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	cbus "github.com/samsamfire/gocbus"
	"github.com/samsamfire/gocbus/pkg/chip/loopback"
	"github.com/samsamfire/gocbus/pkg/config"
	"github.com/samsamfire/gocbus/pkg/fifo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// Keeps track of the controllers created by a bus
type factory struct {
	mu      sync.Mutex
	created []*loopback.Chip
	setup   func(c *loopback.Chip)
	err     error
}

func (f *factory) newChip(channel string) (cbus.Chip, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := loopback.New(channel)
	if f.setup != nil {
		f.setup(c)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, c)
	return c, nil
}

func (f *factory) last() *loopback.Chip {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

func (f *factory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// Controller without a data ready line
type noIrqChip struct {
	cbus.Chip
}

type fakeSignal struct {
	mu       sync.Mutex
	handler  func()
	attaches int
	err      error
}

func (s *fakeSignal) Attach(handler func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.handler = handler
	s.attaches++
	return nil
}

func (s *fakeSignal) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
	return nil
}

func (s *fakeSignal) fire() {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func channelName(t *testing.T) string {
	return fmt.Sprintf("mcp2515-%s", t.Name())
}

func newTestBus(t *testing.T, poll bool) (*Bus, *factory) {
	f := &factory{}
	bus := NewBus(f.newChip, channelName(t))
	require.Nil(t, bus.Begin(poll))
	t.Cleanup(func() { bus.Close() })
	return bus, f
}

func TestBeginPoll(t *testing.T) {
	bus, f := newTestBus(t, true)
	assert.Equal(t, StateReady, bus.State())
	assert.False(t, bus.Available())

	c := f.last()
	assert.Equal(t, cbus.ModeNormal, c.Mode())
	assert.Equal(t, cbus.Crystal16MHz, c.Crystal())

	c.Inject(cbus.NewFrame(0x5A1, 0x90, 0x00, 0x01))
	c.Inject(cbus.NewFrame(0x5A1|cbus.CanEffFlag|cbus.CanRtrFlag, 0x91))
	assert.True(t, bus.Available())
	frame := bus.GetNextMessage()
	assert.EqualValues(t, 0x5A1, frame.ID)
	assert.False(t, frame.Ext)
	assert.Equal(t, []byte{0x90, 0x00, 0x01}, frame.Payload())

	// Polling moves one frame per call
	assert.True(t, bus.Available())
	frame = bus.GetNextMessage()
	assert.True(t, frame.Ext)
	assert.True(t, frame.RTR)
	assert.False(t, bus.Available())
	assert.EqualValues(t, 2, bus.Status().MessagesReceived)
}

func TestBeginInterrupt(t *testing.T) {
	bus, f := newTestBus(t, false)
	c := f.last()
	assert.True(t, c.Line().Attached())

	for i := 0; i < 3; i++ {
		c.Inject(cbus.NewFrame(uint32(0x100+i), byte(i)))
		// Wait for the frame to reach the buffer, the mailbox only has 2 slots
		assert.Eventually(t, func() bool { return bus.Status().Rx.Puts == uint32(i+1) }, time.Second, time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		assert.True(t, bus.Available())
		frame := bus.GetNextMessage()
		assert.EqualValues(t, 0x100+i, frame.ID)
		assert.Equal(t, []byte{byte(i)}, frame.Payload())
	}
	assert.False(t, bus.Available())
	assert.EqualValues(t, 3, bus.Status().MessagesReceived)
}

func TestReceiveOverflow(t *testing.T) {
	f := &factory{}
	bus := NewBus(f.newChip, channelName(t))
	bus.SetNumBuffers(4, 0)
	require.Nil(t, bus.Begin(false))
	defer bus.Close()
	c := f.last()

	for i, data := range []byte{'A', 'B', 'C', 'D', 'E'} {
		c.Inject(cbus.NewFrame(0x10, data))
		assert.Eventually(t, func() bool { return bus.Status().Rx.Puts == uint32(i+1) }, time.Second, time.Millisecond)
	}
	status := bus.Status()
	assert.EqualValues(t, 1, status.Rx.Overflows)
	assert.Equal(t, 4, status.Rx.Occupancy)
	assert.Equal(t, 4, status.Rx.HighWaterMark)

	peeked, ok := bus.Peek()
	assert.True(t, ok)
	assert.Equal(t, []byte{'B'}, peeked.Payload())
	received := []byte{}
	for bus.Available() {
		frame := bus.GetNextMessage()
		received = append(received, frame.Data[0])
	}
	assert.Equal(t, []byte("BCDE"), received)
}

func TestBeginErrors(t *testing.T) {
	t.Run("crystal", func(t *testing.T) {
		f := &factory{}
		bus := NewBus(f.newChip, channelName(t))
		bus.SetOscFreq(12_000_000)
		assert.ErrorIs(t, bus.Begin(true), cbus.ErrIllegalCrystal)
		assert.Equal(t, StateUninitialized, bus.State())
		assert.Equal(t, 0, f.count())
	})
	t.Run("buffers", func(t *testing.T) {
		f := &factory{}
		bus := NewBus(f.newChip, channelName(t))
		bus.SetNumBuffers(0, 0)
		assert.NotNil(t, bus.Begin(true))
		assert.Equal(t, StateUninitialized, bus.State())
	})
	t.Run("factory", func(t *testing.T) {
		f := &factory{err: errBoom}
		bus := NewBus(f.newChip, channelName(t))
		assert.ErrorIs(t, bus.Begin(true), errBoom)
		assert.Equal(t, StateUninitialized, bus.State())
	})
	t.Run("start", func(t *testing.T) {
		f := &factory{setup: func(c *loopback.Chip) { c.FailStart(errBoom) }}
		bus := NewBus(f.newChip, channelName(t))
		assert.ErrorIs(t, bus.Begin(false), errBoom)
		assert.Equal(t, StateUninitialized, bus.State())
		assert.False(t, bus.Available())
		assert.Equal(t, cbus.ErrInvalidState, bus.SendMessage(&cbus.Frame{}, false, false, cbus.DefaultPriority))
	})
	t.Run("mode", func(t *testing.T) {
		f := &factory{setup: func(c *loopback.Chip) { c.FailMode(errBoom) }}
		bus := NewBus(f.newChip, channelName(t))
		assert.ErrorIs(t, bus.Begin(true), errBoom)
		assert.Equal(t, StateUninitialized, bus.State())
	})
	t.Run("no signal", func(t *testing.T) {
		newChip := func(channel string) (cbus.Chip, error) {
			return noIrqChip{loopback.New(channel)}, nil
		}
		bus := NewBus(newChip, channelName(t))
		assert.Equal(t, cbus.ErrNoSignal, bus.Begin(false))
		assert.Equal(t, StateUninitialized, bus.State())
		// Polling does not need one
		assert.Nil(t, bus.Begin(true))
		assert.Nil(t, bus.Close())
	})
	t.Run("attach", func(t *testing.T) {
		f := &factory{}
		bus := NewBus(f.newChip, channelName(t))
		bus.SetSignal(&fakeSignal{err: errBoom})
		assert.ErrorIs(t, bus.Begin(false), errBoom)
		assert.Equal(t, StateUninitialized, bus.State())
	})
}

func TestExternalSignal(t *testing.T) {
	f := &factory{}
	signal := &fakeSignal{}
	bus := NewBus(f.newChip, channelName(t))
	bus.SetSignal(signal)
	require.Nil(t, bus.Begin(false))
	defer bus.Close()
	assert.Equal(t, 1, signal.attaches)
	assert.False(t, f.last().Line().Attached())

	f.last().Inject(cbus.NewFrame(0x22, 1))
	assert.False(t, bus.Available())
	signal.fire()
	assert.True(t, bus.Available())
	assert.EqualValues(t, 0x22, bus.GetNextMessage().ID)
	// Nothing pending
	signal.fire()
	assert.False(t, bus.Available())
}

func TestGetNextMessageEmpty(t *testing.T) {
	bus, _ := newTestBus(t, true)
	assert.Equal(t, cbus.Frame{}, bus.GetNextMessage())
	assert.EqualValues(t, 0, bus.Status().MessagesReceived)
	_, ok := bus.Peek()
	assert.False(t, ok)

	notStarted := NewBus((&factory{}).newChip, channelName(t))
	assert.Equal(t, cbus.Frame{}, notStarted.GetNextMessage())
	assert.EqualValues(t, 0, notStarted.InsertTime())
}

func TestInsertTime(t *testing.T) {
	bus, f := newTestBus(t, true)
	f.last().Inject(cbus.NewFrame(0x1))
	assert.True(t, bus.Available())
	ts := bus.InsertTime()
	assert.LessOrEqual(t, ts, fifo.Micros())
	assert.Equal(t, ts, bus.InsertTime())
}

func TestSendMessage(t *testing.T) {
	bus, f := newTestBus(t, true)
	bus.SetCanId(0x42)
	c := f.last()

	frame := cbus.NewFrame(0x123, 0x90, 0x00, 0x01, 0x00, 0x02)
	assert.Nil(t, bus.SendMessage(&frame, false, true, cbus.DefaultPriority))
	header := uint32(cbus.DefaultPriority)<<7 | 0x42
	assert.EqualValues(t, cbus.CanEffFlag|header, frame.ID)
	assert.True(t, frame.Ext)
	assert.False(t, frame.RTR)
	assert.Zero(t, frame.ID&cbus.CanRtrFlag)

	sent := c.Sent()
	require.Len(t, sent, 1)
	assert.EqualValues(t, frame.ID, sent[0].ID)
	assert.Equal(t, []byte{0x90, 0x00, 0x01, 0x00, 0x02}, sent[0].Payload())

	rtr := cbus.Frame{}
	assert.Nil(t, bus.SendMessage(&rtr, true, false, cbus.PriorityHigh))
	assert.EqualValues(t, cbus.CanRtrFlag|0x42, rtr.ID)
	assert.True(t, rtr.RTR)
	assert.False(t, rtr.Ext)

	// Default priority
	plain := cbus.NewFrame(0x7FF, 0x01)
	assert.Nil(t, bus.Send(&plain))
	assert.EqualValues(t, header, plain.ID)
	assert.EqualValues(t, 3, bus.Status().MessagesSent)

	assert.Equal(t, cbus.ErrIllegalArgument, bus.SendMessage(nil, false, false, 0))
}

func TestSendMessageFailure(t *testing.T) {
	bus, f := newTestBus(t, true)
	f.last().FailSend(errBoom)
	frame := cbus.NewFrame(0, 1, 2)
	assert.ErrorIs(t, bus.SendMessage(&frame, false, false, cbus.DefaultPriority), errBoom)
	status := bus.Status()
	assert.EqualValues(t, 0, status.MessagesSent)
	assert.EqualValues(t, 1, status.TxErrors)

	f.last().FailSend(nil)
	frame.Len = 9
	assert.ErrorIs(t, bus.SendMessage(&frame, false, false, cbus.DefaultPriority), cbus.ErrIllegalArgument)
	assert.EqualValues(t, 0, bus.Status().MessagesSent)
}

func TestReset(t *testing.T) {
	f := &factory{}
	bus := NewBus(f.newChip, channelName(t))
	bus.SetOscFreq(8_000_000)
	require.Nil(t, bus.Begin(false))
	defer bus.Close()
	first := f.last()
	first.Inject(cbus.NewFrame(0x1))
	assert.Eventually(t, bus.Available, time.Second, time.Millisecond)

	assert.Nil(t, bus.Reset())
	assert.Equal(t, StateReady, bus.State())
	assert.Equal(t, 2, f.count())
	second := f.last()
	assert.NotSame(t, first, second)
	assert.Equal(t, cbus.Crystal8MHz, second.Crystal())
	// Buffered frames are lost, interrupt mode is kept
	assert.False(t, bus.Available())
	assert.False(t, first.Line().Attached())
	assert.True(t, second.Line().Attached())

	second.Inject(cbus.NewFrame(0x2))
	assert.Eventually(t, bus.Available, time.Second, time.Millisecond)
	assert.EqualValues(t, 0x2, bus.GetNextMessage().ID)

	// Failing reset leaves the bus uninitialized
	f.setup = func(c *loopback.Chip) { c.FailStart(errBoom) }
	assert.ErrorIs(t, bus.Reset(), errBoom)
	assert.Equal(t, StateUninitialized, bus.State())
}

func TestQueueAndFlush(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		bus, _ := newTestBus(t, true)
		assert.Equal(t, cbus.ErrTxDisabled, bus.QueueMessage(cbus.NewFrame(0, 1), false, false, cbus.DefaultPriority))
		_, err := bus.FlushQueued()
		assert.Equal(t, cbus.ErrTxDisabled, err)
	})
	t.Run("flush", func(t *testing.T) {
		f := &factory{}
		bus := NewBus(f.newChip, channelName(t))
		bus.SetNumBuffers(4, 2)
		bus.SetCanId(5)
		require.Nil(t, bus.Begin(true))
		defer bus.Close()
		c := f.last()

		for i := byte(1); i <= 3; i++ {
			assert.Nil(t, bus.QueueMessage(cbus.NewFrame(0, i), false, false, cbus.PriorityLow))
		}
		status := bus.Status()
		assert.EqualValues(t, 1, status.Tx.Overflows)
		assert.Equal(t, 2, status.Tx.Occupancy)

		c.FailSend(errBoom)
		n, err := bus.FlushQueued()
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 0, n)
		assert.Equal(t, 2, bus.Status().Tx.Occupancy)

		c.FailSend(nil)
		n, err = bus.FlushQueued()
		assert.Nil(t, err)
		assert.Equal(t, 2, n)
		sent := c.Sent()
		require.Len(t, sent, 2)
		assert.Equal(t, []byte{2}, sent[0].Payload())
		assert.Equal(t, []byte{3}, sent[1].Payload())
		assert.EqualValues(t, uint32(cbus.PriorityLow)<<7|5, sent[0].ID)
		assert.EqualValues(t, 2, bus.Status().MessagesSent)
	})
}

func TestTwoBusesSameWire(t *testing.T) {
	channel := channelName(t)
	f1, f2 := &factory{}, &factory{}
	bus1 := NewBus(f1.newChip, channel)
	bus2 := NewBus(f2.newChip, channel)
	bus1.SetCanId(1)
	bus2.SetCanId(2)
	require.Nil(t, bus1.Begin(false))
	defer bus1.Close()
	require.Nil(t, bus2.Begin(false))
	defer bus2.Close()

	frame := cbus.NewFrame(0, 0x0D)
	assert.Nil(t, bus1.Send(&frame))
	assert.Eventually(t, bus2.Available, time.Second, time.Millisecond)
	received := bus2.GetNextMessage()
	assert.EqualValues(t, 1, cbus.CanIdFromHeader(received.ID))
	assert.EqualValues(t, cbus.DefaultPriority, cbus.PriorityFromHeader(received.ID))
	assert.False(t, bus1.Available())

	reply := cbus.NewFrame(0, 0x0E)
	assert.Nil(t, bus2.Send(&reply))
	assert.Eventually(t, bus1.Available, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, cbus.CanIdFromHeader(bus1.GetNextMessage().ID))
}

func TestNewBusFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Interface = "loopback"
	cfg.Channel = channelName(t)
	cfg.CanId = 9
	cfg.Priority = cbus.PriorityHigh
	cfg.TxBuffers = 2
	bus, err := NewBusFromConfig(cfg)
	require.Nil(t, err)
	require.Nil(t, bus.Begin(true))
	defer bus.Close()
	assert.Equal(t, 2, bus.Status().Tx.Capacity)

	frame := cbus.NewFrame(0, 1)
	assert.Nil(t, bus.Send(&frame))
	assert.EqualValues(t, 9, frame.ID)

	cfg.Interface = "unknown"
	_, err = NewBusFromConfig(cfg)
	assert.ErrorIs(t, err, cbus.ErrUnsupportedChip)
	cfg.Interface = "loopback"
	cfg.Crystal = 1
	_, err = NewBusFromConfig(cfg)
	assert.ErrorIs(t, err, cbus.ErrIllegalCrystal)
}

func TestClose(t *testing.T) {
	bus, f := newTestBus(t, false)
	assert.Nil(t, bus.Close())
	assert.Equal(t, StateUninitialized, bus.State())
	assert.False(t, f.last().Line().Attached())
	assert.Nil(t, bus.Close())
	frame := cbus.Frame{}
	assert.Equal(t, cbus.ErrInvalidState, bus.SendMessage(&frame, false, false, 0))
}
