// Package mcp2515 implements a CBUS transport on top of an MCP2515 CAN controller.
//
// Received frames are moved from the controller to a circular buffer either
// by the controller's data ready line, or synchronously by Available when
// polling. The application then consumes them with GetNextMessage.
package mcp2515

import (
	"fmt"
	"sync"
	"sync/atomic"

	cbus "github.com/samsamfire/gocbus"
	"github.com/samsamfire/gocbus/pkg/config"
	"github.com/samsamfire/gocbus/pkg/fifo"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultRxBuffers = 4
	DefaultTxBuffers = 0
)

type State uint8

const (
	StateUninitialized State = iota
	StateReady
)

func (state State) String() string {
	if state == StateReady {
		return "ready"
	}
	return "uninitialized"
}

// Bus status instrumentation
type Status struct {
	MessagesReceived uint32
	MessagesSent     uint32
	RxErrors         uint8
	TxErrors         uint8
	ErrorFlags       uint8
	Rx               fifo.Stats
	Tx               fifo.Stats
}

// CBUS transport using an MCP2515 controller
type Bus struct {
	logger   *log.Entry
	mu       sync.Mutex
	newChip  cbus.NewChipFunc
	channel  string
	chip     cbus.Chip
	signal   cbus.Signal
	attached cbus.Signal
	rx       *fifo.Fifo
	tx       *fifo.Fifo
	rxFrame  cbus.Frame
	state    State
	poll     bool
	oscFreq  uint32
	numRx    int
	numTx    int
	canId    uint8
	priority uint8
	received atomic.Uint32
	sent     atomic.Uint32
}

var _ cbus.Transport = (*Bus)(nil)

// Create a new transport, newChip is used to create the controller on
// every Begin or Reset
func NewBus(newChip cbus.NewChipFunc, channel string) *Bus {
	return &Bus{
		logger:   log.WithFields(log.Fields{"component": "mcp2515", "channel": channel}),
		newChip:  newChip,
		channel:  channel,
		oscFreq:  cbus.DefaultOscFreq,
		numRx:    DefaultRxBuffers,
		numTx:    DefaultTxBuffers,
		priority: cbus.DefaultPriority,
	}
}

// Create a new transport from configuration, the chip interface must be registered
func NewBusFromConfig(cfg config.Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	newChip, err := cbus.ChipConstructor(cfg.Interface)
	if err != nil {
		return nil, err
	}
	bus := NewBus(newChip, cfg.Channel)
	bus.SetNumBuffers(cfg.RxBuffers, cfg.TxBuffers)
	bus.SetOscFreq(cfg.Crystal)
	bus.SetCanId(cfg.CanId)
	bus.SetPriority(cfg.Priority)
	return bus, nil
}

// Set the number of receive & transmit buffers
// This can be tuned according to bus load and available memory.
// Takes effect on next Begin.
func (b *Bus) SetNumBuffers(rx int, tx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.numRx = rx
	b.numTx = tx
}

// Set the controller crystal frequency in Hz
// Default is 16MHz but some modules have an 8MHz or 20MHz crystal.
func (b *Bus) SetOscFreq(hz uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.oscFreq = hz
}

// CBUS CAN ID used when building frame headers
func (b *Bus) SetCanId(canId uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canId = canId
}

// Priority used by Send
func (b *Bus) SetPriority(priority uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.priority = priority
}

// Use another data ready signal than the one of the chip
func (b *Bus) SetSignal(signal cbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signal = signal
}

func (b *Bus) SetLogger(logger *log.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger.WithFields(log.Fields{"component": "mcp2515", "channel": b.channel})
}

// Initialise the controller and buffers
// When poll is false, reception is driven by the controller's data ready signal.
func (b *Bus) Begin(poll bool) error {
	if b.State() == StateReady {
		_ = b.Close()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.poll = poll
	b.received.Store(0)
	b.sent.Store(0)

	rx, err := fifo.New(b.numRx)
	if err != nil {
		return fmt.Errorf("failed to create rx buffer : %w", err)
	}
	var tx *fifo.Fifo
	// Transmit buffer is optional
	if b.numTx > 0 {
		tx, err = fifo.New(b.numTx)
		if err != nil {
			return fmt.Errorf("failed to create tx buffer : %w", err)
		}
	}
	crystal, err := cbus.CrystalFromHz(b.oscFreq)
	if err != nil {
		return fmt.Errorf("%w : %v", err, b.oscFreq)
	}
	chip, err := b.newChip(b.channel)
	if err != nil {
		return fmt.Errorf("failed to create chip : %w", err)
	}
	if err := chip.Start(cbus.AcceptAny, cbus.Bitrate125k, crystal); err != nil {
		_ = chip.Close()
		return fmt.Errorf("error from chip start : %w", err)
	}
	if err := chip.SetMode(cbus.ModeNormal); err != nil {
		_ = chip.Close()
		return fmt.Errorf("error setting chip mode : %w", err)
	}
	b.chip = chip
	b.rx = rx
	b.tx = tx

	if !poll {
		signal := b.signal
		if signal == nil {
			if interrupter, ok := chip.(cbus.Interrupter); ok {
				signal = interrupter.Interrupt()
			}
		}
		if signal == nil {
			b.chip = nil
			_ = chip.Close()
			return cbus.ErrNoSignal
		}
		// Handler runs once Begin has released the lock
		if err := signal.Attach(b.produce); err != nil {
			b.chip = nil
			_ = chip.Close()
			return fmt.Errorf("failed to attach signal : %w", err)
		}
		b.attached = signal
	}
	b.state = StateReady
	b.logger.Infof("started, crystal %vHz, %v rx buffers, %v tx buffers, polling %v", b.oscFreq, b.numRx, b.numTx, poll)
	return nil
}

// Return true if one or more frames are waiting in the receive buffer
// In polling mode, one frame is first read from the controller.
func (b *Bus) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReady {
		return false
	}
	if b.poll {
		b.produceLocked()
	}
	return b.rx.Available()
}

// Pop the next received frame
// Available must be called first, an empty Frame is returned otherwise.
func (b *Bus) GetNextMessage() cbus.Frame {
	rx := b.rxBuffer()
	if rx == nil {
		return cbus.Frame{}
	}
	entry, ok := rx.Get()
	if !ok {
		return cbus.Frame{}
	}
	b.received.Add(1)
	return entry.Frame
}

// Look at the next received frame without removing it
func (b *Bus) Peek() (cbus.Frame, bool) {
	rx := b.rxBuffer()
	if rx == nil {
		return cbus.Frame{}, false
	}
	entry, ok := rx.Peek()
	return entry.Frame, ok
}

// Reception time of the next frame in microseconds, see fifo.Micros
func (b *Bus) InsertTime() uint32 {
	rx := b.rxBuffer()
	if rx == nil {
		return 0
	}
	return rx.InsertTime()
}

// Build the CBUS header and send the frame
// The caller populates the frame data, header (CAN ID and priority bits)
// and flags are set by this method. There is no retry on failure.
func (b *Bus) SendMessage(frame *cbus.Frame, rtr bool, ext bool, priority uint8) error {
	if frame == nil {
		return cbus.ErrIllegalArgument
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReady {
		return cbus.ErrInvalidState
	}
	b.encode(frame, rtr, ext, priority)
	if err := b.chip.Send(frame.ID, frame.Len, frame.Data[:]); err != nil {
		b.logger.Debugf("failed to send frame x%x : %v", frame.ID, err)
		return fmt.Errorf("failed to send frame : %w", err)
	}
	b.sent.Add(1)
	return nil
}

// Send a standard data frame with the configured priority
func (b *Bus) Send(frame *cbus.Frame) error {
	b.mu.Lock()
	priority := b.priority
	b.mu.Unlock()
	return b.SendMessage(frame, false, false, priority)
}

// Encode the frame and store it in the transmit buffer
// Oldest queued frame is overwritten when the buffer is full.
func (b *Bus) QueueMessage(frame cbus.Frame, rtr bool, ext bool, priority uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReady {
		return cbus.ErrInvalidState
	}
	if b.tx == nil {
		return cbus.ErrTxDisabled
	}
	b.encode(&frame, rtr, ext, priority)
	b.tx.Put(frame)
	return nil
}

// Send queued frames in order, returns the number of frames sent
// A frame is only removed from the buffer once the controller accepted it.
func (b *Bus) FlushQueued() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReady {
		return 0, cbus.ErrInvalidState
	}
	if b.tx == nil {
		return 0, cbus.ErrTxDisabled
	}
	sent := 0
	for {
		entry, ok := b.tx.Peek()
		if !ok {
			return sent, nil
		}
		if err := b.chip.Send(entry.Frame.ID, entry.Frame.Len, entry.Frame.Data[:]); err != nil {
			return sent, fmt.Errorf("failed to send queued frame : %w", err)
		}
		b.tx.Get()
		b.sent.Add(1)
		sent++
	}
}

// Reset the controller and re-initialise with the previous parameters
// Buffered frames are lost.
func (b *Bus) Reset() error {
	b.mu.Lock()
	poll := b.poll
	b.mu.Unlock()
	if err := b.Close(); err != nil {
		b.logger.Warnf("error closing chip during reset : %v", err)
	}
	b.logger.Info("resetting controller")
	return b.Begin(poll)
}

// Stop reception and release the controller
func (b *Bus) Close() error {
	b.mu.Lock()
	signal := b.attached
	b.attached = nil
	b.mu.Unlock()
	// Not holding the lock, the handler may be waiting for it
	if signal != nil {
		_ = signal.Detach()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateUninitialized
	if b.chip == nil {
		return nil
	}
	err := b.chip.Close()
	b.chip = nil
	return err
}

func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bus) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := Status{
		MessagesReceived: b.received.Load(),
		MessagesSent:     b.sent.Load(),
	}
	if b.chip != nil {
		status.RxErrors = b.chip.ErrorCountRX()
		status.TxErrors = b.chip.ErrorCountTX()
		status.ErrorFlags = b.chip.ErrorFlags()
	}
	if b.rx != nil {
		status.Rx = b.rx.Stats()
	}
	if b.tx != nil {
		status.Tx = b.tx.Stats()
	}
	return status
}

// Read one frame from the controller into the receive buffer
// This is the data ready handler, nothing is done if no frame is pending.
func (b *Bus) produce() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.produceLocked()
}

func (b *Bus) produceLocked() {
	if b.state != StateReady {
		return
	}
	if err := b.chip.Receive(&b.rxFrame); err != nil {
		return
	}
	b.rxFrame.DecodeFlags()
	b.rx.Put(b.rxFrame)
}

func (b *Bus) encode(frame *cbus.Frame, rtr bool, ext bool, priority uint8) {
	cbus.MakeHeader(frame, b.canId, priority)
	if ext {
		frame.ID |= cbus.CanEffFlag
		frame.Ext = true
	}
	if rtr {
		frame.ID |= cbus.CanRtrFlag
		frame.RTR = true
	}
}

func (b *Bus) rxBuffer() *fifo.Fifo {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReady {
		return nil
	}
	return b.rx
}
