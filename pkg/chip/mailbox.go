// Package chip contains the pieces shared by the emulated CAN controllers.
//
// The hosted backends (socketcan, virtual, loopback...) do not program any
// register, they reproduce the behaviour of the MCP2515 as seen by a CBUS
// transport: a two slot receive mailbox, error counters and flags, an
// operating mode and an active low data ready line.
package chip

import (
	"sync"

	cbus "github.com/samsamfire/gocbus"
)

// Number of receive buffers of the MCP2515 (RXB0 & RXB1)
const MailboxSize = 2

// Receive mailbox and error counters of an emulated controller
// Backends embed it and only implement Start, Send & Close themselves.
type Mailbox struct {
	mu       sync.Mutex
	slots    [MailboxSize]cbus.Frame
	count    int
	started  bool
	mode     cbus.Mode
	crystal  cbus.Crystal
	rxErrors uint8
	txErrors uint8
	flags    uint8
	line     *Line
}

func NewMailbox() *Mailbox {
	return &Mailbox{mode: cbus.ModeConfig, line: NewLine()}
}

// Validate start parameters and enter configuration mode
// Frames are only accepted once another mode is selected.
func (m *Mailbox) Start(acceptance cbus.Acceptance, bitrate cbus.Bitrate, crystal cbus.Crystal) error {
	if bitrate == 0 {
		return cbus.ErrIllegalBitrate
	}
	if acceptance > cbus.AcceptStdExt {
		return cbus.ErrIllegalArgument
	}
	if !cbus.ValidCrystal(crystal) {
		return cbus.ErrIllegalCrystal
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.crystal = crystal
	m.mode = cbus.ModeConfig
	m.count = 0
	m.rxErrors = 0
	m.txErrors = 0
	m.flags = 0
	return nil
}

// "SetMode" implementation of Chip interface
func (m *Mailbox) SetMode(mode cbus.Mode) error {
	switch mode {
	case cbus.ModeNormal, cbus.ModeSleep, cbus.ModeLoopback, cbus.ModeListenOnly, cbus.ModeConfig:
	default:
		return cbus.ErrIllegalArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return cbus.ErrInvalidState
	}
	m.mode = mode
	return nil
}

func (m *Mailbox) Mode() cbus.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Mailbox) Crystal() cbus.Crystal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crystal
}

// Check that the current mode allows transmission
func (m *Mailbox) CheckSend(length uint8) error {
	if length > 8 {
		return cbus.ErrIllegalArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return cbus.ErrInvalidState
	}
	switch m.mode {
	case cbus.ModeNormal, cbus.ModeLoopback:
		return nil
	}
	return cbus.ErrInvalidState
}

// Frame received from the bus, dropped if both slots are in use
func (m *Mailbox) Deliver(frame cbus.Frame) {
	m.mu.Lock()
	switch m.mode {
	case cbus.ModeNormal, cbus.ModeListenOnly:
	default:
		m.mu.Unlock()
		return
	}
	accepted := m.push(frame)
	m.mu.Unlock()
	if accepted {
		m.line.Assert()
	}
}

// Frame transmitted while in loopback mode
func (m *Mailbox) Loopback(frame cbus.Frame) {
	m.mu.Lock()
	accepted := m.push(frame)
	m.mu.Unlock()
	if accepted {
		m.line.Assert()
	}
}

func (m *Mailbox) push(frame cbus.Frame) bool {
	if m.count == MailboxSize {
		m.flags |= cbus.ErrFlagRx1Overflow
		if m.rxErrors < 255 {
			m.rxErrors++
		}
		return false
	}
	m.slots[m.count] = frame
	m.count++
	return true
}

// "Receive" implementation of Chip interface
func (m *Mailbox) Receive(frame *cbus.Frame) error {
	if frame == nil {
		return cbus.ErrIllegalArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		m.line.Release()
		return cbus.ErrNoMessage
	}
	*frame = m.slots[0]
	m.slots[0] = m.slots[1]
	m.count--
	if m.count == 0 {
		m.line.Release()
	}
	return nil
}

// Number of frames waiting in the mailbox
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Record a transmission error
func (m *Mailbox) TxError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txErrors < 255 {
		m.txErrors++
	}
	switch {
	case m.txErrors == 255:
		m.flags |= cbus.ErrFlagTxBusOff
	case m.txErrors >= 128:
		m.flags |= cbus.ErrFlagTxPassive
	case m.txErrors >= 96:
		m.flags |= cbus.ErrFlagTxWarning | cbus.ErrFlagWarning
	}
}

func (m *Mailbox) ErrorCountRX() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxErrors
}

func (m *Mailbox) ErrorCountTX() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txErrors
}

func (m *Mailbox) ErrorFlags() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// Data ready line of the controller
func (m *Mailbox) Interrupt() cbus.Signal {
	return m.line
}

// Same line, for backends that drive it themselves
func (m *Mailbox) Line() *Line {
	return m.line
}

// Mode allows reception of bus traffic
func (m *Mailbox) Receiving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && (m.mode == cbus.ModeNormal || m.mode == cbus.ModeListenOnly)
}

// Stop dispatching interrupts and go back to unstarted state
func (m *Mailbox) Stop() {
	_ = m.line.Detach()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	m.mode = cbus.ModeConfig
	m.count = 0
	m.line.Release()
}
