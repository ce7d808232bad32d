package cbus

import (
	"fmt"
	"sort"
)

// Receive acceptance mode passed to Chip.Start
type Acceptance uint8

const (
	AcceptAny      Acceptance = 0 // filters & masks disabled
	AcceptStandard Acceptance = 1
	AcceptExtended Acceptance = 2
	AcceptStdExt   Acceptance = 3
)

// Operating mode of the controller
type Mode uint8

const (
	ModeNormal     Mode = 0x00
	ModeSleep      Mode = 0x20
	ModeLoopback   Mode = 0x40
	ModeListenOnly Mode = 0x60
	ModeConfig     Mode = 0x80
)

func (mode Mode) String() string {
	switch mode {
	case ModeNormal:
		return "normal"
	case ModeSleep:
		return "sleep"
	case ModeLoopback:
		return "loopback"
	case ModeListenOnly:
		return "listen-only"
	case ModeConfig:
		return "config"
	}
	return fmt.Sprintf("unknown(0x%x)", uint8(mode))
}

// CAN bitrate in bits per second
type Bitrate uint32

// CBUS always runs at 125kbit/s
const Bitrate125k Bitrate = 125_000

// Oscillator profile of the controller
type Crystal uint8

const (
	Crystal8MHz Crystal = iota + 1
	Crystal16MHz
	Crystal20MHz
)

// Default crystal frequency in Hz
const DefaultOscFreq uint32 = 16_000_000

// Map a crystal frequency in Hz to its profile
func CrystalFromHz(hz uint32) (Crystal, error) {
	switch hz {
	case 8_000_000:
		return Crystal8MHz, nil
	case 16_000_000:
		return Crystal16MHz, nil
	case 20_000_000:
		return Crystal20MHz, nil
	}
	return 0, ErrIllegalCrystal
}

func ValidCrystal(crystal Crystal) bool {
	return crystal >= Crystal8MHz && crystal <= Crystal20MHz
}

func (crystal Crystal) Hz() uint32 {
	switch crystal {
	case Crystal8MHz:
		return 8_000_000
	case Crystal16MHz:
		return 16_000_000
	case Crystal20MHz:
		return 20_000_000
	}
	return 0
}

// Error flags reported by Chip.ErrorFlags, same layout as EFLG register
const (
	ErrFlagRx0Overflow = 0x40
	ErrFlagRx1Overflow = 0x80
	ErrFlagTxBusOff    = 0x20
	ErrFlagTxPassive   = 0x10
	ErrFlagRxPassive   = 0x08
	ErrFlagTxWarning   = 0x04
	ErrFlagRxWarning   = 0x02
	ErrFlagWarning     = 0x01
)

// A CAN controller chip as consumed by a CBUS transport
// Implementations only need to report coarse errors.
type Chip interface {
	Start(acceptance Acceptance, bitrate Bitrate, crystal Crystal) error
	SetMode(mode Mode) error
	Send(id uint32, length uint8, data []byte) error
	// Read one pending frame, ErrNoMessage if nothing is pending
	Receive(frame *Frame) error
	ErrorCountRX() uint8
	ErrorCountTX() uint8
	ErrorFlags() uint8
	Close() error
}

// An edge triggered, active low, signal line
// The handler is called on every falling edge, from its own goroutine.
type Signal interface {
	Attach(handler func()) error
	Detach() error
}

// Chips that drive a data ready line
type Interrupter interface {
	Interrupt() Signal
}

type NewChipFunc func(channel string) (Chip, error)

var chipRegistry = make(map[string]NewChipFunc)

// Register a new chip interface type
// This should be called inside an init() function of plugin
func RegisterChip(chipType string, newChip NewChipFunc) {
	chipRegistry[chipType] = newChip
}

// Lookup the constructor of a registered chip interface
func ChipConstructor(chipType string) (NewChipFunc, error) {
	newChip, ok := chipRegistry[chipType]
	if !ok {
		return nil, fmt.Errorf("%w : %v", ErrUnsupportedChip, chipType)
	}
	return newChip, nil
}

// Create a new chip with given interface
func NewChip(chipType string, channel string) (Chip, error) {
	newChip, err := ChipConstructor(chipType)
	if err != nil {
		return nil, err
	}
	return newChip(channel)
}

// Names of the currently registered chip interfaces
func RegisteredChips() []string {
	names := make([]string, 0, len(chipRegistry))
	for name := range chipRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
