// Package config loads the transport settings from an .ini file
//
//	[cbus]
//	interface = socketcan
//	channel = can0
//	can_id = 100
//	priority = 11
//	poll = false
//
//	[mcp2515]
//	crystal = 16000000
//	rx_buffers = 4
//	tx_buffers = 0
package config

import (
	"fmt"
	"io"

	cbus "github.com/samsamfire/gocbus"
	"gopkg.in/ini.v1"
)

const (
	SectionCbus    = "cbus"
	SectionMcp2515 = "mcp2515"
)

const (
	DefaultInterface = "socketcan"
	DefaultChannel   = "can0"
	DefaultRxBuffers = 4
	DefaultTxBuffers = 0
)

type Config struct {
	Interface string // Registered chip interface e.g. socketcan, virtual
	Channel   string // Channel of the interface e.g. can0, localhost:18888
	CanId     uint8  // CBUS CAN ID of this node (1-127)
	Priority  uint8  // Default priority of sent frames
	Poll      bool   // Use polling instead of interrupt line
	Crystal   uint32 // Oscillator frequency in Hz
	RxBuffers int
	TxBuffers int
}

func Default() Config {
	return Config{
		Interface: DefaultInterface,
		Channel:   DefaultChannel,
		Priority:  cbus.DefaultPriority,
		Crystal:   cbus.DefaultOscFreq,
		RxBuffers: DefaultRxBuffers,
		TxBuffers: DefaultTxBuffers,
	}
}

// Load configuration from a file path
func Load(path string) (Config, error) {
	return Parse(path)
}

// Parse configuration
// file can be either a path, an io.Reader or []byte, missing keys keep their default value
func Parse(file any) (Config, error) {
	cfg := Default()
	iniFile, err := ini.Load(file)
	if err != nil {
		return cfg, err
	}
	section := iniFile.Section(SectionCbus)
	cfg.Interface = section.Key("interface").MustString(cfg.Interface)
	cfg.Channel = section.Key("channel").MustString(cfg.Channel)
	cfg.Poll = section.Key("poll").MustBool(cfg.Poll)
	canId := section.Key("can_id").MustUint(uint(cfg.CanId))
	priority := section.Key("priority").MustUint(uint(cfg.Priority))

	section = iniFile.Section(SectionMcp2515)
	cfg.Crystal = uint32(section.Key("crystal").MustUint(uint(cfg.Crystal)))
	cfg.RxBuffers = section.Key("rx_buffers").MustInt(cfg.RxBuffers)
	cfg.TxBuffers = section.Key("tx_buffers").MustInt(cfg.TxBuffers)

	if canId > 127 {
		return cfg, fmt.Errorf("%w : can_id %v out of range", cbus.ErrIllegalArgument, canId)
	}
	if priority > 0x0F {
		return cfg, fmt.Errorf("%w : priority %v out of range", cbus.ErrIllegalArgument, priority)
	}
	cfg.CanId = uint8(canId)
	cfg.Priority = uint8(priority)
	return cfg, cfg.Validate()
}

// Check values that would make the transport fail on start
func (cfg Config) Validate() error {
	if _, err := cbus.CrystalFromHz(cfg.Crystal); err != nil {
		return fmt.Errorf("%w : %v", err, cfg.Crystal)
	}
	if cfg.RxBuffers < 1 {
		return fmt.Errorf("%w : rx_buffers must be at least 1", cbus.ErrIllegalArgument)
	}
	if cfg.TxBuffers < 0 {
		return fmt.Errorf("%w : tx_buffers must be positive", cbus.ErrIllegalArgument)
	}
	if cfg.Interface == "" {
		return fmt.Errorf("%w : empty interface", cbus.ErrIllegalArgument)
	}
	return nil
}

// Export configuration in .ini format
func (cfg Config) Export(w io.Writer) error {
	iniFile := ini.Empty()
	section := iniFile.Section(SectionCbus)
	section.Key("interface").SetValue(cfg.Interface)
	section.Key("channel").SetValue(cfg.Channel)
	section.Key("can_id").SetValue(fmt.Sprint(cfg.CanId))
	section.Key("priority").SetValue(fmt.Sprint(cfg.Priority))
	section.Key("poll").SetValue(fmt.Sprint(cfg.Poll))
	section = iniFile.Section(SectionMcp2515)
	section.Key("crystal").SetValue(fmt.Sprint(cfg.Crystal))
	section.Key("rx_buffers").SetValue(fmt.Sprint(cfg.RxBuffers))
	section.Key("tx_buffers").SetValue(fmt.Sprint(cfg.TxBuffers))
	_, err := iniFile.WriteTo(w)
	return err
}
