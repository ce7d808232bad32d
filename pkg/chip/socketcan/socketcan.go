package socketcan

import (
	"sync"

	sockcan "github.com/brutella/can"
	cbus "github.com/samsamfire/gocbus"
	"github.com/samsamfire/gocbus/pkg/chip"
	log "github.com/sirupsen/logrus"
)

// Controller reached through socketcan, it uses the implementation
// that can be found here : https://github.com/brutella/can
// On a Raspberry Pi the MCP2515 is exposed by the mcp251x kernel driver,
// bitrate & oscillator are then configured by the kernel (ip link) and
// are only checked here.

func init() {
	cbus.RegisterChip("socketcan", NewChip)
}

type Chip struct {
	*chip.Mailbox
	mu      sync.Mutex
	channel string
	bus     *sockcan.Bus
	logger  *log.Entry
}

func NewChip(channel string) (cbus.Chip, error) {
	return &Chip{
		Mailbox: chip.NewMailbox(),
		channel: channel,
		logger:  log.WithFields(log.Fields{"chip": "socketcan", "channel": channel}),
	}, nil
}

// "Start" implementation of Chip interface
func (c *Chip) Start(acceptance cbus.Acceptance, bitrate cbus.Bitrate, crystal cbus.Crystal) error {
	if err := c.Mailbox.Start(acceptance, bitrate, crystal); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus != nil {
		return nil
	}
	bus, err := sockcan.NewBusForInterfaceWithName(c.channel)
	if err != nil {
		return err
	}
	c.bus = bus
	// brutella/can defines a "Handle" interface for handling received CAN frames
	c.bus.Subscribe(c)
	go func() {
		err := bus.ConnectAndPublish()
		if err != nil {
			c.logger.Warnf("reception stopped : %v", err)
		}
	}()
	c.logger.Debugf("started, bitrate %v, crystal %vHz", bitrate, crystal.Hz())
	return nil
}

// "Send" implementation of Chip interface
func (c *Chip) Send(id uint32, length uint8, data []byte) error {
	if err := c.CheckSend(length); err != nil {
		return err
	}
	frame := sockcan.Frame{ID: id, Length: length}
	copy(frame.Data[:], data[:min(int(length), len(data))])
	if c.Mode() == cbus.ModeLoopback {
		c.Loopback(fromSocketcan(frame))
		return nil
	}
	c.mu.Lock()
	bus := c.bus
	c.mu.Unlock()
	if bus == nil {
		return cbus.ErrNotConnected
	}
	err := bus.Publish(frame)
	if err != nil {
		c.TxError()
	}
	return err
}

// brutella/can specific "Handle" implementation
func (c *Chip) Handle(frame sockcan.Frame) {
	c.Deliver(fromSocketcan(frame))
}

// "Close" implementation of Chip interface
func (c *Chip) Close() error {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return nil
	}
	c.bus.Unsubscribe(c)
	err := c.bus.Disconnect()
	c.bus = nil
	return err
}

// Convert brutella frame to cbus frame
func fromSocketcan(frame sockcan.Frame) cbus.Frame {
	f := cbus.Frame{ID: frame.ID, Len: frame.Length, Data: frame.Data}
	f.DecodeFlags()
	return f
}
