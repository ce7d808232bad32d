// Package loopback implements an in memory CAN controller.
// Controllers opened on the same channel share a wire and receive each
// other's frames, it is mainly used for testing.
package loopback

import (
	"sync"

	cbus "github.com/samsamfire/gocbus"
	"github.com/samsamfire/gocbus/pkg/chip"
)

func init() {
	cbus.RegisterChip("loopback", NewChip)
}

// In memory bus shared by controllers of the same channel
type Wire struct {
	mu    sync.RWMutex
	chips map[*Chip]struct{}
}

var (
	wiresMu sync.Mutex
	wires   = make(map[string]*Wire)
)

// Get or create the wire of a channel
func WireFor(channel string) *Wire {
	wiresMu.Lock()
	defer wiresMu.Unlock()
	w, ok := wires[channel]
	if !ok {
		w = &Wire{chips: make(map[*Chip]struct{})}
		wires[channel] = w
	}
	return w
}

func (w *Wire) join(c *Chip) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chips[c] = struct{}{}
}

func (w *Wire) leave(c *Chip) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.chips, c)
}

func (w *Wire) broadcast(from *Chip, frame cbus.Frame) {
	w.mu.RLock()
	targets := make([]*Chip, 0, len(w.chips))
	for c := range w.chips {
		if c != from {
			targets = append(targets, c)
		}
	}
	w.mu.RUnlock()
	for _, c := range targets {
		c.Deliver(frame)
	}
}

type Chip struct {
	*chip.Mailbox
	wire       *Wire
	mu         sync.Mutex
	sent       []cbus.Frame
	receiveOwn bool
	failStart  error
	failMode   error
	failSend   error
}

func New(channel string) *Chip {
	return &Chip{Mailbox: chip.NewMailbox(), wire: WireFor(channel)}
}

func NewChip(channel string) (cbus.Chip, error) {
	return New(channel), nil
}

// "Start" implementation of Chip interface
func (c *Chip) Start(acceptance cbus.Acceptance, bitrate cbus.Bitrate, crystal cbus.Crystal) error {
	c.mu.Lock()
	failStart := c.failStart
	c.mu.Unlock()
	if failStart != nil {
		return failStart
	}
	if err := c.Mailbox.Start(acceptance, bitrate, crystal); err != nil {
		return err
	}
	c.wire.join(c)
	return nil
}

// "SetMode" implementation of Chip interface
func (c *Chip) SetMode(mode cbus.Mode) error {
	c.mu.Lock()
	failMode := c.failMode
	c.mu.Unlock()
	if failMode != nil {
		return failMode
	}
	return c.Mailbox.SetMode(mode)
}

// "Send" implementation of Chip interface
func (c *Chip) Send(id uint32, length uint8, data []byte) error {
	c.mu.Lock()
	failSend := c.failSend
	receiveOwn := c.receiveOwn
	c.mu.Unlock()
	if failSend != nil {
		c.TxError()
		return failSend
	}
	if err := c.CheckSend(length); err != nil {
		return err
	}
	frame := cbus.Frame{ID: id, Len: length}
	copy(frame.Data[:], data[:min(int(length), len(data))])
	frame.DecodeFlags()

	c.mu.Lock()
	c.sent = append(c.sent, frame)
	c.mu.Unlock()

	if c.Mode() == cbus.ModeLoopback {
		c.Loopback(frame)
		return nil
	}
	c.wire.broadcast(c, frame)
	if receiveOwn {
		c.Deliver(frame)
	}
	return nil
}

// "Close" implementation of Chip interface
func (c *Chip) Close() error {
	c.wire.leave(c)
	c.Stop()
	return nil
}

// Simulate a frame received from the bus
func (c *Chip) Inject(frame cbus.Frame) {
	c.Deliver(frame)
}

// Frames successfully sent by this controller
func (c *Chip) Sent() []cbus.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	sent := make([]cbus.Frame, len(c.sent))
	copy(sent, c.sent)
	return sent
}

// Also deliver sent frames to ourself
func (c *Chip) SetReceiveOwn(receiveOwn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveOwn = receiveOwn
}

// Make every following Start fail with err, nil to restore
func (c *Chip) FailStart(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failStart = err
}

// Make every following SetMode fail with err, nil to restore
func (c *Chip) FailMode(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failMode = err
}

// Make every following Send fail with err, nil to restore
func (c *Chip) FailSend(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = err
}
