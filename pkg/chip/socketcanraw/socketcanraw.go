//go:build linux

package socketcanraw

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	cbus "github.com/samsamfire/gocbus"
	"github.com/samsamfire/gocbus/pkg/chip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Controller reached through a non blocking raw socketcan socket
// Receive reads the socket directly which suits polling mode, the data
// ready line is driven by a goroutine waiting on the socket.

const canFrameSize = 16

// Poll timeout in milliseconds
const pollTimeout = 100

func init() {
	cbus.RegisterChip("socketcanraw", NewChip)
}

// CANFrame represents the structure of a CAN frame, matching the C layout.
type CANFrame struct {
	ID   uint32
	Len  uint8
	_    [3]uint8 // Padding
	Data [8]uint8
}

type Chip struct {
	*chip.Mailbox
	mu      sync.Mutex
	channel string
	fd      int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *log.Entry
}

func NewChip(channel string) (cbus.Chip, error) {
	return &Chip{
		Mailbox: chip.NewMailbox(),
		channel: channel,
		fd:      -1,
		logger:  log.WithFields(log.Fields{"chip": "socketcanraw", "channel": channel}),
	}, nil
}

// "Start" implementation of Chip interface
// This expects the CAN channel to be up.
func (c *Chip) Start(acceptance cbus.Acceptance, bitrate cbus.Bitrate, crystal cbus.Crystal) error {
	if err := c.Mailbox.Start(acceptance, bitrate, crystal); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd >= 0 {
		return nil
	}
	iface, err := net.InterfaceByName(c.channel)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("failed to create CAN socket : %v", err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to set non blocking mode : %v", err)
	}
	c.fd = fd
	var ctx context.Context
	ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watch(ctx, fd)
	}()
	c.logger.Debugf("started, bitrate %v, crystal %vHz", bitrate, crystal.Hz())
	return nil
}

// "Receive" implementation of Chip interface
func (c *Chip) Receive(frame *cbus.Frame) error {
	if frame == nil {
		return cbus.ErrIllegalArgument
	}
	c.mu.Lock()
	fd := c.fd
	c.mu.Unlock()
	// Loopback frames are kept in the mailbox
	if c.Mailbox.Receive(frame) == nil {
		return nil
	}
	if fd < 0 || !c.Receiving() {
		return cbus.ErrNoMessage
	}
	var canFrame CANFrame
	rawData := (*(*[canFrameSize]byte)(unsafe.Pointer(&canFrame)))[:]
	n, err := unix.Read(fd, rawData)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		c.Line().Release()
		return cbus.ErrNoMessage
	}
	if err != nil {
		return err
	}
	if n != canFrameSize {
		return fmt.Errorf("%w : short read %v", cbus.ErrNoMessage, n)
	}
	*frame = cbus.Frame{ID: canFrame.ID, Len: canFrame.Len, Data: canFrame.Data}
	frame.DecodeFlags()
	return nil
}

// "Send" implementation of Chip interface
func (c *Chip) Send(id uint32, length uint8, data []byte) error {
	if err := c.CheckSend(length); err != nil {
		return err
	}
	canFrame := &CANFrame{ID: id, Len: length}
	copy(canFrame.Data[:], data[:min(int(length), len(data))])
	if c.Mode() == cbus.ModeLoopback {
		frame := cbus.Frame{ID: id, Len: length, Data: canFrame.Data}
		frame.DecodeFlags()
		c.Loopback(frame)
		return nil
	}
	c.mu.Lock()
	fd := c.fd
	c.mu.Unlock()
	if fd < 0 {
		return cbus.ErrNotConnected
	}
	rawData := (*(*[canFrameSize]byte)(unsafe.Pointer(canFrame)))[:]
	n, err := unix.Write(fd, rawData)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS) {
		c.TxError()
		return cbus.ErrTxBusy
	}
	if err != nil || n != canFrameSize {
		c.TxError()
		return fmt.Errorf("failed to write frame (%v bytes) : %v", n, err)
	}
	return nil
}

// "Close" implementation of Chip interface
func (c *Chip) Close() error {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		c.cancel = nil
	}
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// Enable own reception on the bus
func (c *Chip) SetReceiveOwn(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return cbus.ErrNotConnected
	}
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	return unix.SetsockoptInt(c.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}

// Add some filtering to CAN bus
func (c *Chip) SetFilters(filters []unix.CanFilter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return cbus.ErrNotConnected
	}
	return unix.SetsockoptCanRawFilter(c.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}

// Drive the data ready line when the socket becomes readable
func (c *Chip) watch(ctx context.Context, fd int) {
	line := c.Line()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// Line is still low, reader has not drained the socket yet
		if line.Low() || !c.Receiving() {
			time.Sleep(time.Millisecond)
			continue
		}
		n, err := unix.Poll(fds, pollTimeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			c.logger.Errorf("poll failed, interrupt line stopped : %v", err)
			return
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			line.Assert()
		}
	}
}
