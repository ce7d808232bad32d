package virtual

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	cbus "github.com/samsamfire/gocbus"
	"github.com/samsamfire/gocbus/pkg/chip"
	log "github.com/sirupsen/logrus"
)

// Virtual CAN controller with TCP primarily used for testing
// This needs a broker server to send CAN frames to all connected clients
// More information : https://github.com/windelbouwman/virtualcan

func init() {
	cbus.RegisterChip("virtual", NewChip)
	cbus.RegisterChip("virtualcan", NewChip)
}

// Frame layout expected by the broker
type wireFrame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

type Chip struct {
	*chip.Mailbox
	logger        *log.Entry
	mu            sync.Mutex
	channel       string
	conn          net.Conn
	receiveOwn    bool
	stopChan      chan struct{}
	wg            sync.WaitGroup
	errSubscriber bool
}

func NewChip(channel string) (cbus.Chip, error) {
	return New(channel), nil
}

func New(channel string) *Chip {
	return &Chip{
		Mailbox: chip.NewMailbox(),
		logger:  log.WithFields(log.Fields{"chip": "virtual", "channel": channel}),
		channel: channel,
	}
}

// Helper function for serializing a CAN frame into the expected binary format
func serializeFrame(frame cbus.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	err := binary.Write(buffer, binary.BigEndian, wireFrame{ID: frame.ID, DLC: frame.Len, Data: frame.Data})
	if err != nil {
		return nil, err
	}
	dataBytes := buffer.Bytes()
	frameBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(frameBytes, uint32(len(dataBytes)))
	frameBytes = append(frameBytes, dataBytes...)
	return frameBytes, nil
}

// Helper function for deserializing a CAN frame from expected binary format
func deserializeFrame(buffer []byte) (*cbus.Frame, error) {
	var wf wireFrame
	buf := bytes.NewBuffer(buffer)
	err := binary.Read(buf, binary.BigEndian, &wf)
	if err != nil {
		return nil, err
	}
	frame := &cbus.Frame{ID: wf.ID, Len: wf.DLC, Data: wf.Data}
	frame.DecodeFlags()
	return frame, nil
}

// "Start" implementation of Chip interface
// Connect to server e.g. localhost:18000 and start receiving
func (c *Chip) Start(acceptance cbus.Acceptance, bitrate cbus.Bitrate, crystal cbus.Crystal) error {
	if err := c.Mailbox.Start(acceptance, bitrate, crystal); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := net.Dial("tcp", c.channel)
	if err != nil {
		return err
	}
	c.conn = conn
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		err := tcpConn.SetNoDelay(true)
		if err != nil {
			return err
		}
	}
	// Start go routine that receives incoming traffic and passes it to the mailbox
	c.wg.Add(1)
	c.stopChan = make(chan struct{})
	c.errSubscriber = false
	go c.handleReception(c.stopChan)
	return nil
}

// "Close" implementation of Chip interface
func (c *Chip) Close() error {
	c.Stop()
	c.mu.Lock()
	stopChan := c.stopChan
	c.stopChan = nil
	c.mu.Unlock()
	if stopChan != nil {
		close(stopChan)
		c.wg.Wait()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// "Send" implementation of Chip interface
func (c *Chip) Send(id uint32, length uint8, data []byte) error {
	if err := c.CheckSend(length); err != nil {
		return err
	}
	frame := cbus.Frame{ID: id, Len: length}
	copy(frame.Data[:], data[:min(int(length), len(data))])
	frame.DecodeFlags()
	if c.Mode() == cbus.ModeLoopback {
		c.Loopback(frame)
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	receiveOwn := c.receiveOwn
	broken := c.errSubscriber
	c.mu.Unlock()
	// Local loopback
	if receiveOwn {
		c.Deliver(frame)
	}
	if conn == nil || broken {
		if receiveOwn {
			return nil
		}
		return cbus.ErrNotConnected
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err = conn.Write(frameBytes)
	if err != nil {
		c.TxError()
	}
	return err
}

// Receive new CAN message from the broker
func (c *Chip) recv() (*cbus.Frame, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("error : no active connection, abort receive")
	}
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	headerBytes := make([]byte, 4)
	n, err := conn.Read(headerBytes)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, err
	}
	if n < 4 || err != nil {
		return nil, fmt.Errorf("error deserializing : expected %v, got %v, err : %v", 4, n, err)
	}
	length := binary.BigEndian.Uint32(headerBytes)
	frameBytes := make([]byte, length)
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err = conn.Read(frameBytes)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, err
	}
	if n != int(length) || err != nil {
		return nil, fmt.Errorf("error deserializing : expected %v, got %v", length, n)
	}
	return deserializeFrame(frameBytes)
}

// Handle incoming traffic
func (c *Chip) handleReception(stopChan <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stopChan:
			return
		default:
			frame, err := c.recv()
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// No message received, this is OK
			} else if err != nil {
				c.logger.Errorf("listening routine has closed because : %v", err)
				c.mu.Lock()
				c.errSubscriber = true
				c.mu.Unlock()
				return
			} else {
				c.Deliver(*frame)
			}
		}
	}
}

func (c *Chip) SetReceiveOwn(receiveOwn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveOwn = receiveOwn
}
