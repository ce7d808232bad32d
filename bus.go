package cbus

const (
	CanEffFlag uint32 = 0x80000000 // extended frame format
	CanRtrFlag uint32 = 0x40000000 // remote transmission request
	CanErrFlag uint32 = 0x20000000
	CanSffMask uint32 = 0x000007FF
	CanEffMask uint32 = 0x1FFFFFFF
)

// A CAN frame as seen by CBUS
// Ext and RTR mirror the high bits of ID, they are decoded on reception
// and set by SendMessage on transmission.
type Frame struct {
	ID   uint32
	Ext  bool
	RTR  bool
	Len  uint8
	Data [8]byte
}

func NewFrame(id uint32, data ...byte) Frame {
	frame := Frame{ID: id}
	frame.Len = uint8(copy(frame.Data[:], data))
	return frame
}

// Payload returns the valid part of Data
func (frame *Frame) Payload() []byte {
	n := frame.Len
	if n > 8 {
		n = 8
	}
	return frame.Data[:n]
}

// Decode extended & rtr flags from the identifier
func (frame *Frame) DecodeFlags() {
	frame.Ext = frame.ID&CanEffFlag == CanEffFlag
	frame.RTR = frame.ID&CanRtrFlag == CanRtrFlag
}

// CBUS transport abstraction, implemented by the different CAN controllers
type Transport interface {
	// At least one frame can be read with GetNextMessage
	Available() bool
	// Pop next received frame
	GetNextMessage() Frame
	// Build CBUS header and send frame
	SendMessage(frame *Frame, rtr bool, ext bool, priority uint8) error
	// Reset underlying controller
	Reset() error
}
