package cbus

// CBUS priorities, the 4 priority bits are made of 2 major and 2 minor bits
const (
	PriorityHigh    uint8 = 0x00
	PriorityAbove   uint8 = 0x04
	PriorityNormal  uint8 = 0x08
	PriorityLow     uint8 = 0x0C
	MinorHigh       uint8 = 0x00
	MinorAbove      uint8 = 0x01
	MinorNormal     uint8 = 0x02
	MinorLow        uint8 = 0x03
	DefaultPriority uint8 = PriorityNormal | MinorLow // 1011, low/medium
)

const (
	canIdMask    uint32 = 0x7F
	priorityMask uint32 = 0x0F
	priorityPos         = 7
)

// Build the 11 bit CBUS header of a frame
// The header is made of 4 priority bits followed by the 7 bit CAN ID of the sender.
// Any previous identifier value (flags included) is overwritten.
func MakeHeader(frame *Frame, canId uint8, priority uint8) {
	frame.ID = (uint32(priority)&priorityMask)<<priorityPos | uint32(canId)&canIdMask
	frame.Ext = false
	frame.RTR = false
}

// Extract CAN ID of the sender from a standard CBUS header
func CanIdFromHeader(id uint32) uint8 {
	return uint8(id & canIdMask)
}

// Extract priority bits from a standard CBUS header
func PriorityFromHeader(id uint32) uint8 {
	return uint8((id >> priorityPos) & priorityMask)
}
