// Package fifo implements a fixed capacity circular buffer of CAN frames.
//
// A put never fails: when the buffer is full the oldest unread frame is
// overwritten and the overflow counter is incremented. This allows a
// producer running from a signal handler to always deposit a frame
// without waiting for the consumer.
package fifo

import (
	"errors"
	"sync"
	"time"

	cbus "github.com/samsamfire/gocbus"
)

var ErrCapacity = errors.New("fifo capacity must be at least 1")

// A frame with the time at which it was put in the buffer
type Entry struct {
	Frame      cbus.Frame
	InsertTime uint32
}

// Age of the entry in microseconds relative to now
// Unsigned arithmetic handles the wraparound of the microsecond clock.
func (e Entry) Age(now uint32) uint32 {
	return now - e.InsertTime
}

var epoch = time.Now()

// Monotonic microsecond counter, wraps around after ~71 minutes
func Micros() uint32 {
	return uint32(time.Since(epoch).Microseconds())
}

// Snapshot of the buffer counters
type Stats struct {
	Capacity      int
	Occupancy     int
	HighWaterMark int
	Puts          uint32
	Gets          uint32
	Overflows     uint32
}

// Circular frame buffer object used by transports for reception & transmission
// It is safe for one producer and one consumer running concurrently.
type Fifo struct {
	mu        sync.Mutex
	buffer    []Entry
	head      int
	tail      int
	full      bool
	occupancy int
	hwm       int
	puts      uint32
	gets      uint32
	overflows uint32
	clock     func() uint32
}

func New(capacity int) (*Fifo, error) {
	if capacity < 1 {
		return nil, ErrCapacity
	}
	f := &Fifo{
		buffer: make([]Entry, capacity),
		clock:  Micros,
	}
	return f, nil
}

// Replace the time source used for insertion timestamps
func (f *Fifo) SetClock(clock func() uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if clock == nil {
		clock = Micros
	}
	f.clock = clock
}

// Store a frame, overwrite the oldest frame if the buffer is full
func (f *Fifo) Put(frame cbus.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buffer[f.head] = Entry{Frame: frame, InsertTime: f.clock()}

	// Tail was pointing to the entry that just got overwritten
	if f.full {
		f.tail = f.advance(f.tail)
		f.overflows++
	}
	f.head = f.advance(f.head)
	f.full = f.head == f.tail
	f.updateOccupancy()
	if f.occupancy > f.hwm {
		f.hwm = f.occupancy
	}
	f.puts++
}

// Return true if one or more frames are stored
func (f *Fifo) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.occupancy > 0
}

// Retrieve the oldest entry, false if the buffer is empty
func (f *Fifo) Get() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.occupancy == 0 {
		return Entry{}, false
	}
	entry := f.buffer[f.tail]
	f.full = false
	f.tail = f.advance(f.tail)
	f.updateOccupancy()
	f.gets++
	return entry, true
}

// Look at the oldest entry without removing it
func (f *Fifo) Peek() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.occupancy == 0 {
		return Entry{}, false
	}
	return f.buffer[f.tail], true
}

// Insertion time of the oldest entry
// Must be called before the entry is removed with Get.
func (f *Fifo) InsertTime() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffer[f.tail].InsertTime
}

// Drop all stored entries, counters are kept
func (f *Fifo) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = 0
	f.tail = 0
	f.full = false
	f.occupancy = 0
}

// Number of stored entries
func (f *Fifo) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.occupancy
}

func (f *Fifo) Cap() int {
	return len(f.buffer)
}

func (f *Fifo) FreeSlots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffer) - f.occupancy
}

func (f *Fifo) Full() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.full
}

func (f *Fifo) Empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.full && f.head == f.tail
}

// Maximum number of entries ever stored at once
func (f *Fifo) HighWaterMark() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hwm
}

func (f *Fifo) Puts() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *Fifo) Gets() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

// Number of entries overwritten before being read
func (f *Fifo) Overflows() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overflows
}

func (f *Fifo) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Capacity:      len(f.buffer),
		Occupancy:     f.occupancy,
		HighWaterMark: f.hwm,
		Puts:          f.puts,
		Gets:          f.gets,
		Overflows:     f.overflows,
	}
}

func (f *Fifo) advance(pos int) int {
	pos++
	if pos == len(f.buffer) {
		pos = 0
	}
	return pos
}

func (f *Fifo) updateOccupancy() {
	switch {
	case f.full:
		f.occupancy = len(f.buffer)
	case f.head >= f.tail:
		f.occupancy = f.head - f.tail
	default:
		f.occupancy = len(f.buffer) + f.head - f.tail
	}
}
