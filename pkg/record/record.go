// Package record reads and writes CBOR capture files of received frames.
// A capture is a plain stream of CBOR maps, one per frame, so it can be
// appended to and inspected with any CBOR tool.
package record

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	cbus "github.com/samsamfire/gocbus"
	"github.com/samsamfire/gocbus/pkg/fifo"
)

type item struct {
	Time uint32 `cbor:"t"`
	ID   uint32 `cbor:"id"`
	Ext  bool   `cbor:"ext"`
	RTR  bool   `cbor:"rtr"`
	Len  uint8  `cbor:"len"`
	Data []byte `cbor:"data"`
}

type Writer struct {
	enc   *cbor.Encoder
	count int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: cbor.NewEncoder(w)}
}

func (w *Writer) Write(entry fifo.Entry) error {
	frame := entry.Frame
	err := w.enc.Encode(item{
		Time: entry.InsertTime,
		ID:   frame.ID,
		Ext:  frame.Ext,
		RTR:  frame.RTR,
		Len:  frame.Len,
		Data: frame.Payload(),
	})
	if err != nil {
		return err
	}
	w.count++
	return nil
}

// Number of frames written
func (w *Writer) Count() int {
	return w.count
}

type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next frame of the capture, io.EOF once all frames have been read
func (r *Reader) Next() (fifo.Entry, error) {
	var it item
	if err := r.dec.Decode(&it); err != nil {
		return fifo.Entry{}, err
	}
	if it.Len > 8 || len(it.Data) > 8 {
		return fifo.Entry{}, fmt.Errorf("%w : invalid frame length %v", cbus.ErrIllegalArgument, it.Len)
	}
	frame := cbus.Frame{ID: it.ID, Ext: it.Ext, RTR: it.RTR, Len: it.Len}
	copy(frame.Data[:], it.Data)
	return fifo.Entry{Frame: frame, InsertTime: it.Time}, nil
}

// Read every remaining frame
func (r *Reader) ReadAll() ([]fifo.Entry, error) {
	entries := []fifo.Entry{}
	for {
		entry, err := r.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
}
