package cbus

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrIllegalCrystal  = errors.New("illegal crystal frequency, expecting 8MHz, 16MHz or 20MHz")
	ErrIllegalBitrate  = errors.New("illegal bitrate passed to function")
	ErrInvalidState    = errors.New("driver not ready")
	ErrNoMessage       = errors.New("no message available")
	ErrNoSignal        = errors.New("no interrupt signal available, use polling mode")
	ErrTxBusy          = errors.New("sending rejected because driver is busy. Try again")
	ErrTxDisabled      = errors.New("transmit buffer was not configured")
	ErrUnsupportedChip = errors.New("unsupported chip interface")
	ErrNotConnected    = errors.New("no active connection")
)
