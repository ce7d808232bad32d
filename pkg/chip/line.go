package chip

import (
	"sync"

	cbus "github.com/samsamfire/gocbus"
)

// Emulated active low data ready line (INT pin)
// The attached handler runs on the falling edge and is called again as long
// as the line stays low once it returns, so pending frames are never stranded.
type Line struct {
	mu      sync.Mutex
	low     bool
	edges   chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	handler func()
}

func NewLine() *Line {
	return &Line{}
}

// "Attach" implementation of Signal interface
func (l *Line) Attach(handler func()) error {
	if handler == nil {
		return cbus.ErrIllegalArgument
	}
	_ = l.Detach()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
	l.edges = make(chan struct{}, 1)
	l.stop = make(chan struct{})
	// Line may already be low
	if l.low {
		l.edges <- struct{}{}
	}
	l.wg.Add(1)
	go l.dispatch(handler, l.edges, l.stop)
	return nil
}

// "Detach" implementation of Signal interface
func (l *Line) Detach() error {
	l.mu.Lock()
	stop := l.stop
	l.stop = nil
	l.edges = nil
	l.handler = nil
	l.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	l.wg.Wait()
	return nil
}

// Drive the line low
func (l *Line) Assert() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.low {
		return
	}
	l.low = true
	if l.edges == nil {
		return
	}
	select {
	case l.edges <- struct{}{}:
	default:
	}
}

// Release the line (pulled up)
func (l *Line) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.low = false
}

func (l *Line) Low() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.low
}

func (l *Line) Attached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler != nil
}

func (l *Line) dispatch(handler func(), edges <-chan struct{}, stop <-chan struct{}) {
	defer l.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-edges:
			for {
				handler()
				if !l.Low() {
					break
				}
				select {
				case <-stop:
					return
				default:
				}
			}
		}
	}
}
