package controller

import "sync/atomic"

// StopSignal is the asynchronous stop flag. Request only stores a flag;
// it never blocks or allocates, so it is safe from an interrupt path.
// The run loop observes the flag at tick boundaries.
type StopSignal struct {
	flag atomic.Bool
}

func (s *StopSignal) Request() {
	s.flag.Store(true)
}

func (s *StopSignal) Requested() bool {
	return s.flag.Load()
}
