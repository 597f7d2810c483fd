package parser

import "sync/atomic"

// Stats holds the parser's running monotonic counters. They are read and
// reset independently of any particular parse call.
type Stats struct {
	requestsParsed  atomic.Uint64
	framesParsed    atomic.Uint64
	routingFailures atomic.Uint64
	decodeFailures  atomic.Uint64
}

// Snapshot is a point-in-time, allocation-free copy of the counters.
type Snapshot struct {
	RequestsParsed  uint64
	FramesParsed    uint64
	RoutingFailures uint64
	DecodeFailures  uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		RequestsParsed:  s.requestsParsed.Load(),
		FramesParsed:    s.framesParsed.Load(),
		RoutingFailures: s.routingFailures.Load(),
		DecodeFailures:  s.decodeFailures.Load(),
	}
}

func (s *Stats) Reset() {
	s.requestsParsed.Store(0)
	s.framesParsed.Store(0)
	s.routingFailures.Store(0)
	s.decodeFailures.Store(0)
}
