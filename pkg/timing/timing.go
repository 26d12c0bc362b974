// Package timing measures the duration of each phase a connection
// passes through in the pipeline, for structured per-connection
// logging.
package timing

import (
	"fmt"
	"time"
)

// Phases captures how long a single connection spent in each timed
// stage of the state machine. Total is the time elapsed since NewTimer.
type Phases struct {
	Dial              time.Duration `json:"dial"`
	InboundHandshake  time.Duration `json:"inbound_handshake"`
	OutboundHandshake time.Duration `json:"outbound_handshake"`
	FirstRequestRead  time.Duration `json:"first_request_read"`
	Total             time.Duration `json:"total"`
}

// Timer marks the start/end of each phase for one connection.
type Timer struct {
	start time.Time

	dialStart, dialEnd                 time.Time
	inboundStart, inboundEnd           time.Time
	outboundStart, outboundEnd         time.Time
	firstRequestStart, firstRequestEnd time.Time
}

// NewTimer starts a timer for one connection.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) StartDial()              { t.dialStart = time.Now() }
func (t *Timer) EndDial()                { t.dialEnd = time.Now() }
func (t *Timer) StartInboundHandshake()  { t.inboundStart = time.Now() }
func (t *Timer) EndInboundHandshake()    { t.inboundEnd = time.Now() }
func (t *Timer) StartOutboundHandshake() { t.outboundStart = time.Now() }
func (t *Timer) EndOutboundHandshake()   { t.outboundEnd = time.Now() }
func (t *Timer) StartFirstRequestRead()  { t.firstRequestStart = time.Now() }
func (t *Timer) EndFirstRequestRead()    { t.firstRequestEnd = time.Now() }

// Phases returns the elapsed duration of every phase that was marked.
// A phase whose start/end were never called reads as zero.
func (t *Timer) Phases() Phases {
	p := Phases{Total: time.Since(t.start)}

	if !t.dialStart.IsZero() && !t.dialEnd.IsZero() {
		p.Dial = t.dialEnd.Sub(t.dialStart)
	}
	if !t.inboundStart.IsZero() && !t.inboundEnd.IsZero() {
		p.InboundHandshake = t.inboundEnd.Sub(t.inboundStart)
	}
	if !t.outboundStart.IsZero() && !t.outboundEnd.IsZero() {
		p.OutboundHandshake = t.outboundEnd.Sub(t.outboundStart)
	}
	if !t.firstRequestStart.IsZero() && !t.firstRequestEnd.IsZero() {
		p.FirstRequestRead = t.firstRequestEnd.Sub(t.firstRequestStart)
	}
	return p
}

// String provides a human-readable summary, used in the pipeline's
// end-of-splice log line.
func (p Phases) String() string {
	return fmt.Sprintf("dial=%v inbound=%v outbound=%v first_request=%v total=%v",
		p.Dial, p.InboundHandshake, p.OutboundHandshake, p.FirstRequestRead, p.Total)
}
