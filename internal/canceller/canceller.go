// Package canceller buffers tentative reports for a fixed wait window,
// giving the network a chance to return evidence — a SYN-ACK proving a
// scanned port is actually open, for instance — that overturns the
// tentative judgement before it is ever emitted.
//
// Storage is a time-wheel of W+1 second buckets (for eviction on
// timeout) paired with a 2-level hash table keyed on the 4-tuple (for
// fast confirm/disconfirm lookup). Every buffered report is reachable
// from both structures; whichever fires first — a confirming/
// disconfirming packet or the timeout — settles it: a timeout removes it
// from both, a response removes it from the hash and leaves an inert
// time-wheel entry, so the status callback fires exactly once per report.
package canceller

// PortStatus is the 12-bit belief lattice about a destination port:
// open/closed crossed with a confidence strength, plus unknown. Bit
// layout matches the original's port_status_t/PORT_STRENGTH_*/
// PORT_*_BASE macros.
type PortStatus uint16

const (
	StrengthMask     PortStatus = 0x003
	BaseMask         PortStatus = 0xFFF &^ StrengthMask
	StrengthDefinite PortStatus = 0x002
	StrengthLikely   PortStatus = 0x001
	StrengthProbably PortStatus = 0x000
	OpenBase         PortStatus = 1 << 2
	ClosedBase       PortStatus = 2 << 2
)

const (
	Unknown        PortStatus = 0
	ProbablyOpen              = OpenBase | StrengthProbably
	LikelyOpen                = OpenBase | StrengthLikely
	Open                      = OpenBase | StrengthDefinite
	ProbablyClosed            = ClosedBase | StrengthProbably
	LikelyClosed              = ClosedBase | StrengthLikely
	Closed                    = ClosedBase | StrengthDefinite
)

// Report is a tentative finding awaiting confirmation or timeout.
type Report struct {
	SIP, DIP     uint32
	SPort, DPort uint16
	Protocol     uint8 // IANA protocol number; TCP=6, UDP=17
	Time         int64 // unix seconds the packet that triggered this report arrived

	// Payload is detector-defined context (detection type, score, etc.)
	// carried through unchanged to the status callback.
	Payload any
}

const (
	protoTCP = 6
	protoUDP = 17
)

// StatusFn is invoked exactly once per report, either because a
// confirming/disconfirming packet arrived (status = the implied status
// passed to NoteResponse) or because the wait window elapsed (status =
// the canceller's configured timeout implication).
type StatusFn func(rpt *Report, status PortStatus)

const (
	lookup1Bits = 12
	lookup2Bits = 8
	lookup1Size = 1 << lookup1Bits
	lookup2Size = 1 << lookup2Bits
	lookup1Mask = lookup1Size - 1
	lookup2Mask = lookup2Size - 1
)

type entry struct {
	rpt *Report // nil once handled, so a pending time-wheel pass skips it
}

// Canceller is one wait-window buffer. Not safe for concurrent use; the
// engine drives it synchronously like everything else in the pipeline.
type Canceller struct {
	buckets      [][]*entry // time wheel, num_buckets long
	lastTimeout  int64
	timeoutImpl  PortStatus
	statusCB     StatusFn

	// lt is the two-level hash table: level 1 keyed by calcHash1,
	// level 2 (per level-1 slot) keyed by calcHash2.
	lt [lookup1Size]map[uint32][]*entry
}

// New creates a Canceller with a wait window of waitSecs seconds
// (W+1 buckets) and the given timeout implication and status callback.
func New(waitSecs int, timeoutImplication PortStatus, statusCB StatusFn) *Canceller {
	return &Canceller{
		buckets:     make([][]*entry, waitSecs+1),
		timeoutImpl: timeoutImplication,
		statusCB:    statusCB,
	}
}

func u8RightRotate(b byte, bits uint) byte {
	return (b >> bits) | (b << (8 - bits))
}

func calcHash1(a, b uint16) uint16 {
	return (a ^ b) & lookup1Mask
}

// calcHash2 folds all four bytes of sip^dip via byte-wise right
// rotation, spreading entropy from every octet into the 8-bit index
// instead of only the low byte.
func calcHash2(sip, dip uint32) uint32 {
	tmp := sip ^ dip
	b0 := byte(tmp)
	b1 := byte(tmp >> 8)
	b2 := byte(tmp >> 16)
	b3 := byte(tmp >> 24)
	return uint32(b0) ^ uint32(u8RightRotate(b1, 2)) ^ uint32(u8RightRotate(b2, 4)) ^ uint32(u8RightRotate(b3, 6))
}

func (c *Canceller) hashesFor(protocol uint8, sip, dip uint32, sport, dport uint16) (uint16, uint32) {
	var h1 uint16
	if protocol == protoTCP || protocol == protoUDP {
		h1 = calcHash1(sport, dport)
	} else {
		h1 = calcHash1(uint16(sip), uint16(dip))
	}
	return h1, calcHash2(sip, dip)
}

// AddReport buffers rpt, indexing it by its 4-tuple and by its arrival second.
func (c *Canceller) AddReport(rpt *Report) {
	h1, h2 := c.hashesFor(rpt.Protocol, rpt.SIP, rpt.DIP, rpt.SPort, rpt.DPort)
	e := &entry{rpt: rpt}

	if c.lt[h1] == nil {
		c.lt[h1] = make(map[uint32][]*entry)
	}
	c.lt[h1][h2] = append(c.lt[h1][h2], e)

	slot := int(rpt.Time) % len(c.buckets)
	c.buckets[slot] = append(c.buckets[slot], e)
}

// NoteResponse looks for buffered reports matching the given 4-tuple
// (portless uses sip/dip alone for the level-1 hash, for protocols with
// no ports) and fires the status callback with implied status for every
// exact match found.
func (c *Canceller) NoteResponse(implied PortStatus, sip uint32, sport uint16, dip uint32, dport uint16, portless bool) {
	var h1 uint16
	if portless {
		h1 = calcHash1(uint16(sip), uint16(dip))
	} else {
		h1 = calcHash1(sport, dport)
	}
	if c.lt[h1] == nil {
		return
	}
	h2 := calcHash2(sip, dip)
	bucket, ok := c.lt[h1][h2]
	if !ok {
		return
	}

	kept := bucket[:0]
	for _, e := range bucket {
		if e.rpt == nil {
			continue
		}
		r := e.rpt
		if r.SIP == sip && r.DIP == dip && r.SPort == sport && r.DPort == dport {
			c.statusCB(r, implied)
			e.rpt = nil // time-wheel slot still holds e, but it is now inert
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(c.lt[h1], h2)
	} else {
		c.lt[h1][h2] = kept
	}
}

// AdvanceTime stores now and times out every report whose insertion
// second has fallen out of the wait window, invoking the status
// callback with the canceller's configured timeout implication.
func (c *Canceller) AdvanceTime(now int64) {
	numBuckets := int64(len(c.buckets))
	count := now - c.lastTimeout
	if count > numBuckets {
		count = numBuckets
	}
	for i := int64(1); i <= count; i++ {
		slot := int((c.lastTimeout + i) % numBuckets)
		for _, e := range c.buckets[slot] {
			if e.rpt == nil {
				continue
			}
			r := e.rpt
			c.statusCB(r, c.timeoutImpl)
			h1, h2 := c.hashesFor(r.Protocol, r.SIP, r.DIP, r.SPort, r.DPort)
			c.removeFromLookup(h1, h2, e)
			e.rpt = nil
		}
		c.buckets[slot] = nil
	}
	c.lastTimeout = now
}

func (c *Canceller) removeFromLookup(h1 uint16, h2 uint32, target *entry) {
	if c.lt[h1] == nil {
		return
	}
	bucket := c.lt[h1][h2]
	kept := bucket[:0]
	for _, e := range bucket {
		if e != target {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.lt[h1], h2)
	} else {
		c.lt[h1][h2] = kept
	}
}

// Pending reports how many reports are currently buffered awaiting
// confirmation or timeout, for metrics export.
func (c *Canceller) Pending() int {
	n := 0
	for _, bucket := range c.buckets {
		for _, e := range bucket {
			if e.rpt != nil {
				n++
			}
		}
	}
	return n
}
