package esploader

import (
	"fmt"
	"time"

	"espdeck/internal/transport"
)

// Boards wire DTR to GPIO0 and RTS to EN through a pair of transistors, but
// plenty of clones get the polarity or the timing wrong. Each strategy below
// is one way of pulling GPIO0 low across an EN pulse; they are tried in order
// until the ROM answers a sync.

const (
	resetHoldTime = 100 * time.Millisecond
	bootHoldTime  = 50 * time.Millisecond
)

// lines drives DTR and RTS and keeps the first failure. A sequence always
// runs to the end.
type lines struct {
	link  transport.Link
	sleep func(time.Duration)
	err   error
}

func (p *lines) dtr(v bool) {
	if err := p.link.SetDTR(v); err != nil && p.err == nil {
		p.err = fmt.Errorf("set DTR %t: %w", v, err)
	}
}

func (p *lines) rts(v bool) {
	if err := p.link.SetRTS(v); err != nil && p.err == nil {
		p.err = fmt.Errorf("set RTS %t: %w", v, err)
	}
}

type resetStrategy struct {
	name string
	run  func(p *lines)
}

var resetStrategies = []resetStrategy{
	{name: "classic", run: classicReset},
	{name: "inverted", run: invertedReset},
	{name: "slow", run: slowReset},
	{name: "aggressive", run: aggressiveReset},
	{name: "aggressive", run: aggressiveReset},
	{name: "aggressive", run: aggressiveReset},
}

// reset runs s and returns the first line error.
func (s resetStrategy) reset(link transport.Link, sleep func(time.Duration)) error {
	p := &lines{link: link, sleep: sleep}
	s.run(p)
	return p.err
}

// classicReset: DTR asserted holds GPIO0 low, RTS pulses EN.
func classicReset(p *lines) {
	p.dtr(true)
	p.rts(false)
	p.sleep(10 * time.Millisecond)

	p.rts(true)
	p.sleep(resetHoldTime)

	p.rts(false)
	p.sleep(bootHoldTime)

	p.dtr(false)
	p.sleep(200 * time.Millisecond)
}

// invertedReset is classicReset for adapters with inverted line drivers.
func invertedReset(p *lines) {
	p.dtr(false)
	p.rts(true)
	p.sleep(10 * time.Millisecond)

	p.rts(false)
	p.sleep(resetHoldTime)

	p.rts(true)
	p.sleep(bootHoldTime)

	p.dtr(true)
	p.sleep(200 * time.Millisecond)
}

// slowReset drives one line at a time with long settle times, for boards
// with large capacitors on EN.
func slowReset(p *lines) {
	p.dtr(false)
	p.rts(false)
	p.sleep(100 * time.Millisecond)

	p.dtr(true)
	p.sleep(100 * time.Millisecond)

	p.rts(true)
	p.sleep(100 * time.Millisecond)

	p.rts(false)
	p.sleep(250 * time.Millisecond)

	p.dtr(false)
	p.sleep(250 * time.Millisecond)
}

func aggressiveReset(p *lines) {
	p.dtr(true)
	p.rts(true)
	p.sleep(200 * time.Millisecond)

	p.rts(false)
	p.sleep(300 * time.Millisecond)

	p.dtr(false)
	p.sleep(100 * time.Millisecond)

	p.dtr(true)
	p.sleep(50 * time.Millisecond)
	p.dtr(false)
	p.sleep(200 * time.Millisecond)
}

// rebootToApp pulses EN with GPIO0 released so the chip boots from flash.
func rebootToApp(link transport.Link, sleep func(time.Duration)) error {
	p := &lines{link: link, sleep: sleep}
	p.dtr(false)
	p.rts(true)
	p.sleep(resetHoldTime)
	p.rts(false)
	return p.err
}
