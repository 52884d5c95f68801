// Package spisim is an in-memory SPI bus with simulated chips. It records a
// trace of select edges and bytes so tests can check framing and ordering.
package spisim

import (
	"errors"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// Kind classifies a trace event.
type Kind uint8

const (
	Assert Kind = iota
	Deassert
	Out // MOSI byte of a send transfer
	In  // MISO byte of a receive transfer
)

func (k Kind) String() string {
	switch k {
	case Assert:
		return "assert"
	case Deassert:
		return "deassert"
	case Out:
		return "out"
	case In:
		return "in"
	}
	return "?"
}

// Event is one recorded bus action.
type Event struct {
	Chip string
	Kind Kind
	Byte byte
}

// Chip is the device side of a select line. Methods run with the bus locked.
type Chip interface {
	Select()
	Exchange(mosi byte) (miso byte)
	Deselect()
}

// ErrInjected is returned by transfers failed via FailTx.
var ErrInjected = errors.New("spisim: injected transfer failure")

// Bus is a simulated physical instance. It implements spi.Conn.
type Bus struct {
	mu      sync.Mutex
	lines   []*Line
	trace   []Event
	overlap bool

	txCount  int
	failAt   map[int]error
	failOpen bool // fail every transfer from now on
	quiet    bool
}

// New returns an empty bus.
func New() *Bus { return &Bus{failAt: map[int]error{}} }

// Line is a simulated active-low select output. It implements spi.Line.
type Line struct {
	bus      *Bus
	name     string
	chip     Chip
	selected bool
	fail     error
}

// Line wires chip to a new select line named name.
func (b *Bus) Line(name string, chip Chip) *Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := &Line{bus: b, name: name, chip: chip}
	b.lines = append(b.lines, l)
	return l
}

// FailOut makes every later Out call on the line return err.
func (l *Line) FailOut(err error) {
	l.bus.mu.Lock()
	l.fail = err
	l.bus.mu.Unlock()
}

// Selected reports whether the line is currently asserted.
func (l *Line) Selected() bool {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	return l.selected
}

func (l *Line) Out(v gpio.Level) error {
	b := l.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	switch {
	case v == gpio.Low && !l.selected:
		for _, o := range b.lines {
			if o != l && o.selected {
				b.overlap = true
			}
		}
		l.selected = true
		b.record(Event{Chip: l.name, Kind: Assert})
		if l.chip != nil {
			l.chip.Select()
		}
	case v == gpio.High && l.selected:
		l.selected = false
		b.record(Event{Chip: l.name, Kind: Deassert})
		if l.chip != nil {
			l.chip.Deselect()
		}
	}
	return nil
}

// FailTx makes the n-th transfer from now (0 = next) return err.
func (b *Bus) FailTx(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	b.failAt[b.txCount+n] = err
}

// FailAll makes every later transfer fail until Heal.
func (b *Bus) FailAll() {
	b.mu.Lock()
	b.failOpen = true
	b.mu.Unlock()
}

// Heal clears all injected faults.
func (b *Bus) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpen = false
	b.failAt = map[int]error{}
	for _, l := range b.lines {
		l.fail = nil
	}
}

// Tx implements spi.Conn. Bytes are exchanged with every selected chip;
// with none selected MISO floats high.
func (b *Bus) Tx(w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.txCount
	b.txCount++
	if err, ok := b.failAt[n]; ok {
		delete(b.failAt, n)
		return err
	}
	if b.failOpen {
		return ErrInjected
	}
	if w != nil && r != nil && len(w) != len(r) {
		return errors.New("spisim: mismatched buffer lengths")
	}
	size := len(w)
	if w == nil {
		size = len(r)
	}
	for i := 0; i < size; i++ {
		mosi := byte(0xFF)
		if w != nil {
			mosi = w[i]
		}
		miso := byte(0xFF)
		for _, l := range b.lines {
			if !l.selected {
				continue
			}
			if l.chip != nil {
				miso &= l.chip.Exchange(mosi)
			}
			if r == nil {
				b.record(Event{Chip: l.name, Kind: Out, Byte: mosi})
			} else {
				b.record(Event{Chip: l.name, Kind: In, Byte: miso})
			}
		}
		if r != nil {
			r[i] = miso
		}
	}
	return nil
}

// Record turns event tracing on or off. Long-running simulations turn it
// off to bound memory; the overlap flag is kept either way.
func (b *Bus) Record(on bool) {
	b.mu.Lock()
	b.quiet = !on
	b.mu.Unlock()
}

func (b *Bus) record(e Event) {
	if !b.quiet {
		b.trace = append(b.trace, e)
	}
}

// Trace returns a copy of the recorded events.
func (b *Bus) Trace() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.trace...)
}

// Reset clears the trace and the overlap flag.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace = nil
	b.overlap = false
}

// Overlapped reports whether two select lines were ever asserted at once.
func (b *Bus) Overlapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overlap
}

// Frames returns the MOSI bytes of each completed assert..deassert window
// for chip, in order. Receive bytes are omitted.
func (b *Bus) Frames(chip string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	var cur []byte
	open := false
	for _, e := range b.trace {
		if e.Chip != chip {
			continue
		}
		switch e.Kind {
		case Assert:
			cur, open = []byte{}, true
		case Out:
			if open {
				cur = append(cur, e.Byte)
			}
		case Deassert:
			if open {
				out = append(out, cur)
			}
			open = false
		}
	}
	return out
}

// Opcodes returns the first MOSI byte of every frame for chip.
func (b *Bus) Opcodes(chip string) []byte {
	var ops []byte
	for _, f := range b.Frames(chip) {
		if len(f) > 0 {
			ops = append(ops, f[0])
		}
	}
	return ops
}

// Nested reports whether every frame on the bus is closed before another
// device's frame opens.
func (b *Bus) Nested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	open := ""
	for _, e := range b.trace {
		switch e.Kind {
		case Assert:
			if open != "" {
				return false
			}
			open = e.Chip
		case Deassert:
			if open != e.Chip {
				return false
			}
			open = ""
		default:
			if e.Chip != open {
				return false
			}
		}
	}
	return true
}
