package spisim

import "sync"

// Accel simulates an ST LIS3DSH register file.
type Accel struct {
	mu   sync.Mutex
	regs [0x80]byte

	n     int
	read  bool
	addr  byte
	reset int // number of soft resets seen
}

var accelDefaults = map[byte]byte{
	0x0F: 0x3F, // WHO_AM_I
	0x20: 0x07, // CTRL_REG4: X/Y/Z enabled
	0x25: 0x10, // CTRL_REG6: ADD_INC
}

func NewAccel() *Accel {
	a := &Accel{}
	a.defaults()
	return a
}

func (a *Accel) defaults() {
	a.regs = [0x80]byte{}
	for r, v := range accelDefaults {
		a.regs[r] = v
	}
}

// SetSample loads raw output registers.
func (a *Accel) SetSample(x, y, z int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, v := range []int16{x, y, z} {
		a.regs[0x28+2*i] = byte(uint16(v))
		a.regs[0x29+2*i] = byte(uint16(v) >> 8)
	}
}

// Reg returns one register value.
func (a *Accel) Reg(r byte) byte { a.mu.Lock(); defer a.mu.Unlock(); return a.regs[r&0x7F] }

// SetReg forces a register value.
func (a *Accel) SetReg(r, v byte) { a.mu.Lock(); a.regs[r&0x7F] = v; a.mu.Unlock() }

// Resets reports how many soft resets were requested.
func (a *Accel) Resets() int { a.mu.Lock(); defer a.mu.Unlock(); return a.reset }

func (a *Accel) Select() {
	a.mu.Lock()
	a.n = 0
	a.mu.Unlock()
}

func (a *Accel) Exchange(mosi byte) byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.n
	a.n++
	if i == 0 {
		a.read = mosi&0x80 != 0
		a.addr = mosi & 0x7F
		return 0xFF
	}
	r := a.addr
	if a.regs[0x25]&0x10 != 0 {
		a.addr = (a.addr + 1) & 0x7F
	}
	if a.read {
		return a.regs[r]
	}
	switch {
	case r == 0x0F, r >= 0x28 && r <= 0x2D:
		// read-only
	case r == 0x23 && mosi&0x01 != 0:
		a.reset++
		a.defaults()
	default:
		a.regs[r] = mosi
	}
	return 0xFF
}

func (a *Accel) Deselect() {}
