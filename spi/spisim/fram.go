package spisim

import "sync"

// Fram simulates a Fujitsu MB85RS serial FRAM.
type Fram struct {
	mu sync.Mutex

	id     [4]byte
	mem    []byte
	wel    bool
	sleep  bool
	waking bool

	n    int
	op   byte
	addr uint16
}

// NewFram returns a zeroed MB85RS256-like part of the given capacity.
func NewFram(capacity int) *Fram {
	return &Fram{id: [4]byte{0x04, 0x7F, 0x05, 0x09}, mem: make([]byte, capacity)}
}

func (r *Fram) Load(addr int, p []byte) { r.mu.Lock(); copy(r.mem[addr:], p); r.mu.Unlock() }

func (r *Fram) Mem(addr, n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.mem[addr:addr+n]...)
}

func (r *Fram) WEL() bool    { r.mu.Lock(); defer r.mu.Unlock(); return r.wel }
func (r *Fram) Asleep() bool { r.mu.Lock(); defer r.mu.Unlock(); return r.sleep }

func (r *Fram) Select() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n, r.op, r.addr = 0, 0, 0
	// A select edge wakes the part; the frame itself is not decoded.
	r.waking = r.sleep
	r.sleep = false
}

func (r *Fram) Exchange(mosi byte) byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waking {
		return 0xFF
	}
	i := r.n
	r.n++
	if i == 0 {
		r.op = mosi
		return 0xFF
	}
	switch r.op {
	case 0x9F:
		if i <= 4 {
			return r.id[i-1]
		}
	case 0x05:
		var s byte
		if r.wel {
			s |= 0x02
		}
		return s
	case 0x03:
		if i <= 2 {
			r.addr = r.addr<<8 | uint16(mosi)
			return 0xFF
		}
		off := (int(r.addr) + i - 3) % len(r.mem)
		return r.mem[off]
	case 0x02:
		if i <= 2 {
			r.addr = r.addr<<8 | uint16(mosi)
			return 0xFF
		}
		if r.wel {
			r.mem[(int(r.addr)+i-3)%len(r.mem)] = mosi
		}
	}
	return 0xFF
}

func (r *Fram) Deselect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waking {
		r.waking = false
		return
	}
	switch r.op {
	case 0x06:
		r.wel = true
	case 0x04, 0x02:
		r.wel = false
	case 0xB9:
		r.sleep = true
	}
}
