package spisim

import "sync"

// Flash simulates a Macronix MX25 serial NOR device.
type Flash struct {
	mu sync.Mutex

	id         [3]byte
	elecID     byte
	mem        []byte
	pageSize   uint32
	sectorSize uint32

	wel     bool
	busy    int // status reads left that report WIP
	stuck   bool
	hang    bool // next program/erase never completes
	polls   int
	addr4   bool
	deep    bool
	secBase byte

	// per-frame decode
	n    int
	op   byte
	addr uint32
	arg  byte
	data []byte
}

// NewFlash returns an erased MX25V1635F-like part of the given capacity.
func NewFlash(capacity int) *Flash {
	f := &Flash{
		id:         [3]byte{0xC2, 0x23, 0x15},
		elecID:     0x15,
		mem:        make([]byte, capacity),
		pageSize:   256,
		sectorSize: 4096,
	}
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	return f
}

// SetID overrides the JEDEC identification bytes.
func (f *Flash) SetID(id [3]byte) { f.mu.Lock(); f.id = id; f.mu.Unlock() }

// SetBusyPolls sets how many status reads report WIP after each program or
// erase.
func (f *Flash) SetBusyPolls(n int) { f.mu.Lock(); f.polls = n; f.mu.Unlock() }

// Hang makes the next program or erase leave WIP set forever.
func (f *Flash) Hang() { f.mu.Lock(); f.hang = true; f.mu.Unlock() }

// SetBusy forces WIP on (or off) immediately.
func (f *Flash) SetBusy(on bool) { f.mu.Lock(); f.stuck = on; f.busy = 0; f.mu.Unlock() }

// Set4ByteMode sets the power-up address mode reported by the security register.
func (f *Flash) Set4ByteMode(on bool) { f.mu.Lock(); f.addr4 = on; f.mu.Unlock() }

// Load presets memory contents.
func (f *Flash) Load(addr int, p []byte) { f.mu.Lock(); copy(f.mem[addr:], p); f.mu.Unlock() }

// Mem returns a copy of n bytes at addr.
func (f *Flash) Mem(addr, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.mem[addr:addr+n]...)
}

// WEL reports the write enable latch.
func (f *Flash) WEL() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.wel }

// Asleep reports deep power-down.
func (f *Flash) Asleep() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.deep }

func (f *Flash) wip() bool { return f.stuck || f.busy > 0 }

func (f *Flash) status() byte {
	var s byte
	if f.wip() {
		s |= 0x01
	}
	if f.wel {
		s |= 0x02
	}
	return s
}

func (f *Flash) addrLen() int {
	if f.addr4 {
		return 4
	}
	return 3
}

func (f *Flash) Select() {
	f.mu.Lock()
	f.n, f.op, f.addr, f.arg, f.data = 0, 0, 0, 0, nil
	f.mu.Unlock()
}

func (f *Flash) Exchange(mosi byte) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.n
	f.n++
	if i == 0 {
		f.op = mosi
		return 0xFF
	}
	if f.deep && f.op != 0xAB {
		return 0xFF
	}
	al := f.addrLen()
	switch f.op {
	case 0x9F:
		if i <= 3 {
			return f.id[i-1]
		}
	case 0x05:
		return f.status()
	case 0x2B:
		s := f.secBase
		if f.addr4 {
			s |= 0x04
		}
		return s
	case 0xAB:
		if i >= 4 {
			return f.elecID
		}
	case 0x90:
		if i == 3 {
			f.arg = mosi
		} else if i >= 4 {
			seq := [2]byte{f.id[0], f.elecID}
			if f.arg&1 != 0 {
				seq = [2]byte{f.elecID, f.id[0]}
			}
			return seq[(i-4)%2]
		}
	case 0x03:
		if i <= al {
			f.addr = f.addr<<8 | uint32(mosi)
			return 0xFF
		}
		off := (f.addr + uint32(i-al-1)) % uint32(len(f.mem))
		return f.mem[off]
	case 0x02, 0x20:
		if i <= al {
			f.addr = f.addr<<8 | uint32(mosi)
			return 0xFF
		}
		f.data = append(f.data, mosi)
	}
	return 0xFF
}

func (f *Flash) Deselect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deep {
		// An empty select pulse or RES releases deep power-down.
		if f.n == 0 || f.op == 0xAB {
			f.deep = false
		}
		return
	}
	if f.n == 0 {
		return
	}
	al := f.addrLen()
	switch f.op {
	case 0x06:
		if !f.wip() {
			f.wel = true
		}
	case 0x04:
		f.wel = false
	case 0x05:
		if f.busy > 0 && !f.stuck {
			f.busy--
		}
	case 0x02:
		if f.n < al+1 || !f.writable() {
			return
		}
		page := f.addr &^ (f.pageSize - 1)
		for j, b := range f.data {
			off := (page + (f.addr+uint32(j))%f.pageSize) % uint32(len(f.mem))
			f.mem[off] &= b
		}
		f.startWrite()
	case 0x20:
		if f.n != al+1 || !f.writable() {
			return
		}
		base := (f.addr &^ (f.sectorSize - 1)) % uint32(len(f.mem))
		for j := uint32(0); j < f.sectorSize && int(base+j) < len(f.mem); j++ {
			f.mem[base+j] = 0xFF
		}
		f.startWrite()
	case 0x60, 0xC7:
		if !f.writable() {
			return
		}
		for j := range f.mem {
			f.mem[j] = 0xFF
		}
		f.startWrite()
	case 0xB7:
		f.addr4 = true
	case 0xE9:
		f.addr4 = false
	case 0xB9:
		f.deep = true
	}
}

func (f *Flash) writable() bool { return f.wel && !f.wip() }

func (f *Flash) startWrite() {
	f.wel = false
	f.busy = f.polls
	if f.hang {
		f.hang = false
		f.stuck = true
	}
}
