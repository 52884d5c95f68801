package mx25

import (
	"context"
	"time"

	"spidevices-go/errcode"
	"spidevices-go/spi"
	"spidevices-go/x/conv"
	"spidevices-go/x/mathx"
)

// ---------- identification ----------

// Identify reads the 3-byte JEDEC id. It needs no busy check.
func (d *Device) Identify(ctx context.Context) (JedecID, error) {
	var r [3]byte
	err := d.t.Transact(ctx, func(f *spi.Frame) error {
		return f.WriteRead([]byte{cmdRDID}, r[:])
	})
	if err != nil {
		return JedecID{}, err
	}
	return JedecID{Manufacturer: r[0], MemoryType: r[1], Density: r[2]}, nil
}

// ReadElectronicID issues RES: opcode, three dummy bytes, one id byte.
// RES also releases deep power-down.
func (d *Device) ReadElectronicID(ctx context.Context) (byte, error) {
	var r [1]byte
	err := d.t.Transact(ctx, func(f *spi.Frame) error {
		f.Write([]byte{cmdRES})
		f.Dummy(3)
		return f.Read(r[:])
	})
	return r[0], err
}

// ReadManufacturerDeviceID issues REMS. order selects which byte comes first
// (ManufacturerFirst gives 0xC215 on MX25V1635F, DeviceFirst 0x15C2).
func (d *Device) ReadManufacturerDeviceID(ctx context.Context, order byte) (uint16, error) {
	var r [2]byte
	err := d.t.Transact(ctx, func(f *spi.Frame) error {
		f.Write([]byte{cmdREMS})
		f.Dummy(2)
		return f.WriteRead([]byte{order}, r[:])
	})
	if err != nil {
		return 0, err
	}
	return uint16(r[0])<<8 | uint16(r[1]), nil
}

// ---------- registers ----------

func (d *Device) readReg(ctx context.Context, cmd byte) (byte, error) {
	var r [1]byte
	err := d.t.Transact(ctx, func(f *spi.Frame) error {
		return f.WriteRead([]byte{cmd}, r[:])
	})
	return r[0], err
}

// ReadStatus reads the status register.
func (d *Device) ReadStatus(ctx context.Context) (Status, error) {
	b, err := d.readReg(ctx, cmdRDSR)
	return Status(b), err
}

// ReadSecurity reads the security register (bit 2: 4-byte address mode).
func (d *Device) ReadSecurity(ctx context.Context) (byte, error) {
	return d.readReg(ctx, cmdRDSCUR)
}

func (d *Device) command(ctx context.Context, cmd byte) error {
	return d.t.Transact(ctx, func(f *spi.Frame) error {
		return f.Write([]byte{cmd})
	})
}

// WriteEnable sets WEL. Erase and program issue it themselves.
func (d *Device) WriteEnable(ctx context.Context) error { return d.command(ctx, cmdWREN) }

// WriteDisable clears WEL.
func (d *Device) WriteDisable(ctx context.Context) error { return d.command(ctx, cmdWRDI) }

// ---------- write class ----------

// EraseSector erases the sector containing addr to 0xFF.
func (d *Device) EraseSector(ctx context.Context, addr uint32) error {
	const op = "mx25.erase_sector"
	if err := d.checkRange(op, addr, 1); err != nil {
		return err
	}
	unlock, err := d.lockWrite(op)
	if err != nil {
		return err
	}
	defer unlock()
	d.log.V(1).Info("erase sector", "addr", addr)
	return d.writeCycle(ctx, op, d.cfg.Timing.SectorErase, d.frameHeader(cmdSE, addr))
}

// EraseChip erases the whole array. It can take tens of seconds.
func (d *Device) EraseChip(ctx context.Context) error {
	const op = "mx25.erase_chip"
	unlock, err := d.lockWrite(op)
	if err != nil {
		return err
	}
	defer unlock()
	d.log.Info("erase chip")
	return d.writeCycle(ctx, op, d.cfg.Timing.ChipErase, []byte{cmdCE})
}

// ProgramPage programs data at addr. data must not cross a page boundary;
// use Write for arbitrary spans.
func (d *Device) ProgramPage(ctx context.Context, addr uint32, data []byte) error {
	const op = "mx25.program_page"
	if err := d.checkPage(op, addr, data); err != nil {
		return err
	}
	unlock, err := d.lockWrite(op)
	if err != nil {
		return err
	}
	defer unlock()
	return d.program(ctx, op, addr, data)
}

// Write programs data starting at addr, split on page boundaries. The
// target range must already be erased.
func (d *Device) Write(ctx context.Context, addr uint32, data []byte) error {
	const op = "mx25.write"
	if err := d.checkRange(op, addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	unlock, err := d.lockWrite(op)
	if err != nil {
		return err
	}
	defer unlock()
	for len(data) > 0 {
		n := mathx.Min(int(d.cfg.PageSize-addr%d.cfg.PageSize), len(data))
		if err := d.program(ctx, op, addr, data[:n]); err != nil {
			return err
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

func (d *Device) program(ctx context.Context, op string, addr uint32, data []byte) error {
	hdr := d.frameHeader(cmdPP, addr)
	return d.writeCycle(ctx, op, d.cfg.Timing.PageProgram, hdr, data)
}

// writeCycle is the shared erase/program sequence: refuse if WIP, set WEL,
// send the framed command, then poll to ready within bound.
func (d *Device) writeCycle(ctx context.Context, op string, bound time.Duration, parts ...[]byte) error {
	st, err := d.ReadStatus(ctx)
	if err != nil {
		return err
	}
	if st.WIP() {
		return errcode.New(errcode.DeviceBusy, op, "write in progress")
	}
	if err := d.WriteEnable(ctx); err != nil {
		return err
	}
	err = d.t.Transact(ctx, func(f *spi.Frame) error {
		for _, p := range parts {
			f.Write(p)
		}
		return f.Err()
	})
	if err != nil {
		return err
	}
	return d.waitReady(ctx, op, bound)
}

func (d *Device) waitReady(ctx context.Context, op string, bound time.Duration) error {
	p := spi.Poll{Interval: d.cfg.Timing.Poll, Timeout: bound, Clock: d.clk}
	err := p.Until(ctx, op, func(ctx context.Context) (bool, error) {
		st, err := d.ReadStatus(ctx)
		return !st.WIP(), err
	})
	if errcode.Of(err) == errcode.OperationTimeout {
		d.log.Info("busy timeout", "op", op, "bound", bound)
	}
	return err
}

func (d *Device) lockWrite(op string) (func(), error) {
	if !d.wmu.TryLock() {
		return nil, errcode.New(errcode.DeviceBusy, op, "another write is in flight")
	}
	return d.wmu.Unlock, nil
}

// ---------- read ----------

// Read returns n bytes from addr. It does not poll status; the bus lock
// orders it against other commands.
func (d *Device) Read(ctx context.Context, addr uint32, n int) ([]byte, error) {
	const op = "mx25.read"
	if err := d.checkRange(op, addr, n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	err := d.t.Transact(ctx, func(f *spi.Frame) error {
		return f.WriteRead(d.frameHeader(cmdREAD, addr), buf)
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ---------- power ----------

// DeepPowerDown enters deep power-down; only Wake or RES are accepted after.
func (d *Device) DeepPowerDown(ctx context.Context) error {
	if err := d.command(ctx, cmdDP); err != nil {
		return err
	}
	d.log.V(1).Info("deep power-down")
	return d.delay(ctx, "mx25.deep_power_down", d.cfg.Timing.DeepPowerDown)
}

// Wake pulses chip select low for tCRDP and waits tRDP.
func (d *Device) Wake(ctx context.Context) error {
	const op = "mx25.wake"
	err := d.t.Transact(ctx, func(f *spi.Frame) error {
		return spi.Delay(ctx, d.clk, d.cfg.Timing.WakePulse)
	})
	if err != nil {
		return err
	}
	return d.delay(ctx, op, d.cfg.Timing.WakeSettle)
}

func (d *Device) delay(ctx context.Context, op string, t time.Duration) error {
	return errcode.Wrap(errcode.Canceled, op, spi.Delay(ctx, d.clk, t))
}

// ---------- helpers ----------

func (d *Device) frameHeader(cmd byte, addr uint32) []byte {
	if d.addr4.Load() {
		return []byte{cmd, byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	}
	return []byte{cmd, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

func (d *Device) checkRange(op string, addr uint32, n int) error {
	if n < 0 {
		return errcode.New(errcode.InvalidParams, op, "negative length")
	}
	if addr >= d.cfg.Capacity {
		return errcode.New(errcode.AddressInvalid, op, conv.Hex0x(addr, 8)+" >= capacity")
	}
	if uint64(addr)+uint64(n) > uint64(d.cfg.Capacity) {
		return errcode.New(errcode.AddressInvalid, op, conv.Hex0x(addr, 8)+"+"+conv.Dec(n)+" > capacity")
	}
	return nil
}

func (d *Device) checkPage(op string, addr uint32, data []byte) error {
	if err := d.checkRange(op, addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return errcode.New(errcode.InvalidParams, op, "empty payload")
	}
	if addr%d.cfg.PageSize+uint32(len(data)) > d.cfg.PageSize {
		return errcode.New(errcode.InvalidParams, op, "payload crosses page boundary")
	}
	return nil
}
