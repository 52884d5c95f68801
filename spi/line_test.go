package spi

import (
	"context"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

type loopConn struct{ n int }

func (c *loopConn) Tx(w, r []byte) error {
	c.n += len(w) + len(r)
	copy(r, w)
	return nil
}

func TestSelectLineOnGPIOPin(t *testing.T) {
	cs := &gpiotest.Pin{N: "GPIO5", Num: 5, L: gpio.Low}
	conn := &loopConn{}
	b := NewBus(conn, Config{Name: "spi1"})
	d, err := b.Attach("flash0", cs)
	if err != nil {
		t.Fatal(err)
	}
	if cs.Read() != gpio.High {
		t.Fatal("attach must park the select line inactive")
	}
	err = d.Transact(context.Background(), func(f *Frame) error {
		if cs.Read() != gpio.Low {
			t.Error("select not asserted inside the frame")
		}
		return f.Write([]byte{0x9F})
	})
	if err != nil {
		t.Fatal(err)
	}
	if cs.Read() != gpio.High {
		t.Fatal("select left asserted")
	}
	if conn.n == 0 {
		t.Fatal("no bytes clocked")
	}
}
