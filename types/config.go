package types

// Board configuration, as carried in the embedded board file or passed on
// the command line.

type BoardConfig struct {
	Buses     []BusConfig      `json:"buses"`
	Devices   []Device         `json:"devices"`
	Heartbeat *HeartbeatConfig `json:"heartbeat,omitempty"`
}

// HeartbeatConfig reaches the heartbeat service as config/heartbeat.
type HeartbeatConfig struct {
	Interval float64 `json:"interval"` // seconds
}

// BusConfig describes one physical SPI instance. Mode is 0..3 (CPOL<<1|CPHA);
// Frequency uses periph notation, e.g. "10MHz".
type BusConfig struct {
	ID          string `json:"id"`
	Port        string `json:"port,omitempty"` // host: spireg name; rp2: "SPI0"/"SPI1"
	Mode        int    `json:"mode"`
	LSBFirst    bool   `json:"lsb_first,omitempty"`
	Frequency   string `json:"frequency"`
	Prescaler   uint16 `json:"prescaler,omitempty"`
	LockTimeout string `json:"lock_timeout,omitempty"` // Go duration, default 1s
	SCK         string `json:"sck,omitempty"`
	SDO         string `json:"sdo,omitempty"`
	SDI         string `json:"sdi,omitempty"`
}

type Device struct {
	ID     string `json:"id"`
	Type   string `json:"type"` // "mx25", "mb85rs", "lis3dsh"
	Params any    `json:"params,omitempty"`
	BusRef BusRef `json:"bus_ref,omitempty"`
	CS     string `json:"cs"`            // chip-select pin name
	IRQ    string `json:"irq,omitempty"` // data-ready input, accel only
}

type BusRef struct {
	Type string `json:"type"` // "spi"
	ID   string `json:"id"`
}
