package config

// -----------------------------------------------------------------------------
// Embedded boards
//
// Key: board name (the --board flag / firmware build)
// Val: raw JSON board description
// -----------------------------------------------------------------------------

// cfgPico wires the accelerometer alone on SPI0 (mode 3) and the flash and
// FRAM on a shared SPI1 (mode 0).
const cfgPico = `{
  "buses": [
    {"id": "spi0", "port": "SPI0", "mode": 3, "frequency": "10MHz", "prescaler": 8,
     "sck": "GP18", "sdo": "GP19", "sdi": "GP16"},
    {"id": "spi1", "port": "SPI1", "mode": 0, "frequency": "10MHz", "prescaler": 8,
     "sck": "GP10", "sdo": "GP11", "sdi": "GP12"}
  ],
  "devices": [
    {"id": "accel0", "type": "lis3dsh", "bus_ref": {"type": "spi", "id": "spi0"},
     "cs": "GP17", "irq": "GP20",
     "params": {"odr": "800Hz", "bandwidth": "200Hz", "check_in": "5s", "pause": "200ms"}},
    {"id": "flash0", "type": "mx25", "bus_ref": {"type": "spi", "id": "spi1"},
     "cs": "GP13", "params": {"capacity": 2097152, "addr_mode": "detect", "selftest_addr": 4096}},
    {"id": "fram0", "type": "mb85rs", "bus_ref": {"type": "spi", "id": "spi1"},
     "cs": "GP14", "params": {"capacity": 32768, "selftest_addr": 256}}
  ],
  "heartbeat": {"interval": 10}
}`

// cfgRPi is the same set of parts on a Raspberry Pi header, chip selects
// driven as GPIOs.
const cfgRPi = `{
  "buses": [
    {"id": "spi0", "port": "/dev/spidev0.0", "mode": 3, "frequency": "5MHz"},
    {"id": "spi1", "port": "/dev/spidev1.0", "mode": 0, "frequency": "10MHz"}
  ],
  "devices": [
    {"id": "accel0", "type": "lis3dsh", "bus_ref": {"type": "spi", "id": "spi0"},
     "cs": "GPIO22", "irq": "GPIO23", "params": {"odr": 800, "bandwidth": 200}},
    {"id": "flash0", "type": "mx25", "bus_ref": {"type": "spi", "id": "spi1"},
     "cs": "GPIO5", "params": {"addr_mode": "detect", "selftest_addr": 4096}},
    {"id": "fram0", "type": "mb85rs", "bus_ref": {"type": "spi", "id": "spi1"},
     "cs": "GPIO6", "params": {"selftest_addr": 256}}
  ],
  "heartbeat": {"interval": 5}
}`

var embeddedBoards = map[string][]byte{
	"pico": []byte(cfgPico),
	"rpi":  []byte(cfgRPi),
}
