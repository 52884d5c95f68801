//go:build !tinygo

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"spidevices-go/errcode"
	"spidevices-go/types"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app.Writer = &out
	err := app.Run(append([]string{"spidevd"}, args...))
	return out.String(), err
}

func TestBoards(t *testing.T) {
	out, err := runApp(t, "boards")
	if err != nil {
		t.Fatal(err)
	}
	if out != "pico\nrpi\n" {
		t.Fatalf("boards %q", out)
	}
}

func TestIDOverSim(t *testing.T) {
	out, err := runApp(t, "--sim", "--board", "pico", "id")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"flash0\tmx25\tjedec 0xC22315", "fram0\tmb85rs\tid 0x047F0509", "accel0\tlis3dsh\twho_am_i 0x3F"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

func TestSelfTestOverSim(t *testing.T) {
	out, err := runApp(t, "--sim", "--board", "pico", "selftest")
	if err != nil {
		t.Fatal(err)
	}
	var reports []types.Report
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatal(err)
	}
	if len(reports) != 3 {
		t.Fatalf("reports %+v", reports)
	}
	for _, r := range reports {
		if !r.Pass {
			t.Fatalf("report %+v", r)
		}
	}
}

func TestReadUnknownDevice(t *testing.T) {
	_, err := runApp(t, "--sim", "--board", "pico", "read", "--dev", "eeprom0")
	if errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("err = %v", err)
	}
}

func TestReadFramOverSim(t *testing.T) {
	out, err := runApp(t, "--sim", "--board", "pico", "read", "--dev", "fram0", "--addr", "0x10", "--len", "4")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "00000000  00 00 00 00") {
		t.Fatalf("dump %q", out)
	}
}
