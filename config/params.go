package config

import (
	"reflect"
	"time"

	"periph.io/x/conn/v3/physic"

	"spidevices-go/types"
)

// FlashParams are the mx25 device params.
type FlashParams struct {
	Capacity    uint32        `json:"capacity"`
	PageSize    uint32        `json:"page_size"`
	SectorSize  uint32        `json:"sector_size"`
	AddrMode    string        `json:"addr_mode"` // "3", "4" or "detect"
	ExpectedID  uint32        `json:"expected_id"`
	Poll        time.Duration `json:"poll"`
	PageProgram time.Duration `json:"page_program"`
	SectorErase time.Duration `json:"sector_erase"`
	ChipErase   time.Duration `json:"chip_erase"`
	// SelfTestAddr is the sector the flash service erases and programs
	// during its start-up check.
	SelfTestAddr uint32 `json:"selftest_addr"`
}

// FramParams are the mb85rs device params.
type FramParams struct {
	Capacity     uint32        `json:"capacity"`
	ExpectedID   uint32        `json:"expected_id"`
	Recovery     time.Duration `json:"recovery"`
	SelfTestAddr uint32        `json:"selftest_addr"`
}

// AccelParams are the lis3dsh device params. Frequencies accept "800Hz"
// or a plain number of hertz.
type AccelParams struct {
	ODR        physic.Frequency `json:"odr"`
	Bandwidth  physic.Frequency `json:"bandwidth"`
	SoftReset  bool             `json:"soft_reset"`
	ResetDelay time.Duration    `json:"reset_delay"`
	CheckIn    time.Duration    `json:"check_in"` // wake-up without data ready
	Pause      time.Duration    `json:"pause"`    // between sample cycles
}

func FlashParamsOf(d types.Device) (FlashParams, error) {
	var p FlashParams
	if err := decodeParams(d.Params, &p); err != nil {
		return FlashParams{}, err
	}
	switch p.AddrMode {
	case "", "3", "4", "detect":
	default:
		return FlashParams{}, errBadParam("addr_mode " + p.AddrMode)
	}
	if p.PageSize&(p.PageSize-1) != 0 || p.SectorSize&(p.SectorSize-1) != 0 {
		return FlashParams{}, errBadParam("page and sector sizes must be powers of two")
	}
	return p, nil
}

func FramParamsOf(d types.Device) (FramParams, error) {
	var p FramParams
	if err := decodeParams(d.Params, &p); err != nil {
		return FramParams{}, err
	}
	if p.Capacity > 1<<16 {
		return FramParams{}, errBadParam("capacity exceeds 2-byte addressing")
	}
	return p, nil
}

func AccelParamsOf(d types.Device) (AccelParams, error) {
	var p AccelParams
	if err := decodeParams(d.Params, &p); err != nil {
		return AccelParams{}, err
	}
	return p, nil
}

type errBadParam string

func (e errBadParam) Error() string { return "params: " + string(e) }

var frequencyType = reflect.TypeOf(physic.Frequency(0))

// frequencyHook decodes "800Hz" strings and bare hertz numbers into
// physic.Frequency, whose base unit is the microhertz.
func frequencyHook(from, to reflect.Type, data any) (any, error) {
	if to != frequencyType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		var f physic.Frequency
		if err := f.Set(data.(string)); err != nil {
			return nil, err
		}
		return f, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return physic.Frequency(reflect.ValueOf(data).Int()) * physic.Hertz, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return physic.Frequency(reflect.ValueOf(data).Uint()) * physic.Hertz, nil
	case reflect.Float32, reflect.Float64:
		return physic.Frequency(reflect.ValueOf(data).Float() * float64(physic.Hertz)), nil
	}
	return data, nil
}
