package types

// ------------------------
// Device lifecycle
// ------------------------

// DeviceState is the lifecycle shared by every SPI device driver.
// Only a successful identity check leaves Uninitialized and only a
// successful configuration sequence reaches Ready.
type DeviceState uint8

const (
	Uninitialized DeviceState = iota
	Identified
	Configured
	Ready
	Faulted
)

func (s DeviceState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Identified:
		return "identified"
	case Configured:
		return "configured"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

func (s DeviceState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StateValue is the retained payload on dev/<id>/state.
type StateValue struct {
	Device string      `json:"device"`
	Kind   string      `json:"kind"` // "flash", "fram", "accel"
	State  DeviceState `json:"state"`
	Error  string      `json:"error,omitempty"`
	TS     int64       `json:"ts_ms"`
}

// ------------------------
// Reports
// ------------------------

// Check is one step of a device self-test.
type Check struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// Report is the retained payload on dev/<id>/report.
type Report struct {
	Device string  `json:"device"`
	Kind   string  `json:"kind"`
	Pass   bool    `json:"pass"`
	Checks []Check `json:"checks"`
	TS     int64   `json:"ts_ms"`
}

// Add appends a check and folds it into Pass.
func (r *Report) Add(name string, err error, value string) {
	c := Check{Name: name, OK: err == nil, Value: value}
	if err != nil {
		c.Error = err.Error()
	}
	if len(r.Checks) == 0 {
		r.Pass = true
	}
	r.Pass = r.Pass && c.OK
	r.Checks = append(r.Checks, c)
}

// ------------------------
// Accelerometer
// ------------------------

// AccelSample is published on accel/<id>/sample. Axes are milli-g.
type AccelSample struct {
	X  int16 `json:"x_mg"`
	Y  int16 `json:"y_mg"`
	Z  int16 `json:"z_mg"`
	TS int64 `json:"ts_ms"`
}

// ------------------------
// Control replies
// ------------------------

type OKReply struct {
	OK    bool `json:"ok"`
	Value any  `json:"value,omitempty"`
}

type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
