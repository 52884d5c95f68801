package errcode

import "errors"

// Code is a stable, caller-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK            Code = "ok"
	InvalidParams Code = "invalid_params"
	Unsupported   Code = "unsupported"

	// Transport
	BusError    Code = "bus_error"    // a raw transfer failed
	LockTimeout Code = "lock_timeout" // exclusion domain not acquired in time
	NestedFrame Code = "nested_frame" // select already asserted by this call chain
	Canceled    Code = "canceled"
	UnknownBus  Code = "unknown_bus"
	UnknownPin  Code = "unknown_pin"
	PinInUse    Code = "pin_in_use"

	// Protocol
	DeviceBusy       Code = "device_busy"       // WIP set or write already in flight
	AddressInvalid   Code = "address_invalid"   // offset outside [0, capacity)
	OperationTimeout Code = "operation_timeout" // erase/program exceeded its bound
	NotReady         Code = "not_ready"         // device has not completed Init
	IDMismatch       Code = "id_mismatch"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil && e.Err != error(e.C) {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.X) match a wrapped E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap attaches op and code to a cause. A nil cause yields nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// New builds an E without a cause.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Of extracts a Code from an error, defaulting to Error.
// Wrapped chains (fmt.Errorf %w, multierr) are searched outermost first.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// Retryable reports whether a caller may reasonably retry the operation.
func Retryable(err error) bool {
	switch Of(err) {
	case LockTimeout, DeviceBusy, BusError:
		return true
	default:
		return false
	}
}
