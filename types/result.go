package types

// Result carries the outcome of a best-effort operation. Callers on the
// primary path are free to ignore it; tests and telemetry inspect it.
type Result struct {
	Err error
}

func OK() Result { return Result{} }

func Fail(err error) Result { return Result{Err: err} }

func (r Result) IsOK() bool { return r.Err == nil }

func (r Result) Unwrap() error { return r.Err }
