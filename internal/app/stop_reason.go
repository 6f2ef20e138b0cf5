package app

// StopReason is logged on shutdown so operators can tell a signal from a
// fatal error.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)
