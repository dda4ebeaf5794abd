package types

// Logger is the leveled logging sink every component talks through. The
// runtime never writes to stderr/stdout directly; logging is always an
// external collaborator, never part of the protocol's correctness.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// ToggleDebug flips debug-level logging on or off and returns the new
	// state.
	ToggleDebug(value bool) bool
}
