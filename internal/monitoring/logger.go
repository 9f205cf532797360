package monitoring

import "log"

// Logf is the package-level diagnostic logger used by the reconstruction
// stages. It defaults to log.Printf but may be replaced by SetLogger so tests
// or batch tools can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Warnf reports recoverable conditions (dropped candidates, alignment that
// stopped short of convergence). It writes through Logf with a "warning:"
// prefix so a single SetLogger call redirects both.
func Warnf(format string, v ...interface{}) {
	Logf("warning: "+format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
