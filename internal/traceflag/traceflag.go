// Package traceflag holds the one process-wide global this runtime allows:
// a trace toggle initialised from the environment on first read.
package traceflag

import (
	"os"
	"sync"
)

var (
	once    sync.Once
	enabled bool
	logPath string
)

func load() {
	enabled = os.Getenv("IRONCYCLE_TRACE") != ""
	logPath = os.Getenv("IRONCYCLE_TRACE_LOG")
}

// Enabled reports whether verbose debug tracing was requested at process
// start. The environment is read exactly once, on first call.
func Enabled() bool {
	once.Do(load)
	return enabled
}

// LogPath returns the configured trace-log file path, or "" if tracing
// writes nowhere but the default logger.
func LogPath() string {
	once.Do(load)
	return logPath
}
