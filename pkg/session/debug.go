package session

import (
	"log"
	"os"
)

var debugEnabled = os.Getenv("SESSIOND_DEBUG") != ""

// debugLog emits a diagnostic line only when SESSIOND_DEBUG is set, so the
// hot I/O paths in PTY.runEventDriven don't pay for formatting on every
// byte in production. Callers pass zap-style printf args; this predates the
// structured logger threaded through the rest of the package and is kept
// local to avoid plumbing a *zap.Logger through every syscall-adjacent
// helper in this file.
func debugLog(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	log.Printf(format, args...)
}
