package gc

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// InvariantError describes a violated collector invariant. After one is
// raised the heap can no longer be trusted.
type InvariantError struct {
	Check  string // short name of the failed check
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("GC invariant lost: %s: %s", e.Check, e.Detail)
}

// Reporter receives invariant violations. Lose must not return normally;
// if it does, the collector panics on its behalf.
type Reporter interface {
	Lose(check, detail string)
}

// PanicReporter logs the violation and panics with an *InvariantError.
// It is the default so tests and embedding programs can observe the failure.
type PanicReporter struct{}

// Lose implements Reporter.
func (PanicReporter) Lose(check, detail string) {
	log.Criticalf("GC invariant lost: %s: %s", check, detail)
	panic(&InvariantError{Check: check, Detail: detail})
}

// ExitReporter logs the violation and terminates the process.
type ExitReporter struct {
	Code int
}

// Lose implements Reporter.
func (r ExitReporter) Lose(check, detail string) {
	log.Criticalf("GC invariant lost: %s: %s", check, detail)
	fmt.Fprintf(os.Stderr, "fatal: GC invariant lost: %s: %s\n", check, detail)
	code := r.Code
	if code == 0 {
		code = 1
	}
	os.Exit(code)
}

var (
	reporterMu sync.RWMutex
	reporter   Reporter = PanicReporter{}

	runtimeDebug atomic.Bool
)

// SetReporter installs the reporter used for invariant violations.
// Passing nil restores the PanicReporter.
func SetReporter(r Reporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	if r == nil {
		r = PanicReporter{}
	}
	reporter = r
}

// SetDebugChecks switches the debug-only checks on or off at run time.
// Builds with the gcdebug tag always run them.
func SetDebugChecks(on bool) {
	runtimeDebug.Store(on)
}

// DebugChecks reports whether debug-only checks are active.
func DebugChecks() bool {
	return compiledDebugChecks || runtimeDebug.Load()
}

// lose reports a fatal invariant violation. It never returns.
func lose(check, format string, args ...any) {
	reporterMu.RLock()
	r := reporter
	reporterMu.RUnlock()

	detail := fmt.Sprintf(format, args...)
	r.Lose(check, detail)
	panic(&InvariantError{Check: check, Detail: detail})
}

// assert checks an invariant that is verified in every build.
func assert(ok bool, check, format string, args ...any) {
	if !ok {
		lose(check, format, args...)
	}
}

// dcheck checks an invariant only when debug checks are active.
func dcheck(ok bool, check, format string, args ...any) {
	if !ok && DebugChecks() {
		lose(check, format, args...)
	}
}
