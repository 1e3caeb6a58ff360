package core

import "fmt"

// Assert reports a broken precondition. Builds tagged with `rhidebug` panic
// on the first failed assertion; every other build logs the failure and
// lets the caller continue in a degraded state.
func Assert(condition bool, msg string, args ...interface{}) bool {
	if condition {
		return true
	}
	text := fmt.Sprintf(msg, args...)
	if assertPanics {
		panic("assertion failed: " + text)
	}
	getLogger().Errorf("assertion failed: %s", text)
	return false
}
