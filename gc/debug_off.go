//go:build !gcdebug

package gc

const compiledDebugChecks = false
