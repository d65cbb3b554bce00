//go:build gcdebug

package gc

// compiledDebugChecks enables alignment and tag-consistency checks on
// every scavenged reference.
const compiledDebugChecks = true
