// Package gc implements a generational, mostly-copying garbage collector
// over a simulated heap.
//
// This package contains:
//   - The simulated address space and its page table
//   - Region-based allocation per generation and page type
//   - Per-widetag size, scan and transport dispatch
//   - The copying collector and a non-moving mark-sweep alternative
//   - Immobile space with in-header generations and fillers
//   - Weak pointers and weak tables
//   - Object location for arbitrary addresses
//   - A background trigger that collects the nursery
//
// Invariant violations are fatal. They are delivered to the installed
// Reporter, which by default panics with an *InvariantError.
package gc
