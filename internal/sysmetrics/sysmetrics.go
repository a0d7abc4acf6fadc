// Package sysmetrics samples process-level memory usage for the
// periodic gauge refresh.
package sysmetrics

import (
	"runtime"
	"syscall"
)

// ResidentMemory returns the process's peak resident set size in bytes,
// as reported by the OS. Callers invoke it from a worker goroutine, not
// from the scheduler loop.
func ResidentMemory() uint64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return HeapInuse()
	}
	// Linux reports ru_maxrss in kilobytes.
	return uint64(ru.Maxrss) * 1024
}

// HeapInuse returns the Go runtime's live heap spans plus goroutine
// stacks, in bytes. Used as the fallback when the OS query fails, and
// by callers that want runtime-managed memory rather than the OS view.
func HeapInuse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse + m.StackInuse
}
