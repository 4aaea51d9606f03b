// Package util provides small helpers shared across the core: leveled
// tracing and the handful of integer helpers every subsystem needs
// (rounding block counts, clamping).
package util

import (
	"log"
	"sync/atomic"
)

// Level controls which DPrintf calls are emitted. It starts at 1 (only
// the most important traces) and can be raised at runtime, e.g. by a
// test that wants to see cleaner decisions.
var level int64 = 1

func SetLevel(l uint64) {
	atomic.StoreInt64(&level, int64(l))
}

// DPrintf logs format/a under tag if the current Level is >= level.
func DPrintf(l uint64, tag string, format string, a ...interface{}) {
	if int64(l) <= atomic.LoadInt64(&level) {
		log.Printf("["+tag+"] "+format, a...)
	}
}

// RoundUp returns the smallest multiple of sz that is >= n.
func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz * sz
}

// Min returns the smaller of n and m.
func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

// SumOverflows reports whether a+b overflows a uint64.
func SumOverflows(a uint64, b uint64) bool {
	return a+b < a
}
