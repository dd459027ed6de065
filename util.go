// util.go
package main

import "fmt"

// busyPercent derives an engine's busy percentage from active and
// total tick deltas. A zero total delta means the engine was
// clock-gated for the whole interval; that is idle, not an error.
// Results are pinned to [0, 100] so sampling skew can never surface
// as an impossible percentage.
func busyPercent(activeDelta, totalDelta uint64) float64 {
	if totalDelta == 0 {
		return 0
	}
	pct := float64(activeDelta) * 100 / float64(totalDelta)
	if pct > 100 {
		return 100
	}
	return pct
}

// clampPercent guards client percentages against fluctuations between
// the scanning period and GPU times exported by the kernel.
func clampPercent(pct float64) float64 {
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

var sizeUnits = [...]byte{'B', 'K', 'M', 'G'}

// printSize renders a byte count scaled to the first unit where the
// value drops below 1024, in a fixed 9-column cell.
func printSize(sz uint64) string {
	u := 0
	for u < len(sizeUnits)-1 && sz >= 1024 {
		sz /= 1024
		u++
	}
	return fmt.Sprintf("%7d%c ", sz, sizeUnits[u])
}
