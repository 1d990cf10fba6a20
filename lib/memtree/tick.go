package memtree

import "time"

// Forever is the reserved expiry tick for blocks that never expire by time
// alone; they are only ever freed by Close or an explicit Remove.
const Forever = ^uint64(0)

// processStart anchors the monotonic tick domain
var processStart = time.Now()

// Now returns the current monotonic tick in nanoseconds. Ticks start near
// zero at process start and never go backwards; all expiry deadlines passed
// to Add and PerformCleanup live in this domain.
func Now() uint64 {
	return uint64(time.Since(processStart))
}
