// Package util
//
// This file implements a size histogram for tracking the distribution of
// tracked block sizes. Exponential bucket boundaries cover bytes to gigabytes
// with a fixed, small memory footprint, so diagnostics can report on the
// tracked population without walking it.
package util

import (
	"sync"
)

// SizeHistogram tracks the distribution of block sizes.
// Samples are counted into exponentially sized buckets; estimators work on
// the bucket counts, trading exactness for O(1) memory.
type SizeHistogram struct {
	mutex      sync.RWMutex
	boundaries []uint64 // Bucket upper bounds, bytes to GB range
	buckets    []int64  // Count of samples in each bucket
	count      int64    // Total number of samples
	sum        int64    // Sum of all sampled sizes
}

// NewSizeHistogram creates a histogram with default bucket boundaries
// calibrated for sizes from a few bytes up to multiple gigabytes.
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{
		boundaries: []uint64{
			16, 64, 256, 1024, 4096, // 16B to 4KB
			16384, 65536, 262144, 1048576, // 16KB to 1MB
			4194304, 16777216, 67108864, // 4MB to 64MB
			268435456, 1073741824, 4294967296, // 256MB to 4GB
		},
		buckets: make([]int64, 16), // 15 boundaries + 1 overflow bucket
	}
}

// AddSample adds a size sample to the histogram
//
// Thread-safety: This method is safe for concurrent use
func (h *SizeHistogram) AddSample(size uint64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.count++
	h.sum += int64(size)

	for i, boundary := range h.boundaries {
		if size <= boundary {
			h.buckets[i]++
			return
		}
	}
	h.buckets[len(h.buckets)-1]++
}

// RemoveSample removes a previously added sample from the histogram
//
// Thread-safety: This method is safe for concurrent use
func (h *SizeHistogram) RemoveSample(size uint64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.count == 0 {
		return
	}
	h.count--
	h.sum -= int64(size)

	for i, boundary := range h.boundaries {
		if size <= boundary {
			if h.buckets[i] > 0 {
				h.buckets[i]--
			}
			return
		}
	}
	if h.buckets[len(h.buckets)-1] > 0 {
		h.buckets[len(h.buckets)-1]--
	}
}

// Count returns the number of samples currently in the histogram
func (h *SizeHistogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageSize returns the mean sample size, or 0 for an empty histogram
func (h *SizeHistogram) AverageSize() uint64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return 0
	}
	return uint64(h.sum / h.count)
}

// MedianEstimate estimates the median sample size from the bucket counts.
// The estimate is the upper boundary of the bucket containing the median
// sample, which is close enough for capacity planning purposes.
func (h *SizeHistogram) MedianEstimate() uint64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return 0
	}

	target := h.count / 2
	var seen int64
	for i, n := range h.buckets {
		seen += n
		if seen > target {
			if i < len(h.boundaries) {
				return h.boundaries[i]
			}
			break
		}
	}
	return h.boundaries[len(h.boundaries)-1]
}
