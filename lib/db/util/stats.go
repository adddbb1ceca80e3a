package util

import (
	"math"
	"sync"
)

// ----------------------------------------------------------------------------
// Distribution Statistics
// ----------------------------------------------------------------------------

// Stats summarizes a series of values.
type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes population statistics of values.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	lo, hi, sum := values[0], values[0], 0.0
	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}

	ratio := 1.0
	if hi > 0 {
		ratio = lo / hi
	}
	return Stats{
		StdDeviation: math.Sqrt(sq / float64(len(values))),
		Min:          lo,
		Max:          hi,
		Mean:         mean,
		MinMaxRatio:  ratio,
	}
}

// DistributionStats rates how evenly values (e.g. entries per shard) are spread.
type DistributionStats struct {
	Stats
	// Quality is 1 for a perfectly even spread and approaches 0 for a skewed one
	Quality float64 `json:"quality"`
}

// NewDistributionStats combines the coefficient of variation and the min/max ratio.
func NewDistributionStats(values []float64) DistributionStats {
	stats := NewStats(values)
	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}
	return DistributionStats{
		Stats:   stats,
		Quality: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// SizeHistogram tracks value sizes in exponential buckets (16B to 4GB).
//
// Thread-safe: all methods are safe for concurrent use
type SizeHistogram struct {
	mutex      sync.RWMutex
	boundaries []int
	buckets    []int64
	count      int64
	sum        int64
}

// NewSizeHistogram creates an empty histogram.
func NewSizeHistogram() *SizeHistogram {
	boundaries := []int{
		16, 64, 256, 1024, 4096,
		16384, 65536, 262144, 1048576,
		4194304, 16777216, 67108864,
		268435456, 1073741824, 4294967296,
	}
	return &SizeHistogram{
		boundaries: boundaries,
		buckets:    make([]int64, len(boundaries)+1),
	}
}

// AddSample records one size.
func (h *SizeHistogram) AddSample(size int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	bucket := len(h.boundaries)
	for i, boundary := range h.boundaries {
		if size <= boundary {
			bucket = i
			break
		}
	}
	h.buckets[bucket]++
	h.count++
	h.sum += int64(size)
}

// Count returns the number of samples.
func (h *SizeHistogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// Total returns the sum of all samples.
func (h *SizeHistogram) Total() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.sum
}

// AverageSize returns the mean sample size.
func (h *SizeHistogram) AverageSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// Percentile estimates the given percentile (0-100) from the bucket boundaries.
func (h *SizeHistogram) Percentile(p int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || p < 0 || p > 100 {
		return 0
	}
	target := int64(math.Ceil(float64(h.count) * float64(p) / 100.0))
	var cumulative int64
	for i, n := range h.buckets {
		cumulative += n
		if cumulative < target {
			continue
		}
		switch {
		case i == 0:
			return h.boundaries[0] / 2
		case i < len(h.boundaries):
			return (h.boundaries[i-1] + h.boundaries[i]) / 2
		default:
			return h.boundaries[len(h.boundaries)-1] * 2
		}
	}
	return int(h.sum / h.count)
}
