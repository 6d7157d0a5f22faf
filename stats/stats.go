// Package stats accumulates the diagnostic numbers the driver reports
// once a download finishes: aggregate throughput, per-connection
// throughput, and the distribution of write-batch sizes the ordered
// writer flushed over the run's lifetime.
package stats

import "math"

// Throughput is one connection's final diagnostic snapshot.
type Throughput struct {
	ConnName   string
	TotalBytes int64
	BytesPerSec float64
}

// Summary is the run-level report, the Go equivalent of the original
// implementation's print_result: total bytes, elapsed time, aggregate
// throughput, and the mean/standard-deviation of write-batch sizes.
type Summary struct {
	TotalBytes      int64
	ElapsedSeconds  float64
	MegabitsPerSec  float64
	PerConnection   []Throughput
	WriteBatchSizes []int
}

// NewSummary computes a Summary from the raw inputs the driver
// collects at the end of a run.
func NewSummary(totalBytes int64, elapsedSeconds float64, perConn []Throughput, batches []int) Summary {
	var mbps float64
	if elapsedSeconds > 0 {
		mbps = float64(totalBytes) / elapsedSeconds * 8 / 1_000_000
	}
	return Summary{
		TotalBytes:      totalBytes,
		ElapsedSeconds:  elapsedSeconds,
		MegabitsPerSec:  mbps,
		PerConnection:   perConn,
		WriteBatchSizes: batches,
	}
}

// WriteBatchMean returns the arithmetic mean of WriteBatchSizes, or 0
// if there were no batches.
func (s Summary) WriteBatchMean() float64 {
	if len(s.WriteBatchSizes) == 0 {
		return 0
	}
	var sum int
	for _, n := range s.WriteBatchSizes {
		sum += n
	}
	return float64(sum) / float64(len(s.WriteBatchSizes))
}

// WriteBatchStdDev returns the sample standard deviation of
// WriteBatchSizes, or 0 if there are fewer than two batches.
func (s Summary) WriteBatchStdDev() float64 {
	n := len(s.WriteBatchSizes)
	if n < 2 {
		return 0
	}
	mean := s.WriteBatchMean()
	var sumSq float64
	for _, v := range s.WriteBatchSizes {
		d := float64(v) - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n-1))
}
