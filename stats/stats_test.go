package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSummary(t *testing.T) {
	s := NewSummary(1_000_000, 2.0, nil, []int{2, 2, 4})
	assert.InDelta(t, 4.0, s.MegabitsPerSec, 0.0001)
	assert.InDelta(t, 8.0/3, s.WriteBatchMean(), 0.0001)
	assert.Greater(t, s.WriteBatchStdDev(), 0.0)
}

func TestNewSummaryZeroElapsed(t *testing.T) {
	s := NewSummary(100, 0, nil, nil)
	assert.Equal(t, 0.0, s.MegabitsPerSec)
	assert.Equal(t, 0.0, s.WriteBatchMean())
	assert.Equal(t, 0.0, s.WriteBatchStdDev())
}
