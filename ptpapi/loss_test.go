package ptpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLossSimulatorBounds(t *testing.T) {
	l := NewLossSimulator(42)
	for i := 0; i < 1000; i++ {
		assert.False(t, l.ShouldDrop(0))
		assert.True(t, l.ShouldDrop(1))
	}
}

func TestLossSimulatorRate(t *testing.T) {
	l := NewLossSimulator(42)
	dropped := 0
	const trials = 10000
	for i := 0; i < trials; i++ {
		if l.ShouldDrop(0.25) {
			dropped++
		}
	}
	assert.InDelta(t, trials/4, dropped, trials*0.03)
}

func TestLossSimulatorSeeded(t *testing.T) {
	a, b := NewLossSimulator(7), NewLossSimulator(7)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.ShouldDrop(0.5), b.ShouldDrop(0.5))
	}
}
