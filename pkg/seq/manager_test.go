package seq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type step struct {
	input    uint16
	output   uint16
	sync     bool
	drop     bool
	maxInput int64 // checked only when > 0; zero (unset) or -1 means "don't check"
}

func validate(t *testing.T, m *Manager[uint16], steps []step) {
	t.Helper()
	for i, s := range steps {
		if s.sync {
			m.Sync(s.input - 1)
		}
		if s.drop {
			m.Drop(s.input)
			continue
		}
		out, ok := m.Input(s.input)
		require.True(t, ok, "step %d: input %d should be admitted", i, s.input)
		require.Equal(t, s.output, out, "step %d: input %d", i, s.input)
		if s.maxInput > 0 {
			require.Equal(t, uint16(s.maxInput), m.GetMaxInput(), "step %d", i)
		}
	}
}

func TestIsSeqHigherThan(t *testing.T) {
	require.True(t, IsSeqHigherThan[uint16](0, 65000, 0xFFFF))
	require.True(t, IsSeqHigherThan[uint16](0, 32500, 32767))
}

func TestManagerOrderedNoGaps(t *testing.T) {
	m := NewManager[uint16](0xFFFF)
	var steps []step
	for i := uint16(0); i <= 11; i++ {
		steps = append(steps, step{input: i, output: i, maxInput: -1})
	}
	validate(t, m, steps)
}

func TestManagerSyncNoDrop(t *testing.T) {
	m := NewManager[uint16](0xFFFF)
	steps := []step{
		{input: 0, output: 0},
		{input: 1, output: 1},
		{input: 2, output: 2},
		{input: 80, output: 3, sync: true},
		{input: 81, output: 4},
		{input: 82, output: 5},
		{input: 83, output: 6},
		{input: 84, output: 7},
	}
	validate(t, m, steps)
}

func TestManagerSyncAndDrop(t *testing.T) {
	m := NewManager[uint16](0xFFFF)
	steps := []step{
		{input: 0, output: 0},
		{input: 1, output: 1},
		{input: 2, output: 2},
		{input: 3, output: 3},
		{input: 4, output: 4, sync: true},
		{input: 5, output: 5},
		{input: 6, output: 6},
		{input: 7, output: 7, sync: true},
		{input: 8, drop: true},
		{input: 9, output: 8},
		{input: 11, drop: true},
		{input: 10, output: 9},
		{input: 12, output: 10},
	}
	validate(t, m, steps)
}

func TestManagerWrapAround(t *testing.T) {
	m := NewManager[uint16](0xFFFF)
	steps := []step{
		{input: 65533, output: 65533},
		{input: 65534, output: 65534},
		{input: 65535, output: 65535},
		{input: 0, output: 0},
		{input: 1, output: 1},
	}
	validate(t, m, steps)
}

func TestManagerDropBeforeJump(t *testing.T) {
	m := NewManager[uint16](0xFFFF)
	steps := []step{
		{input: 0, output: 0},
		{input: 1, drop: true},
		{input: 100, output: 99},
		{input: 100, output: 99},
		{input: 103, drop: true},
		{input: 101, output: 100},
	}
	validate(t, m, steps)
}

func TestManagerDropsAtBeginningUint8(t *testing.T) {
	mu := NewManager[uint8](0xFF)
	steps := []struct {
		input, output uint8
		drop          bool
	}{
		{1, 1, false},
		{2, 0, true},
		{3, 0, true},
		{4, 0, true},
		{5, 0, true},
		{6, 0, true},
		{7, 0, true},
		{8, 0, true},
		{9, 0, true},
		{120, 112, false},
		{121, 113, false},
		{139, 131, false},
	}
	for _, s := range steps {
		if s.drop {
			mu.Drop(s.input)
			continue
		}
		out, ok := mu.Input(s.input)
		require.True(t, ok)
		require.Equal(t, s.output, out)
	}
}

func TestManagerPreviouslyDroppedRollsOutOfWindow(t *testing.T) {
	m := NewManager[uint16](0xFFFF)
	steps := []step{
		{input: 36964, output: 36964},
		{input: 25923, drop: true},
		{input: 25701, output: 25701},
		{input: 17170, drop: true},
		{input: 25923, output: 25923},
		{input: 4728, drop: true},
		{input: 17170, output: 17170},
	}
	validate(t, m, steps)
}
