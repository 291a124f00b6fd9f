package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfilerAccumulatesSamples(t *testing.T) {
	p := NewProfiler()
	p.Sample(0x1000, "NOP")
	p.Sample(0x1000, "NOP")
	p.Sample(0x1002, "RET")

	assert.Equal(t, int64(2), p.Count(0x1000))
	assert.Equal(t, int64(1), p.Count(0x1002))
	assert.Equal(t, int64(0), p.Count(0xDEAD))
}

func TestProfileRendersOneLocationPerAddress(t *testing.T) {
	p := NewProfiler()
	p.Sample(0x2000, "MOV")
	p.Sample(0x1000, "NOP")
	p.Sample(0x1000, "NOP")

	prof := p.Profile()
	assert.Len(t, prof.Function, 2)
	assert.Len(t, prof.Location, 2)
	assert.Len(t, prof.Sample, 2)

	total := int64(0)
	for _, s := range prof.Sample {
		total += s.Value[0]
	}
	assert.Equal(t, int64(3), total)
}
