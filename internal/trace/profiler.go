// Package trace records execution samples from an emulation run and
// renders them as a pprof profile, so a caller can inspect which
// addresses dominated a run's step count the same way they would
// profile a Go program's CPU usage.
package trace

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/pprof/profile"
)

// Profiler accumulates (address -> step count) samples for an
// emulation run. The zero value is not usable; construct with
// NewProfiler.
type Profiler struct {
	mu      sync.Mutex
	counts  map[uint64]int64
	mnemonics map[uint64]string
	order   []uint64
}

// NewProfiler returns an empty Profiler.
func NewProfiler() *Profiler {
	return &Profiler{
		counts:    make(map[uint64]int64),
		mnemonics: make(map[uint64]string),
	}
}

// Sample records one step at addr, decoded as mnemonic.
func (p *Profiler) Sample(addr uint64, mnemonic string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, seen := p.counts[addr]; !seen {
		p.order = append(p.order, addr)
	}
	p.counts[addr]++
	p.mnemonics[addr] = mnemonic
}

// Count returns the number of times addr was sampled.
func (p *Profiler) Count(addr uint64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[addr]
}

// Profile renders the accumulated samples as a pprof Profile with one
// sample type, "steps", one location and function per distinct address
// visited, named by address and mnemonic.
func (p *Profiler) Profile() *profile.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs := make([]uint64, len(p.order))
	copy(addrs, p.order)
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "steps", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "steps", Unit: "count"},
		Period:     1,
	}

	for i, addr := range addrs {
		id := uint64(i + 1)
		fn := &profile.Function{
			ID:   id,
			Name: fmt.Sprintf("%#x %s", addr, p.mnemonics[addr]),
		}
		loc := &profile.Location{
			ID:      id,
			Address: addr,
			Line:    []profile.Line{{Function: fn, Line: 0}},
		}
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{p.counts[addr]},
		})
	}

	return prof
}
