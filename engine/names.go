package engine

import (
	"math/rand/v2"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// nameLength is the length of generated task names.
	nameLength = 12

	// nameAlphabet is the character set for generated task names.
	nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// nameFilterFalsePositiveRate bounds the chance that a fresh name is
	// mistaken for a previously issued one. A false positive only costs a
	// regeneration, never a duplicate.
	nameFilterFalsePositiveRate = 0.001
)

// nameGenerator issues collision-resistant alphanumeric task names. Issued
// names are remembered in a growable Bloom filter: membership hits trigger
// regeneration rather than reuse, so two names issued by the same generator
// never collide. It is safe for concurrent use.
type nameGenerator struct {
	mu       sync.Mutex
	filters  []*bloom.BloomFilter
	count    uint
	capacity uint
}

// newNameGenerator creates a generator sized for the expected number of
// names. The filter set grows past the estimate with a tightened
// false-positive rate per layer, keeping the compound rate bounded.
func newNameGenerator(expected uint) *nameGenerator {
	if expected == 0 {
		expected = 4096
	}
	return &nameGenerator{
		filters:  []*bloom.BloomFilter{bloom.NewWithEstimates(expected, nameFilterFalsePositiveRate)},
		capacity: expected,
	}
}

// Next returns a name never before issued by this generator.
func (g *nameGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		candidate := randomName()
		if g.seen(candidate) {
			continue
		}
		g.add(candidate)
		return candidate
	}
}

func (g *nameGenerator) seen(name string) bool {
	for _, f := range g.filters {
		if f.TestString(name) {
			return true
		}
	}
	return false
}

func (g *nameGenerator) add(name string) {
	if g.count == g.capacity {
		// Grow: double the layer capacity and halve its false-positive rate
		// so the compound rate across layers stays bounded.
		g.capacity *= 2
		g.count = 0
		rate := nameFilterFalsePositiveRate / float64(len(g.filters)+1)
		g.filters = append(g.filters, bloom.NewWithEstimates(g.capacity, rate))
	}
	g.filters[len(g.filters)-1].AddString(name)
	g.count++
}

func randomName() string {
	buf := make([]byte, nameLength)
	for i := range buf {
		buf[i] = nameAlphabet[rand.IntN(len(nameAlphabet))]
	}
	return string(buf)
}
