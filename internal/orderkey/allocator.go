package orderkey

import (
	"math"
	"math/rand/v2"
)

const (
	// DefaultMaxStep caps the width of the candidate window.
	DefaultMaxStep = 100000
	// DefaultMinGap is the smallest window a non-forced allocation accepts.
	// Raising it makes inserts give up and renumber earlier.
	DefaultMinGap = 1

	maxAttempts = 64
)

// Source is the random source used to pick a key inside the candidate window.
// *rand.Rand from math/rand/v2 satisfies it.
type Source interface {
	Int64N(n int64) int64
}

type globalSource struct{}

func (globalSource) Int64N(n int64) int64 {
	return rand.Int64N(n)
}

type Allocator struct {
	rnd     Source
	maxStep int64
	minGap  int64
}

type Option func(*Allocator)

func WithMaxStep(step int) Option {
	return func(a *Allocator) {
		if step > 0 {
			a.maxStep = int64(step)
		}
	}
}

func WithMinGap(gap int) Option {
	return func(a *Allocator) {
		if gap > 0 {
			a.minGap = int64(gap)
		}
	}
}

// NewAllocator returns an allocator drawing from rnd. A nil rnd uses the
// runtime-seeded generator of math/rand/v2.
func NewAllocator(rnd Source, opts ...Option) *Allocator {
	if rnd == nil {
		rnd = globalSource{}
	}
	a := &Allocator{
		rnd:     rnd,
		maxStep: DefaultMaxStep,
		minGap:  DefaultMinGap,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.minGap > a.maxStep {
		a.minGap = a.maxStep
	}
	return a
}

// NewSeeded returns an allocator with a deterministic PCG source.
func NewSeeded(seed uint64, opts ...Option) *Allocator {
	return NewAllocator(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), opts...)
}

// ComputeKey returns a key strictly between lower and upper that is not in
// used. A nil bound means math.MinInt32 or math.MaxInt32.
//
// The interval is cut in five and the key is drawn from the middle fifth, so
// both neighbours keep room for later inserts. When that fifth is narrower
// than the minimum gap, ComputeKey reports false unless force is set. Even
// forced, it reports false when no free integer lies between the bounds.
func (a *Allocator) ComputeKey(lower, upper *int32, used Set, force bool) (int32, bool) {
	lo, hi := int64(math.MinInt32), int64(math.MaxInt32)
	if lower != nil {
		lo = int64(*lower)
	}
	if upper != nil {
		hi = int64(*upper)
	}
	if hi-lo < 2 {
		return 0, false
	}

	step := (hi - lo) / 5
	if step < a.minGap && !force {
		return 0, false
	}

	var start, width int64
	switch {
	case step == 0:
		start, width = lo+1, hi-lo-1
	case step > a.maxStep:
		width = a.maxStep
		switch {
		case lower != nil:
			start = lo + 2*width
		case upper != nil:
			start = hi - 3*width
		default:
			start = -width / 2
		}
	default:
		start, width = lo+2*step, step
	}
	return a.pick(start, width, used)
}

func (a *Allocator) pick(start, width int64, used Set) (int32, bool) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := int32(start + a.rnd.Int64N(width))
		if !used.Has(candidate) {
			return candidate, true
		}
	}
	for offset := int64(0); offset < width; offset++ {
		candidate := int32(start + offset)
		if !used.Has(candidate) {
			return candidate, true
		}
	}
	return 0, false
}

// Bound is a helper for passing a key value as an interval bound.
func Bound(v int32) *int32 {
	return &v
}
