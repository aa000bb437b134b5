package randvar

import (
	"math/rand"
	"sync"
)

// LockedSource serializes access to an underlying Source so it can be
// shared by concurrent request handlers. Plain *rand.Rand is not safe
// for concurrent use.
type LockedSource struct {
	mu  sync.Mutex
	src Source
}

// NewLockedSource wraps src with a mutex.
func NewLockedSource(src Source) *LockedSource {
	return &LockedSource{src: src}
}

// NewSeededSource returns a locked source seeded with the given value.
func NewSeededSource(seed int64) *LockedSource {
	return NewLockedSource(rand.New(rand.NewSource(seed)))
}

func (l *LockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}
