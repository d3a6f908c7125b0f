//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

// Package arena provides the memory region owned by one configuration
// generation. Everything allocated or stored in an arena is dropped in bulk
// when the generation is retired; individual objects are never freed.
package arena

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	// BlockSize is the size of the blocks small allocations are carved from.
	BlockSize = 4096
	// MaxSmall is the largest request served from a shared block.
	MaxSmall = BlockSize / 2
)

var (
	ErrReleased = errors.New("arena: already released")
	ErrOverflow = errors.New("arena: allocation size overflow")
	ErrNegative = errors.New("arena: negative allocation size")
)

// Arena is a pool style allocator. It is safe for concurrent use, although
// configuration loading only ever touches it from one goroutine.
type Arena struct {
	name string

	mu       sync.Mutex
	blocks   [][]byte
	current  []byte
	large    [][]byte
	used     int
	cleanups []func()

	objects  atomic.Pointer[[]any]
	released atomic.Bool
}

// Stats describes what an arena currently holds.
type Stats struct {
	Blocks  int
	Large   int
	Bytes   int
	Objects int
}

func New(name string) *Arena {
	a := &Arena{name: name}
	objects := make([]any, 0, 8)
	a.objects.Store(&objects)
	return a
}

func (a *Arena) Name() string {
	return a.name
}

// Alloc returns size bytes owned by the arena. Callers that need zeroed
// memory use Calloc.
func (a *Arena) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrNegative
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released.Load() {
		return nil, ErrReleased
	}
	if size > MaxSmall {
		buf := make([]byte, size)
		a.large = append(a.large, buf)
		a.used += size
		return buf, nil
	}
	if size == 0 {
		return []byte{}, nil
	}
	if len(a.current) < size {
		block := make([]byte, BlockSize)
		a.blocks = append(a.blocks, block)
		a.current = block
	}
	buf := a.current[:size:size]
	a.current = a.current[size:]
	a.used += size
	return buf, nil
}

// Calloc allocates count*size zeroed bytes. A product that does not fit in
// an int is reported as ErrOverflow instead of wrapping around.
func (a *Arena) Calloc(count, size int) ([]byte, error) {
	if count < 0 || size < 0 {
		return nil, ErrNegative
	}
	hi, total := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || total > uint64(maxInt) {
		return nil, ErrOverflow
	}
	buf, err := a.Alloc(int(total))
	if err != nil {
		return nil, err
	}
	clear(buf)
	return buf, nil
}

// OnRelease registers fn to run when the arena is released. Callbacks run
// in reverse registration order.
func (a *Arena) OnRelease(fn func()) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released.Load() {
		return ErrReleased
	}
	a.cleanups = append(a.cleanups, fn)
	return nil
}

// Release drops every block and stored object. It reports false when the
// arena was already released.
func (a *Arena) Release() bool {
	if !a.released.CompareAndSwap(false, true) {
		return false
	}
	a.objects.Store(nil)

	a.mu.Lock()
	cleanups := a.cleanups
	a.cleanups = nil
	a.blocks = nil
	a.current = nil
	a.large = nil
	a.used = 0
	a.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return true
}

func (a *Arena) Released() bool {
	return a.released.Load()
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var objects int
	if p := a.objects.Load(); p != nil {
		objects = len(*p)
	}
	return Stats{
		Blocks:  len(a.blocks),
		Large:   len(a.large),
		Bytes:   a.used,
		Objects: objects,
	}
}

const maxInt = int(^uint(0) >> 1)
