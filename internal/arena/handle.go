//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package arena

import "fmt"

// Handle refers to a value stored in an arena. It is only an index: once the
// arena is released every handle into it stops resolving.
type Handle[T any] struct {
	arena *Arena
	index int
}

// Store places v in the arena and returns a handle to it.
func Store[T any](a *Arena, v T) (Handle[T], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.objects.Load()
	if p == nil || a.released.Load() {
		return Handle[T]{}, ErrReleased
	}
	objects := append(*p, v)
	a.objects.Store(&objects)
	return Handle[T]{arena: a, index: len(objects) - 1}, nil
}

// Get resolves the handle.
func (h Handle[T]) Get() (T, error) {
	var zero T
	if h.arena == nil {
		return zero, fmt.Errorf("arena: unbound handle")
	}
	p := h.arena.objects.Load()
	if p == nil {
		return zero, fmt.Errorf("%w: %s", ErrReleased, h.arena.name)
	}
	objects := *p
	if h.index < 0 || h.index >= len(objects) {
		return zero, fmt.Errorf("arena: handle %d out of range", h.index)
	}
	v, ok := objects[h.index].(T)
	if !ok {
		return zero, fmt.Errorf("arena: handle %d has type %T", h.index, objects[h.index])
	}
	return v, nil
}

// Valid reports whether the handle still resolves.
func (h Handle[T]) Valid() bool {
	_, err := h.Get()
	return err == nil
}
