// Package fdtable allocates file descriptors for drive implementations.
//
// Descriptors start at Base so they never collide with the stdio numbers a
// guest libc reserves. Freed descriptors are reused most-recent first.
package fdtable

import (
	"errors"
	"sync"
)

// Base is the first descriptor handed out.
const Base int32 = 3

var (
	ErrClosed      = errors.New("fdtable: table closed")
	ErrTooManyOpen = errors.New("fdtable: too many open descriptors")
)

// Dropper is implemented by entries that release resources when removed.
type Dropper interface {
	Drop()
}

// Table maps descriptors to open entries. Safe for concurrent use.
type Table[T any] struct {
	entries  []entry[T]
	freeList []int32
	limit    int
	open     int
	mu       sync.RWMutex
	closed   bool
}

type entry[T any] struct {
	value T
	valid bool
}

// New returns a table holding at most limit open entries; 0 means no limit.
func New[T any](limit int) *Table[T] {
	return &Table[T]{
		entries:  make([]entry[T], 0, 16),
		freeList: make([]int32, 0, 8),
		limit:    limit,
	}
}

// Insert stores v and returns its descriptor.
func (t *Table[T]) Insert(v T) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return -1, ErrClosed
	}
	if t.limit > 0 && t.open >= t.limit {
		return -1, ErrTooManyOpen
	}

	e := entry[T]{value: v, valid: true}
	t.open++

	if n := len(t.freeList); n > 0 {
		fd := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[fd-Base] = e
		return fd, nil
	}

	t.entries = append(t.entries, e)
	return Base + int32(len(t.entries)-1), nil
}

func (t *Table[T]) index(fd int32) (int, bool) {
	if fd < Base {
		return 0, false
	}
	idx := int(fd - Base)
	if idx >= len(t.entries) || !t.entries[idx].valid {
		return 0, false
	}
	return idx, true
}

// Get returns the entry for fd.
func (t *Table[T]) Get(fd int32) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.index(fd)
	if !ok {
		var zero T
		return zero, false
	}
	return t.entries[idx].value, true
}

// Remove frees fd, dropping its entry if it implements Dropper.
func (t *Table[T]) Remove(fd int32) (T, bool) {
	t.mu.Lock()
	idx, ok := t.index(fd)
	if !ok {
		t.mu.Unlock()
		var zero T
		return zero, false
	}

	v := t.entries[idx].value
	t.entries[idx] = entry[T]{}
	t.freeList = append(t.freeList, fd)
	t.open--
	t.mu.Unlock()

	drop(v)
	return v, true
}

// Len returns the number of open entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open
}

// Each visits open entries in descriptor order until fn returns false.
func (t *Table[T]) Each(fn func(fd int32, v T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i, e := range t.entries {
		if e.valid && !fn(Base+int32(i), e.value) {
			return
		}
	}
}

// Close drops every open entry. Further inserts fail with ErrClosed.
func (t *Table[T]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	entries := t.entries
	t.entries = nil
	t.freeList = nil
	t.open = 0
	t.mu.Unlock()

	for _, e := range entries {
		if e.valid {
			drop(e.value)
		}
	}
	return nil
}

func drop(v any) {
	if d, ok := v.(Dropper); ok {
		d.Drop()
	}
}
