// Package allocator hands out sensor memory through a replaceable hook and
// keeps per-category outstanding counters for leak detection.
package allocator

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
)

// Category tags an allocation with the subsystem that owns it
type Category int

const (
	CategoryUser Category = iota
	CategoryColor
	CategoryDepth
	CategoryIMU
	CategoryUSBDepth
	CategoryUSBIMU

	categoryCount
)

var categoryNames = [categoryCount]string{
	CategoryUser:     "user",
	CategoryColor:    "color",
	CategoryDepth:    "depth",
	CategoryIMU:      "imu",
	CategoryUSBDepth: "usb_depth",
	CategoryUSBIMU:   "usb_imu",
}

func (c Category) String() string {
	if c.valid() {
		return categoryNames[c]
	}
	return "unknown"
}

func (c Category) valid() bool {
	return c >= 0 && c < categoryCount
}

// Categories lists every category in counter order
func Categories() []Category {
	out := make([]Category, 0, categoryCount)
	for c := Category(0); c < categoryCount; c++ {
		out = append(out, c)
	}
	return out
}

var (
	ErrInvalidArgument = errors.New("allocator: invalid argument")
	ErrOverflow        = errors.New("allocator: size overflow")
	ErrOutOfMemory     = errors.New("allocator: out of memory")
	ErrInvalidConfig   = errors.New("allocator: alloc and free hooks must be set together")
	ErrInvalidBuffer   = errors.New("allocator: buffer not owned by allocator or already freed")
)

// AllocFunc obtains size bytes. ctx is handed back to the matching FreeFunc.
// A nil slice means the allocation failed.
type AllocFunc func(size int) (buf []byte, ctx any)

// FreeFunc releases memory obtained from the paired AllocFunc
type FreeFunc func(buf []byte, ctx any)

const (
	headerSize  = 16
	headerMagic = 0x4b414c43
)

// Buffer is one live allocation
type Buffer struct {
	raw      []byte
	data     []byte
	category Category
	free     FreeFunc
	ctx      any
	freed    atomic.Bool
}

// Bytes returns the usable memory (after the header)
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the usable size
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Category returns the category the buffer was allocated under
func (b *Buffer) Category() Category {
	return b.category
}

func (b *Buffer) writeHeader() {
	binary.LittleEndian.PutUint32(b.raw[0:4], headerMagic)
	binary.LittleEndian.PutUint32(b.raw[4:8], uint32(b.category))
	binary.LittleEndian.PutUint64(b.raw[8:16], uint64(len(b.data)))
}

func (b *Buffer) checkHeader() error {
	if len(b.raw) < headerSize {
		return ErrInvalidBuffer
	}
	if binary.LittleEndian.Uint32(b.raw[0:4]) != headerMagic {
		return errors.Wrap(ErrInvalidBuffer, "bad magic")
	}
	if Category(binary.LittleEndian.Uint32(b.raw[4:8])) != b.category {
		return errors.Wrap(ErrInvalidBuffer, "category mismatch")
	}
	if binary.LittleEndian.Uint64(b.raw[8:16]) != uint64(len(b.data)) {
		return errors.Wrap(ErrInvalidBuffer, "size mismatch")
	}
	return nil
}

// Allocator is the memory context shared by every image of a device session.
type Allocator struct {
	hookMu sync.RWMutex
	alloc  AllocFunc
	free   FreeFunc

	counters [categoryCount]atomic.Int64
	sessions atomic.Int64
}

// New returns an allocator using the built-in pooled hook
func New() *Allocator {
	a := &Allocator{}
	a.alloc, a.free = defaultPool.alloc, defaultPool.free
	return a
}

// SetAllocator installs a custom hook pair. Passing nil for both restores
// the default hook; passing exactly one nil is rejected. Outstanding
// buffers keep the free function they were allocated with.
func (a *Allocator) SetAllocator(alloc AllocFunc, free FreeFunc) error {
	if (alloc == nil) != (free == nil) {
		logger.Error("Allocator", "SetAllocator: %v", ErrInvalidConfig)
		return ErrInvalidConfig
	}
	if alloc == nil {
		alloc, free = defaultPool.alloc, defaultPool.free
	}

	a.hookMu.Lock()
	a.alloc, a.free = alloc, free
	a.hookMu.Unlock()
	return nil
}

// Alloc returns size usable bytes tagged with cat
func (a *Allocator) Alloc(cat Category, size int) (*Buffer, error) {
	if !cat.valid() {
		logger.Error("Allocator", "Alloc: invalid category %d", cat)
		return nil, errors.Wrapf(ErrInvalidArgument, "category %d", cat)
	}
	if size <= 0 {
		logger.Error("Allocator", "Alloc: invalid size %d", size)
		return nil, errors.Wrapf(ErrInvalidArgument, "size %d", size)
	}
	if size > math.MaxInt-headerSize {
		return nil, errors.Wrapf(ErrOverflow, "size %d", size)
	}
	total := size + headerSize

	a.counters[cat].Add(1)

	a.hookMu.RLock()
	allocFn, freeFn := a.alloc, a.free
	raw, ctx := allocFn(total)
	a.hookMu.RUnlock()

	if raw == nil {
		a.counters[cat].Add(-1)
		logger.Warn("Allocator", "hook failed to provide %d bytes for %s", total, cat)
		return nil, errors.Wrapf(ErrOutOfMemory, "%d bytes for %s", size, cat)
	}
	if len(raw) < total {
		freeFn(raw, ctx)
		a.counters[cat].Add(-1)
		logger.Error("Allocator", "hook returned %d bytes, want %d", len(raw), total)
		return nil, errors.Wrapf(ErrOutOfMemory, "short allocation for %s", cat)
	}

	b := &Buffer{
		raw:      raw[:total],
		data:     raw[headerSize:total:total],
		category: cat,
		free:     freeFn,
		ctx:      ctx,
	}
	b.writeHeader()
	return b, nil
}

// Free returns b to the hook it was allocated from. Freeing a buffer twice
// or one not produced by this allocator is logged and reported.
func (a *Allocator) Free(b *Buffer) error {
	if b == nil {
		logger.Error("Allocator", "Free: nil buffer")
		return errors.Wrap(ErrInvalidArgument, "nil buffer")
	}
	if !b.freed.CompareAndSwap(false, true) {
		logger.Error("Allocator", "Free: double free of %s buffer", b.category)
		return errors.Wrap(ErrInvalidBuffer, "double free")
	}
	if err := b.checkHeader(); err != nil {
		logger.Error("Allocator", "Free: %v", err)
		return err
	}

	binary.LittleEndian.PutUint32(b.raw[0:4], 0)
	a.counters[b.category].Add(-1)
	b.free(b.raw, b.ctx)
	b.raw, b.data, b.ctx = nil, nil, nil
	return nil
}

// Init opens a session. Leak checks are suppressed while any session is open.
func (a *Allocator) Init() {
	a.sessions.Add(1)
}

// Deinit closes a session opened by Init
func (a *Allocator) Deinit() {
	if a.sessions.Add(-1) < 0 {
		a.sessions.Add(1)
		logger.Error("Allocator", "Deinit without matching Init")
	}
}

// Sessions returns the number of open sessions
func (a *Allocator) Sessions() int64 {
	return a.sessions.Load()
}

// Outstanding returns the number of live allocations of cat
func (a *Allocator) Outstanding(cat Category) int64 {
	if !cat.valid() {
		return 0
	}
	return a.counters[cat].Load()
}

// Counters returns a snapshot of every category counter
func (a *Allocator) Counters() map[Category]int64 {
	out := make(map[Category]int64, categoryCount)
	for c := Category(0); c < categoryCount; c++ {
		out[c] = a.counters[c].Load()
	}
	return out
}

// LeakError lists the categories with outstanding allocations
type LeakError struct {
	Outstanding map[Category]int64
}

func (e *LeakError) Error() string {
	cats := make([]Category, 0, len(e.Outstanding))
	for c := range e.Outstanding {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		parts = append(parts, fmt.Sprintf("%s=%d", c, e.Outstanding[c]))
	}
	return "allocator: leaked allocations: " + strings.Join(parts, " ")
}

// TestForLeaks reports outstanding allocations once every session is closed.
// It returns nil while a session is active.
func (a *Allocator) TestForLeaks() error {
	if n := a.sessions.Load(); n > 0 {
		logger.Debug("Allocator", "leak check skipped, %d session(s) active", n)
		return nil
	}

	leaks := map[Category]int64{}
	for c := Category(0); c < categoryCount; c++ {
		if n := a.counters[c].Load(); n != 0 {
			leaks[c] = n
			logger.Error("Allocator", "leaked %d allocation(s) of category %s", n, c)
		}
	}
	if len(leaks) == 0 {
		return nil
	}
	return &LeakError{Outstanding: leaks}
}
