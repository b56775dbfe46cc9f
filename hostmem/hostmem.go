// Package hostmem backs the sdhci driver with host physical memory on Linux:
// a register window mapped through /dev/mem and DMA buffers carved from
// physically contiguous pages. Both need root privileges.
//
// Call host.Init from periph.io/x/host/v3 before using this package.
package hostmem

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/soypat/sdhci"
	"periph.io/x/host/v3/pmem"
)

// WindowSize is the size of the standard host controller register file.
const WindowSize = 0x100

// pageSize is the alignment pmem allocations are guaranteed to have.
const pageSize = 4096

// Window is a controller register file mapped from physical memory.
type Window struct {
	view *pmem.View
	mem  []byte
}

var _ sdhci.Registers = (*Window)(nil)

// Map maps the register file of the controller at physical address base.
func Map(base uint64) (*Window, error) {
	if base%4 != 0 {
		return nil, fmt.Errorf("hostmem: unaligned register base %#x", base)
	}
	v, err := pmem.Map(base, WindowSize)
	if err != nil {
		return nil, fmt.Errorf("hostmem: map %#x: %w", base, err)
	}
	mem := v.Bytes()
	if len(mem) < WindowSize {
		v.Close()
		return nil, errors.New("hostmem: short register mapping")
	}
	return &Window{view: v, mem: mem}, nil
}

// Close unmaps the window.
func (w *Window) Close() error { return w.view.Close() }

func (w *Window) ptr(off uint32) unsafe.Pointer { return unsafe.Pointer(&w.mem[off]) }

func (w *Window) Read8(off uint32) uint8   { return *(*uint8)(w.ptr(off)) }
func (w *Window) Read16(off uint32) uint16 { return *(*uint16)(w.ptr(off)) }
func (w *Window) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(w.ptr(off)))
}

func (w *Window) Write8(off uint32, v uint8)   { *(*uint8)(w.ptr(off)) = v }
func (w *Window) Write16(off uint32, v uint16) { *(*uint16)(w.ptr(off)) = v }
func (w *Window) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(w.ptr(off)), v)
}

// Allocator hands out page aligned, physically contiguous DMA buffers.
type Allocator struct{}

var _ sdhci.Allocator = Allocator{}

// Alloc allocates size bytes. Alignments above a page are not supported.
func (Allocator) Alloc(size, align int) (sdhci.DMABuffer, error) {
	if align <= 0 || align > pageSize || pageSize%align != 0 {
		return nil, fmt.Errorf("hostmem: unsupported alignment %d", align)
	}
	// pmem rounds up to whole pages.
	m, err := pmem.Alloc((size + pageSize - 1) &^ (pageSize - 1))
	if err != nil {
		return nil, err
	}
	return m, nil
}
