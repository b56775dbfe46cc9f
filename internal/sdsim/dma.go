package sdsim

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/soypat/sdhci/hcreg"
)

// maxDescriptors bounds an ADMA descriptor walk.
const maxDescriptors = 512

// memory is the simulated physical address space DMA reaches.
type memory struct {
	next uint64
	bufs []*Buffer
}

// Buffer is a simulated physically contiguous buffer.
type Buffer struct {
	mu     *sync.Mutex
	phys   uint64
	data   []byte
	closed bool
}

func (b *Buffer) Bytes() []byte    { return b.data }
func (b *Buffer) PhysAddr() uint64 { return b.phys }

// Close releases the buffer. Closing twice is an error.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("sdsim: buffer already closed")
	}
	b.closed = true
	return nil
}

// Alloc returns a zeroed buffer of size bytes at a physical address aligned
// to align.
func (c *Controller) Alloc(size, align int) (*Buffer, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return nil, errors.New("sdsim: bad allocation request")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a := uint64(align)
	phys := (c.mem.next + a - 1) &^ (a - 1)
	c.mem.next = phys + uint64(size)
	b := &Buffer{mu: &c.mu, phys: phys, data: make([]byte, size)}
	c.mem.bufs = append(c.mem.bufs, b)
	return b, nil
}

// slice returns n bytes of host memory at phys.
func (m *memory) slice(phys uint64, n int) ([]byte, bool) {
	for _, b := range m.bufs {
		if b.closed || phys < b.phys || phys+uint64(n) > b.phys+uint64(len(b.data)) {
			continue
		}
		off := phys - b.phys
		return b.data[off : off+uint64(n)], true
	}
	return nil, false
}

// dmaSegments returns the host memory segments of the data phase as
// described by the selected DMA engine.
func (c *Controller) dmaSegments() ([][]byte, bool) {
	switch (c.get8(hcreg.HostCntrl) & hcreg.HostDMASelMask) >> hcreg.HostDMASelShift {
	case hcreg.DMASelSDMA:
		s, ok := c.mem.slice(uint64(c.get32(hcreg.SysAddr)), c.x.total)
		return [][]byte{s}, ok
	case hcreg.DMASelADMA2:
		return c.adma2Segments()
	case hcreg.DMASelADMA1:
		return c.adma1Segments()
	}
	return nil, false
}

func (c *Controller) adma2Segments() ([][]byte, bool) {
	var segs [][]byte
	addr := uint64(c.get32(hcreg.ADMASysAddr))
	for i := 0; i < maxDescriptors; i++ {
		raw, ok := c.mem.slice(addr, 8)
		if !ok {
			return nil, false
		}
		desc := hcreg.DecodeADMA2(binary.LittleEndian.Uint32(raw), binary.LittleEndian.Uint32(raw[4:]))
		if desc.Attr&hcreg.ADMAValid == 0 {
			return nil, false
		}
		switch desc.Attr & hcreg.ADMAActMask {
		case hcreg.ADMAActTran:
			n := int(desc.Len)
			if n == 0 {
				n = 1 << 16
			}
			s, ok := c.mem.slice(uint64(desc.Addr), n)
			if !ok {
				return nil, false
			}
			segs = append(segs, s)
		case hcreg.ADMAActLink:
			addr = uint64(desc.Addr)
			continue
		}
		if desc.Attr&hcreg.ADMAEnd != 0 {
			return segs, true
		}
		addr += 8
	}
	return nil, false
}

func (c *Controller) adma1Segments() ([][]byte, bool) {
	var segs [][]byte
	addr := uint64(c.get32(hcreg.ADMASysAddr))
	var length int
	for i := 0; i < maxDescriptors; i++ {
		raw, ok := c.mem.slice(addr, 4)
		if !ok {
			return nil, false
		}
		w := binary.LittleEndian.Uint32(raw)
		if w&hcreg.ADMAValid == 0 {
			return nil, false
		}
		switch w & hcreg.ADMAActMask {
		case hcreg.ADMAActSet:
			length = int(w >> 12 & 0xffff)
		case hcreg.ADMAActTran:
			s, ok := c.mem.slice(uint64(w&0xFFFFF000), length)
			if !ok {
				return nil, false
			}
			segs = append(segs, s)
		case hcreg.ADMAActLink:
			addr = uint64(w & 0xFFFFF000)
			continue
		}
		if w&hcreg.ADMAEnd != 0 {
			return segs, true
		}
		addr += 4
	}
	return nil, false
}
