package sdhci

import (
	"log/slog"

	"github.com/soypat/sdhci/sdio"
)

// maxGlom bounds the number of packets aggregated in one transfer.
const maxGlom = 40

// GlomPost queues pkt for the next aggregated function 2 write. pkt is
// referenced, not copied, until the write completes or GlomClear is called.
func (d *Device) GlomPost(pkt []byte) error {
	if len(pkt) == 0 || len(pkt) > 0xffff {
		return ErrBadArgument
	}
	d.acquire()
	defer d.release()
	if !d.cfg.Glom {
		return ErrUnsupported
	}
	if len(d.glom) >= maxGlom {
		return ErrBadArgument
	}
	if d.dmaBuf != nil {
		need := d.glomLen() + len(pkt)
		if d.glomMultiDesc() {
			need = int(d.glomEnd()) + len(pkt)
		}
		if need > len(d.dmaBuf.Bytes()) {
			d.logerr("GlomPost: exceeds staging buffer", slog.Int("need", need))
			return ErrBadArgument
		}
	}
	d.glom = append(d.glom, pkt)
	return nil
}

// GlomClear drops all queued packets.
func (d *Device) GlomClear() {
	d.acquire()
	clear(d.glom)
	d.glom = d.glom[:0]
	d.release()
}

// WriteGlom sends the queued packets to function 2 at addr as one transfer.
func (d *Device) WriteGlom(fn uint8, addr uint32) error {
	if fn != sdio.F2 {
		return ErrBadArgument
	}
	return d.requestBuffer(true, fn, addr, true, nil)
}

// SetGlomMode selects how aggregated packets reach the controller and returns
// the mode in effect. Multi descriptor mode needs a v3.00 controller.
func (d *Device) SetGlomMode(mode GlomMode) GlomMode {
	d.acquire()
	defer d.release()
	switch {
	case mode == GlomCopy:
		d.glomMode = mode
	case mode == GlomMultiDesc && d.v3():
		d.glomMode = mode
	}
	return d.glomMode
}

func (d *Device) glomMultiDesc() bool {
	return d.glomMode == GlomMultiDesc && d.v3() && d.dmaMode == DMAADMA2
}

func (d *Device) glomLen() (n int) {
	for _, p := range d.glom {
		n += len(p)
	}
	return n
}

// glomConcat returns the queued packets as one contiguous buffer.
func (d *Device) glomConcat() []byte {
	buf := make([]byte, 0, d.glomLen())
	for _, p := range d.glom {
		buf = append(buf, p...)
	}
	return buf
}

type glomSegment struct {
	off uint32
	n   uint32
}

// glomSegments lays packets out in the staging buffer. Copy mode packs them
// back to back, multi descriptor mode gives each a word aligned segment.
func (d *Device) glomSegments() []glomSegment {
	segs := make([]glomSegment, len(d.glom))
	var off uint32
	for i, p := range d.glom {
		segs[i] = glomSegment{off: off, n: uint32(len(p))}
		off += uint32(len(p))
		if d.glomMultiDesc() {
			off = alignup(off, 4)
		}
	}
	return segs
}

func (d *Device) glomEnd() uint32 {
	segs := d.glomSegments()
	if len(segs) == 0 {
		return 0
	}
	last := segs[len(segs)-1]
	return alignup(last.off+last.n, 4)
}

// stageGlom copies the queued packets into the DMA staging buffer.
func (d *Device) stageGlom() {
	buf := d.dmaBuf.Bytes()
	for i, s := range d.glomSegments() {
		copy(buf[s.off:], d.glom[i])
	}
}
